package stage

import "context"

// AsyncBlock runs fn while pausing this stage's mailbox: per the bound
// Open Question decision (see DESIGN.md), no other mailbox message is
// dispatched until fn returns. There is no second worker interleaving
// other messages during the block — the claim flag set by the handler
// calling AsyncBlock stays set for the block's whole duration, which is
// already true simply because AsyncBlock runs synchronously inside the
// handler that called it; this method exists so user code has an explicit,
// named way to wrap an awaited operation (an outbound request, an I/O
// call) instead of just blocking the handler goroutine directly, and so
// that future instrumentation (tracing span, slow-handler warning) has a
// single place to hook.
func (s *Stage) AsyncBlock(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
