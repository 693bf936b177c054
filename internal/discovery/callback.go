package discovery

import "context"

// CallbackFunc matches spec.md §4.4's UpdateServerInfo(self) hook: an
// application-supplied function returning the full active server list, used
// when the deployment has no external service registry and simply wants to
// hardcode or config-drive the mesh topology.
type CallbackFunc func(ctx context.Context) ([]ServerInfo, error)

// CallbackBackend adapts a CallbackFunc to Backend.
type CallbackBackend struct {
	fn CallbackFunc
}

func NewCallbackBackend(fn CallbackFunc) *CallbackBackend {
	return &CallbackBackend{fn: fn}
}

func (b *CallbackBackend) Name() string { return "callback" }

func (b *CallbackBackend) Fetch(ctx context.Context) ([]ServerInfo, error) {
	return b.fn(ctx)
}
