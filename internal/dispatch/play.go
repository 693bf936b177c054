package dispatch

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/stage"
)

// PlayDispatcher implements mesh.Dispatcher for frames addressed to a
// stageId/accountId pair on this Play server, per spec.md §4.8: look up the
// stage, enqueue a Dispatch message; if no stage exists and the frame was a
// request, reply StageNotFound. An unknown accountId (no Actor bound for
// it) is ActorNotFound by the same rule — the frame's sender addressed a
// stage that exists but has no record of that player.
type PlayDispatcher struct {
	selfNID  string
	registry *stage.Registry
	sender   FrameSender
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewPlayDispatcher(selfNID string, registry *stage.Registry, sender FrameSender, logger *slog.Logger) *PlayDispatcher {
	return &PlayDispatcher{
		selfNID:  selfNID,
		registry: registry,
		sender:   sender,
		logger:   logger,
		tracer:   otel.Tracer("playhouse/dispatch"),
	}
}

func (d *PlayDispatcher) Dispatch(ctx context.Context, from string, f routersock.Frame) error {
	ctx, span := d.tracer.Start(ctx, "play.dispatch", trace.WithAttributes(
		attribute.String("msg_id", f.Header.MsgID),
		attribute.Int64("stage_id", f.Header.StageID),
	))
	defer span.End()

	st, ok := d.registry.Lookup(f.Header.StageID)
	if !ok {
		span.SetStatus(codes.Error, "stage not found")
		d.logger.Warn("play: stage not found", "stage_id", f.Header.StageID, "from", from)
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.StageNotFound, nil)
		return nil
	}

	act, ok := st.Actor(f.Header.AccountID)
	if !ok {
		span.SetStatus(codes.Error, "actor not found")
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.ActorNotFound, nil)
		return nil
	}

	if err := st.Dispatch(act, stage.PacketPayload{
		MsgID:   f.Header.MsgID,
		Payload: f.Payload,
		MsgSeq:  f.Header.MsgSeq,
	}); err != nil {
		span.RecordError(err)
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.CodeOf(err), nil)
	}
	return nil
}
