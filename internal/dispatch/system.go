package dispatch

import (
	"context"
	"log/slog"

	"github.com/playhouse/playhouse/internal/actor"
	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/stage"
)

// SystemDispatcher implements mesh.Dispatcher for the "system" topic on a
// Play server: it answers the sys.CreateStage/sys.JoinStage/sys.CloseStage
// control messages an ApiSender issues (internal/dispatch's own remote-call
// protocol, not part of the client-facing wire format), honoring spec.md
// §4.8's "sends replies; honors system messages."
type SystemDispatcher struct {
	selfNID  string
	registry *stage.Registry
	sender   FrameSender
	logger   *slog.Logger
}

func NewSystemDispatcher(selfNID string, registry *stage.Registry, sender FrameSender, logger *slog.Logger) *SystemDispatcher {
	return &SystemDispatcher{selfNID: selfNID, registry: registry, sender: sender, logger: logger}
}

func (d *SystemDispatcher) Dispatch(ctx context.Context, from string, f routersock.Frame) error {
	switch f.Header.MsgID {
	case SysCreateStage:
		d.handleCreateStage(ctx, from, f)
	case SysJoinStage:
		d.handleJoinStage(ctx, from, f)
	case SysCloseStage:
		d.handleCloseStage(ctx, from, f)
	default:
		d.logger.Warn("system: unrecognized control message", "msg_id", f.Header.MsgID, "from", from)
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.HandlerNotFound, nil)
	}
	return nil
}

func (d *SystemDispatcher) handleCreateStage(ctx context.Context, from string, f routersock.Frame) {
	req, err := decodeCreateStage(f.Payload)
	if err != nil {
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.InvalidMessage, nil)
		return
	}
	_, code, err := d.registry.CreateStage(ctx, f.Header.StageID, req.StageType)
	if err != nil {
		d.logger.Warn("system: create stage failed", "stage_id", f.Header.StageID, "stage_type", req.StageType, "err", err)
	}
	sendReply(ctx, d.sender, d.selfNID, from, f.Header, code, nil)
}

func (d *SystemDispatcher) handleJoinStage(ctx context.Context, from string, f routersock.Frame) {
	req, err := decodeJoinStage(f.Payload)
	if err != nil {
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.InvalidMessage, nil)
		return
	}
	st, ok := d.registry.Lookup(f.Header.StageID)
	if !ok {
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.StageNotFound, nil)
		return
	}

	protocol := actor.ProtocolConnect
	if req.Resume {
		protocol = actor.ProtocolResume
	}
	res, _, err := actor.Bind(st, actor.Session{
		AccountID:       f.Header.AccountID,
		SessionEndpoint: req.SessionEndpoint,
		SessionID:       req.SessionID,
		Protocol:        protocol,
	}, req.UserInfo)
	if err != nil {
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.JoinStageFailed, nil)
		return
	}
	sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.Code(res.Code), res.Reply)
}

func (d *SystemDispatcher) handleCloseStage(ctx context.Context, from string, f routersock.Frame) {
	err := d.registry.CloseStage(f.Header.StageID)
	code := perr.Success
	if err != nil {
		code = perr.CodeOf(err)
	}
	sendReply(ctx, d.sender, d.selfNID, from, f.Header, code, nil)
}
