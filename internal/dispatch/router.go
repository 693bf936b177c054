package dispatch

import (
	"context"
	"log/slog"

	"github.com/playhouse/playhouse/internal/actor"
	"github.com/playhouse/playhouse/internal/gateway"
	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/stage"
	"github.com/playhouse/playhouse/internal/wire"
)

// MsgIDJoin is the reserved client->server msgId a freshly connected
// session must send before anything else: it carries the stage join
// request directly to the Play server hosting the stage, per spec.md
// §4.7/§4.9's "binding (accountId, serverId, stageId) once authenticated."
const MsgIDJoin = "@Join@"

type clientJoinPayload struct {
	AccountID string
	Resume    bool
	UserInfo  []byte
}

func encodeClientJoin(p clientJoinPayload) []byte {
	var b []byte
	b = appendLenPrefixed(b, []byte(p.AccountID))
	if p.Resume {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = appendLenPrefixed(b, p.UserInfo)
	return b
}

func decodeClientJoin(b []byte) (clientJoinPayload, error) {
	var p clientJoinPayload
	accountID, rest, err := consumeLenPrefixed(b)
	if err != nil {
		return p, err
	}
	if len(rest) < 1 {
		return p, perr.New(perr.InvalidMessage, "client join: truncated resume flag")
	}
	resume := rest[0] != 0
	userInfo, rest, err := consumeLenPrefixed(rest[1:])
	if err != nil {
		return p, err
	}
	_ = rest
	p.AccountID = string(accountID)
	p.Resume = resume
	p.UserInfo = userInfo
	return p, nil
}

// GatewayRouter implements gateway.Router for a Play server process: it
// binds a freshly connected Session to a local stage (no network hop —
// the client connects directly to the Play server hosting its stage) and
// dispatches every subsequent packet straight into that stage's mailbox.
type GatewayRouter struct {
	selfNID  string
	registry *stage.Registry
	logger   *slog.Logger
}

func NewGatewayRouter(selfNID string, registry *stage.Registry, logger *slog.Logger) *GatewayRouter {
	return &GatewayRouter{selfNID: selfNID, registry: registry, logger: logger}
}

func (r *GatewayRouter) RouteInbound(ctx context.Context, sess *gateway.Session, p wire.Packet) {
	accountID, _, stageID, bound := sess.Binding()
	if !bound {
		r.handleJoin(sess, p)
		return
	}

	st, ok := r.registry.Lookup(stageID)
	if !ok {
		r.reply(sess, p, perr.StageNotFound, nil)
		return
	}
	act, ok := st.Actor(accountID)
	if !ok {
		r.reply(sess, p, perr.ActorNotFound, nil)
		return
	}
	if err := st.Dispatch(act, stage.PacketPayload{MsgID: p.MsgID, Payload: p.Payload, MsgSeq: p.MsgSeq}); err != nil {
		r.reply(sess, p, perr.CodeOf(err), nil)
	}
}

func (r *GatewayRouter) handleJoin(sess *gateway.Session, p wire.Packet) {
	if p.MsgID != MsgIDJoin {
		r.reply(sess, p, perr.NotAuthenticated, nil)
		return
	}
	req, err := decodeClientJoin(p.Payload)
	if err != nil {
		r.reply(sess, p, perr.InvalidMessage, nil)
		return
	}
	st, ok := r.registry.Lookup(p.StageID)
	if !ok {
		r.reply(sess, p, perr.StageNotFound, nil)
		return
	}

	protocol := actor.ProtocolConnect
	if req.Resume {
		protocol = actor.ProtocolResume
	}
	res, _, err := actor.Bind(st, actor.Session{
		AccountID:       req.AccountID,
		SessionEndpoint: r.selfNID,
		SessionID:       sess.ID,
		Protocol:        protocol,
	}, req.UserInfo)
	if err != nil {
		r.reply(sess, p, perr.JoinStageFailed, nil)
		return
	}
	if perr.Code(res.Code) != perr.Success {
		r.reply(sess, p, perr.Code(res.Code), res.Reply)
		return
	}
	sess.Bind(req.AccountID, r.selfNID, p.StageID)
	r.reply(sess, p, perr.Code(res.Code), res.Reply)
}

// Disconnected notifies the bound stage's actor that its transport went
// down, per spec.md §4.9.
func (r *GatewayRouter) Disconnected(sess *gateway.Session, reason stage.DisconnectReason) {
	accountID, _, stageID, bound := sess.Binding()
	if !bound {
		return
	}
	st, ok := r.registry.Lookup(stageID)
	if !ok {
		return
	}
	if act, ok := st.Actor(accountID); ok {
		if err := st.ConnectionChanged(act, false, reason); err != nil {
			r.logger.Debug("gateway router: connection changed enqueue failed", "account_id", accountID, "err", err)
		}
	}
}

func (r *GatewayRouter) reply(sess *gateway.Session, p wire.Packet, code perr.Code, payload []byte) {
	if p.MsgSeq == 0 {
		return
	}
	if err := sess.Send(wire.Packet{MsgID: p.MsgID, Payload: payload, MsgSeq: p.MsgSeq, StageID: p.StageID, ErrorCode: code}); err != nil {
		r.logger.Debug("gateway router: reply send failed", "err", err)
	}
}
