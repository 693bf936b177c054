package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/playhouse/playhouse/internal/idgen"
	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/reqcache"
	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/wire"
)

// ApiHandlerFunc is a registered handler for one msgId on an Api server.
// It receives an ApiSender scoped to this one inbound call, per spec.md
// §4.8: "constructs an ApiSender per call that can reply, request other
// services, or trigger stage create/join."
type ApiHandlerFunc func(ctx context.Context, sender *ApiSender, req wire.RouteHeader, payload []byte)

// ApiDispatcher implements mesh.Dispatcher for the Api service type: it is
// stateless (spec.md §4.8), routing by msgId into a handler table built at
// bootstrap rather than holding any stage state of its own.
type ApiDispatcher struct {
	selfNID string
	sender  FrameSender
	reqs    *reqcache.Cache
	seq     *idgen.MsgSeq
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.RWMutex
	handlers map[string]ApiHandlerFunc
}

func NewApiDispatcher(selfNID string, sender FrameSender, reqs *reqcache.Cache, logger *slog.Logger) *ApiDispatcher {
	return &ApiDispatcher{
		selfNID:  selfNID,
		sender:   sender,
		reqs:     reqs,
		seq:      &idgen.MsgSeq{},
		logger:   logger,
		tracer:   otel.Tracer("playhouse/dispatch"),
		handlers: make(map[string]ApiHandlerFunc),
	}
}

// RegisterHandler binds msgID to handler. Must be called before Run;
// registering the same msgId twice replaces the prior handler.
func (d *ApiDispatcher) RegisterHandler(msgID string, handler ApiHandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgID] = handler
}

// Dispatch routes msgId to its registered handler, replying HandlerNotFound
// for an unregistered one, and mapping a handler panic to
// UncheckedContentsError, per spec.md §4.8's failure mapping rule.
func (d *ApiDispatcher) Dispatch(ctx context.Context, from string, f routersock.Frame) error {
	ctx, span := d.tracer.Start(ctx, "api.dispatch", trace.WithAttributes(
		attribute.String("msg_id", f.Header.MsgID),
	))
	defer span.End()

	if f.Header.Flags.IsReply() {
		// Replies are resolved directly by the Communicator against the
		// Request Cache and never reach here; a reply-flagged frame landing
		// on this dispatcher means nobody was waiting for it.
		return nil
	}

	d.mu.RLock()
	h, ok := d.handlers[f.Header.MsgID]
	d.mu.RUnlock()
	if !ok {
		span.SetStatus(codes.Error, "handler not found")
		sendReply(ctx, d.sender, d.selfNID, from, f.Header, perr.HandlerNotFound, nil)
		return nil
	}

	sender := &ApiSender{selfNID: d.selfNID, sender: d.sender, reqs: d.reqs, seq: d.seq, tracer: d.tracer, from: from, req: f.Header}
	d.invoke(ctx, span, h, sender, f)
	return nil
}

func (d *ApiDispatcher) invoke(ctx context.Context, span trace.Span, h ApiHandlerFunc, sender *ApiSender, f routersock.Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("api: handler panicked", "msg_id", f.Header.MsgID, "panic", r)
			span.SetStatus(codes.Error, "handler panicked")
			sendReply(ctx, d.sender, d.selfNID, sender.from, f.Header, perr.UncheckedContentsError, nil)
		}
	}()
	h(ctx, sender, f.Header, f.Payload)
}

// ApiSender is the per-call handle spec.md §4.8 describes: it can reply to
// the inbound request, issue outbound requests to other mesh services, and
// send the reserved system messages that trigger stage create/join/close
// on a Play server.
type ApiSender struct {
	selfNID string
	sender  FrameSender
	reqs    *reqcache.Cache
	seq     *idgen.MsgSeq
	tracer  trace.Tracer
	from    string
	req     wire.RouteHeader
}

// Reply answers the inbound call that produced this sender. A no-op for
// push calls (msgSeq 0), matching spec.md §7.
func (s *ApiSender) Reply(ctx context.Context, code perr.Code, payload []byte) error {
	if s.req.MsgSeq == 0 {
		return nil
	}
	return s.sender.Send(ctx, s.from, replyFrame(s.selfNID, s.from, s.req, code, payload))
}

// Request calls msgId on destNID and blocks for a reply or timeout,
// correlating through the shared Request Cache exactly like any other
// cross-server call.
func (s *ApiSender) Request(ctx context.Context, destNID, msgID string, stageID int64, payload []byte, timeout time.Duration) (wire.Packet, error) {
	return s.requestRaw(ctx, destNID, msgID, stageID, "", payload, false, timeout)
}

// CreateStage asks a Play server to create a stage of stageType under
// stageID, per spec.md §4.8's "trigger stage create" capability.
func (s *ApiSender) CreateStage(ctx context.Context, playNID string, stageID int64, stageType string, timeout time.Duration) (perr.Code, error) {
	pkt, err := s.requestRaw(ctx, playNID, SysCreateStage, stageID, "", encodeCreateStage(createStagePayload{StageType: stageType}), true, timeout)
	if err != nil {
		return perr.InternalError, err
	}
	return pkt.ErrorCode, nil
}

// RemoteSession describes the connecting client, forwarded to the Play
// server so it can bind a stage.Actor the same way a direct gateway
// connection would.
type RemoteSession struct {
	Endpoint  string
	SessionID int64
	Resume    bool
}

// JoinStage asks a Play server to join accountId onto stageID, returning
// the user OnJoinRoom reply payload and error code.
func (s *ApiSender) JoinStage(ctx context.Context, playNID string, stageID int64, accountID string, sess RemoteSession, userInfo []byte, timeout time.Duration) (perr.Code, []byte, error) {
	payload := encodeJoinStage(joinStagePayload{SessionEndpoint: sess.Endpoint, SessionID: sess.SessionID, Resume: sess.Resume, UserInfo: userInfo})
	pkt, err := s.requestRaw(ctx, playNID, SysJoinStage, stageID, accountID, payload, true, timeout)
	if err != nil {
		return perr.InternalError, nil, err
	}
	return pkt.ErrorCode, pkt.Payload, nil
}

// CloseStage asks a Play server to close stageID.
func (s *ApiSender) CloseStage(ctx context.Context, playNID string, stageID int64, timeout time.Duration) error {
	pkt, err := s.requestRaw(ctx, playNID, SysCloseStage, stageID, "", nil, true, timeout)
	if err != nil {
		return err
	}
	if pkt.ErrorCode != perr.Success {
		return perr.New(pkt.ErrorCode, "close stage failed")
	}
	return nil
}

func (s *ApiSender) requestRaw(ctx context.Context, destNID, msgID string, stageID int64, accountID string, payload []byte, system bool, timeout time.Duration) (wire.Packet, error) {
	requestID := uuid.NewString()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "api.request", trace.WithAttributes(
			attribute.String("msg_id", msgID),
			attribute.String("dest_nid", destNID),
			attribute.String("request_id", requestID),
		))
		defer span.End()
	}

	seq := s.seq.Next()
	key := reqcache.Key{PeerNID: destNID, MsgSeq: seq}
	ch, err := s.reqs.Register(key, timeout)
	if err != nil {
		return wire.Packet{}, err
	}

	flags := wire.RouteFlags(0)
	if system {
		flags |= wire.FlagIsSystem
	}
	f := routersock.Frame{
		TargetServerID: destNID,
		Header: wire.RouteHeader{
			SourceNID: s.selfNID,
			DestNID:   destNID,
			MsgID:     msgID,
			MsgSeq:    seq,
			StageID:   stageID,
			AccountID: accountID,
			Flags:     flags,
		},
		Payload: payload,
	}
	if err := s.sender.Send(ctx, destNID, f); err != nil {
		s.reqs.Cancel(key, err)
		return wire.Packet{}, err
	}

	select {
	case res := <-ch:
		return res.Packet, res.Err
	case <-ctx.Done():
		s.reqs.Cancel(key, ctx.Err())
		return wire.Packet{}, ctx.Err()
	}
}
