// Package dispatch implements the Play and Api Dispatchers (C9): routing
// inbound mesh frames to the Stage Event Loop or to registered Api handler
// functions, replying on the caller's behalf for protocol-level failures,
// and mapping user handler panics/errors to spec.md §6's wire error codes.
//
// Grounded on the teacher's internal/service/delivery.go (a thin service
// layer between transport handlers and the registry) for the shape of
// Dispatcher as a small struct wrapping a registry plus a send path, and on
// internal/handler/amqp/router.go's routes table (a slice of {topic, queue,
// handler} bound once at startup) for ApiDispatcher's msgId -> handler map.
package dispatch

import (
	"context"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/reqcache"
	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/wire"
)

// FrameSender is the subset of mesh.Communicator dispatch needs: enough to
// send a frame to a peer by NID. Defined locally so dispatch does not import
// internal/mesh at all; it uses only routersock's Frame shape.
type FrameSender interface {
	Send(ctx context.Context, destNID string, f routersock.Frame) error
}

// replyFrame builds the RouteHeader for a reply to req, addressed back at
// req's source, per spec.md §3's RouteHeader invariant: isReply implies
// msgSeq equals the original request's seq. The error code rides in
// RouteHeader.ErrorCode, meaningful only on reply frames.
func replyFrame(selfNID, destNID string, req wire.RouteHeader, code perr.Code, payload []byte) routersock.Frame {
	return routersock.Frame{
		TargetServerID: destNID,
		Header: wire.RouteHeader{
			SourceNID:  selfNID,
			DestNID:    destNID,
			ServiceID:  req.ServiceID,
			ServerType: req.ServerType,
			MsgID:      req.MsgID,
			MsgSeq:     req.MsgSeq,
			StageID:    req.StageID,
			AccountID:  req.AccountID,
			Flags:      wire.FlagIsReply,
			ErrorCode:  uint16(code),
		},
		Payload: payload,
	}
}

// sendReply is the shared helper every dispatcher in this package uses to
// answer a request-shaped frame with an error code and optional payload.
// It is a no-op for push frames (MsgSeq == 0), per spec.md §7: pushes have
// no delivery guarantee and no reply path.
func sendReply(ctx context.Context, sender FrameSender, selfNID, destNID string, req wire.RouteHeader, code perr.Code, payload []byte) {
	if req.MsgSeq == 0 {
		return
	}
	_ = sender.Send(ctx, destNID, replyFrame(selfNID, destNID, req, code, payload))
}

// RequestCaller is implemented by anything that can correlate a reply to an
// outbound request — internal/reqcache.Cache in production, a fake in
// tests. ApiSender holds the concrete *reqcache.Cache, which satisfies this
// interface, for the "request other services" half of spec.md §4.8's
// ApiSender description.
type RequestCaller interface {
	Register(k reqcache.Key, timeout time.Duration) (<-chan reqcache.Result, error)
}
