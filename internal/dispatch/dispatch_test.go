package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/reqcache"
	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/stage"
	"github.com/playhouse/playhouse/internal/wire"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []routersock.Frame
	relay func(destNID string, f routersock.Frame)
}

func (s *fakeSender) Send(_ context.Context, destNID string, f routersock.Frame) error {
	s.mu.Lock()
	s.sent = append(s.sent, f)
	relay := s.relay
	s.mu.Unlock()
	if relay != nil {
		relay(destNID, f)
	}
	return nil
}

func (s *fakeSender) last() routersock.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type echoStage struct{}

func (echoStage) OnCreate(context.Context, *stage.Stage) perr.Code { return perr.Success }
func (echoStage) OnPostCreate(context.Context, *stage.Stage)       {}
func (echoStage) OnJoinRoom(context.Context, *stage.Actor, []byte) (perr.Code, []byte) {
	return perr.Success, nil
}
func (echoStage) OnLeaveRoom(context.Context, *stage.Actor, stage.LeaveReason)        {}
func (echoStage) OnDispatch(context.Context, *stage.Actor, stage.PacketPayload)       {}
func (echoStage) OnConnectionChanged(context.Context, *stage.Actor, bool, stage.DisconnectReason) {
}
func (echoStage) OnTimer(context.Context, int64)                {}
func (echoStage) OnGameLoopTick(context.Context, time.Duration) {}

func TestPlayDispatcherStageNotFound(t *testing.T) {
	pool := stage.NewPool(2, 16)
	reg := stage.NewRegistry("play-1", pool, discardLogger())
	sender := &fakeSender{}
	d := NewPlayDispatcher("1:play-1", reg, sender, discardLogger())

	err := d.Dispatch(context.Background(), "1:api-1", routersock.Frame{
		Header: wire.RouteHeader{MsgID: "Hello", MsgSeq: 3, StageID: 99},
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	reply := sender.last()
	if reply.Header.ErrorCode != uint16(perr.StageNotFound) {
		t.Fatalf("expected StageNotFound, got %d", reply.Header.ErrorCode)
	}
}

func TestApiDispatcherHandlerNotFound(t *testing.T) {
	sender := &fakeSender{}
	reqs := reqcache.New()
	d := NewApiDispatcher("1:api-1", sender, reqs, discardLogger())

	_ = d.Dispatch(context.Background(), "1:api-2", routersock.Frame{
		Header: wire.RouteHeader{MsgID: "Nope", MsgSeq: 7},
	})
	reply := sender.last()
	if reply.Header.ErrorCode != uint16(perr.HandlerNotFound) {
		t.Fatalf("expected HandlerNotFound, got %d", reply.Header.ErrorCode)
	}
}

func TestApiDispatcherPanicMapsToUncheckedContentsError(t *testing.T) {
	sender := &fakeSender{}
	reqs := reqcache.New()
	d := NewApiDispatcher("1:api-1", sender, reqs, discardLogger())
	d.RegisterHandler("Boom", func(ctx context.Context, sender *ApiSender, req wire.RouteHeader, payload []byte) {
		panic("user handler exploded")
	})

	_ = d.Dispatch(context.Background(), "1:api-2", routersock.Frame{
		Header: wire.RouteHeader{MsgID: "Boom", MsgSeq: 9},
	})
	reply := sender.last()
	if reply.Header.ErrorCode != uint16(perr.UncheckedContentsError) {
		t.Fatalf("expected UncheckedContentsError, got %d", reply.Header.ErrorCode)
	}
}

func TestSystemDispatcherCreateAndJoinStage(t *testing.T) {
	pool := stage.NewPool(2, 16)
	reg := stage.NewRegistry("play-1", pool, discardLogger())
	reg.RegisterFactory("Echo", func() stage.IStage { return echoStage{} })
	sender := &fakeSender{}
	d := NewSystemDispatcher("1:play-1", reg, sender, discardLogger())

	ctx := context.Background()
	_ = d.Dispatch(ctx, "1:api-1", routersock.Frame{
		Header:  wire.RouteHeader{MsgID: SysCreateStage, MsgSeq: 1, StageID: 100, Flags: wire.FlagIsSystem},
		Payload: encodeCreateStage(createStagePayload{StageType: "Echo"}),
	})
	if got := sender.last().Header.ErrorCode; got != uint16(perr.Success) {
		t.Fatalf("CreateStage: expected Success, got %d", got)
	}

	_ = d.Dispatch(ctx, "1:api-1", routersock.Frame{
		Header:  wire.RouteHeader{MsgID: SysJoinStage, MsgSeq: 2, StageID: 100, AccountID: "acct-1", Flags: wire.FlagIsSystem},
		Payload: encodeJoinStage(joinStagePayload{SessionEndpoint: "gw-1", SessionID: 5}),
	})
	if got := sender.last().Header.ErrorCode; got != uint16(perr.Success) {
		t.Fatalf("JoinStage: expected Success, got %d", got)
	}

	st, ok := reg.Lookup(100)
	if !ok {
		t.Fatal("expected stage 100 to exist")
	}
	if st.ActorCount() != 1 {
		t.Fatalf("expected 1 actor bound, got %d", st.ActorCount())
	}
}
