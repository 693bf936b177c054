package stage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
)

type recordingStage struct {
	mu       sync.Mutex
	events   []string
	dispatchConcurrency atomic.Int32
	maxConcurrency      atomic.Int32
}

func (r *recordingStage) record(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recordingStage) OnCreate(ctx context.Context, s *Stage) perr.Code { r.record("create"); return perr.Success }
func (r *recordingStage) OnPostCreate(ctx context.Context, s *Stage)       { r.record("postcreate") }
func (r *recordingStage) OnJoinRoom(ctx context.Context, a *Actor, info []byte) (perr.Code, []byte) {
	r.record("join:" + a.AccountID)
	return perr.Success, []byte("welcome")
}
func (r *recordingStage) OnLeaveRoom(ctx context.Context, a *Actor, reason LeaveReason) {
	r.record("leave:" + a.AccountID)
}
func (r *recordingStage) OnDispatch(ctx context.Context, a *Actor, p PacketPayload) {
	cur := r.dispatchConcurrency.Add(1)
	for {
		max := r.maxConcurrency.Load()
		if cur <= max || r.maxConcurrency.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	r.record("dispatch:" + p.MsgID)
	r.dispatchConcurrency.Add(-1)
}
func (r *recordingStage) OnConnectionChanged(ctx context.Context, a *Actor, connected bool, reason DisconnectReason) {
	r.record("connchange")
}
func (r *recordingStage) OnTimer(ctx context.Context, timerID int64) { r.record("timer") }
func (r *recordingStage) OnGameLoopTick(ctx context.Context, dt time.Duration) { r.record("tick") }

func newTestStage(t *testing.T, user *recordingStage) *Stage {
	t.Helper()
	pool := NewPool(4, 64)
	t.Cleanup(func() { pool.Close(context.Background()) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New("play-1", 1, "room", user, pool, logger)

	done := make(chan perr.Code, 1)
	s.Create(func(c perr.Code) { done <- c })
	<-done
	return s
}

func TestCreateRunsBeforeJoin(t *testing.T) {
	user := &recordingStage{}
	s := newTestStage(t, user)

	res, err := s.Join(&Actor{AccountID: "acct-1"}, nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Code != int(perr.Success) {
		t.Fatalf("unexpected join code: %d", res.Code)
	}

	user.mu.Lock()
	defer user.mu.Unlock()
	if len(user.events) < 3 || user.events[0] != "create" || user.events[1] != "postcreate" {
		t.Fatalf("expected create,postcreate first, got %v", user.events)
	}
}

func TestDispatchIsSerialized(t *testing.T) {
	user := &recordingStage{}
	s := newTestStage(t, user)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Dispatch(&Actor{AccountID: "a"}, PacketPayload{MsgID: "m"})
		}(i)
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	if user.maxConcurrency.Load() > 1 {
		t.Fatalf("expected serialized dispatch, observed concurrency %d", user.maxConcurrency.Load())
	}
}

func TestCloseStageDrainsAndRejectsFurtherWork(t *testing.T) {
	user := &recordingStage{}
	s := newTestStage(t, user)

	actor := &Actor{AccountID: "acct-1"}
	if _, err := s.Join(actor, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if !s.IsClosed() {
		t.Fatalf("expected stage closed")
	}
	if err := s.Dispatch(actor, PacketPayload{MsgID: "late"}); perr.CodeOf(err) != perr.StageNotFound {
		t.Fatalf("expected StageNotFound after close, got %v", err)
	}

	user.mu.Lock()
	defer user.mu.Unlock()
	found := false
	for _, e := range user.events {
		if e == "leave:acct-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected close to fire OnLeaveRoom for bound actor, got %v", user.events)
	}
}

func TestTimerFiresAsMailboxMessage(t *testing.T) {
	user := &recordingStage{}
	s := newTestStage(t, user)

	s.AddCountTimer(5*time.Millisecond, 10*time.Millisecond, 1)
	time.Sleep(100 * time.Millisecond)

	user.mu.Lock()
	defer user.mu.Unlock()
	count := 0
	for _, e := range user.events {
		if e == "timer" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 timer fire, got %d (%v)", count, user.events)
	}
}

func TestRepeatTimerCancelIsIdempotent(t *testing.T) {
	user := &recordingStage{}
	s := newTestStage(t, user)

	id := s.AddRepeatTimer(5*time.Millisecond, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.CancelTimer(id)
	s.CancelTimer(id) // must not panic

	user.mu.Lock()
	fired := len(user.events)
	user.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	user.mu.Lock()
	defer user.mu.Unlock()
	if len(user.events) > fired {
		t.Fatalf("timer kept firing after cancel")
	}
}

func TestGameLoopGuardRejectsInvalidAccumulatorCap(t *testing.T) {
	user := &recordingStage{}
	s := newTestStage(t, user)

	if err := s.StartGameLoop(10*time.Millisecond, 5*time.Millisecond); perr.CodeOf(err) != perr.InvalidMessage {
		t.Fatalf("expected InvalidMessage for cap < timestep, got %v", err)
	}
	if err := s.StartGameLoop(10*time.Millisecond, 0); perr.CodeOf(err) != perr.InvalidMessage {
		t.Fatalf("expected InvalidMessage for zero cap, got %v", err)
	}
}

func TestGameLoopTicksFireIntoMailbox(t *testing.T) {
	user := &recordingStage{}
	s := newTestStage(t, user)

	if err := s.StartGameLoop(10*time.Millisecond, 50*time.Millisecond); err != nil {
		t.Fatalf("start game loop: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	s.StopGameLoop()

	user.mu.Lock()
	defer user.mu.Unlock()
	count := 0
	for _, e := range user.events {
		if e == "tick" {
			count++
		}
	}
	if count == 0 {
		t.Fatalf("expected at least one tick, got %v", user.events)
	}
}
