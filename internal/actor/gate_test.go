package actor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/stage"
)

type noopStage struct {
	mu        sync.Mutex
	dispatched []string
}

func (n *noopStage) OnCreate(ctx context.Context, s *stage.Stage) perr.Code { return perr.Success }
func (n *noopStage) OnPostCreate(ctx context.Context, s *stage.Stage)       {}
func (n *noopStage) OnJoinRoom(ctx context.Context, a *stage.Actor, info []byte) (perr.Code, []byte) {
	return perr.Success, nil
}
func (n *noopStage) OnLeaveRoom(ctx context.Context, a *stage.Actor, reason stage.LeaveReason) {}
func (n *noopStage) OnDispatch(ctx context.Context, a *stage.Actor, p stage.PacketPayload) {
	n.mu.Lock()
	n.dispatched = append(n.dispatched, p.MsgID)
	n.mu.Unlock()
}
func (n *noopStage) OnConnectionChanged(ctx context.Context, a *stage.Actor, connected bool, reason stage.DisconnectReason) {
}
func (n *noopStage) OnTimer(ctx context.Context, timerID int64)              {}
func (n *noopStage) OnGameLoopTick(ctx context.Context, dt time.Duration) {}

type fakeAuthenticator struct {
	result perr.Code
	posted bool
}

func (f *fakeAuthenticator) OnAuthenticate(ctx context.Context, act *stage.Actor, packet stage.PacketPayload) (perr.Code, []byte) {
	if f.result == perr.Success {
		act.AccountID = "resolved-account"
	}
	return f.result, []byte("ack")
}
func (f *fakeAuthenticator) OnPostAuthenticate(ctx context.Context, act *stage.Actor) { f.posted = true }

type recordingReplier struct {
	mu    sync.Mutex
	codes []perr.Code
}

func (r *recordingReplier) Reply(act *stage.Actor, msgSeq uint16, code perr.Code, payload []byte) {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
}

func newGateStage(t *testing.T, gate *Gate) *stage.Stage {
	t.Helper()
	pool := stage.NewPool(2, 16)
	t.Cleanup(func() { pool.Close(context.Background()) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := stage.New("play-1", 1, "room", gate, pool, logger)
	done := make(chan perr.Code, 1)
	s.Create(func(c perr.Code) { done <- c })
	<-done
	return s
}

func TestGateRejectsUnauthenticatedNonAuthPacket(t *testing.T) {
	inner := &noopStage{}
	auth := &fakeAuthenticator{result: perr.Success}
	replier := &recordingReplier{}
	gate := &Gate{Inner: inner, Authenticator: auth, AuthenticateMessageID: "Auth", Reply: replier}
	s := newGateStage(t, gate)

	act := &stage.Actor{AccountID: "acct-1"}
	if _, err := s.Join(act, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Dispatch(act, stage.PacketPayload{MsgID: "Move", MsgSeq: 7}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.dispatched) != 0 {
		t.Fatalf("expected OnDispatch not to run before auth, got %v", inner.dispatched)
	}

	replier.mu.Lock()
	defer replier.mu.Unlock()
	if len(replier.codes) != 1 || replier.codes[0] != perr.NotAuthenticated {
		t.Fatalf("expected a NotAuthenticated reply, got %v", replier.codes)
	}
}

func TestGateAdmitsAfterSuccessfulAuthenticate(t *testing.T) {
	inner := &noopStage{}
	auth := &fakeAuthenticator{result: perr.Success}
	replier := &recordingReplier{}
	gate := &Gate{Inner: inner, Authenticator: auth, AuthenticateMessageID: "Auth", Reply: replier}
	s := newGateStage(t, gate)

	act := &stage.Actor{AccountID: "acct-1"}
	if _, err := s.Join(act, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := s.Dispatch(act, stage.PacketPayload{MsgID: "Auth", MsgSeq: 1}); err != nil {
		t.Fatalf("dispatch auth: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Dispatch(act, stage.PacketPayload{MsgID: "Move", MsgSeq: 2}); err != nil {
		t.Fatalf("dispatch move: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if !act.Authenticated {
		t.Fatalf("expected actor marked authenticated")
	}
	if !auth.posted {
		t.Fatalf("expected OnPostAuthenticate to run")
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	found := false
	for _, m := range inner.dispatched {
		if m == "Move" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Move to reach inner OnDispatch after auth, got %v", inner.dispatched)
	}
}

func TestGateRejectsFailedAuthenticate(t *testing.T) {
	inner := &noopStage{}
	auth := &fakeAuthenticator{result: perr.AuthenticationFailed}
	replier := &recordingReplier{}
	gate := &Gate{Inner: inner, Authenticator: auth, AuthenticateMessageID: "Auth", Reply: replier}
	s := newGateStage(t, gate)

	act := &stage.Actor{AccountID: "acct-1"}
	if _, err := s.Join(act, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Dispatch(act, stage.PacketPayload{MsgID: "Auth", MsgSeq: 1}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if act.Authenticated {
		t.Fatalf("expected actor to remain unauthenticated after failed auth")
	}
	replier.mu.Lock()
	defer replier.mu.Unlock()
	if len(replier.codes) != 1 || replier.codes[0] != perr.AuthenticationFailed {
		t.Fatalf("expected an AuthenticationFailed reply, got %v", replier.codes)
	}
}

func TestBindResumeSkipsAuthentication(t *testing.T) {
	inner := &noopStage{}
	auth := &fakeAuthenticator{result: perr.Success}
	gate := &Gate{Inner: inner, Authenticator: auth, AuthenticateMessageID: "Auth"}
	s := newGateStage(t, gate)

	_, act, err := Bind(s, Session{AccountID: "acct-1", Protocol: ProtocolResume}, nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !act.Authenticated {
		t.Fatalf("expected resumed session to be pre-authenticated")
	}

	if err := s.Dispatch(act, stage.PacketPayload{MsgID: "Move", MsgSeq: 1}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.dispatched) != 1 {
		t.Fatalf("expected resumed session's dispatch to reach inner directly, got %v", inner.dispatched)
	}
}

func TestReconnectPreemptsPriorSession(t *testing.T) {
	var mu sync.Mutex
	var changes []bool
	ts := &trackingStageImpl{noopStage: &noopStage{}, record: func(connected bool) {
		mu.Lock()
		changes = append(changes, connected)
		mu.Unlock()
	}}

	auth := &fakeAuthenticator{result: perr.Success}
	gate := &Gate{Inner: ts, Authenticator: auth, AuthenticateMessageID: "Auth"}
	s := newGateStage(t, gate)

	_, first, err := Bind(s, Session{AccountID: "acct-1", SessionID: 1, Protocol: ProtocolResume}, nil)
	if err != nil {
		t.Fatalf("bind first: %v", err)
	}
	_, second, err := Bind(s, Session{AccountID: "acct-1", SessionID: 2, Protocol: ProtocolResume}, nil)
	if err != nil {
		t.Fatalf("bind second: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if first.Stage() != nil {
		t.Fatalf("expected preempted first session's stage handle cleared")
	}
	if second.Stage() == nil {
		t.Fatalf("expected second session to be bound to the stage")
	}
	if bound, ok := s.Actor("acct-1"); !ok || bound != second {
		t.Fatalf("expected registry to hold the second session's actor")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != false {
		t.Fatalf("expected exactly one OnConnectionChanged(false) for the preempted session, got %v", changes)
	}
}

type trackingStageImpl struct {
	*noopStage
	record func(connected bool)
}

func (t *trackingStageImpl) OnConnectionChanged(ctx context.Context, a *stage.Actor, connected bool, reason stage.DisconnectReason) {
	t.record(connected)
}
