package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
)

// IStage is user code's hook into a stage's lifecycle and message
// handling, dispatched exclusively on that stage's claimed mailbox worker
// — per spec.md's invariant, an actor (and by extension its stage) is
// never touched from two goroutines at once.
type IStage interface {
	OnCreate(ctx context.Context, s *Stage) perr.Code
	OnPostCreate(ctx context.Context, s *Stage)
	OnJoinRoom(ctx context.Context, actor *Actor, userInfo []byte) (perr.Code, []byte)
	OnLeaveRoom(ctx context.Context, actor *Actor, reason LeaveReason)
	OnDispatch(ctx context.Context, actor *Actor, packet PacketPayload)
	OnConnectionChanged(ctx context.Context, actor *Actor, isConnected bool, reason DisconnectReason)
	OnTimer(ctx context.Context, timerID int64)
	OnGameLoopTick(ctx context.Context, dt time.Duration)
}

// DisconnectReason mirrors spec.md §4.7's OnConnectionChanged reason enum.
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectClosed
	DisconnectReplaced
	DisconnectTimeout
)

// Actor is a player bound to exactly one stage at a time (spec.md §3). It
// holds a weak handle back to its stage: interaction happens by enqueuing
// mailbox messages, never by calling stage methods that mutate state
// directly from outside the mailbox worker.
type Actor struct {
	AccountID       string
	SessionEndpoint string
	SessionID       int64
	Authenticated   bool
	Connected       bool

	stage *Stage // weak handle: read under the owning stage's mailbox only
}

func (a *Actor) Stage() *Stage { return a.stage }

// Stage is keyed by (serverId, stageId) per spec.md §3.
type Stage struct {
	ServerID  string
	StageID   int64
	StageType string

	user IStage
	pool *Pool

	mailbox    queue
	isRunning  atomic.Bool
	closed     atomic.Bool
	closedOnce sync.Once

	mu     sync.RWMutex
	actors map[string]*Actor // accountId -> Actor

	timers   *timerSet
	glMu     sync.Mutex // guards gameLoop field only
	gameLoop *gameLoop

	logger *slog.Logger
}

// New constructs a stage bound to pool for its mailbox scheduling. The
// stage does not start running user code until the first message is
// enqueued (OnCreate is delivered as an ordinary System message, so it
// still participates in mailbox ordering rather than being special-cased).
func New(serverID string, stageID int64, stageType string, user IStage, pool *Pool, logger *slog.Logger) *Stage {
	s := &Stage{
		ServerID:  serverID,
		StageID:   stageID,
		StageType: stageType,
		user:      user,
		pool:      pool,
		actors:    make(map[string]*Actor),
		logger:    logger,
	}
	s.timers = newTimerSet(s)
	return s
}

// NID formats this stage's owning server's node id pairing for logging.
func (s *Stage) NID() string { return fmt.Sprintf("%s/%d", s.ServerID, s.StageID) }

// enqueue appends a message and, if this enqueue is the one that flips the
// claim flag false->true, schedules a worker. This is the execution
// discipline from spec.md §4.6 step 1.
func (s *Stage) enqueue(m Message) error {
	if s.closed.Load() && m.Kind != KindClose {
		return perr.New(perr.StageNotFound, "stage is closed")
	}
	s.mailbox.push(m)
	s.maybeSchedule()
	return nil
}

func (s *Stage) maybeSchedule() {
	if s.isRunning.CompareAndSwap(false, true) {
		s.pool.Submit(s.run)
	}
}

// run is the worker body: drain the mailbox one message at a time (a
// suspension inside a handler — an AsyncBlock — runs synchronously within
// handle, so the claim flag stays set and no second worker can be
// scheduled onto this stage until it returns), then double-check before
// releasing the claim flag, per spec.md §4.6 steps 2-3.
func (s *Stage) run() {
	for {
		batch := s.mailbox.popAll()
		for _, m := range batch {
			s.handle(m)
		}

		s.isRunning.Store(false)
		// Double-check: a message enqueued between popAll returning empty
		// and the Store above would have seen isRunning still true and
		// skipped scheduling a worker (a lost wakeup) unless we recheck here
		// and re-claim.
		if !s.mailbox.empty() {
			if s.isRunning.CompareAndSwap(false, true) {
				continue
			}
		}
		return
	}
}

func (s *Stage) handle(m Message) {
	ctx := context.Background()
	defer s.recoverHandler(m)

	switch m.Kind {
	case KindJoin:
		code, reply := s.user.OnJoinRoom(ctx, m.Actor, m.JoinUserInfo)
		if code == perr.Success {
			s.mu.Lock()
			prior := s.actors[m.Actor.AccountID]
			m.Actor.stage = s
			s.actors[m.Actor.AccountID] = m.Actor
			s.mu.Unlock()

			// Reconnection preemption (spec.md §4.7): the same accountId
			// arriving while a prior session is still bound preempts it.
			// The swap above already happened inside this stage's own
			// mailbox worker, so the old Actor's stage reference is updated
			// atomically with respect to every other message this stage
			// processes, never from the gateway thread.
			if prior != nil && prior != m.Actor {
				prior.stage = nil
				prior.Connected = false
				s.user.OnConnectionChanged(ctx, prior, false, DisconnectReplaced)
			}
		}
		if m.JoinReply != nil {
			m.JoinReply <- JoinResult{Code: int(code), Reply: reply}
		}
	case KindLeave:
		s.mu.Lock()
		delete(s.actors, m.Actor.AccountID)
		s.mu.Unlock()
		s.user.OnLeaveRoom(ctx, m.Actor, m.LeaveReason)
	case KindDispatch:
		s.user.OnDispatch(ctx, m.Actor, m.Packet)
	case KindTimer:
		s.user.OnTimer(ctx, m.TimerID)
	case KindGameLoopTick:
		// Timestep was stamped at enqueue time, not read back off the
		// stage's live gameLoop here: this message being in the mailbox at
		// all means it was scheduled while the loop was running, so it is
		// delivered even if StopGameLoop has since cleared s.gameLoop (the
		// bound Open Question decision: StopGameLoop drains, it doesn't
		// drop already-enqueued ticks). This also avoids reading s.gameLoop
		// without glMu held from the mailbox worker goroutine.
		s.user.OnGameLoopTick(ctx, m.Timestep)
	case KindSystem:
		if m.SystemFunc != nil {
			m.SystemFunc()
		}
	case KindClose:
		s.doClose(ctx)
	}
}

func (s *Stage) recoverHandler(m Message) {
	if r := recover(); r != nil {
		s.logger.Error("stage: handler panicked", "stage", s.NID(), "kind", m.Kind.String(), "panic", r)
		if m.Kind == KindJoin && m.JoinReply != nil {
			m.JoinReply <- JoinResult{Code: int(perr.UncheckedContentsError)}
		}
	}
}

// Create runs OnCreate then OnPostCreate as the stage's very first message,
// before any Join/Dispatch can be observed, since it is enqueued before the
// stage is returned to its caller.
func (s *Stage) Create(onDone func(perr.Code)) {
	_ = s.enqueue(Message{Kind: KindSystem, SystemFunc: func() {
		code := s.user.OnCreate(context.Background(), s)
		if code == perr.Success {
			s.user.OnPostCreate(context.Background(), s)
		}
		if onDone != nil {
			onDone(code)
		}
	}})
}

// Join enqueues a Join message and blocks (on a buffered 1-capacity
// channel, so the mailbox worker never blocks delivering the result) until
// OnJoinRoom has run.
func (s *Stage) Join(actor *Actor, userInfo []byte) (JoinResult, error) {
	reply := make(chan JoinResult, 1)
	if err := s.enqueue(Message{Kind: KindJoin, Actor: actor, JoinUserInfo: userInfo, JoinReply: reply}); err != nil {
		return JoinResult{}, err
	}
	return <-reply, nil
}

// Leave enqueues a Leave message; fire-and-forget, since OnLeaveRoom has no
// caller-visible return value.
func (s *Stage) Leave(actor *Actor, reason LeaveReason) error {
	return s.enqueue(Message{Kind: KindLeave, Actor: actor, LeaveReason: reason})
}

// Dispatch enqueues a user packet addressed to actor.
func (s *Stage) Dispatch(actor *Actor, p PacketPayload) error {
	return s.enqueue(Message{Kind: KindDispatch, Actor: actor, Packet: p})
}

// ConnectionChanged notifies the stage (via its mailbox, never directly)
// that actor's transport connectivity flipped.
func (s *Stage) ConnectionChanged(actor *Actor, isConnected bool, reason DisconnectReason) error {
	return s.enqueue(Message{Kind: KindSystem, SystemFunc: func() {
		actor.Connected = isConnected
		s.user.OnConnectionChanged(context.Background(), actor, isConnected, reason)
	}})
}

// Actor returns the actor bound to accountId, if any. Safe to call from
// outside the mailbox worker (e.g. the gateway looking up where to route a
// packet) since actors is guarded by mu, but the returned Actor's fields
// should only be mutated from within the stage's own handlers.
func (s *Stage) Actor(accountID string) (*Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[accountID]
	return a, ok
}

// ActorCount returns the number of actors currently bound to this stage.
func (s *Stage) ActorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// Close enqueues the terminal Close message, per spec.md §4.6.
func (s *Stage) Close() error {
	return s.enqueue(Message{Kind: KindClose})
}

// IsClosed reports whether the stage's Close message has already been
// processed.
func (s *Stage) IsClosed() bool { return s.closed.Load() }

func (s *Stage) doClose(ctx context.Context) {
	s.closedOnce.Do(func() {
		s.closed.Store(true)
		s.timers.cancelAll()
		s.stopGameLoopLocked()

		s.mu.Lock()
		actors := make([]*Actor, 0, len(s.actors))
		for _, a := range s.actors {
			actors = append(actors, a)
		}
		s.actors = make(map[string]*Actor)
		s.mu.Unlock()

		for _, a := range actors {
			s.user.OnLeaveRoom(ctx, a, LeaveStageClosed)
		}
	})
}
