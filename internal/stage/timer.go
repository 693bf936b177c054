package stage

import (
	"sync"
	"sync/atomic"
	"time"
)

// timerSet implements spec.md §4.6's AddRepeatTimer/AddCountTimer/
// CancelTimer: callbacks never run directly — they always arrive as a
// KindTimer message on the owning stage's mailbox, so user code observes
// them with the same serializability as everything else.
type timerSet struct {
	stage  *Stage
	nextID atomic.Int64

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

func newTimerSet(s *Stage) *timerSet {
	return &timerSet{stage: s, timers: make(map[int64]*time.Timer)}
}

// AddRepeatTimer schedules a Timer message every period, starting after
// initialDelay, until canceled.
func (s *Stage) AddRepeatTimer(initialDelay, period time.Duration) int64 {
	return s.timers.schedule(initialDelay, period, -1)
}

// AddCountTimer schedules exactly count Timer messages, the first after
// initialDelay then every period; it removes itself after the last fire.
func (s *Stage) AddCountTimer(initialDelay, period time.Duration, count int) int64 {
	return s.timers.schedule(initialDelay, period, count)
}

// CancelTimer is idempotent: canceling an already-fired count timer or an
// unknown id is a no-op.
func (s *Stage) CancelTimer(id int64) {
	s.timers.cancel(id)
}

func (ts *timerSet) schedule(initialDelay, period time.Duration, count int) int64 {
	id := ts.nextID.Add(1)
	remaining := count

	var fire func()
	fire = func() {
		ts.mu.Lock()
		_, live := ts.timers[id]
		ts.mu.Unlock()
		if !live {
			return
		}

		_ = ts.stage.enqueue(Message{Kind: KindTimer, TimerID: id})

		if remaining > 0 {
			remaining--
			if remaining == 0 {
				ts.cancel(id)
				return
			}
		}

		ts.mu.Lock()
		if t, ok := ts.timers[id]; ok {
			t.Reset(period)
		}
		ts.mu.Unlock()
	}

	t := time.AfterFunc(initialDelay, fire)
	ts.mu.Lock()
	ts.timers[id] = t
	ts.mu.Unlock()
	return id
}

func (ts *timerSet) cancel(id int64) {
	ts.mu.Lock()
	t, ok := ts.timers[id]
	if ok {
		delete(ts.timers, id)
	}
	ts.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (ts *timerSet) cancelAll() {
	ts.mu.Lock()
	ids := make([]*time.Timer, 0, len(ts.timers))
	for _, t := range ts.timers {
		ids = append(ids, t)
	}
	ts.timers = make(map[int64]*time.Timer)
	ts.mu.Unlock()
	for _, t := range ids {
		t.Stop()
	}
}
