package stage

import (
	"sync/atomic"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
)

// gameLoop drives a fixed-timestep accumulator on a dedicated timer
// goroutine (spec.md §5: "dedicated threads run... the game-loop timer"),
// enqueuing a GameLoopTick message onto the owning stage each time the
// accumulator reaches fixedTimestep.
type gameLoop struct {
	fixedTimestep    time.Duration
	maxAccumulatorCap time.Duration

	stopCh   chan struct{}
	stopped  atomic.Bool
	runnerID uint64 // not set or read; StopGameLoop never waits on the loop goroutine
}

// StartGameLoop validates {fixedTimestep, maxAccumulatorCap} per spec.md
// §4.6 and §8 invariant 6 (maxAccumulatorCap must be >= fixedTimestep and
// > 0) and, if valid, starts the accumulator goroutine.
func (s *Stage) StartGameLoop(fixedTimestep, maxAccumulatorCap time.Duration) error {
	if fixedTimestep <= 0 || maxAccumulatorCap <= 0 || maxAccumulatorCap < fixedTimestep {
		return perr.New(perr.InvalidMessage, "game loop requires maxAccumulatorCap >= fixedTimestep > 0")
	}

	s.glMu.Lock()
	if s.gameLoop != nil {
		s.gameLoop.stop()
	}
	gl := &gameLoop{
		fixedTimestep:     fixedTimestep,
		maxAccumulatorCap: maxAccumulatorCap,
		stopCh:            make(chan struct{}),
	}
	s.gameLoop = gl
	s.glMu.Unlock()

	go s.runGameLoop(gl)
	return nil
}

func (s *Stage) runGameLoop(gl *gameLoop) {
	ticker := time.NewTicker(gl.fixedTimestep)
	defer ticker.Stop()

	var accumulator time.Duration
	last := time.Now()

	for {
		select {
		case <-gl.stopCh:
			return
		case now := <-ticker.C:
			accumulator += now.Sub(last)
			last = now
			if accumulator > gl.maxAccumulatorCap {
				accumulator = gl.maxAccumulatorCap
			}
			for accumulator >= gl.fixedTimestep {
				if err := s.enqueue(Message{Kind: KindGameLoopTick, Timestep: gl.fixedTimestep}); err != nil {
					return // stage closed
				}
				accumulator -= gl.fixedTimestep
			}
		}
	}
}

func (gl *gameLoop) stop() {
	if gl.stopped.CompareAndSwap(false, true) {
		close(gl.stopCh)
	}
}

// StopGameLoop stops scheduling future ticks. Per the bound Open Question
// decision, ticks already enqueued before this call still drain normally —
// only the accumulator goroutine is told to stop producing new ones.
//
// A tick's own handler may legally call StopGameLoop (the common "end
// game, stop simulating" pattern); since the accumulator runs on its own
// goroutine rather than the stage's mailbox worker, there is no self-join
// hazard here the way there would be if the ticker lived on the mailbox
// worker itself — stop() only closes a channel, it never blocks waiting for
// the accumulator goroutine to exit.
func (s *Stage) StopGameLoop() {
	s.glMu.Lock()
	gl := s.gameLoop
	s.gameLoop = nil
	s.glMu.Unlock()
	if gl != nil {
		gl.stop()
	}
}

// stopGameLoopLocked is doClose's callsite for tearing down a running game
// loop; despite the name (kept for symmetry with StopGameLoop) it takes
// glMu itself rather than assuming the caller already holds it, since
// doClose runs on the mailbox worker while StartGameLoop/StopGameLoop may
// be called from any goroutine.
func (s *Stage) stopGameLoopLocked() {
	s.glMu.Lock()
	defer s.glMu.Unlock()
	if s.gameLoop != nil {
		s.gameLoop.stop()
		s.gameLoop = nil
	}
}
