package stage

import (
	"context"
	"sync"
)

// Pool is the small fixed thread pool spec.md §5 describes driving all
// stage mailboxes cooperatively: stages vastly outnumber worker
// goroutines, so a stage is scheduled onto the pool only while its claim
// flag is set, never given a dedicated goroutine of its own.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// NewPool starts workers goroutines draining a shared job queue.
func NewPool(workers int, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	p := &Pool{jobs: make(chan func(), queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit schedules job to run on the pool. Blocks if the job queue is
// saturated — by design: a stage that just won its claim-flag CAS must
// eventually run, and silently dropping that schedule would strand
// messages in its mailbox forever.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *Pool) Close(ctx context.Context) {
	close(p.jobs)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
