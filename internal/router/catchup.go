package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/joaoipiraja/chat-mom-offline/internal/metrics"
)

// catchUpTask delivers a user's queued envelopes to one session. ctx is
// canceled when the session goes OFFLINE or disconnects. unlock releases
// the user lock taken at the ONLINE transition.
type catchUpTask struct {
	ctx    context.Context
	sess   *session
	user   string
	unlock func()
}

// catchUpPool runs catch-up tasks on a fixed set of workers. Submissions
// never block; a full queue abandons the task and the entries stay queued
// until the next ONLINE transition or FETCH.
type catchUpPool struct {
	tasks  chan catchUpTask
	run    func(catchUpTask)
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newCatchUpPool(workers, queue int, run func(catchUpTask), logger zerolog.Logger) *catchUpPool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &catchUpPool{
		tasks:  make(chan catchUpTask, queue),
		run:    run,
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *catchUpPool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

// Submit schedules t. It returns false when the task was dropped.
func (p *catchUpPool) Submit(t catchUpTask) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		metrics.CatchUps.WithLabelValues("dropped").Inc()
		p.logger.Warn().Str("user", t.user).Msg("catch-up queue full, task dropped")
		return false
	}
}

// Close stops accepting tasks and waits for the workers to drain.
func (p *catchUpPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
