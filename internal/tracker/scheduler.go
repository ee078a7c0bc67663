package tracker

import (
	"context"
	"sync"
	"time"
)

// Scheduler defers non-urgent work. Schedule reports false when the work
// was not accepted and the caller has to run it itself.
type Scheduler interface {
	Schedule(job func(ctx context.Context)) bool
}

// IdleScheduler runs jobs on a small pool of background workers fed by a
// bounded queue.
type IdleScheduler struct {
	jobs    chan func(ctx context.Context)
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewIdleScheduler(workers, queueSize int, timeout time.Duration) *IdleScheduler {
	if workers < 1 {
		workers = 1
	}
	s := &IdleScheduler{
		jobs:    make(chan func(ctx context.Context), queueSize),
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *IdleScheduler) Schedule(job func(ctx context.Context)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	select {
	case s.jobs <- job:
		return true
	default:
		return false
	}
}

func (s *IdleScheduler) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		job(ctx)
		cancel()
	}
}

// Close stops accepting work and waits for queued jobs to finish.
func (s *IdleScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
}
