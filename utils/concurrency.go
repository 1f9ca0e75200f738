package utils

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WorkerPool manages a pool of goroutines with rate limiting.
type WorkerPool struct {
	semaphore chan struct{}
	limiter   *rate.Limiter
	wg        sync.WaitGroup
}

// NewWorkerPool creates a WorkerPool with the given concurrency. Job starts
// are spaced at least interval apart; zero disables the limit.
func NewWorkerPool(maxWorkers int, interval time.Duration) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &WorkerPool{
		semaphore: make(chan struct{}, maxWorkers),
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Submit enqueues a job for execution in the pool. Jobs submitted after ctx
// is cancelled are skipped.
func (wp *WorkerPool) Submit(ctx context.Context, job func(context.Context)) {
	wp.wg.Add(1)
	wp.semaphore <- struct{}{}

	go func() {
		defer wp.wg.Done()
		defer func() { <-wp.semaphore }()

		if err := wp.limiter.Wait(ctx); err != nil {
			return
		}
		job(ctx)
	}()
}

// Wait blocks until all submitted jobs have completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// IDSet is a thread-safe set of listing ids seen during one run.
type IDSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewIDSet creates an empty IDSet.
func NewIDSet() *IDSet {
	return &IDSet{seen: make(map[string]struct{})}
}

// Add returns true if the id was newly added, false if already present.
func (s *IDSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[id]; exists {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// Contains returns true if the id has already been seen.
func (s *IDSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[id]
	return exists
}

// Size returns the number of unique ids tracked.
func (s *IDSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
