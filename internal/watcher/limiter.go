package watcher

// limiter.go implements concurrency control for file dispatch.
//
// The limiter uses a semaphore pattern to restrict parallel file processing
// to a configurable maximum, so a burst of dropped files cannot exhaust
// database connections or memory. The scan loop uses TryAcquire and leaves
// files in place when all slots are busy; a later scan picks them up.

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxConcurrentFiles is the default limit for parallel file processing.
const DefaultMaxConcurrentFiles = 5

// Limiter bounds how many files are processed at once.
type Limiter struct {
	semaphore chan struct{}

	mu     sync.RWMutex
	active int
}

// NewLimiter creates a limiter that allows at most maxConcurrent files in
// flight.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentFiles
	}
	return &Limiter{semaphore: make(chan struct{}, maxConcurrent)}
}

// TryAcquire attempts to acquire a slot without blocking.
// Returns true if a slot was acquired, false otherwise.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful TryAcquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of files currently in flight.
func (l *Limiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxConcurrent returns the maximum allowed concurrent files.
func (l *Limiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// WaitForDrain blocks until no files are in flight or the context expires.
// Used during graceful shutdown.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
