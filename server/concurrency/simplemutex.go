// Package concurrency contains small synchronization helpers used by the subscriber.
package concurrency

import "context"

// SimpleMutex is a channel used for locking. Unlike sync.Mutex it can be
// acquired with a deadline, see LockContext.
type SimpleMutex chan struct{}

// NewSimpleMutex creates and returns a new SimpleMutex object.
func NewSimpleMutex() SimpleMutex {
	return make(SimpleMutex, 1)
}

// Lock acquires a lock on the mutex.
func (s SimpleMutex) Lock() {
	s <- struct{}{}
}

// LockContext acquires a lock on the mutex or gives up when ctx is done.
// Returns ctx.Err() if the lock was not acquired.
func (s SimpleMutex) LockContext(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock attempts to acquire a lock on the mutex.
// Returns true if the lock has been acquired, false otherwise.
func (s SimpleMutex) TryLock() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex.
func (s SimpleMutex) Unlock() {
	<-s
}
