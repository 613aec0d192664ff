package concurrency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSimpleMutexLockContext(t *testing.T) {
	m := NewSimpleMutex()
	if err := m.LockContext(context.Background()); err != nil {
		t.Fatalf("LockContext on a free mutex: %v", err)
	}
	if m.TryLock() {
		t.Error("TryLock must fail on a locked mutex")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.LockContext(ctx); err != context.DeadlineExceeded {
		t.Errorf("LockContext on a locked mutex: expected DeadlineExceeded, got %v", err)
	}

	m.Unlock()
	if !m.TryLock() {
		t.Error("TryLock must succeed after Unlock")
	}
	m.Unlock()
}

func TestGoRoutinePoolRunsAllTasks(t *testing.T) {
	p := NewGoRoutinePool(4)
	var count atomic.Int32
	for i := 0; i < 50; i++ {
		p.Schedule(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not finish in time")
	}
	p.Stop()
	if count.Load() != 50 {
		t.Errorf("tasks: expected 50 to run, got %d", count.Load())
	}
}
