/******************************************************************************
 *
 *  Description :
 *    A very basic implementation of a bounded goroutine pool.
 *
 *****************************************************************************/

package concurrency

import "sync"

// Task represents a work task to be run on the specified pool.
type Task func()

// GoRoutinePool runs tasks on at most numWorkers goroutines.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
	// Tasks scheduled but not yet completed.
	pending sync.WaitGroup
}

// NewGoRoutinePool allocates a new pool with up to `numWorkers` goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}, numWorkers),
	}
}

// Schedule enqueues a closure to run on the pool's goroutines.
// It blocks while all workers are busy.
func (p *GoRoutinePool) Schedule(task Task) {
	p.pending.Add(1)
	wrapped := func() {
		defer p.pending.Done()
		task()
	}
	select {
	case p.work <- wrapped:
	case p.sem <- struct{}{}:
		go p.worker(wrapped)
	}
}

// Done returns a channel which is closed once every task scheduled so far has completed.
func (p *GoRoutinePool) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	return done
}

// Stop sends a stop signal to all running goroutines. Idle workers exit
// immediately, busy ones after finishing the current task.
func (p *GoRoutinePool) Stop() {
	for i := 0; i < len(p.sem); i++ {
		select {
		case p.stop <- struct{}{}:
		default:
		}
	}
}

// Pool worker goroutine.
func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
