// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"runtime"
	"sync"
)

// fanOutPool is the bounded executor application callbacks run on, so a
// slow hook never stalls the connection that produced the message.
type fanOutPool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	wg     sync.WaitGroup
}

func newFanOutPool(workers, queue int) *fanOutPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queue < workers {
		queue = workers
	}
	p := &fanOutPool{
		tasks: make(chan func(), queue),
	}
	p.wg.Add(workers)
	for range workers {
		go p.run()
	}
	return p
}

func (p *fanOutPool) run() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or the pool is closed, and fn is then never run.
func (p *fanOutPool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// Close runs the queued tasks and waits for the workers to exit.
func (p *fanOutPool) Close() {
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
