// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync"

// dispatcher runs OnMessage on a single worker so the reader keeps
// processing acknowledgements and PINGRESP while a handler is busy.
// Messages are handed over in arrival order.
type dispatcher struct {
	fn    func(*Message)
	queue chan *Message
	stop  chan struct{}
	once  sync.Once
}

func newDispatcher(fn func(*Message), size int) *dispatcher {
	d := &dispatcher{
		fn:    fn,
		queue: make(chan *Message, size),
		stop:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.stop:
			return
		case msg := <-d.queue:
			d.fn(msg)
		}
	}
}

// enqueue queues msg for the worker. While the queue is full it waits,
// and it gives up when done is closed or the dispatcher stops.
func (d *dispatcher) enqueue(msg *Message, done <-chan struct{}) bool {
	select {
	case d.queue <- msg:
		return true
	default:
	}
	select {
	case d.queue <- msg:
		return true
	case <-done:
		return false
	case <-d.stop:
		return false
	}
}

// close stops the worker. Queued messages are discarded; a handler that is
// already running is not waited for.
func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
}
