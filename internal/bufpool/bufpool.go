// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers packet encoding uses.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer capacity the default pool retains.
const DefaultMaxCap = 64 * 1024

// Pool hands out reset buffers and drops those that grew past maxCap, so a
// single large packet does not pin its buffer for the process lifetime.
type Pool struct {
	maxCap int
	pool   sync.Pool
}

// New returns a pool retaining buffers up to maxCap bytes.
func New(maxCap int) *Pool {
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	return &Pool{
		maxCap: maxCap,
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

var std = New(DefaultMaxCap)

// Get returns an empty buffer from the default pool.
func Get() *bytes.Buffer { return std.Get() }

// Put returns b to the default pool.
func Put(b *bytes.Buffer) { std.Put(b) }
