// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats holds process local counters. They complement the exported
// metrics and are cheap enough to read from tests and admin tooling.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	disconnections     atomic.Uint64

	publishReceived atomic.Uint64
	publishSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	dropped         atomic.Uint64

	subscriptions atomic.Int64

	protocolErrors atomic.Uint64
	authErrors     atomic.Uint64
}

func newStats(now time.Time) *Stats {
	return &Stats{startTime: now}
}

func (s *Stats) connected() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) disconnected() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) received(n int) {
	s.publishReceived.Add(1)
	s.bytesReceived.Add(uint64(n))
}

func (s *Stats) sent(n int) {
	s.publishSent.Add(1)
	s.bytesSent.Add(uint64(n))
}

func (s *Stats) TotalConnections() uint64 { return s.totalConnections.Load() }
func (s *Stats) CurrentConnections() int64 { return s.currentConnections.Load() }
func (s *Stats) Disconnections() uint64 { return s.disconnections.Load() }
func (s *Stats) PublishReceived() uint64 { return s.publishReceived.Load() }
func (s *Stats) PublishSent() uint64 { return s.publishSent.Load() }
func (s *Stats) BytesReceived() uint64 { return s.bytesReceived.Load() }
func (s *Stats) BytesSent() uint64 { return s.bytesSent.Load() }
func (s *Stats) Dropped() uint64 { return s.dropped.Load() }
func (s *Stats) Subscriptions() int64 { return s.subscriptions.Load() }
func (s *Stats) ProtocolErrors() uint64 { return s.protocolErrors.Load() }
func (s *Stats) AuthErrors() uint64 { return s.authErrors.Load() }
func (s *Stats) StartTime() time.Time { return s.startTime }
