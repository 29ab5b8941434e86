// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inflight implements the QoS 1 and QoS 2 delivery state machines:
// packet id allocation, acknowledgement tracking and timer driven
// retransmission.
package inflight

import (
	"errors"
	"sync"
	"time"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/benbjohnson/clock"
)

const (
	// DefaultRetryInterval is used when Config.RetryInterval is zero.
	DefaultRetryInterval = 20 * time.Second
	// MaxPacketID is the largest packet identifier.
	MaxPacketID = 0xFFFF
)

var (
	ErrInflightFull     = errors.New("inflight queue is full")
	ErrIDsExhausted     = errors.New("no free packet identifier")
	ErrRetriesExhausted = errors.New("retransmission attempts exhausted")
	ErrInvalidQoS       = errors.New("tracked delivery requires qos 1 or 2")
)

// Writer sends a packet to the peer. Implementations must not keep pkt
// after WritePacket returns.
type Writer interface {
	WritePacket(pkt packets.ControlPacket) error
}

// FailureFunc is called when a delivery is abandoned.
type FailureFunc func(id uint16, pub *packets.Publish, err error)

// Config tunes retransmission.
type Config struct {
	// RetryInterval is the time to wait for an acknowledgement before
	// retransmitting.
	RetryInterval time.Duration
	// MaxRetries bounds retransmissions per packet; 0 retries forever.
	// Outbound deliveries are abandoned once it is reached; inbound QoS 2
	// publishes stop repeating PUBREC and stay held until PUBREL.
	MaxRetries int
	// MaxInflight bounds the number of unacknowledged outbound publishes;
	// 0 allows every packet identifier.
	MaxInflight int
	// Clock schedules retransmission timers.
	Clock clock.Clock
	// OnFailure is notified when an outbound delivery is abandoned.
	OnFailure FailureFunc
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxInflight <= 0 || c.MaxInflight > MaxPacketID {
		c.MaxInflight = MaxPacketID
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// link holds the writer of the currently bound connection. A nil writer
// means the session is offline.
type link struct {
	mu sync.RWMutex
	w  Writer
}

func (l *link) set(w Writer) {
	l.mu.Lock()
	l.w = w
	l.mu.Unlock()
}

func (l *link) get() Writer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.w
}
