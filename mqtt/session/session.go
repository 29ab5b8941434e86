// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session keeps the per-identity state that outlives a connection:
// subscriptions and the pending QoS 1/2 deliveries in both directions.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/mqttcore/mqtt/inflight"
	"github.com/absmach/mqttcore/storage"
)

// State represents the session state.
type State int

const (
	StateNew State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Options holds the CONNECT parameters a session is created or resumed with.
type Options struct {
	Version        byte
	CleanStart     bool
	ExpiryInterval uint32 // seconds (v5)
	KeepAlive      uint16
	TopicAliasMax  uint16 // inbound aliases accepted from the client (v5)
	Inflight       inflight.Config
}

// Session is the state of one client identity.
type Session struct {
	ID string

	// Outbound tracks QoS 1/2 deliveries to the client.
	Outbound *inflight.Outbound
	// Inbound holds QoS 2 publishes from the client awaiting PUBREL.
	Inbound *inflight.Inbound

	mu             sync.RWMutex
	version        byte
	cleanStart     bool
	expiry         uint32
	keepAlive      uint16
	topicAliasMax  uint16
	state          State
	connID         string
	connectedAt    time.Time
	disconnectedAt time.Time
	subs           map[string]storage.Subscription
	inboundAliases map[uint16]string
}

// New creates a disconnected session.
func New(id string, opts Options) *Session {
	s := &Session{
		ID:             id,
		Outbound:       inflight.NewOutbound(opts.Inflight),
		Inbound:        inflight.NewInbound(opts.Inflight),
		state:          StateNew,
		subs:           make(map[string]storage.Subscription),
		inboundAliases: make(map[uint16]string),
	}
	s.Update(opts)
	return s
}

// Update applies the options of a resuming CONNECT.
func (s *Session) Update(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version = opts.Version
	s.cleanStart = opts.CleanStart
	s.expiry = opts.ExpiryInterval
	s.keepAlive = opts.KeepAlive
	s.topicAliasMax = opts.TopicAliasMax
}

// Version returns the protocol version of the last CONNECT.
func (s *Session) Version() byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// CleanStart reports whether the session was started clean.
func (s *Session) CleanStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleanStart
}

// ExpiryInterval returns the session expiry interval in seconds.
func (s *Session) ExpiryInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// SetExpiryInterval changes the expiry interval, as a v5 DISCONNECT may.
func (s *Session) SetExpiryInterval(v uint32) {
	s.mu.Lock()
	s.expiry = v
	s.mu.Unlock()
}

// KeepAlive returns the keep-alive interval in seconds.
func (s *Session) KeepAlive() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keepAlive
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether a connection is bound.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// ConnID returns the id of the bound connection, or "" when offline.
func (s *Session) ConnID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connID
}

// DisconnectedAt returns when the last connection was unbound.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectedAt
}

// Bind attaches a connection. Pending outbound deliveries are resent on w.
func (s *Session) Bind(connID string, w inflight.Writer, now time.Time) {
	s.mu.Lock()
	s.connID = connID
	s.state = StateConnected
	s.connectedAt = now
	clear(s.inboundAliases)
	s.mu.Unlock()

	s.Inbound.Bind(w)
	s.Outbound.Bind(w)
}

// Unbind detaches connection connID. It returns false if another connection
// has taken the session over in the meantime.
func (s *Session) Unbind(connID string, now time.Time) bool {
	s.mu.Lock()
	if s.connID != connID || s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	s.connID = ""
	s.state = StateDisconnected
	s.disconnectedAt = now
	clear(s.inboundAliases)
	s.mu.Unlock()

	s.Outbound.Unbind()
	s.Inbound.Unbind()
	return true
}

// AddSubscription stores sub, keeping the higher QoS when the filter is
// already subscribed. It reports whether the filter is new.
func (s *Session) AddSubscription(sub storage.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.subs[sub.Filter]
	if ok && old.QoS > sub.QoS {
		sub.QoS = old.QoS
	}
	s.subs[sub.Filter] = sub
	return !ok
}

// RemoveSubscription deletes the subscription to filter and reports whether
// it existed.
func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[filter]; !ok {
		return false
	}
	delete(s.subs, filter)
	return true
}

// Subscription returns the subscription to filter.
func (s *Session) Subscription(filter string) (storage.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[filter]
	return sub, ok
}

// Subscriptions returns the subscriptions sorted by filter.
func (s *Session) Subscriptions() []storage.Subscription {
	s.mu.RLock()
	out := make([]storage.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Filter < out[j].Filter })
	return out
}

// HasState reports whether the session holds subscriptions or pending
// deliveries.
func (s *Session) HasState() bool {
	s.mu.RLock()
	n := len(s.subs)
	s.mu.RUnlock()
	return n > 0 || s.Outbound.Len() > 0 || s.Inbound.Len() > 0
}

// SetInboundAlias maps a v5 topic alias to topic. It returns false when the
// alias is outside [1, topic alias maximum].
func (s *Session) SetInboundAlias(alias uint16, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alias == 0 || alias > s.topicAliasMax {
		return false
	}
	s.inboundAliases[alias] = topic
	return true
}

// ResolveInboundAlias returns the topic mapped to alias.
func (s *Session) ResolveInboundAlias(alias uint16) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.inboundAliases[alias]
	return topic, ok
}

// Close drops subscriptions and pending deliveries and stops their timers.
func (s *Session) Close() {
	s.mu.Lock()
	clear(s.subs)
	clear(s.inboundAliases)
	s.connID = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	s.Outbound.Unbind()
	s.Inbound.Unbind()
	s.Outbound.Clear()
	s.Inbound.Clear()
}
