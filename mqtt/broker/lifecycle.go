// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/mqtt/session"
	"github.com/absmach/mqttcore/storage"
)

func (b *Broker) handleDisconnect(c *Connection, s *session.Session, p *packets.Disconnect) error {
	if c.Version() == packets.V5 {
		if v, ok := p.Properties.Uint(packets.SessionExpiryIntervalProp); ok {
			if s.ExpiryInterval() == 0 && v != 0 {
				return disconnectWith(packets.ProtocolError, "session expiry set on DISCONNECT after zero on CONNECT")
			}
			s.SetExpiryInterval(v)
		}
	}
	withWill := c.Version() == packets.V5 && p.ReasonCode == packets.DisconnectWithWill
	b.logOp("client_disconnect", slog.String("client_id", s.ID), slog.Int("reason_code", int(p.ReasonCode)))
	c.teardown(withWill, "disconnect")
	return nil
}

// detach releases the session of a torn down connection: it publishes or
// schedules the will and ends or parks the session. A connection that lost
// its session to a takeover leaves both alone.
func (b *Broker) detach(c *Connection, publishWill bool) {
	clientID, s := c.identity()
	if s == nil {
		return
	}
	b.conns.CompareAndDelete(clientID, c)
	ctx := context.Background()

	b.locks.Lock(clientID)
	if !s.Unbind(c.ID, b.clock.Now()) {
		b.locks.Unlock(clientID)
		return
	}
	var will *storage.WillMessage
	if publishWill && !b.closed.Load() {
		will = b.takeWill(ctx, clientID, s)
	} else if err := b.wills.Delete(ctx, clientID); err != nil {
		b.logError("delete_will", err, slog.String("client_id", clientID))
	}
	ended := b.endSession(clientID, s)
	b.locks.Unlock(clientID)

	if b.hooks.OnOffline != nil {
		b.hooks.OnOffline(clientID)
	}
	if will != nil {
		b.publishWill(clientID, will)
	}
	if ended {
		b.metrics.RecordSessions(-1)
	}
	b.logOp("client_offline", slog.String("client_id", clientID), slog.Bool("session_ended", ended))
}

// takeWill returns the will to publish now, or arms a timer for a delayed
// one. A delay never outlives the session. The caller holds the key lock.
func (b *Broker) takeWill(ctx context.Context, clientID string, s *session.Session) *storage.WillMessage {
	will, err := b.wills.Get(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.logError("load_will", err, slog.String("client_id", clientID))
		}
		return nil
	}
	delay := min(will.Delay, s.ExpiryInterval())
	if delay > 0 {
		e := &timerEntry{will: will}
		b.armTimer(&b.willTimers, clientID, e, delay, func() { b.fireWill(clientID, e) })
		b.logOp("will_scheduled", slog.String("client_id", clientID), slog.Int("delay", int(delay)))
		return nil
	}
	if err := b.wills.Delete(ctx, clientID); err != nil {
		b.logError("delete_will", err, slog.String("client_id", clientID))
	}
	return will
}

func (b *Broker) fireWill(clientID string, e *timerEntry) {
	b.locks.Lock(clientID)
	if !b.willTimers.CompareAndDelete(clientID, e) {
		b.locks.Unlock(clientID)
		return
	}
	if err := b.wills.Delete(context.Background(), clientID); err != nil {
		b.logError("delete_will", err, slog.String("client_id", clientID))
	}
	b.locks.Unlock(clientID)

	b.publishWill(clientID, e.will)
}

func (b *Broker) publishWill(clientID string, will *storage.WillMessage) {
	msg := will.Publication(b.clock.Now())
	if msg.Retain {
		b.retain(context.Background(), msg)
	}
	n := b.route(clientID, msg)
	b.logOp("will_published", slog.String("client_id", clientID), slog.String("topic", msg.Topic), slog.Int("recipients", n))
}

// endSession removes a session whose expiry is 0 and arms the expiry timer
// of any other finite session. It reports whether the session was removed.
// The caller holds the key lock.
func (b *Broker) endSession(clientID string, s *session.Session) bool {
	exp := s.ExpiryInterval()
	switch {
	case exp == 0:
		return b.dropSession(clientID, s)
	case exp == neverExpire, b.closed.Load():
		return false
	}
	e := &timerEntry{}
	b.armTimer(&b.expiryTimers, clientID, e, exp, func() { b.expireSession(clientID, s, e) })
	return false
}

func (b *Broker) expireSession(clientID string, s *session.Session, e *timerEntry) {
	b.locks.Lock(clientID)
	if !b.expiryTimers.CompareAndDelete(clientID, e) || s.IsConnected() {
		b.locks.Unlock(clientID)
		return
	}
	ended := b.dropSession(clientID, s)
	// A will still waiting for its delay goes out when the session ends.
	var will *storage.WillMessage
	if we := b.stopTimer(&b.willTimers, clientID); we != nil {
		will = we.will
		if err := b.wills.Delete(context.Background(), clientID); err != nil {
			b.logError("delete_will", err, slog.String("client_id", clientID))
		}
	}
	b.locks.Unlock(clientID)

	if will != nil {
		b.publishWill(clientID, will)
	}
	if ended {
		b.metrics.RecordSessions(-1)
		b.logOp("session_expired", slog.String("client_id", clientID))
	}
}

// dropSession removes s and its subscriptions if it is still the session
// of clientID. The caller holds the key lock.
func (b *Broker) dropSession(clientID string, s *session.Session) bool {
	if !b.sessions.RemoveIf(clientID, s) {
		return false
	}
	if n := b.matcher.RemoveAll(clientID); n > 0 {
		b.stats.subscriptions.Add(-int64(n))
		b.metrics.RecordSubscriptions(-int64(n))
	}
	if b.limiter != nil {
		b.limiter.RemoveClient(clientID)
	}
	return true
}

// armTimer registers e for clientID and schedules fn. An entry it replaces
// is stopped. The caller holds the key lock.
func (b *Broker) armTimer(timers *sync.Map, clientID string, e *timerEntry, seconds uint32, fn func()) {
	if prev, ok := timers.Swap(clientID, e); ok {
		prev.(*timerEntry).timer.Stop()
	}
	e.timer = b.clock.AfterFunc(time.Duration(seconds)*time.Second, fn)
}

// stopTimer cancels and returns the entry of clientID, if any. The caller
// holds the key lock.
func (b *Broker) stopTimer(timers *sync.Map, clientID string) *timerEntry {
	v, ok := timers.LoadAndDelete(clientID)
	if !ok {
		return nil
	}
	e := v.(*timerEntry)
	e.timer.Stop()
	return e
}
