// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inflight

import (
	"sync"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/benbjohnson/clock"
)

type inEntry struct {
	mu      sync.Mutex
	pub     *packets.Publish
	retries int
	timer   *clock.Timer
	gen     uint64
	done    bool
}

// Inbound holds QoS 2 publishes received from the peer between PUBREC and
// PUBREL, so each one is delivered exactly once. A held publish leaves only
// on PUBREL or Clear; retry limits bound PUBREC retransmission, not the
// time a publish is held.
type Inbound struct {
	cfg     Config
	link    link
	entries sync.Map // uint16 -> *inEntry
}

// NewInbound returns a receiver with no bound writer.
func NewInbound(cfg Config) *Inbound {
	return &Inbound{cfg: cfg.withDefaults()}
}

// Bind attaches the writer of a new connection. Held publishes wait for
// the peer to resend PUBREL.
func (in *Inbound) Bind(w Writer) {
	in.link.set(w)
}

// Unbind detaches the writer.
func (in *Inbound) Unbind() {
	in.link.set(nil)
}

// Publish records a QoS 2 publish and answers PUBREC. It returns true on
// first receipt; a duplicate before PUBREL only repeats PUBREC and must not
// be delivered.
func (in *Inbound) Publish(pub *packets.Publish) bool {
	e := &inEntry{pub: pub}
	e.mu.Lock()
	v, loaded := in.entries.LoadOrStore(pub.PacketID, e)
	if !loaded {
		in.respond(e)
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	old := v.(*inEntry)
	old.mu.Lock()
	defer old.mu.Unlock()
	if !old.done {
		in.respond(old)
	}
	return false
}

// Release handles PUBREL: it removes the held publish and returns it exactly
// once. It returns nil for unknown identifiers; the caller still answers
// PUBCOMP.
func (in *Inbound) Release(id uint16) *packets.Publish {
	v, ok := in.entries.LoadAndDelete(id)
	if !ok {
		return nil
	}
	e := v.(*inEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return e.pub
}

// Len returns the number of held publishes.
func (in *Inbound) Len() int {
	var n int
	in.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear drops every held publish.
func (in *Inbound) Clear() {
	in.entries.Range(func(k, _ any) bool {
		in.Release(k.(uint16))
		return true
	})
}

// respond writes PUBREC and restarts the PUBREC timer. e.mu must be held.
func (in *Inbound) respond(e *inEntry) {
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = in.cfg.Clock.AfterFunc(in.cfg.RetryInterval, func() { in.fire(e, gen) })
	if w := in.link.get(); w != nil {
		_ = w.WritePacket(&packets.PubRec{PacketID: e.pub.PacketID})
	}
}

func (in *Inbound) fire(e *inEntry, gen uint64) {
	e.mu.Lock()
	if e.done || e.gen != gen || in.link.get() == nil {
		e.mu.Unlock()
		return
	}
	// Out of retries: stop repeating PUBREC but keep the publish, so a late
	// PUBREL still releases it.
	if in.cfg.MaxRetries > 0 && e.retries >= in.cfg.MaxRetries {
		e.timer = nil
		e.mu.Unlock()
		return
	}
	e.retries++
	in.respond(e)
	e.mu.Unlock()
}
