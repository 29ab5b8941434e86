// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inflight

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/benbjohnson/clock"
)

// State of an outbound delivery.
type State int

const (
	// StatePublishSent means PUBLISH was sent, waiting for PUBACK (QoS 1)
	// or PUBREC (QoS 2).
	StatePublishSent State = iota
	// StatePubRelSent means PUBREC was received and PUBREL sent, waiting
	// for PUBCOMP.
	StatePubRelSent
)

func (s State) String() string {
	if s == StatePubRelSent {
		return "pubrel_sent"
	}
	return "publish_sent"
}

type outEntry struct {
	mu      sync.Mutex
	id      uint16
	seq     uint64
	pub     *packets.Publish
	state   State
	sent    bool
	retries int
	timer   *clock.Timer
	// gen invalidates timers armed before the latest transition.
	gen  uint64
	done bool
}

// Outbound tracks publishes sent with QoS 1 or 2 until they are
// acknowledged. The terminal transition of an entry is claimed exactly once,
// whether it comes from an acknowledgement, a timer or Clear.
type Outbound struct {
	cfg  Config
	link link

	entries sync.Map // uint16 -> *outEntry
	count   atomic.Int64

	idMu   sync.Mutex
	lastID uint16
	seq    uint64
}

// NewOutbound returns a tracker with no bound writer.
func NewOutbound(cfg Config) *Outbound {
	return &Outbound{cfg: cfg.withDefaults()}
}

// Len returns the number of pending deliveries.
func (o *Outbound) Len() int {
	return int(o.count.Load())
}

// NextID returns a free packet identifier in [1, 65535], wrapping around
// and skipping identifiers still in flight.
func (o *Outbound) NextID() (uint16, error) {
	o.idMu.Lock()
	defer o.idMu.Unlock()
	return o.nextIDLocked()
}

func (o *Outbound) nextIDLocked() (uint16, error) {
	id := o.lastID
	for range MaxPacketID {
		id++
		if id == 0 {
			id = 1
		}
		if _, used := o.entries.Load(id); !used {
			o.lastID = id
			return id, nil
		}
	}
	return 0, ErrIDsExhausted
}

// Send assigns a packet identifier to pub, stores it and transmits it if a
// writer is bound. The tracker keeps its own copy of pub.
func (o *Outbound) Send(pub *packets.Publish) (uint16, error) {
	if pub.QoS == 0 || pub.QoS > 2 {
		return 0, ErrInvalidQoS
	}

	o.idMu.Lock()
	if o.count.Load() >= int64(o.cfg.MaxInflight) {
		o.idMu.Unlock()
		return 0, ErrInflightFull
	}
	id, err := o.nextIDLocked()
	if err != nil {
		o.idMu.Unlock()
		return 0, err
	}
	o.seq++
	e := &outEntry{id: id, seq: o.seq, pub: pub.Copy(), state: StatePublishSent}
	e.pub.PacketID = id
	e.pub.Dup = false
	e.mu.Lock()
	defer e.mu.Unlock()
	o.entries.Store(id, e)
	o.count.Add(1)
	o.idMu.Unlock()

	if w := o.link.get(); w != nil {
		o.arm(e)
		o.transmit(w, e)
	}
	return id, nil
}

// PubAck completes a QoS 1 delivery. It returns false for unknown, late or
// duplicate acknowledgements.
func (o *Outbound) PubAck(id uint16) bool {
	e := o.load(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.pub.QoS != 1 {
		return false
	}
	return o.claim(e)
}

// PubRec moves a QoS 2 delivery to PUBREL_SENT and sends PUBREL. A reason
// code of 0x80 or above ends the delivery without PUBREL. A repeated PUBREC
// while waiting for PUBCOMP sends PUBREL again.
func (o *Outbound) PubRec(id uint16, reasonCode byte) bool {
	e := o.load(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.pub.QoS != 2 {
		return false
	}
	if reasonCode >= packets.UnspecifiedError {
		return o.claim(e)
	}

	if e.state == StatePublishSent {
		e.state = StatePubRelSent
		e.retries = 0
	}
	w := o.link.get()
	if w == nil {
		return true
	}
	o.arm(e)
	o.transmit(w, e)
	return true
}

// PubComp completes a QoS 2 delivery.
func (o *Outbound) PubComp(id uint16) bool {
	e := o.load(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.state != StatePubRelSent {
		return false
	}
	return o.claim(e)
}

// Bind attaches the writer of a new connection and retransmits every
// pending delivery in original order: PUBLISH with dup set if it was sent
// before, PUBREL for deliveries waiting on PUBCOMP.
func (o *Outbound) Bind(w Writer) {
	o.link.set(w)
	if w == nil {
		return
	}
	for _, e := range o.snapshot() {
		e.mu.Lock()
		if !e.done {
			o.arm(e)
			o.transmit(w, e)
		}
		e.mu.Unlock()
	}
}

// Unbind detaches the writer. Pending deliveries stay queued and their
// timers go idle until the next Bind.
func (o *Outbound) Unbind() {
	o.link.set(nil)
}

// Pending returns copies of the pending publishes in send order.
func (o *Outbound) Pending() []*packets.Publish {
	entries := o.snapshot()
	out := make([]*packets.Publish, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.done {
			out = append(out, e.pub.Copy())
		}
		e.mu.Unlock()
	}
	return out
}

// Clear drops every pending delivery and stops its timer.
func (o *Outbound) Clear() {
	for _, e := range o.snapshot() {
		e.mu.Lock()
		if !e.done {
			o.claim(e)
		}
		e.mu.Unlock()
	}
}

func (o *Outbound) load(id uint16) *outEntry {
	v, ok := o.entries.Load(id)
	if !ok {
		return nil
	}
	return v.(*outEntry)
}

func (o *Outbound) snapshot() []*outEntry {
	var entries []*outEntry
	o.entries.Range(func(_, v any) bool {
		entries = append(entries, v.(*outEntry))
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// claim removes e from the table. Only the caller that wins the delete
// finishes the entry. e.mu must be held.
func (o *Outbound) claim(e *outEntry) bool {
	if !o.entries.CompareAndDelete(e.id, e) {
		return false
	}
	e.done = true
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	o.count.Add(-1)
	return true
}

// arm (re)starts the retransmission timer of e. e.mu must be held.
func (o *Outbound) arm(e *outEntry) {
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = o.cfg.Clock.AfterFunc(o.cfg.RetryInterval, func() { o.fire(e, gen) })
}

// transmit writes the packet matching the state of e. Write errors are
// ignored: the armed timer retransmits. e.mu must be held.
func (o *Outbound) transmit(w Writer, e *outEntry) {
	switch e.state {
	case StatePubRelSent:
		_ = w.WritePacket(&packets.PubRel{PacketID: e.id})
	default:
		e.pub.Dup = e.sent
		e.sent = true
		_ = w.WritePacket(e.pub)
	}
}

func (o *Outbound) fire(e *outEntry, gen uint64) {
	e.mu.Lock()
	if e.done || e.gen != gen {
		e.mu.Unlock()
		return
	}
	w := o.link.get()
	if w == nil {
		e.mu.Unlock()
		return
	}
	if o.cfg.MaxRetries > 0 && e.retries >= o.cfg.MaxRetries {
		claimed := o.claim(e)
		pub := e.pub
		e.mu.Unlock()
		if claimed && o.cfg.OnFailure != nil {
			o.cfg.OnFailure(e.id, pub, ErrRetriesExhausted)
		}
		return
	}
	e.retries++
	o.arm(e)
	o.transmit(w, e)
	e.mu.Unlock()
}
