// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inflight_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqttcore/mqtt/inflight"
	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	retry   = 10 * time.Second
	waitFor = time.Second
	tick    = time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	pkts []packets.ControlPacket
}

func (r *recorder) WritePacket(pkt packets.ControlPacket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch p := pkt.(type) {
	case *packets.Publish:
		r.pkts = append(r.pkts, p.Copy())
	default:
		r.pkts = append(r.pkts, pkt)
	}
	return nil
}

func (r *recorder) all() []packets.ControlPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packets.ControlPacket(nil), r.pkts...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pkts)
}

func newPublish(qos byte) *packets.Publish {
	return &packets.Publish{
		FixedHeader: packets.FixedHeader{QoS: qos},
		TopicName:   "t",
		Payload:     []byte("x"),
	}
}

func TestOutboundQoS1(t *testing.T) {
	mock := clock.NewMock()
	out := inflight.NewOutbound(inflight.Config{RetryInterval: retry, Clock: mock})
	w := &recorder{}
	out.Bind(w)

	id, err := out.Send(newPublish(1))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
	assert.Equal(t, 1, out.Len())

	pkts := w.all()
	require.Len(t, pkts, 1)
	pub := pkts[0].(*packets.Publish)
	assert.Equal(t, id, pub.PacketID)
	assert.False(t, pub.Dup)

	assert.True(t, out.PubAck(id))
	assert.False(t, out.PubAck(id), "duplicate ack must be ignored")
	assert.Zero(t, out.Len())

	mock.Add(retry * 3)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, w.len(), "no retransmission after ack")
}

func TestOutboundRetransmitsWithDup(t *testing.T) {
	mock := clock.NewMock()
	out := inflight.NewOutbound(inflight.Config{RetryInterval: retry, Clock: mock})
	w := &recorder{}
	out.Bind(w)

	id, err := out.Send(newPublish(1))
	require.NoError(t, err)

	for i := 2; i <= 4; i++ {
		mock.Add(retry)
		want := i
		require.Eventually(t, func() bool { return w.len() == want }, waitFor, tick)
	}
	for _, pkt := range w.all()[1:] {
		pub := pkt.(*packets.Publish)
		assert.True(t, pub.Dup)
		assert.Equal(t, id, pub.PacketID)
	}
	assert.True(t, out.PubAck(id))
}

func TestOutboundQoS2Flow(t *testing.T) {
	mock := clock.NewMock()
	out := inflight.NewOutbound(inflight.Config{RetryInterval: retry, Clock: mock})
	w := &recorder{}
	out.Bind(w)

	id, err := out.Send(newPublish(2))
	require.NoError(t, err)

	assert.False(t, out.PubAck(id), "PUBACK does not complete qos 2")
	assert.False(t, out.PubComp(id), "PUBCOMP before PUBREC is ignored")

	assert.True(t, out.PubRec(id, packets.Success))
	pkts := w.all()
	require.Len(t, pkts, 2)
	rel, ok := pkts[1].(*packets.PubRel)
	require.True(t, ok)
	assert.Equal(t, id, rel.PacketID)

	// The retransmission timer now resends PUBREL, not PUBLISH.
	mock.Add(retry)
	require.Eventually(t, func() bool { return w.len() == 3 }, waitFor, tick)
	_, ok = w.all()[2].(*packets.PubRel)
	assert.True(t, ok)

	// A repeated PUBREC answers PUBREL again.
	assert.True(t, out.PubRec(id, packets.Success))
	assert.Equal(t, 4, w.len())

	assert.True(t, out.PubComp(id))
	assert.False(t, out.PubComp(id))
	assert.Zero(t, out.Len())
}

func TestOutboundPubRecFailureEndsDelivery(t *testing.T) {
	out := inflight.NewOutbound(inflight.Config{Clock: clock.NewMock()})
	w := &recorder{}
	out.Bind(w)

	id, err := out.Send(newPublish(2))
	require.NoError(t, err)
	assert.True(t, out.PubRec(id, packets.QuotaExceeded))
	assert.Zero(t, out.Len())
	assert.Equal(t, 1, w.len(), "no PUBREL for a failed PUBREC")
}

func TestOutboundRetriesExhausted(t *testing.T) {
	mock := clock.NewMock()
	var failed atomic.Int32
	out := inflight.NewOutbound(inflight.Config{
		RetryInterval: retry,
		MaxRetries:    2,
		Clock:         mock,
		OnFailure: func(id uint16, pub *packets.Publish, err error) {
			assert.ErrorIs(t, err, inflight.ErrRetriesExhausted)
			assert.Equal(t, "t", pub.TopicName)
			failed.Add(1)
		},
	})
	w := &recorder{}
	out.Bind(w)

	id, err := out.Send(newPublish(1))
	require.NoError(t, err)

	for i := 2; i <= 3; i++ {
		mock.Add(retry)
		want := i
		require.Eventually(t, func() bool { return w.len() == want }, waitFor, tick)
	}
	mock.Add(retry)
	require.Eventually(t, func() bool { return failed.Load() == 1 }, waitFor, tick)
	assert.Zero(t, out.Len())
	assert.False(t, out.PubAck(id), "late ack after exhaustion")
	assert.Equal(t, 3, w.len())
}

func TestOutboundAckTimerRaceClaimsOnce(t *testing.T) {
	mock := clock.NewMock()
	var failed atomic.Int32
	out := inflight.NewOutbound(inflight.Config{
		RetryInterval: retry,
		MaxRetries:    1,
		Clock:         mock,
		OnFailure:     func(uint16, *packets.Publish, error) { failed.Add(1) },
	})
	out.Bind(&recorder{})

	ids := make([]uint16, 100)
	for i := range ids {
		id, err := out.Send(newPublish(1))
		require.NoError(t, err)
		ids[i] = id
	}
	mock.Add(retry)

	var acked atomic.Int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			if out.PubAck(id) {
				acked.Add(1)
			}
		}(id)
	}
	mock.Add(retry)
	wg.Wait()

	require.Eventually(t, func() bool { return acked.Load()+failed.Load() == 100 }, waitFor, tick)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(100), acked.Load()+failed.Load())
	assert.Zero(t, out.Len())
}

func TestOutboundOfflineQueueAndBind(t *testing.T) {
	mock := clock.NewMock()
	out := inflight.NewOutbound(inflight.Config{RetryInterval: retry, Clock: mock})

	id1, err := out.Send(newPublish(1))
	require.NoError(t, err)
	id2, err := out.Send(newPublish(2))
	require.NoError(t, err)

	w1 := &recorder{}
	out.Bind(w1)
	pkts := w1.all()
	require.Len(t, pkts, 2)
	assert.Equal(t, id1, pkts[0].(*packets.Publish).PacketID)
	assert.False(t, pkts[0].(*packets.Publish).Dup, "first transmission is not a duplicate")
	assert.Equal(t, id2, pkts[1].(*packets.Publish).PacketID)

	assert.True(t, out.PubRec(id2, packets.Success))
	out.Unbind()

	w2 := &recorder{}
	out.Bind(w2)
	pkts = w2.all()
	require.Len(t, pkts, 2)
	pub := pkts[0].(*packets.Publish)
	assert.Equal(t, id1, pub.PacketID)
	assert.True(t, pub.Dup)
	rel, ok := pkts[1].(*packets.PubRel)
	require.True(t, ok)
	assert.Equal(t, id2, rel.PacketID)
}

func TestOutboundIDAllocation(t *testing.T) {
	out := inflight.NewOutbound(inflight.Config{Clock: clock.NewMock()})

	first, err := out.Send(newPublish(1))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), first)

	// Walk the counter to the end of the range; id 1 stays in flight.
	for want := 2; want <= inflight.MaxPacketID; want++ {
		id, err := out.NextID()
		require.NoError(t, err)
		require.Equal(t, uint16(want), id)
	}
	id, err := out.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id, "wraps to 1 and skips the in-use id")
}

func TestOutboundInflightFull(t *testing.T) {
	out := inflight.NewOutbound(inflight.Config{MaxInflight: 2, Clock: clock.NewMock()})

	_, err := out.Send(newPublish(1))
	require.NoError(t, err)
	id, err := out.Send(newPublish(1))
	require.NoError(t, err)
	_, err = out.Send(newPublish(1))
	assert.ErrorIs(t, err, inflight.ErrInflightFull)

	require.True(t, out.PubAck(id))
	_, err = out.Send(newPublish(1))
	assert.NoError(t, err)

	_, err = out.Send(newPublish(0))
	assert.ErrorIs(t, err, inflight.ErrInvalidQoS)
}

func TestOutboundClear(t *testing.T) {
	mock := clock.NewMock()
	out := inflight.NewOutbound(inflight.Config{RetryInterval: retry, Clock: mock})
	w := &recorder{}
	out.Bind(w)

	id, err := out.Send(newPublish(1))
	require.NoError(t, err)
	assert.Len(t, out.Pending(), 1)

	out.Clear()
	assert.Zero(t, out.Len())
	assert.Empty(t, out.Pending())
	assert.False(t, out.PubAck(id))

	mock.Add(retry * 2)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, w.len())
}

func TestInboundExactlyOnce(t *testing.T) {
	mock := clock.NewMock()
	in := inflight.NewInbound(inflight.Config{RetryInterval: retry, Clock: mock})
	w := &recorder{}
	in.Bind(w)

	pub := newPublish(2)
	pub.PacketID = 7

	assert.True(t, in.Publish(pub))
	dup := pub.Copy()
	dup.Dup = true
	assert.False(t, in.Publish(dup), "duplicate must not be delivered again")
	assert.Equal(t, 1, in.Len())

	pkts := w.all()
	require.Len(t, pkts, 2)
	for _, pkt := range pkts {
		rec, ok := pkt.(*packets.PubRec)
		require.True(t, ok)
		assert.Equal(t, uint16(7), rec.PacketID)
	}

	got := in.Release(7)
	require.NotNil(t, got)
	assert.Equal(t, pub.Payload, got.Payload)
	assert.Nil(t, in.Release(7), "second PUBREL releases nothing")
	assert.Zero(t, in.Len())

	// After release the same id starts a new exchange.
	assert.True(t, in.Publish(pub))
}

func TestInboundRetransmitsPubRec(t *testing.T) {
	mock := clock.NewMock()
	in := inflight.NewInbound(inflight.Config{RetryInterval: retry, MaxRetries: 1, Clock: mock})
	w := &recorder{}
	in.Bind(w)

	pub := newPublish(2)
	pub.PacketID = 3
	require.True(t, in.Publish(pub))

	mock.Add(retry)
	require.Eventually(t, func() bool { return w.len() == 2 }, waitFor, tick)

	// Retries are exhausted: PUBREC stops, the publish stays held.
	mock.Add(retry)
	mock.Add(retry)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, w.len())
	assert.Equal(t, 1, in.Len())

	got := in.Release(3)
	require.NotNil(t, got, "late PUBREL must still release the publish")
	assert.Equal(t, pub.Payload, got.Payload)
	assert.Zero(t, in.Len())
}

func TestInboundDuplicateAfterRetriesExhausted(t *testing.T) {
	mock := clock.NewMock()
	in := inflight.NewInbound(inflight.Config{RetryInterval: retry, MaxRetries: 1, Clock: mock})
	w := &recorder{}
	in.Bind(w)

	pub := newPublish(2)
	pub.PacketID = 5
	require.True(t, in.Publish(pub))
	mock.Add(retry)
	require.Eventually(t, func() bool { return w.len() == 2 }, waitFor, tick)
	mock.Add(retry)

	dup := pub.Copy()
	dup.Dup = true
	assert.False(t, in.Publish(dup))
	assert.Equal(t, 3, w.len())
	require.NotNil(t, in.Release(5))
}

func TestInboundClear(t *testing.T) {
	in := inflight.NewInbound(inflight.Config{Clock: clock.NewMock()})
	for id := uint16(1); id <= 3; id++ {
		pub := newPublish(2)
		pub.PacketID = id
		in.Publish(pub)
	}
	assert.Equal(t, 3, in.Len())
	in.Clear()
	assert.Zero(t, in.Len())
}
