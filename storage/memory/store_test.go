// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/mqttcore/storage"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestRetainedSetGet(t *testing.T) {
	s := New(nil).Retained()

	msg := &storage.Message{Topic: "a/b", Payload: []byte("hello"), QoS: 1, Retain: true}
	require.NoError(t, s.Set(ctx, "a/b", msg))

	msg.Payload[0] = 'x'
	got, err := s.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Payload, "stored message must not alias the caller's payload")
	assert.Equal(t, byte(1), got.QoS)

	_, err = s.Get(ctx, "a/c")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetainedClear(t *testing.T) {
	cases := []struct {
		desc string
		msg  *storage.Message
	}{
		{desc: "empty payload", msg: &storage.Message{Topic: "t", Payload: []byte{}}},
		{desc: "nil message", msg: nil},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			s := NewRetainedStore(nil)
			require.NoError(t, s.Set(ctx, "t", &storage.Message{Topic: "t", Payload: []byte("x")}))
			require.NoError(t, s.Set(ctx, "t", tc.msg))
			_, err := s.Get(ctx, "t")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			assert.Zero(t, s.Count())
		})
	}
}

func TestRetainedMatch(t *testing.T) {
	s := NewRetainedStore(nil)
	for _, topic := range []string{"home/kitchen/temp", "home/garage/temp", "home/kitchen", "$SYS/uptime"} {
		require.NoError(t, s.Set(ctx, topic, &storage.Message{Topic: topic, Payload: []byte(topic)}))
	}

	cases := []struct {
		desc   string
		filter string
		want   []string
	}{
		{desc: "exact", filter: "home/kitchen", want: []string{"home/kitchen"}},
		{desc: "single level", filter: "home/+/temp", want: []string{"home/kitchen/temp", "home/garage/temp"}},
		{desc: "multi level", filter: "home/#", want: []string{"home/kitchen/temp", "home/garage/temp", "home/kitchen"}},
		{desc: "hash skips system topics", filter: "#", want: []string{"home/kitchen/temp", "home/garage/temp", "home/kitchen"}},
		{desc: "explicit system topic", filter: "$SYS/#", want: []string{"$SYS/uptime"}},
		{desc: "no match", filter: "office/#", want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			msgs, err := s.Match(ctx, tc.filter)
			require.NoError(t, err)
			var got []string
			for _, m := range msgs {
				got = append(got, m.Topic)
			}
			assert.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestRetainedExpiry(t *testing.T) {
	clk := clock.NewMock()
	s := NewRetainedStore(clk)

	require.NoError(t, s.Set(ctx, "t/1", &storage.Message{Topic: "t/1", Payload: []byte("x"), Expiry: clk.Now().Add(10 * time.Second)}))
	require.NoError(t, s.Set(ctx, "t/2", &storage.Message{Topic: "t/2", Payload: []byte("y")}))

	msgs, err := s.Match(ctx, "t/+")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	clk.Add(10 * time.Second)

	msgs, err = s.Match(ctx, "t/+")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "t/2", msgs[0].Topic)
	assert.Equal(t, 1, s.Count())

	_, err = s.Get(ctx, "t/1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWillStore(t *testing.T) {
	s := New(nil).Wills()

	will := &storage.WillMessage{
		Message:  storage.Message{Topic: "status/c1", Payload: []byte("offline"), QoS: 1, Retain: true},
		ClientID: "c1",
		Delay:    5,
	}
	require.NoError(t, s.Set(ctx, "c1", will))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, will, got)
	assert.NotSame(t, will, got)

	require.NoError(t, s.Delete(ctx, "c1"))
	_, err = s.Get(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
