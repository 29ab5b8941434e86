// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcherRouteDirect(t *testing.T) {
	m := NewMatcher()
	_, err := m.Subscribe("a/+", "c1", Subscriber{QoS: 1, SubscriptionID: 5})
	require.NoError(t, err)
	_, err = m.Subscribe("a/#", "c1", Subscriber{QoS: 2, NoLocal: true, RetainAsPublished: true, SubscriptionID: 6})
	require.NoError(t, err)
	_, err = m.Subscribe("a/b", "c2", Subscriber{QoS: 0, NoLocal: true})
	require.NoError(t, err)

	out := m.Route("a/b")
	require.Len(t, out, 2)

	c1 := out["c1"]
	assert.Equal(t, byte(2), c1.QoS)
	assert.False(t, c1.NoLocal, "NoLocal requires every match to be NoLocal")
	assert.True(t, c1.RetainAsPublished)
	assert.ElementsMatch(t, []uint32{5, 6}, c1.SubscriptionIDs)

	assert.True(t, out["c2"].NoLocal)
	assert.Empty(t, out["c2"].SubscriptionIDs)
}

func TestMatcherSharedPicksOnePerGroup(t *testing.T) {
	m := NewMatcher()
	for _, id := range []string{"g1a", "g1b", "g1c"} {
		_, err := m.Subscribe("$share/g1/jobs/#", id, Subscriber{QoS: 1})
		require.NoError(t, err)
	}
	for _, id := range []string{"g2a", "g2b"} {
		_, err := m.Subscribe("$share/g2/jobs/+", id, Subscriber{QoS: 2})
		require.NoError(t, err)
	}
	_, err := m.Subscribe("$queue/jobs/run", "q1", Subscriber{})
	require.NoError(t, err)
	_, err = m.Subscribe("jobs/run", "direct", Subscriber{})
	require.NoError(t, err)

	res := m.Match("jobs/run")
	assert.Len(t, res.Direct, 1)
	assert.Len(t, res.Queue, 1)
	assert.Len(t, res.Shared["g1"], 3)
	assert.Len(t, res.Shared["g2"], 2)

	seen := make(map[string]int)
	for i := 0; i < 300; i++ {
		out := m.Route("jobs/run")
		require.Len(t, out, 4)
		assert.Contains(t, out, "direct")
		assert.Contains(t, out, "q1")
		var g1, g2 int
		for id := range out {
			seen[id]++
			switch id[:2] {
			case "g1":
				g1++
			case "g2":
				g2++
			}
		}
		assert.Equal(t, 1, g1)
		assert.Equal(t, 1, g2)
	}
	for _, id := range []string{"g1a", "g1b", "g1c", "g2a", "g2b"} {
		assert.Positive(t, seen[id], "member %s never chosen", id)
	}
}

func TestMatcherSharedDeterministicPick(t *testing.T) {
	m := NewMatcher()
	m.pick = func(n int) int { return n - 1 }
	_, err := m.Subscribe("$share/g/t", "a", Subscriber{QoS: 1})
	require.NoError(t, err)
	_, err = m.Subscribe("$share/g/t", "b", Subscriber{QoS: 1})
	require.NoError(t, err)

	out := m.Route("t")
	require.Len(t, out, 1)
	for id := range out {
		assert.Contains(t, []string{"a", "b"}, id)
	}
}

func TestMatcherUnsubscribeDropsEmptyGroup(t *testing.T) {
	m := NewMatcher()
	_, err := m.Subscribe("$share/g/t", "a", Subscriber{})
	require.NoError(t, err)

	removed, err := m.Unsubscribe("$share/g/t", "a")
	require.NoError(t, err)
	assert.True(t, removed)

	m.mu.RLock()
	assert.Empty(t, m.groups)
	m.mu.RUnlock()

	removed, err = m.Unsubscribe("$share/g/t", "a")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = m.Unsubscribe("$share/g", "a")
	assert.ErrorIs(t, err, ErrInvalidTopicFilter)
}

func TestMatcherRemoveAll(t *testing.T) {
	m := NewMatcher()
	for _, f := range []string{"a", "$queue/a", "$share/g/a", "$share/h/#"} {
		_, err := m.Subscribe(f, "c1", Subscriber{})
		require.NoError(t, err)
	}
	_, err := m.Subscribe("a", "c2", Subscriber{})
	require.NoError(t, err)

	assert.Equal(t, 4, m.RemoveAll("c1"))
	out := m.Route("a")
	assert.Len(t, out, 1)
	assert.Contains(t, out, "c2")

	m.mu.RLock()
	assert.Empty(t, m.groups)
	m.mu.RUnlock()
}

func TestMatcherSubscribeInvalidFilter(t *testing.T) {
	m := NewMatcher()
	_, err := m.Subscribe("a/#/b", "c1", Subscriber{})
	assert.ErrorIs(t, err, ErrInvalidTopicFilter)
	assert.Empty(t, m.Route("a/x/b"))
}
