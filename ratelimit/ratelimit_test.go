// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimiterAllow(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewIPRateLimiter(5, 2, time.Minute, clk)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr), "second request is within burst")
	assert.False(t, limiter.Allow(addr), "burst exhausted")

	clk.Add(200 * time.Millisecond)
	assert.True(t, limiter.Allow(addr), "one token refilled")
}

func TestIPRateLimiterDifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute, clock.NewMock())
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	assert.True(t, limiter.Allow(addr1))
	assert.True(t, limiter.Allow(addr2))
	assert.False(t, limiter.Allow(addr1))
	assert.False(t, limiter.Allow(addr2))
	assert.True(t, limiter.Allow(nil), "nil address is always allowed")
}

func TestIPRateLimiterCleanup(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewIPRateLimiter(1, 1, time.Minute, clk)
	defer limiter.Stop()

	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")})
	require.Equal(t, 1, limiter.Len())

	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return limiter.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClientRateLimiter(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewClientRateLimiter(1, 2, 1, 1, clk)

	assert.True(t, limiter.AllowPublish("c1"))
	assert.True(t, limiter.AllowPublish("c1"))
	assert.False(t, limiter.AllowPublish("c1"))
	assert.True(t, limiter.AllowPublish("c2"), "clients are limited independently")

	assert.True(t, limiter.AllowSubscribe("c1"), "publish and subscribe buckets are separate")
	assert.False(t, limiter.AllowSubscribe("c1"))

	clk.Add(time.Second)
	assert.True(t, limiter.AllowPublish("c1"))
	assert.True(t, limiter.AllowSubscribe("c1"))

	assert.False(t, limiter.AllowSubscribe("c1"))
	limiter.RemoveClient("c1")
	assert.True(t, limiter.AllowSubscribe("c1"), "removed client starts with a full bucket")
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		desc string
		addr net.Addr
		want string
	}{
		{desc: "tcp", addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}, want: "192.168.1.1"},
		{desc: "udp", addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5678}, want: "10.0.0.1"},
		{desc: "nil", addr: nil, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, extractIP(tc.addr))
		})
	}
}
