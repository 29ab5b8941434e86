// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket limits per client identity and per
// remote IP.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// ClientRateLimiter limits publish and subscribe rates of individual MQTT
// clients.
type ClientRateLimiter struct {
	clock           clock.Clock
	mu              sync.Mutex
	messageLimiters map[string]*rate.Limiter
	subLimiters     map[string]*rate.Limiter
	messageRate     rate.Limit
	messageBurst    int
	subRate         rate.Limit
	subBurst        int
}

// NewClientRateLimiter creates a client rate limiter. Rates are events per
// second. A nil clock uses the wall clock.
func NewClientRateLimiter(messageRate float64, messageBurst int, subRate float64, subBurst int, clk clock.Clock) *ClientRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &ClientRateLimiter{
		clock:           clk,
		messageLimiters: make(map[string]*rate.Limiter),
		subLimiters:     make(map[string]*rate.Limiter),
		messageRate:     rate.Limit(messageRate),
		messageBurst:    messageBurst,
		subRate:         rate.Limit(subRate),
		subBurst:        subBurst,
	}
}

// AllowPublish reports whether clientID may publish now.
func (l *ClientRateLimiter) AllowPublish(clientID string) bool {
	return l.allow(l.messageLimiters, clientID, l.messageRate, l.messageBurst)
}

// AllowSubscribe reports whether clientID may subscribe to one more filter
// now.
func (l *ClientRateLimiter) AllowSubscribe(clientID string) bool {
	return l.allow(l.subLimiters, clientID, l.subRate, l.subBurst)
}

func (l *ClientRateLimiter) allow(limiters map[string]*rate.Limiter, clientID string, r rate.Limit, burst int) bool {
	l.mu.Lock()
	limiter, ok := limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(r, burst)
		limiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.AllowN(l.clock.Now(), 1)
}

// RemoveClient drops the limiters of a client whose session ended.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messageLimiters, clientID)
	delete(l.subLimiters, clientID)
}

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	clock    clock.Clock
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP rate limiter. r is connections per second.
// Entries idle for two cleanup intervals are dropped.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration, clk clock.Clock) *IPRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		clock:    clk,
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr is allowed. Addresses
// without an IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := l.clock.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := l.clock.Ticker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.clock.Now().Add(-2 * l.cleanup)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
