// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the MQTT server processor: connection
// lifecycle, session takeover, publish routing, subscriptions, retained
// messages and wills. It is transport agnostic; a network layer feeds it
// bytes through Connection.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqttcore/config"
	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/mqtt/session"
	"github.com/absmach/mqttcore/ratelimit"
	"github.com/absmach/mqttcore/server/otel"
	"github.com/absmach/mqttcore/storage"
	"github.com/absmach/mqttcore/storage/memory"
	"github.com/absmach/mqttcore/topics"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/absmach/mqttcore/mqtt/broker"

var (
	ErrBrokerClosed     = errors.New("broker is closed")
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidQoS       = errors.New("invalid qos level")
)

// Options carries the collaborators of a Broker. Every field is optional.
type Options struct {
	// Store holds retained messages and wills. Defaults to an in-memory
	// store owned and closed by the broker.
	Store         storage.Store
	Authenticator Authenticator
	Hooks         Hooks
	// RateLimiter overrides the limiter built from the rate limit config.
	RateLimiter RateLimiter
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
}

// Broker is the MQTT processor shared by all connections.
type Broker struct {
	cfg      config.Config
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	auth     Authenticator
	hooks    Hooks
	limiter  RateLimiter
	store    storage.Store
	ownStore bool
	retained storage.RetainedStore
	wills    storage.WillStore
	sessions *session.Store
	matcher  *topics.Matcher
	executor *fanOutPool
	stats    *Stats
	locks    keyLock

	// conns maps a client id to the connection bound to its session.
	conns sync.Map
	// willTimers and expiryTimers hold *timerEntry per client id. Both are
	// only modified under the key lock of that client id.
	willTimers   sync.Map
	expiryTimers sync.Map

	closed atomic.Bool
}

type timerEntry struct {
	timer *clock.Timer
	will  *storage.WillMessage
}

// New creates a broker. A nil cfg uses config.Default.
func New(cfg *config.Config, opts Options) *Broker {
	if cfg == nil {
		cfg = config.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	b := &Broker{
		cfg:      *cfg,
		clock:    clk,
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
		auth:     opts.Authenticator,
		hooks:    opts.Hooks,
		limiter:  opts.RateLimiter,
		store:    opts.Store,
		sessions: session.NewStore(),
		matcher:  topics.NewMatcher(),
		stats:    newStats(clk.Now()),
		executor: newFanOutPool(cfg.Broker.DeliveryWorkers, cfg.Broker.DeliveryQueue),
	}
	if b.store == nil {
		b.store = memory.New(clk)
		b.ownStore = true
	}
	b.retained = b.store.Retained()
	b.wills = b.store.Wills()

	if b.limiter == nil && cfg.RateLimit.Enabled {
		rl := cfg.RateLimit
		b.limiter = ratelimit.NewClientRateLimiter(rl.PublishRate, rl.PublishBurst, rl.SubscribeRate, rl.SubscribeBurst, clk)
	}
	return b
}

// MaxQoS returns the highest QoS the broker grants.
func (b *Broker) MaxQoS() byte {
	return b.cfg.Broker.MaxQoS
}

// Stats returns the broker counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// SessionCount returns the number of live and persisted sessions.
func (b *Broker) SessionCount() int {
	return b.sessions.Count()
}

// Closed reports whether Close has been called.
func (b *Broker) Closed() bool {
	return b.closed.Load()
}

// ConnectedCount returns the number of sessions bound to a connection.
func (b *Broker) ConnectedCount() int {
	return b.sessions.ConnectedCount()
}

// Subscriptions returns the subscriptions of a client, sorted by filter.
func (b *Broker) Subscriptions(clientID string) []storage.Subscription {
	s := b.sessions.Get(clientID)
	if s == nil {
		return nil
	}
	return s.Subscriptions()
}

// Publish injects a server originated message. It is routed like a client
// publish, without NoLocal filtering.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	if err := topics.ValidateTopicName(topic); err != nil {
		return fmt.Errorf("%w: %q", err, topic)
	}
	msg := &storage.Message{
		Topic:       topic,
		Payload:     payload,
		QoS:         min(qos, b.cfg.Broker.MaxQoS),
		Retain:      retain,
		PublishTime: b.clock.Now(),
	}
	if retain {
		b.retain(context.Background(), msg)
	}
	b.route("", msg)
	return nil
}

// Close disconnects every client, stops pending timers and drops all
// sessions together with their subscriptions. Wills are not published on
// shutdown.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.conns.Range(func(_, v any) bool {
		v.(*Connection).shutdown(packets.ServerShuttingDown)
		return true
	})
	for _, timers := range []*sync.Map{&b.willTimers, &b.expiryTimers} {
		timers.Range(func(k, v any) bool {
			v.(*timerEntry).timer.Stop()
			timers.Delete(k)
			return true
		})
	}
	b.sessions.ForEach(func(s *session.Session) {
		if n := b.matcher.RemoveAll(s.ID); n > 0 {
			b.stats.subscriptions.Add(-int64(n))
			b.metrics.RecordSubscriptions(-int64(n))
		}
	})
	b.sessions.Clean()
	b.executor.Close()
	b.logOp("broker_closed")

	if b.ownStore {
		return b.store.Close()
	}
	return nil
}

func (b *Broker) connection(clientID string) *Connection {
	if v, ok := b.conns.Load(clientID); ok {
		return v.(*Connection)
	}
	return nil
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}
