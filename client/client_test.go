// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqttcore/config"
	"github.com/absmach/mqttcore/mqtt/broker"
	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// netTransport adapts a server side net.Conn to broker.Transport.
type netTransport struct {
	conn net.Conn
}

func (n netTransport) Write(b []byte) error {
	_, err := n.conn.Write(b)
	return err
}

func (n netTransport) Close() error {
	return n.conn.Close()
}

func (n netTransport) RemoteAddr() string {
	return n.conn.RemoteAddr().String()
}

// serverConns records the server side of accepted connections.
type serverConns struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (sc *serverConns) add(conn net.Conn) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conns = append(sc.conns, conn)
}

// closeAll cuts every accepted connection from the server side.
func (sc *serverConns) closeAll() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, conn := range sc.conns {
		_ = conn.Close()
	}
	sc.conns = nil
}

// startBroker runs a broker behind a loopback listener and returns its
// address.
func startBroker(t *testing.T, mutate func(*config.Config), opts broker.Options) (*broker.Broker, string) {
	t.Helper()
	b, addr, _ := startBrokerConns(t, mutate, opts)
	return b, addr
}

func startBrokerConns(t *testing.T, mutate func(*config.Config), opts broker.Options) (*broker.Broker, string, *serverConns) {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	opts.Logger = slog.New(slog.DiscardHandler)
	b := broker.New(cfg, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := &serverConns{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.add(conn)
			go serve(b, conn)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = b.Close()
	})
	return b, ln.Addr().String(), conns
}

func serve(b *broker.Broker, conn net.Conn) {
	bc := b.NewConnection(netTransport{conn: conn})
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			bc.Lost(err)
			return
		}
		if err := bc.Feed(buf[:n]); err != nil {
			return
		}
	}
}

func newOptions(addr string, version byte, clientID string) *Options {
	return NewOptions().
		SetServers(addr).
		SetClientID(clientID).
		SetProtocolVersion(version).
		SetKeepAlive(0).
		SetAutoReconnect(false).
		SetLogger(slog.New(slog.DiscardHandler))
}

func newClient(t *testing.T, opts *Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectClient(t *testing.T, opts *Options) *Client {
	t.Helper()
	c := newClient(t, opts)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

// inbox collects the messages delivered to a client.
type inbox struct {
	mu   sync.Mutex
	msgs []*Message
}

func (in *inbox) add(m *Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, m)
}

func (in *inbox) all() []*Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]*Message(nil), in.msgs...)
}

func (in *inbox) wait(t *testing.T, n int) []*Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(in.all()) >= n }, waitFor, tick)
	return in.all()
}

func TestConnect(t *testing.T) {
	cases := []struct {
		desc     string
		version  byte
		clientID string
		assigned bool
	}{
		{desc: "v3.1", version: packets.V31, clientID: "c31"},
		{desc: "v3.1.1", version: packets.V311, clientID: "c311"},
		{desc: "v5", version: packets.V5, clientID: "c5"},
		{desc: "v3.1.1 empty id with clean session", version: packets.V311},
		{desc: "v5 assigned id", version: packets.V5, assigned: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, addr := startBroker(t, nil, broker.Options{})
			connected := make(chan struct{}, 1)
			opts := newOptions(addr, tc.version, tc.clientID).SetOnConnect(func() { connected <- struct{}{} })
			c := connectClient(t, opts)

			assert.True(t, c.IsConnected())
			assert.Equal(t, StateConnected, c.State())
			switch {
			case tc.assigned:
				assert.NotEmpty(t, c.ClientID())
				assert.Equal(t, c.ClientID(), c.ServerCapabilities().AssignedClientID)
			default:
				assert.Equal(t, tc.clientID, c.ClientID())
			}
			select {
			case <-connected:
			case <-time.After(waitFor):
				t.Fatal("OnConnect not called")
			}

			require.NoError(t, c.Disconnect())
			assert.Equal(t, StateDisconnected, c.State())
		})
	}
}

func TestConnectRefused(t *testing.T) {
	cases := []struct {
		desc    string
		version byte
		code    ConnAckCode
	}{
		{desc: "v3.1.1", version: packets.V311, code: ConnRefusedBadAuth},
		{desc: "v5", version: packets.V5, code: ConnAckCode(packets.BadUserNameOrPassword)},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			auth := broker.AuthenticatorFunc(func(_, username string, password []byte) (bool, error) {
				return username == "user" && string(password) == "secret", nil
			})
			_, addr := startBroker(t, nil, broker.Options{Authenticator: auth})

			c := newClient(t, newOptions(addr, tc.version, "c").SetCredentials("user", "wrong"))
			err := c.Connect(context.Background())
			var code ConnAckCode
			require.ErrorAs(t, err, &code)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, StateDisconnected, c.State())

			c = newClient(t, newOptions(addr, tc.version, "c").SetCredentials("user", "secret"))
			require.NoError(t, c.Connect(context.Background()))
		})
	}
}

func TestConnectFailover(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := connectClient(t, newOptions(addr, packets.V311, "c").SetServers(dead, addr))
	assert.True(t, c.IsConnected())

	c = newClient(t, newOptions(dead, packets.V311, "c2"))
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestConnectStates(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})
	c := newClient(t, newOptions(addr, packets.V311, "c"))

	err := c.Publish(context.Background(), "a", nil, 0, false)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
}

func TestPublishSubscribe(t *testing.T) {
	cases := []struct {
		desc    string
		version byte
		qos     byte
	}{
		{desc: "v3.1.1 qos0", version: packets.V311, qos: 0},
		{desc: "v3.1.1 qos1", version: packets.V311, qos: 1},
		{desc: "v3.1.1 qos2", version: packets.V311, qos: 2},
		{desc: "v5 qos0", version: packets.V5, qos: 0},
		{desc: "v5 qos1", version: packets.V5, qos: 1},
		{desc: "v5 qos2", version: packets.V5, qos: 2},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, addr := startBroker(t, nil, broker.Options{})
			var got inbox
			sub := connectClient(t, newOptions(addr, tc.version, "sub").SetOnMessage(got.add))
			pub := connectClient(t, newOptions(addr, tc.version, "pub"))

			granted, err := sub.Subscribe(context.Background(), map[string]byte{"sensors/+/temp": tc.qos})
			require.NoError(t, err)
			assert.Equal(t, map[string]byte{"sensors/+/temp": tc.qos}, granted)

			require.NoError(t, pub.Publish(context.Background(), "sensors/1/temp", []byte("21.5"), tc.qos, false))
			assert.Equal(t, 0, pub.Pending())

			msgs := got.wait(t, 1)
			require.Len(t, msgs, 1)
			assert.Equal(t, "sensors/1/temp", msgs[0].Topic)
			assert.Equal(t, []byte("21.5"), msgs[0].Payload)
			assert.Equal(t, tc.qos, msgs[0].QoS)
			assert.Never(t, func() bool { return len(got.all()) > 1 }, 50*time.Millisecond, tick)
		})
	}
}

func TestPublishProperties(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})
	var got inbox
	sub := connectClient(t, newOptions(addr, packets.V5, "sub").SetOnMessage(got.add))
	pub := connectClient(t, newOptions(addr, packets.V5, "pub"))

	_, err := sub.SubscribeWithOptions(context.Background(), NewSubscribeOption("req/#", 1).SetSubscriptionID(7))
	require.NoError(t, err)

	msg := NewMessage("req/1", []byte(`{"op":"get"}`), 1, false)
	msg.ContentType = "application/json"
	msg.ResponseTopic = "resp/1"
	msg.CorrelationData = []byte{0x01, 0x02}
	msg.UserProperties = map[string]string{"origin": "test"}
	require.NoError(t, pub.PublishMessage(context.Background(), msg))

	m := got.wait(t, 1)[0]
	assert.Equal(t, "application/json", m.ContentType)
	assert.Equal(t, "resp/1", m.ResponseTopic)
	assert.Equal(t, []byte{0x01, 0x02}, m.CorrelationData)
	assert.Equal(t, map[string]string{"origin": "test"}, m.UserProperties)
	assert.Equal(t, []uint32{7}, m.SubscriptionIDs)
}

func TestPublishTopicAlias(t *testing.T) {
	_, addr := startBroker(t, func(cfg *config.Config) { cfg.Broker.TopicAliasMaximum = 2 }, broker.Options{})
	var got inbox
	sub := connectClient(t, newOptions(addr, packets.V5, "sub").SetOnMessage(got.add))
	pub := connectClient(t, newOptions(addr, packets.V5, "pub"))
	assert.Equal(t, uint16(2), pub.ServerCapabilities().TopicAliasMaximum)

	_, err := sub.Subscribe(context.Background(), map[string]byte{"alias/#": 0})
	require.NoError(t, err)

	for _, topic := range []string{"alias/a", "alias/a", "alias/b", "alias/c", "alias/a"} {
		require.NoError(t, pub.Publish(context.Background(), topic, []byte(topic), 0, false))
	}

	msgs := got.wait(t, 5)
	var topics []string
	for _, m := range msgs {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"alias/a", "alias/a", "alias/b", "alias/c", "alias/a"}, topics)
}

func TestPublishValidation(t *testing.T) {
	_, addr := startBroker(t, func(cfg *config.Config) { cfg.Broker.MaxQoS = 1 }, broker.Options{})
	c := connectClient(t, newOptions(addr, packets.V5, "c"))

	cases := []struct {
		desc  string
		topic string
		qos   byte
		err   error
	}{
		{desc: "wildcard in topic", topic: "a/+", qos: 0, err: ErrInvalidTopic},
		{desc: "empty topic", topic: "", qos: 0, err: ErrInvalidTopic},
		{desc: "invalid qos", topic: "a", qos: 3, err: ErrInvalidQoS},
		{desc: "qos above server maximum", topic: "a", qos: 2, err: ErrQoSNotSupported},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := c.Publish(context.Background(), tc.topic, nil, tc.qos, false)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSubscribeGranted(t *testing.T) {
	_, addr := startBroker(t, func(cfg *config.Config) { cfg.Broker.MaxQoS = 1 }, broker.Options{})
	c := connectClient(t, newOptions(addr, packets.V311, "c"))

	granted, err := c.Subscribe(context.Background(), map[string]byte{"a": 0, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]byte{"a": 0, "b": 1}, granted)

	_, err = c.Subscribe(context.Background(), map[string]byte{"a/#/b": 0})
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = c.SubscribeWithOptions(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestSubscribeRefused(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})
	c := connectClient(t, newOptions(addr, packets.V5, "c"))

	codes, err := c.SubscribeWithOptions(context.Background(),
		NewSubscribeOption("ok/#", 1),
		NewSubscribeOption("$share/g/x", 1).SetNoLocal(true),
	)
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	require.Len(t, codes, 2)
	assert.Equal(t, byte(1), codes[0])
	assert.GreaterOrEqual(t, codes[1], packets.SubAckFailure)
}

func TestUnsubscribe(t *testing.T) {
	cases := []struct {
		desc    string
		version byte
	}{
		{desc: "v3.1.1", version: packets.V311},
		{desc: "v5", version: packets.V5},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			version := tc.version
			_, addr := startBroker(t, nil, broker.Options{})
			var got inbox
			sub := connectClient(t, newOptions(addr, version, "sub").SetOnMessage(got.add))
			pub := connectClient(t, newOptions(addr, version, "pub"))

			_, err := sub.Subscribe(context.Background(), map[string]byte{"a": 1, "b": 1})
			require.NoError(t, err)
			require.NoError(t, sub.Unsubscribe(context.Background(), "a", "missing"))

			require.NoError(t, pub.Publish(context.Background(), "a", []byte("dropped"), 1, false))
			require.NoError(t, pub.Publish(context.Background(), "b", []byte("kept"), 1, false))

			msgs := got.wait(t, 1)
			assert.Equal(t, "b", msgs[0].Topic)
			assert.Never(t, func() bool { return len(got.all()) > 1 }, 50*time.Millisecond, tick)

			assert.ErrorIs(t, sub.Unsubscribe(context.Background()), ErrInvalidTopic)
		})
	}
}

func TestPersistentSession(t *testing.T) {
	_, addr := startBroker(t, func(cfg *config.Config) { cfg.Session.DefaultExpiryInterval = 3600 }, broker.Options{})
	var got inbox
	opts := newOptions(addr, packets.V311, "durable").SetCleanSession(false).SetOnMessage(got.add)
	sub := connectClient(t, opts)
	_, err := sub.Subscribe(context.Background(), map[string]byte{"jobs/#": 1})
	require.NoError(t, err)
	require.NoError(t, sub.Disconnect())

	pub := connectClient(t, newOptions(addr, packets.V311, "pub"))
	require.NoError(t, pub.Publish(context.Background(), "jobs/1", []byte("queued"), 1, false))

	require.NoError(t, sub.Connect(context.Background()))
	msgs := got.wait(t, 1)
	assert.Equal(t, "jobs/1", msgs[0].Topic)
	assert.Equal(t, []byte("queued"), msgs[0].Payload)
}

func TestServerDisconnect(t *testing.T) {
	cases := []struct {
		desc    string
		version byte
		err     error
	}{
		{desc: "v3.1.1 takeover closes", version: packets.V311, err: ErrConnectionLost},
		{desc: "v5 takeover sends disconnect", version: packets.V5, err: ErrServerDisconnect},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, addr := startBroker(t, nil, broker.Options{})
			lost := make(chan error, 1)
			first := connectClient(t, newOptions(addr, tc.version, "same").SetOnConnectionLost(func(err error) { lost <- err }))
			connectClient(t, newOptions(addr, tc.version, "same"))

			select {
			case err := <-lost:
				assert.ErrorIs(t, err, tc.err)
			case <-time.After(waitFor):
				t.Fatal("OnConnectionLost not called")
			}
			assert.Equal(t, StateDisconnected, first.State())
			assert.ErrorIs(t, first.Publish(context.Background(), "a", nil, 1, false), ErrNotConnected)
		})
	}
}

func TestWillOnConnectionLoss(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})
	var got inbox
	watcher := connectClient(t, newOptions(addr, packets.V5, "watcher").SetOnMessage(got.add))
	_, err := watcher.Subscribe(context.Background(), map[string]byte{"status/#": 1})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		raw net.Conn
	)
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		mu.Lock()
		raw = conn
		mu.Unlock()
		return conn, err
	}
	opts := newOptions(addr, packets.V5, "device").SetDialer(dialer).SetWill("status/device", []byte("offline"), 1, false)
	connectClient(t, opts)

	mu.Lock()
	require.NoError(t, raw.Close())
	mu.Unlock()

	msgs := got.wait(t, 1)
	assert.Equal(t, "status/device", msgs[0].Topic)
	assert.Equal(t, []byte("offline"), msgs[0].Payload)
}

func TestNoWillOnDisconnect(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})
	var got inbox
	watcher := connectClient(t, newOptions(addr, packets.V311, "watcher").SetOnMessage(got.add))
	_, err := watcher.Subscribe(context.Background(), map[string]byte{"status/#": 1})
	require.NoError(t, err)

	c := connectClient(t, newOptions(addr, packets.V311, "device").SetWill("status/device", []byte("offline"), 1, false))
	require.NoError(t, c.Disconnect())
	assert.Never(t, func() bool { return len(got.all()) > 0 }, 100*time.Millisecond, tick)
}

func TestPublishCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// The server accepts CONNECT and then never acknowledges anything.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := packets.NewDecoder(0)
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			_, _ = dec.Write(buf[:n])
			for {
				pkt, err := dec.Decode()
				if err != nil {
					break
				}
				if _, ok := pkt.(*packets.Connect); ok {
					data, _ := packets.Encode(&packets.ConnAck{}, packets.V311)
					_, _ = conn.Write(data)
				}
			}
		}
	}()

	c := connectClient(t, newOptions(ln.Addr().String(), packets.V311, "c"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Publish(ctx, "a", []byte("x"), 1, false)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, c.Pending())
}

func TestSlowHandlerDoesNotBlockAcks(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	handler := func(*Message) {
		once.Do(func() { close(started) })
		<-release
	}
	c := connectClient(t, newOptions(addr, packets.V311, "c").SetOnMessage(handler))
	t.Cleanup(func() { close(release) })
	_, err := c.Subscribe(context.Background(), map[string]byte{"in": 1})
	require.NoError(t, err)

	pub := connectClient(t, newOptions(addr, packets.V311, "pub"))
	require.NoError(t, pub.Publish(context.Background(), "in", []byte("x"), 1, false))
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("OnMessage not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Publish(ctx, "out", []byte("y"), 1, false))
	_, err = c.Subscribe(ctx, map[string]byte{"more": 0})
	require.NoError(t, err)
}

func TestHandlerKeepsArrivalOrder(t *testing.T) {
	_, addr := startBroker(t, nil, broker.Options{})
	var got inbox
	handler := func(m *Message) {
		time.Sleep(time.Millisecond)
		got.add(m)
	}
	sub := connectClient(t, newOptions(addr, packets.V311, "sub").SetOnMessage(handler).SetMessageQueueSize(2))
	_, err := sub.Subscribe(context.Background(), map[string]byte{"seq": 1})
	require.NoError(t, err)

	pub := connectClient(t, newOptions(addr, packets.V311, "pub"))
	var want []string
	for i := range 20 {
		payload := fmt.Sprintf("%02d", i)
		want = append(want, payload)
		require.NoError(t, pub.Publish(context.Background(), "seq", []byte(payload), 1, false))
	}

	msgs := got.wait(t, len(want))
	var payloads []string
	for _, m := range msgs {
		payloads = append(payloads, string(m.Payload))
	}
	assert.Equal(t, want, payloads)
}
