// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the client role of the MQTT protocol over a
// stream connection.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttcore/mqtt/inflight"
	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/topics"
	"github.com/benbjohnson/clock"
)

const readBufferSize = 4096

// connection is one network connection of the client.
type connection struct {
	conn      net.Conn
	dec       *packets.Decoder
	keepAlive time.Duration

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	lastRecv  atomic.Int64
}

func (cn *connection) touch(now time.Time) {
	cn.lastRecv.Store(now.UnixNano())
}

func (cn *connection) lastSeen() time.Time {
	return time.Unix(0, cn.lastRecv.Load())
}

// Client is a thread-safe MQTT client.
//
// Outgoing QoS 1 and 2 publishes are tracked by an inflight.Outbound: they
// are retransmitted until acknowledged and, with a persistent session,
// resent after reconnecting. Received QoS 2 publishes are held by an
// inflight.Inbound until PUBREL, so OnMessage sees each of them once.
//
// OnMessage runs on a dedicated goroutine, one message at a time in arrival
// order. Up to Options.MessageQueueSize messages are buffered for it; past
// that the reader waits for the handler.
//
// With AutoReconnect a lost connection is re-established with exponential
// backoff. Subscriptions are restored when the server no longer holds the
// session.
type Client struct {
	opts    *Options
	clock   clock.Clock
	logger  *slog.Logger
	version byte
	state   stateManager

	cur      atomic.Pointer[connection]
	caps     atomic.Pointer[ServerCapabilities]
	aliases  atomic.Pointer[topicAliases]
	clientID atomic.Value // string

	outbound *inflight.Outbound
	inbound  *inflight.Inbound
	subs     *subscriptionRegistry
	handler  *dispatcher

	// mu is held across Outbound.Send so an acknowledgement cannot
	// overtake the registration of its waiter.
	mu      sync.Mutex
	acks    map[uint16]chan error
	replies map[uint16]chan packets.ControlPacket

	connMu    sync.Mutex
	serverIdx int

	quit      chan struct{}
	closeOnce sync.Once
}

// New creates a new MQTT client with the given options.
func New(opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		opts:    opts,
		clock:   clk,
		logger:  logger,
		version: opts.ProtocolVersion,
		acks:    make(map[uint16]chan error),
		replies: make(map[uint16]chan packets.ControlPacket),
		subs:    newSubscriptionRegistry(),
		quit:    make(chan struct{}),
	}
	if opts.OnMessage != nil {
		c.handler = newDispatcher(opts.OnMessage, opts.MessageQueueSize)
	}
	c.clientID.Store(opts.ClientID)
	cfg := inflight.Config{
		RetryInterval: opts.RetryInterval,
		MaxRetries:    opts.MaxRetries,
		MaxInflight:   opts.MaxInflight,
		Clock:         clk,
	}
	in := cfg
	cfg.OnFailure = func(id uint16, pub *packets.Publish, err error) {
		c.logger.Warn("publish abandoned", slog.String("topic", pub.TopicName), slog.Int("packet_id", int(id)), slog.String("error", err.Error()))
		c.finishPublish(id, err)
	}
	c.outbound = inflight.NewOutbound(cfg)
	c.inbound = inflight.NewInbound(in)
	return c, nil
}

// Connect establishes a connection to the first server that accepts it.
// A CONNACK refusal is returned as a ConnAckCode.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transitionFrom(StateConnecting, StateDisconnected, StateReconnecting) {
		return ErrAlreadyConnected
	}
	if err := c.connect(ctx); err != nil {
		c.state.transition(StateConnecting, StateDisconnected)
		return err
	}
	return nil
}

// connect runs one connection attempt. The state must be StateConnecting;
// on failure it is left there for the caller to move on.
func (c *Client) connect(ctx context.Context) error {
	cn, ack, err := c.dialAny(ctx)
	if err != nil {
		return err
	}

	caps := parseCapabilities(ack.Properties)
	if caps.AssignedClientID != "" {
		c.clientID.Store(caps.AssignedClientID)
	}
	cn.keepAlive = c.opts.KeepAlive
	if caps.ServerKeepAlive != nil {
		cn.keepAlive = time.Duration(*caps.ServerKeepAlive) * time.Second
	}
	if !ack.SessionPresent {
		c.outbound.Clear()
		c.inbound.Clear()
		c.failAcks(ErrConnectionLost)
	}
	c.caps.Store(caps)
	c.aliases.Store(newTopicAliases(c.opts.TopicAliasMaximum, caps.TopicAliasMaximum))
	cn.touch(c.clock.Now())

	c.cur.Store(cn)
	if !c.state.transition(StateConnecting, StateConnected) {
		c.drop(cn, nil)
		return ErrClientClosed
	}

	c.inbound.Bind(c)
	go c.readLoop(cn)
	// Pending publishes of a resumed session go out after the reader runs,
	// so their acknowledgements can be consumed.
	c.outbound.Bind(c)
	if cn.keepAlive > 0 {
		go c.keepAlive(cn)
	}

	c.logger.Debug("connected", slog.String("client_id", c.ClientID()), slog.Bool("session_present", ack.SessionPresent))
	if !ack.SessionPresent && c.subs.len() > 0 {
		c.resubscribe()
	}
	if c.opts.OnServerCapabilities != nil && c.version == packets.V5 {
		c.opts.OnServerCapabilities(caps)
	}
	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}
	return nil
}

func (c *Client) dialAny(ctx context.Context) (*connection, *packets.ConnAck, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	servers := c.opts.Servers
	if len(servers) == 0 {
		servers = []string{""}
	}
	var lastErr error
	for i := range servers {
		idx := (c.serverIdx + i) % len(servers)
		cn, ack, err := c.connectTo(ctx, servers[idx])
		if err == nil {
			c.serverIdx = idx
			return cn, ack, nil
		}
		var refused ConnAckCode
		if errors.As(err, &refused) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrConnectFailed, lastErr)
}

func (c *Client) connectTo(ctx context.Context, addr string) (*connection, *packets.ConnAck, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	cn := &connection{conn: conn, done: make(chan struct{})}
	cn.dec = packets.NewDecoder(int(c.opts.MaximumPacketSize))
	cn.dec.SetVersion(c.version)

	ack, err := c.handshake(ctx, cn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if ack.ReasonCode != packets.Accepted {
		_ = conn.Close()
		return nil, nil, ConnAckCode(ack.ReasonCode)
	}
	return cn, ack, nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.opts.Dialer != nil {
		return c.opts.Dialer(ctx, addr)
	}
	d := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	if c.opts.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.opts.TLSConfig}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// handshake writes CONNECT and reads packets until CONNACK. Bytes that
// follow the CONNACK stay buffered in the decoder for the read loop.
func (c *Client) handshake(ctx context.Context, cn *connection) (*packets.ConnAck, error) {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := cn.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer cn.conn.SetDeadline(time.Time{})

	data, err := packets.Encode(c.connectPacket(), c.version)
	if err != nil {
		return nil, err
	}
	if _, err := cn.conn.Write(data); err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	for {
		pkt, err := cn.dec.Decode()
		if errors.Is(err, packets.ErrNeedMoreData) {
			n, err := cn.conn.Read(buf)
			if err != nil {
				return nil, err
			}
			_, _ = cn.dec.Write(buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
		ack, ok := pkt.(*packets.ConnAck)
		if !ok {
			return nil, fmt.Errorf("%w: %s before CONNACK", ErrUnexpectedPacket, pkt)
		}
		return ack, nil
	}
}

func (c *Client) connectPacket() *packets.Connect {
	p := &packets.Connect{
		FixedHeader:     packets.FixedHeader{PacketType: packets.ConnectType},
		ProtocolVersion: c.version,
		CleanStart:      c.opts.CleanSession,
		KeepAlive:       uint16(c.opts.KeepAlive / time.Second),
		ClientID:        c.opts.ClientID,
		Username:        c.opts.Username,
	}
	if c.opts.Password != "" {
		p.Password = []byte(c.opts.Password)
	}
	if w := c.opts.Will; w != nil {
		p.WillFlag = true
		p.WillTopic = w.Topic
		p.WillPayload = w.Payload
		p.WillQoS = w.QoS
		p.WillRetain = w.Retain
	}
	if c.version != packets.V5 {
		return p
	}

	if c.opts.SessionExpiry > 0 {
		p.Properties.SetUint(packets.SessionExpiryIntervalProp, c.opts.SessionExpiry)
	}
	if c.opts.ReceiveMaximum > 0 {
		p.Properties.SetUint(packets.ReceiveMaximumProp, uint32(c.opts.ReceiveMaximum))
	}
	if c.opts.MaximumPacketSize > 0 {
		p.Properties.SetUint(packets.MaximumPacketSizeProp, c.opts.MaximumPacketSize)
	}
	if c.opts.TopicAliasMaximum > 0 {
		p.Properties.SetUint(packets.TopicAliasMaximumProp, uint32(c.opts.TopicAliasMaximum))
	}
	if c.opts.RequestResponseInfo {
		p.Properties.SetUint(packets.RequestResponseInfoProp, 1)
	}
	if !c.opts.RequestProblemInfo {
		p.Properties.SetUint(packets.RequestProblemInfoProp, 0)
	}
	if w := c.opts.Will; w != nil {
		wm := &Message{
			PayloadFormat:   w.PayloadFormat,
			ContentType:     w.ContentType,
			ResponseTopic:   w.ResponseTopic,
			CorrelationData: w.CorrelationData,
			UserProperties:  w.UserProperties,
		}
		if w.MessageExpiry > 0 {
			wm.MessageExpiry = &w.MessageExpiry
		}
		p.WillProperties = wm.properties()
		if w.WillDelayInterval > 0 {
			p.WillProperties.SetUint(packets.WillDelayIntervalProp, w.WillDelayInterval)
		}
	}
	return p
}

// resubscribe restores the registered subscriptions on a connection that
// came up without the session. Failures are logged and do not fail the
// connection.
func (c *Client) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	for _, opt := range c.subs.snapshot() {
		if _, err := c.SubscribeWithOptions(ctx, opt); err != nil {
			c.logger.Warn("resubscribe failed", slog.String("client_id", c.ClientID()), slog.String("topic", opt.Topic), slog.String("error", err.Error()))
		}
	}
}

// reconnect retries the servers until a connection succeeds, the client
// is closed or the application connects or disconnects itself. The delay
// starts at ReconnectBackoff and doubles up to MaxReconnectWait.
func (c *Client) reconnect() {
	if !c.state.transition(StateDisconnected, StateReconnecting) {
		return
	}
	delay := c.opts.ReconnectBackoff
	for attempt := 1; c.state.get() == StateReconnecting; attempt++ {
		if c.opts.OnReconnecting != nil {
			c.opts.OnReconnecting(attempt)
		}
		if !c.state.transition(StateReconnecting, StateConnecting) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if !c.state.transition(StateConnecting, StateReconnecting) {
			return
		}
		c.logger.Debug("reconnect failed", slog.String("client_id", c.ClientID()), slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.String("error", err.Error()))

		timer := c.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-c.quit:
			timer.Stop()
			return
		}
		delay = min(delay*2, c.opts.MaxReconnectWait)
	}
}

// Disconnect sends DISCONNECT and closes the connection. It also stops a
// running reconnect loop. Pending QoS 1/2 publishes stay queued for the
// next Connect of a persistent session.
func (c *Client) Disconnect() error {
	if c.state.transition(StateReconnecting, StateDisconnected) {
		c.failAcks(ErrNotConnected)
		return nil
	}
	if !c.state.transition(StateConnected, StateDisconnecting) {
		return nil
	}
	if cn := c.cur.Load(); cn != nil {
		_ = c.write(cn, &packets.Disconnect{FixedHeader: packets.FixedHeader{PacketType: packets.DisconnectType}})
		c.drop(cn, nil)
	}
	c.state.transition(StateDisconnecting, StateDisconnected)
	return nil
}

// Close disconnects and permanently closes the client, dropping pending
// deliveries.
func (c *Client) Close() error {
	if c.state.transition(StateConnected, StateDisconnecting) {
		if cn := c.cur.Load(); cn != nil {
			_ = c.write(cn, &packets.Disconnect{FixedHeader: packets.FixedHeader{PacketType: packets.DisconnectType}})
		}
	}
	c.state.set(StateClosed)
	c.closeOnce.Do(func() { close(c.quit) })
	if cn := c.cur.Load(); cn != nil {
		c.drop(cn, nil)
	}
	c.outbound.Clear()
	c.inbound.Clear()
	c.failAcks(ErrClientClosed)
	if c.handler != nil {
		c.handler.close()
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// State returns the current client state.
func (c *Client) State() State {
	return c.state.get()
}

// ClientID returns the client identifier, as assigned by the server when
// the client connected without one.
func (c *Client) ClientID() string {
	id, _ := c.clientID.Load().(string)
	return id
}

// ServerCapabilities returns the limits announced in the last CONNACK.
func (c *Client) ServerCapabilities() *ServerCapabilities {
	if caps := c.caps.Load(); caps != nil {
		return caps
	}
	return parseCapabilities(nil)
}

// Pending returns the number of unacknowledged QoS 1/2 publishes.
func (c *Client) Pending() int {
	return c.outbound.Len()
}

// WritePacket encodes pkt for the current connection. It implements
// inflight.Writer.
func (c *Client) WritePacket(pkt packets.ControlPacket) error {
	cn := c.cur.Load()
	if cn == nil {
		return ErrNotConnected
	}
	return c.write(cn, pkt)
}

// write never tears the connection down itself: a failed write closes the
// socket and the read loop reports the loss.
func (c *Client) write(cn *connection, pkt packets.ControlPacket) error {
	data, err := packets.Encode(pkt, c.version)
	if err != nil {
		return err
	}
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	if err := cn.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		_ = cn.conn.Close()
		return err
	}
	if _, err := cn.conn.Write(data); err != nil {
		_ = cn.conn.Close()
		return err
	}
	return nil
}

// Publish sends a message and, for QoS 1 and 2, waits until it is
// acknowledged or ctx is done. A cancelled wait leaves the message queued.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	return c.PublishMessage(ctx, NewMessage(topic, payload, qos, retain))
}

// PublishMessage is Publish with v5 message properties.
func (c *Client) PublishMessage(ctx context.Context, msg *Message) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	if msg.QoS > 2 {
		return ErrInvalidQoS
	}
	if err := topics.ValidateTopicName(msg.Topic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	caps := c.ServerCapabilities()
	if msg.QoS > caps.MaximumQoS {
		return ErrQoSNotSupported
	}

	pub := &packets.Publish{
		FixedHeader: packets.FixedHeader{PacketType: packets.PublishType, QoS: msg.QoS, Retain: msg.Retain},
		TopicName:   msg.Topic,
		Payload:     msg.Payload,
	}
	if c.version == packets.V5 {
		pub.Properties = msg.properties()
	}
	if msg.QoS == 0 {
		// Tracked publishes keep their topic so a resend after reconnect
		// does not depend on aliases of the old connection.
		c.applyAlias(pub)
		return c.WritePacket(pub)
	}
	if c.outbound.Len() >= int(caps.ReceiveMaximum) {
		return inflight.ErrInflightFull
	}

	ch := make(chan error, 1)
	c.mu.Lock()
	id, err := c.outbound.Send(pub)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.acks[id] = ch
	c.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Client) applyAlias(pub *packets.Publish) {
	a := c.aliases.Load()
	if c.version != packets.V5 || a == nil {
		return
	}
	alias, known := a.outbound(pub.TopicName)
	if alias == 0 {
		return
	}
	pub.Properties.SetUint(packets.TopicAliasProp, uint32(alias))
	if known {
		pub.TopicName = ""
	}
}

// Subscribe subscribes to filters with the given maximum QoS each and
// returns the granted QoS or failure code per filter. ErrSubscribeFailed
// is returned with the codes when any filter was refused.
func (c *Client) Subscribe(ctx context.Context, filters map[string]byte) (map[string]byte, error) {
	names := slices.Sorted(maps.Keys(filters))
	opts := make([]*SubscribeOption, len(names))
	for i, f := range names {
		opts[i] = NewSubscribeOption(f, filters[f])
	}
	codes, err := c.SubscribeWithOptions(ctx, opts...)
	if codes == nil {
		return nil, err
	}
	granted := make(map[string]byte, len(names))
	for i, f := range names {
		if i < len(codes) {
			granted[f] = codes[i]
		}
	}
	return granted, err
}

// SubscribeWithOptions sends one SUBSCRIBE and returns the SUBACK codes in
// option order.
func (c *Client) SubscribeWithOptions(ctx context.Context, opts ...*SubscribeOption) ([]byte, error) {
	if len(opts) == 0 {
		return nil, ErrInvalidTopic
	}
	pkt := &packets.Subscribe{FixedHeader: packets.FixedHeader{PacketType: packets.SubscribeType}}
	for _, o := range opts {
		if _, err := topics.ParseFilter(o.Topic); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
		}
		if o.QoS > 2 {
			return nil, ErrInvalidQoS
		}
		pkt.Filters = append(pkt.Filters, o.wire())
		if o.SubscriptionID != 0 && c.version == packets.V5 && len(pkt.Properties) == 0 {
			pkt.Properties.AddSubscriptionID(o.SubscriptionID)
		}
	}

	reply, err := c.request(ctx, pkt, func(id uint16) { pkt.PacketID = id })
	if err != nil {
		return nil, err
	}
	ack, ok := reply.(*packets.SubAck)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, reply)
	}
	failed := false
	for i, rc := range ack.ReasonCodes {
		if rc >= packets.SubAckFailure {
			failed = true
			continue
		}
		if i < len(opts) {
			c.subs.add(opts[i])
		}
	}
	if failed {
		return ack.ReasonCodes, ErrSubscribeFailed
	}
	return ack.ReasonCodes, nil
}

// Unsubscribe removes subscriptions. v5 failure codes are returned as a
// ReasonError.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return ErrInvalidTopic
	}
	for _, f := range filters {
		if _, err := topics.ParseFilter(f); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
		}
	}
	pkt := &packets.Unsubscribe{
		FixedHeader: packets.FixedHeader{PacketType: packets.UnsubscribeType},
		Topics:      filters,
	}
	reply, err := c.request(ctx, pkt, func(id uint16) { pkt.PacketID = id })
	if err != nil {
		return err
	}
	ack, ok := reply.(*packets.UnsubAck)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, reply)
	}
	c.subs.remove(filters...)
	for _, rc := range ack.ReasonCodes {
		if rc >= packets.UnspecifiedError {
			return &ReasonError{Packet: "UNSUBACK", Code: rc}
		}
	}
	return nil
}

// request sends a SUBSCRIBE or UNSUBSCRIBE and waits for its
// acknowledgement.
func (c *Client) request(ctx context.Context, pkt packets.ControlPacket, setID func(uint16)) (packets.ControlPacket, error) {
	if !c.state.isConnected() {
		return nil, ErrNotConnected
	}
	ch := make(chan packets.ControlPacket, 1)
	c.mu.Lock()
	id, err := c.controlID()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.replies[id] = ch
	c.mu.Unlock()

	setID(id)
	if err := c.WritePacket(pkt); err != nil {
		c.mu.Lock()
		delete(c.replies, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.replies, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// controlID takes an identifier from the publish sequence that no other
// request is waiting on. c.mu must be held.
func (c *Client) controlID() (uint16, error) {
	for range inflight.MaxPacketID {
		id, err := c.outbound.NextID()
		if err != nil {
			return 0, err
		}
		if _, busy := c.replies[id]; !busy {
			return id, nil
		}
	}
	return 0, inflight.ErrIDsExhausted
}

func (c *Client) readLoop(cn *connection) {
	buf := make([]byte, readBufferSize)
	for {
		for {
			pkt, err := cn.dec.Decode()
			if errors.Is(err, packets.ErrNeedMoreData) {
				break
			}
			if err == nil {
				err = c.handle(cn, pkt)
			}
			if err != nil {
				c.drop(cn, err)
				return
			}
		}

		n, err := cn.conn.Read(buf)
		if err != nil {
			select {
			case <-cn.done:
			default:
				c.drop(cn, fmt.Errorf("%w: %w", ErrConnectionLost, err))
			}
			return
		}
		cn.touch(c.clock.Now())
		_, _ = cn.dec.Write(buf[:n])
	}
}

func (c *Client) handle(cn *connection, pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.Publish:
		return c.handlePublish(cn, p)
	case *packets.PubAck:
		if c.outbound.PubAck(p.PacketID) {
			c.finishPublish(p.PacketID, reasonError("PUBACK", p.ReasonCode))
		}
	case *packets.PubRec:
		if p.ReasonCode >= packets.UnspecifiedError {
			if c.outbound.PubRec(p.PacketID, p.ReasonCode) {
				c.finishPublish(p.PacketID, reasonError("PUBREC", p.ReasonCode))
			}
			return nil
		}
		if !c.outbound.PubRec(p.PacketID, p.ReasonCode) {
			return c.WritePacket(&packets.PubRel{
				FixedHeader: packets.FixedHeader{PacketType: packets.PubRelType},
				PacketID:    p.PacketID,
				ReasonCode:  c.notFound(),
			})
		}
	case *packets.PubRel:
		code := packets.Success
		if pub := c.inbound.Release(p.PacketID); pub != nil {
			if !c.deliver(cn, messageFromPublish(pub, pub.TopicName)) {
				return nil
			}
		} else {
			code = c.notFound()
		}
		return c.WritePacket(&packets.PubComp{
			FixedHeader: packets.FixedHeader{PacketType: packets.PubCompType},
			PacketID:    p.PacketID,
			ReasonCode:  code,
		})
	case *packets.PubComp:
		if c.outbound.PubComp(p.PacketID) {
			c.finishPublish(p.PacketID, reasonError("PUBCOMP", p.ReasonCode))
		}
	case *packets.SubAck:
		c.reply(p.PacketID, p)
	case *packets.UnsubAck:
		c.reply(p.PacketID, p)
	case *packets.PingResp:
	case *packets.Disconnect:
		return fmt.Errorf("%w: reason %#x", ErrServerDisconnect, p.ReasonCode)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt)
	}
	return nil
}

func (c *Client) handlePublish(cn *connection, p *packets.Publish) error {
	topic := p.TopicName
	if v, ok := p.Properties.Uint(packets.TopicAliasProp); ok {
		a := c.aliases.Load()
		alias := uint16(v)
		switch {
		case a == nil:
			return fmt.Errorf("%w: topic alias without negotiation", packets.ErrProtocolViolation)
		case topic == "":
			if topic, ok = a.resolveInbound(alias); !ok {
				return fmt.Errorf("%w: unknown topic alias %d", packets.ErrProtocolViolation, alias)
			}
		case !a.registerInbound(alias, topic):
			return fmt.Errorf("%w: topic alias %d out of range", packets.ErrProtocolViolation, alias)
		}
		p.TopicName = topic
		p.Properties.Delete(packets.TopicAliasProp)
	}

	switch p.QoS {
	case 0:
		c.deliver(cn, messageFromPublish(p, topic))
	case 1:
		// Not acknowledged when the connection went away meanwhile, so
		// the server sends it again.
		if !c.deliver(cn, messageFromPublish(p, topic)) {
			return nil
		}
		return c.WritePacket(&packets.PubAck{
			FixedHeader: packets.FixedHeader{PacketType: packets.PubAckType},
			PacketID:    p.PacketID,
		})
	case 2:
		// PUBREC is written by the receiver; delivery waits for PUBREL.
		c.inbound.Publish(p)
	}
	return nil
}

// deliver hands msg to the OnMessage worker. It reports false when cn
// closed or the client shut down before the message could be queued.
func (c *Client) deliver(cn *connection, msg *Message) bool {
	if c.handler == nil {
		return true
	}
	return c.handler.enqueue(msg, cn.done)
}

func (c *Client) notFound() byte {
	if c.version == packets.V5 {
		return packets.PacketIdentifierNotFound
	}
	return packets.Success
}

func reasonError(packet string, code byte) error {
	if code < packets.UnspecifiedError {
		return nil
	}
	return &ReasonError{Packet: packet, Code: code}
}

func (c *Client) finishPublish(id uint16, err error) {
	c.mu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

// failAcks ends all waiting publishes with err.
func (c *Client) failAcks(err error) {
	c.mu.Lock()
	acks := c.acks
	c.acks = make(map[uint16]chan error)
	c.mu.Unlock()
	for _, ch := range acks {
		ch <- err
	}
}

func (c *Client) reply(id uint16, pkt packets.ControlPacket) {
	c.mu.Lock()
	ch, ok := c.replies[id]
	delete(c.replies, id)
	c.mu.Unlock()
	if ok {
		ch <- pkt
	}
}

// drop closes cn once. If cn is the current connection the trackers go
// idle until the next Connect and pending SUBSCRIBE/UNSUBSCRIBE requests
// fail. Publish waiters are kept when a reconnect follows, since their
// messages are resent on the new connection. A nil err means the client
// closed it.
func (c *Client) drop(cn *connection, err error) {
	first := false
	cn.closeOnce.Do(func() {
		first = true
		close(cn.done)
		_ = cn.conn.Close()
	})
	if !first || !c.cur.CompareAndSwap(cn, nil) {
		return
	}
	c.outbound.Unbind()
	c.inbound.Unbind()

	c.mu.Lock()
	replies := c.replies
	c.replies = make(map[uint16]chan packets.ControlPacket)
	c.mu.Unlock()
	for _, ch := range replies {
		close(ch)
	}

	lost := c.state.transition(StateConnected, StateDisconnected) && err != nil
	retry := lost && c.opts.AutoReconnect
	switch {
	case err == nil:
		c.failAcks(ErrNotConnected)
	case !retry:
		c.failAcks(ErrConnectionLost)
	}
	if err == nil {
		return
	}
	c.logger.Warn("connection lost", slog.String("client_id", c.ClientID()), slog.String("error", err.Error()))
	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(err)
	}
	if retry {
		go c.reconnect()
	}
}

// keepAlive sends PINGREQ every half interval and drops the connection
// when nothing was received for one and a half intervals.
func (c *Client) keepAlive(cn *connection) {
	ticker := c.clock.Ticker(cn.keepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			if c.clock.Since(cn.lastSeen()) >= cn.keepAlive+cn.keepAlive/2 {
				c.drop(cn, ErrPingTimeout)
				return
			}
			if err := c.write(cn, &packets.PingReq{FixedHeader: packets.FixedHeader{PacketType: packets.PingReqType}}); err != nil {
				return
			}
		}
	}
}
