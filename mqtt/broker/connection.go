// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/mqtt/session"
	"github.com/google/uuid"
)

const (
	stateAwaitConnect int32 = iota
	stateActive
	stateClosed
)

var errConnectRefused = errors.New("connect refused")

// disconnectError closes a connection, telling v5 peers why.
type disconnectError struct {
	code byte
	err  error
}

func (e *disconnectError) Error() string {
	return fmt.Sprintf("%v (reason %#x)", e.err, e.code)
}

func (e *disconnectError) Unwrap() error {
	return e.err
}

func disconnectWith(code byte, format string, args ...any) error {
	return &disconnectError{code: code, err: fmt.Errorf("%w: %s", packets.ErrProtocolViolation, fmt.Sprintf(format, args...))}
}

// Connection is the processor side of one client connection. Feed is
// called from a single reader goroutine; writes may come from any
// goroutine and are serialized.
type Connection struct {
	ID string

	broker    *Broker
	transport Transport
	decoder   *packets.Decoder

	wmu     sync.Mutex
	version atomic.Uint32
	state   atomic.Int32
	// superseded is set when another connection took the client id over.
	superseded atomic.Bool

	mu        sync.Mutex
	clientID  string
	session   *session.Session
	keepAlive uint16

	closeOnce sync.Once
}

// NewConnection registers a new transport. The first packet fed must be
// CONNECT.
func (b *Broker) NewConnection(t Transport) *Connection {
	d := packets.NewDecoder(b.cfg.Codec.MaxPacketSize)
	d.Lenient = b.cfg.Codec.LenientPacketID
	return &Connection{
		ID:        uuid.NewString(),
		broker:    b,
		transport: t,
		decoder:   d,
	}
}

// Feed processes inbound stream bytes. Any chunking is accepted. A non nil
// error means the connection has been closed.
func (c *Connection) Feed(data []byte) error {
	if c.state.Load() == stateClosed {
		return ErrConnectionClosed
	}
	c.decoder.Write(data)
	for {
		pkt, err := c.decoder.Decode()
		if errors.Is(err, packets.ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			return c.decodeFailed(pkt, err)
		}
		if err := c.handle(pkt); err != nil {
			return c.fail(err)
		}
		if c.state.Load() == stateClosed {
			return nil
		}
	}
}

// Lost reports that the transport failed or timed out. The will of the
// client is published.
func (c *Connection) Lost(err error) {
	if err != nil && c.state.Load() != stateClosed {
		c.broker.logOp("connection_lost", slog.String("conn_id", c.ID), slog.String("client_id", c.ClientID()), slog.String("error", err.Error()))
	}
	c.teardown(true, "lost")
}

// Close closes the connection from the server side without publishing
// the will.
func (c *Connection) Close() error {
	c.teardown(false, "closed")
	return nil
}

// ClientID returns the client id bound by CONNECT, empty before.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Version returns the negotiated protocol version, 0 before CONNECT.
func (c *Connection) Version() byte {
	return byte(c.version.Load())
}

// KeepAlive returns how long the network layer may wait for the next
// packet: one and a half times the negotiated keep alive. Before CONNECT
// and for a zero keep alive it returns 0, meaning no deadline.
func (c *Connection) KeepAlive() time.Duration {
	c.mu.Lock()
	ka := c.keepAlive
	c.mu.Unlock()
	return time.Duration(ka) * 1500 * time.Millisecond
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	return c.state.Load() == stateClosed
}

// WritePacket encodes pkt with the negotiated version and writes it.
func (c *Connection) WritePacket(pkt packets.ControlPacket) error {
	if c.state.Load() == stateClosed {
		return ErrConnectionClosed
	}
	version := c.Version()
	if version == 0 {
		version = packets.V311
	}
	data, err := packets.Encode(pkt, version)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	err = c.transport.Write(data)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	if pub, ok := pkt.(*packets.Publish); ok {
		c.broker.stats.sent(len(pub.Payload))
		c.broker.metrics.RecordMessageSent(pub.QoS, int64(len(pub.Payload)))
	}
	return nil
}

func (c *Connection) handle(pkt packets.ControlPacket) error {
	b := c.broker
	if c.superseded.Load() {
		return nil
	}
	if c.state.Load() == stateAwaitConnect {
		p, ok := pkt.(*packets.Connect)
		if !ok {
			return fmt.Errorf("%w: %s before CONNECT", packets.ErrProtocolViolation, packets.PacketNames[pkt.Type()])
		}
		return b.connect(c, p)
	}

	s := c.currentSession()
	switch p := pkt.(type) {
	case *packets.Publish:
		return b.handlePublish(c, s, p)
	case *packets.PubAck:
		s.Outbound.PubAck(p.PacketID)
	case *packets.PubRec:
		return b.handlePubRec(c, s, p)
	case *packets.PubRel:
		return b.handlePubRel(c, s, p)
	case *packets.PubComp:
		s.Outbound.PubComp(p.PacketID)
	case *packets.Subscribe:
		return b.handleSubscribe(c, s, p)
	case *packets.Unsubscribe:
		return b.handleUnsubscribe(c, s, p)
	case *packets.PingReq:
		return c.WritePacket(&packets.PingResp{FixedHeader: packets.FixedHeader{PacketType: packets.PingRespType}})
	case *packets.Disconnect:
		return b.handleDisconnect(c, s, p)
	case *packets.Auth:
		return disconnectWith(packets.BadAuthenticationMethod, "enhanced authentication is not supported")
	case *packets.Connect:
		return disconnectWith(packets.ProtocolError, "second CONNECT")
	default:
		return disconnectWith(packets.ProtocolError, "unexpected %s from client", packets.PacketNames[pkt.Type()])
	}
	return nil
}

func (c *Connection) decodeFailed(pkt packets.ControlPacket, err error) error {
	b := c.broker
	b.stats.protocolErrors.Add(1)
	b.metrics.RecordError("decode")
	if p, ok := pkt.(*packets.Connect); ok && errors.Is(err, packets.ErrUnsupportedProtocolVersion) {
		c.refuseVersion(p)
	}
	b.logError("decode_packet", err, slog.String("conn_id", c.ID), slog.String("remote_addr", c.transport.RemoteAddr()))
	c.teardown(true, "malformed")
	return err
}

// refuseVersion answers a CONNECT with an unknown protocol level in the
// CONNACK layout the peer most likely understands.
func (c *Connection) refuseVersion(p *packets.Connect) {
	ack := &packets.ConnAck{FixedHeader: packets.FixedHeader{PacketType: packets.ConnAckType}}
	if p.ProtocolVersion > packets.V5 {
		c.version.Store(uint32(packets.V5))
		ack.ReasonCode = packets.UnsupportedProtocolVersion
	} else {
		c.version.Store(uint32(packets.V311))
		ack.ReasonCode = packets.RefusedUnacceptableProtocolVer
	}
	if err := c.WritePacket(ack); err != nil {
		c.broker.logError("connack", err, slog.String("conn_id", c.ID))
	}
}

// fail closes the connection after a processing error and publishes the
// will.
func (c *Connection) fail(err error) error {
	b := c.broker
	if errors.Is(err, errConnectRefused) {
		c.teardown(false, "refused")
		return err
	}

	b.stats.protocolErrors.Add(1)
	b.metrics.RecordError("protocol")
	var de *disconnectError
	if errors.As(err, &de) && c.Version() == packets.V5 && c.state.Load() == stateActive {
		c.sendDisconnect(de.code)
	}
	b.logError("handle_packet", err, slog.String("client_id", c.ClientID()), slog.String("conn_id", c.ID))
	c.teardown(true, "protocol_error")
	return err
}

func (c *Connection) sendDisconnect(code byte) {
	if c.Version() != packets.V5 {
		return
	}
	pkt := &packets.Disconnect{FixedHeader: packets.FixedHeader{PacketType: packets.DisconnectType}, ReasonCode: code}
	if err := c.WritePacket(pkt); err != nil {
		c.broker.logOp("disconnect_write_failed", slog.String("conn_id", c.ID), slog.String("error", err.Error()))
	}
}

// shutdown closes the connection from the server side with a v5 reason.
func (c *Connection) shutdown(code byte) {
	c.sendDisconnect(code)
	c.teardown(false, "shutdown")
}

// takeover closes a connection whose client id was claimed by a newer one.
func (c *Connection) takeover() {
	c.broker.logOp("session_takeover", slog.String("client_id", c.ClientID()), slog.String("conn_id", c.ID))
	c.shutdown(packets.SessionTakenOver)
}

func (c *Connection) teardown(publishWill bool, reason string) {
	c.closeOnce.Do(func() {
		wasActive := c.state.Swap(stateClosed) == stateActive
		if err := c.transport.Close(); err != nil {
			c.broker.logOp("transport_close", slog.String("conn_id", c.ID), slog.String("error", err.Error()))
		}
		if wasActive {
			c.broker.stats.disconnected()
			c.broker.metrics.RecordDisconnection(reason)
			c.broker.detach(c, publishWill && !c.superseded.Load())
		}
	})
}

func (c *Connection) bind(clientID string, s *session.Session, keepAlive uint16) {
	c.mu.Lock()
	c.clientID = clientID
	c.session = s
	c.keepAlive = keepAlive
	c.mu.Unlock()
	c.state.Store(stateActive)
}

func (c *Connection) currentSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) identity() (string, *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.session
}
