// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/absmach/mqttcore/mqtt/inflight"
	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/mqtt/session"
)

// neverExpire is the session expiry interval of a session kept until the
// client cleans it.
const neverExpire = math.MaxUint32

var versionNames = map[byte]string{
	packets.V31:  "3.1",
	packets.V311: "3.1.1",
	packets.V5:   "5.0",
}

func (b *Broker) connect(c *Connection, p *packets.Connect) error {
	version := p.ProtocolVersion
	c.version.Store(uint32(version))

	if b.closed.Load() {
		return c.refuse(packets.RefusedServerUnavailable, packets.ServerUnavailable, ErrBrokerClosed)
	}

	clientID := p.ClientID
	assigned := ""
	if clientID == "" {
		if version == packets.V31 || (version == packets.V311 && !p.CleanStart) {
			return c.refuse(packets.RefusedIdentifierRejected, packets.ClientIdentifierNotValid, packets.ErrInvalidClientID)
		}
		clientID = GenerateClientID()
		assigned = clientID
	}
	if err := packets.ValidateClientID(clientID, version); err != nil {
		return c.refuse(packets.RefusedIdentifierRejected, packets.ClientIdentifierNotValid, err)
	}

	if b.auth != nil {
		ok, err := b.auth.Authenticate(clientID, p.Username, p.Password)
		if err != nil || !ok {
			b.stats.authErrors.Add(1)
			b.metrics.RecordError("auth")
			if err == nil {
				err = fmt.Errorf("client %q: bad credentials", clientID)
			}
			return c.refuse(packets.RefusedBadUsernameOrPassword, packets.BadUserNameOrPassword, err)
		}
	}

	// v3 wills are capped to the maximum QoS instead.
	if p.WillFlag && version == packets.V5 && p.WillQoS > b.cfg.Broker.MaxQoS {
		return c.refuse(packets.RefusedServerUnavailable, packets.QoSNotSupported, ErrInvalidQoS)
	}

	opts := session.Options{
		Version:        version,
		CleanStart:     p.CleanStart,
		ExpiryInterval: b.sessionExpiry(p),
		KeepAlive:      p.KeepAlive,
		Inflight:       b.inflightConfig(clientID, p),
	}
	if version == packets.V5 {
		opts.TopicAliasMax = b.cfg.Broker.TopicAliasMaximum
	}

	b.locks.Lock(clientID)
	s, present, err := b.claimSession(clientID, opts)
	if err != nil {
		b.locks.Unlock(clientID)
		return c.refuse(packets.RefusedServerUnavailable, packets.QuotaExceeded, err)
	}

	ctx := context.Background()
	if p.WillFlag {
		err = b.wills.Set(ctx, clientID, willFromConnect(clientID, p, b.cfg.Broker.MaxQoS))
	} else {
		err = b.wills.Delete(ctx, clientID)
	}
	if err != nil {
		b.logError("store_will", err, slog.String("client_id", clientID))
	}

	old := b.connection(clientID)
	if old != nil {
		old.superseded.Store(true)
	}
	c.bind(clientID, s, p.KeepAlive)
	b.conns.Store(clientID, c)

	ack := &packets.ConnAck{
		FixedHeader:    packets.FixedHeader{PacketType: packets.ConnAckType},
		SessionPresent: present,
		ReasonCode:     packets.Accepted,
	}
	if version == packets.V5 {
		ack.Properties = b.connAckProperties(assigned)
	}
	if err := c.WritePacket(ack); err != nil {
		b.locks.Unlock(clientID)
		return err
	}
	// Pending deliveries are resent only after CONNACK.
	s.Bind(c.ID, c, b.clock.Now())
	b.locks.Unlock(clientID)

	b.stats.connected()
	b.metrics.RecordConnection(versionNames[version])
	if !present {
		b.metrics.RecordSessions(1)
	}
	if b.hooks.OnOnline != nil {
		b.hooks.OnOnline(clientID)
	}
	if old != nil {
		old.takeover()
	}

	b.logOp("client_connected",
		slog.String("client_id", clientID),
		slog.String("conn_id", c.ID),
		slog.String("version", versionNames[version]),
		slog.Bool("clean_start", p.CleanStart),
		slog.Bool("session_present", present),
	)
	return nil
}

// claimSession prepares the session of clientID for a new connection. It
// cancels a pending expiry or delayed will and drops the previous session
// on clean start. The caller holds the key lock.
func (b *Broker) claimSession(clientID string, opts session.Options) (*session.Session, bool, error) {
	b.stopTimer(&b.expiryTimers, clientID)
	if b.stopTimer(&b.willTimers, clientID) != nil {
		b.logOp("will_cancelled", slog.String("client_id", clientID))
	}

	prev := b.sessions.Get(clientID)
	if prev == nil {
		if limit := b.cfg.Session.MaxSessions; limit > 0 && b.sessions.Count() >= limit {
			return nil, false, fmt.Errorf("session limit %d reached", limit)
		}
	}
	if prev != nil && opts.CleanStart {
		if b.dropSession(clientID, prev) {
			b.metrics.RecordSessions(-1)
		}
	}

	s, created := b.sessions.GetOrCreate(clientID, opts)
	if !created {
		s.Update(opts)
	}
	return s, !created, nil
}

// refuse answers CONNECT with a negative CONNACK and closes the connection.
func (c *Connection) refuse(v3Code, v5Code byte, cause error) error {
	code := v3Code
	if c.Version() == packets.V5 {
		code = v5Code
	}
	ack := &packets.ConnAck{FixedHeader: packets.FixedHeader{PacketType: packets.ConnAckType}, ReasonCode: code}
	if err := c.WritePacket(ack); err != nil {
		c.broker.logError("connack", err, slog.String("conn_id", c.ID))
	}
	return fmt.Errorf("%w (%#x): %w", errConnectRefused, code, cause)
}

// sessionExpiry maps CONNECT to a v5 style expiry interval: 0 ends the
// session with the connection, neverExpire keeps it.
func (b *Broker) sessionExpiry(p *packets.Connect) uint32 {
	if p.ProtocolVersion == packets.V5 {
		v, _ := p.Properties.Uint(packets.SessionExpiryIntervalProp)
		return v
	}
	if p.CleanStart {
		return 0
	}
	if d := b.cfg.Session.DefaultExpiryInterval; d > 0 {
		return d
	}
	return neverExpire
}

func (b *Broker) inflightConfig(clientID string, p *packets.Connect) inflight.Config {
	limit := b.cfg.Broker.ReceiveMaximum
	if p.ProtocolVersion == packets.V5 {
		if rm, ok := p.Properties.Uint(packets.ReceiveMaximumProp); ok && int(rm) < limit {
			limit = int(rm)
		}
	}
	return inflight.Config{
		RetryInterval: b.cfg.Broker.RetryInterval,
		MaxRetries:    b.cfg.Broker.MaxRetries,
		MaxInflight:   limit,
		Clock:         b.clock,
		OnFailure: func(id uint16, pub *packets.Publish, err error) {
			b.stats.dropped.Add(1)
			b.metrics.RecordDeliveryAbandoned(pub.QoS)
			b.logError("delivery_abandoned", err,
				slog.String("client_id", clientID),
				slog.Int("packet_id", int(id)),
				slog.String("topic", pub.TopicName),
			)
		},
	}
}

func (b *Broker) connAckProperties(assigned string) packets.Properties {
	var props packets.Properties
	if assigned != "" {
		props.SetStr(packets.AssignedClientIDProp, assigned)
	}
	if rm := b.cfg.Broker.ReceiveMaximum; rm > 0 && rm <= math.MaxUint16 {
		props.SetUint(packets.ReceiveMaximumProp, uint32(rm))
	}
	if tam := b.cfg.Broker.TopicAliasMaximum; tam > 0 {
		props.SetUint(packets.TopicAliasMaximumProp, uint32(tam))
	}
	if b.cfg.Broker.MaxQoS < 2 {
		props.SetUint(packets.MaximumQoSProp, uint32(b.cfg.Broker.MaxQoS))
	}
	if size := b.cfg.Codec.MaxPacketSize; size > 0 {
		props.SetUint(packets.MaximumPacketSizeProp, uint32(size))
	}
	return props
}
