// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"math"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/mqtt/session"
	"github.com/absmach/mqttcore/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (b *Broker) handlePublish(c *Connection, s *session.Session, p *packets.Publish) error {
	start := b.clock.Now()
	ctx, span := b.tracer.Start(context.Background(), "mqtt.publish",
		trace.WithAttributes(
			attribute.String("mqtt.client_id", s.ID),
			attribute.Int("mqtt.qos", int(p.QoS)),
		),
	)
	defer span.End()

	if p.QoS > b.cfg.Broker.MaxQoS {
		return disconnectWith(packets.QoSNotSupported, "publish qos %d above maximum %d", p.QoS, b.cfg.Broker.MaxQoS)
	}
	topic, err := resolveTopic(s, p)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("mqtt.topic", topic))

	if b.limiter != nil && !b.limiter.AllowPublish(s.ID) {
		b.stats.dropped.Add(1)
		b.metrics.RecordError("publish_rate_limited")
		b.logOp("publish_rate_limited", slog.String("client_id", s.ID), slog.String("topic", topic))
		return b.ackPublish(c, p, packets.MessageRateTooHigh)
	}

	b.stats.received(len(p.Payload))
	b.metrics.RecordMessageReceived(p.QoS, int64(len(p.Payload)))
	p.TopicName = topic
	p.Properties.Delete(packets.TopicAliasProp)
	msg := messageFromPublish(p, topic, start)

	switch p.QoS {
	case 0:
		b.accept(ctx, s.ID, msg)
	case 1:
		code := packets.Success
		if b.accept(ctx, s.ID, msg) == 0 && c.Version() == packets.V5 {
			code = packets.NoMatchingSubscribers
		}
		if err := b.ackPublish(c, p, code); err != nil {
			return err
		}
	case 2:
		if limit := b.cfg.Broker.ReceiveMaximum; limit > 0 && !p.Dup && s.Inbound.Len() >= limit {
			return disconnectWith(packets.ReceiveMaximumExceeded, "more than %d qos 2 publishes awaiting PUBREL", limit)
		}
		// Routing waits for PUBREL; the retained copy is updated now.
		if s.Inbound.Publish(p) && msg.Retain {
			b.retain(ctx, msg)
		}
	}

	b.metrics.RecordPublishDuration(float64(b.clock.Since(start).Microseconds()) / 1000)
	return nil
}

// resolveTopic applies the v5 topic alias of an inbound PUBLISH.
func resolveTopic(s *session.Session, p *packets.Publish) (string, error) {
	alias, ok := p.Properties.Uint(packets.TopicAliasProp)
	if !ok {
		if p.TopicName == "" {
			return "", disconnectWith(packets.ProtocolError, "empty topic without alias")
		}
		return p.TopicName, nil
	}
	if alias == 0 || alias > math.MaxUint16 {
		return "", disconnectWith(packets.TopicAliasInvalid, "topic alias %d", alias)
	}
	if p.TopicName == "" {
		topic, ok := s.ResolveInboundAlias(uint16(alias))
		if !ok {
			return "", disconnectWith(packets.ProtocolError, "unknown topic alias %d", alias)
		}
		return topic, nil
	}
	if !s.SetInboundAlias(uint16(alias), p.TopicName) {
		return "", disconnectWith(packets.TopicAliasInvalid, "topic alias %d above maximum", alias)
	}
	return p.TopicName, nil
}

// ackPublish answers a QoS 1 or 2 PUBLISH. Reason codes only reach v5
// peers.
func (b *Broker) ackPublish(c *Connection, p *packets.Publish, code byte) error {
	if c.Version() != packets.V5 {
		code = packets.Success
	}
	switch p.QoS {
	case 1:
		return c.WritePacket(&packets.PubAck{
			FixedHeader: packets.FixedHeader{PacketType: packets.PubAckType},
			PacketID:    p.PacketID,
			ReasonCode:  code,
		})
	case 2:
		return c.WritePacket(&packets.PubRec{
			FixedHeader: packets.FixedHeader{PacketType: packets.PubRecType},
			PacketID:    p.PacketID,
			ReasonCode:  code,
		})
	}
	return nil
}

func (b *Broker) handlePubRel(c *Connection, s *session.Session, p *packets.PubRel) error {
	code := packets.Success
	if pub := s.Inbound.Release(p.PacketID); pub != nil {
		b.dispatch(s.ID, messageFromPublish(pub, pub.TopicName, b.clock.Now()))
	} else if c.Version() == packets.V5 {
		code = packets.PacketIdentifierNotFound
	}
	return c.WritePacket(&packets.PubComp{
		FixedHeader: packets.FixedHeader{PacketType: packets.PubCompType},
		PacketID:    p.PacketID,
		ReasonCode:  code,
	})
}

func (b *Broker) handlePubRec(c *Connection, s *session.Session, p *packets.PubRec) error {
	if s.Outbound.PubRec(p.PacketID, p.ReasonCode) || p.ReasonCode >= packets.UnspecifiedError {
		return nil
	}
	// Unknown id: release it so the client can drop its state.
	code := packets.Success
	if c.Version() == packets.V5 {
		code = packets.PacketIdentifierNotFound
	}
	return c.WritePacket(&packets.PubRel{
		FixedHeader: packets.FixedHeader{PacketType: packets.PubRelType},
		PacketID:    p.PacketID,
		ReasonCode:  code,
	})
}

// accept applies the retained side effect of a client message and
// dispatches it. It returns the number of recipients.
func (b *Broker) accept(ctx context.Context, publisher string, msg *storage.Message) int {
	if msg.Retain {
		b.retain(ctx, msg)
	}
	return b.dispatch(publisher, msg)
}

// dispatch routes a client message and hands it to the OnMessage hook.
func (b *Broker) dispatch(publisher string, msg *storage.Message) int {
	n := b.route(publisher, msg)
	if fn := b.hooks.OnMessage; fn != nil {
		topic, qos, payload := msg.Topic, msg.QoS, msg.Payload
		if !b.executor.Submit(func() { fn(publisher, topic, qos, payload) }) {
			b.stats.dropped.Add(1)
			b.metrics.RecordError("message_hook_dropped")
			b.logOp("message_hook_dropped", slog.String("client_id", publisher), slog.String("topic", topic))
		}
	}
	return n
}

// retain updates the retained message of msg.Topic. A QoS 0 or empty
// message clears it.
func (b *Broker) retain(ctx context.Context, msg *storage.Message) {
	var err error
	if msg.QoS == 0 || len(msg.Payload) == 0 {
		err = b.retained.Delete(ctx, msg.Topic)
	} else {
		err = b.retained.Set(ctx, msg.Topic, msg)
	}
	if err != nil {
		b.logError("retain", err, slog.String("topic", msg.Topic))
	}
}

// route delivers msg to every matching session and returns the number of
// deliveries. Each client receives at most one copy.
func (b *Broker) route(publisher string, msg *storage.Message) int {
	now := b.clock.Now()
	if msg.Expired(now) {
		return 0
	}
	n := 0
	for clientID, t := range b.matcher.Route(msg.Topic) {
		if t.NoLocal && clientID == publisher {
			continue
		}
		s := b.sessions.Get(clientID)
		if s == nil {
			continue
		}
		var ids []uint32
		if s.Version() == packets.V5 {
			ids = t.SubscriptionIDs
		}
		pub := outgoing(msg, min(msg.QoS, t.QoS), msg.Retain && t.RetainAsPublished, ids, now)
		if b.deliver(clientID, s, pub) {
			n++
		}
	}
	return n
}

// deliver sends QoS 0 straight to the bound connection and hands QoS 1/2
// to the session's outbound tracker, which queues while offline.
func (b *Broker) deliver(clientID string, s *session.Session, pub *packets.Publish) bool {
	if pub.QoS == 0 {
		c := b.connection(clientID)
		if c == nil {
			return false
		}
		if err := c.WritePacket(pub); err != nil {
			b.logOp("deliver_failed", slog.String("client_id", clientID), slog.String("error", err.Error()))
			return false
		}
		return true
	}
	if _, err := s.Outbound.Send(pub); err != nil {
		b.stats.dropped.Add(1)
		b.metrics.RecordError("delivery_rejected")
		b.logError("deliver", err, slog.String("client_id", clientID), slog.String("topic", pub.TopicName))
		return false
	}
	return true
}
