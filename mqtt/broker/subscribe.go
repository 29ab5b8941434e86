// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/mqtt/session"
	"github.com/absmach/mqttcore/storage"
	"github.com/absmach/mqttcore/topics"
)

// Retain handling options of a v5 subscription.
const (
	retainSendAlways byte = iota
	retainSendIfNew
	retainSendNever
)

type retainedRequest struct {
	filter topics.Filter
	qos    byte
	subID  uint32
}

func (b *Broker) handleSubscribe(c *Connection, s *session.Session, p *packets.Subscribe) error {
	v5 := c.Version() == packets.V5
	var subID uint32
	if ids := p.Properties.SubscriptionIDs(); len(ids) > 0 {
		subID = ids[0]
	}

	codes := make([]byte, len(p.Filters))
	var pending []retainedRequest
	for i, opt := range p.Filters {
		code, req := b.subscribe(s, opt, subID, v5)
		codes[i] = code
		if req != nil {
			pending = append(pending, *req)
		}
	}

	ack := &packets.SubAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.SubAckType},
		PacketID:    p.PacketID,
		ReasonCodes: codes,
	}
	if err := c.WritePacket(ack); err != nil {
		return err
	}

	for _, req := range pending {
		b.sendRetained(s, req)
	}
	return nil
}

// subscribe applies one filter of a SUBSCRIBE. It returns the SUBACK code
// and, when retained messages are due, what to send after the SUBACK.
func (b *Broker) subscribe(s *session.Session, opt packets.SubOption, subID uint32, v5 bool) (byte, *retainedRequest) {
	failure := func(v5Code byte) byte {
		if v5 {
			return v5Code
		}
		return packets.SubAckFailure
	}

	f, err := topics.ParseFilter(opt.Topic)
	if err != nil {
		b.logOp("subscribe_invalid_filter", slog.String("client_id", s.ID), slog.String("filter", opt.Topic))
		return failure(packets.TopicFilterInvalid), nil
	}
	if v5 && f.Shared() && opt.NoLocal {
		return failure(packets.ProtocolError), nil
	}
	if b.limiter != nil && !b.limiter.AllowSubscribe(s.ID) {
		b.metrics.RecordError("subscribe_rate_limited")
		return failure(packets.QuotaExceeded), nil
	}

	sub := storage.Subscription{
		ClientID: s.ID,
		Filter:   opt.Topic,
		QoS:      min(opt.QoS, b.cfg.Broker.MaxQoS),
		Options: storage.SubscribeOptions{
			NoLocal:           opt.NoLocal,
			RetainAsPublished: opt.RetainAsPublished,
			RetainHandling:    opt.RetainHandling,
		},
		SubscriptionID: subID,
	}
	isNew := s.AddSubscription(sub)
	if stored, ok := s.Subscription(opt.Topic); ok {
		sub.QoS = stored.QoS
	}
	if _, err := b.matcher.Subscribe(opt.Topic, s.ID, topics.Subscriber{
		QoS:               sub.QoS,
		NoLocal:           opt.NoLocal,
		RetainAsPublished: opt.RetainAsPublished,
		SubscriptionID:    subID,
	}); err != nil {
		s.RemoveSubscription(opt.Topic)
		b.logError("subscribe", err, slog.String("client_id", s.ID), slog.String("filter", opt.Topic))
		return failure(packets.UnspecifiedError), nil
	}
	if isNew {
		b.stats.subscriptions.Add(1)
		b.metrics.RecordSubscriptions(1)
	}
	if fn := b.hooks.OnSubscribed; fn != nil {
		fn(s.ID, opt.Topic, sub.QoS)
	}
	b.logOp("subscribed", slog.String("client_id", s.ID), slog.String("filter", opt.Topic), slog.Int("qos", int(sub.QoS)))

	// Shared subscriptions never receive retained messages.
	send := !f.Shared()
	switch opt.RetainHandling {
	case retainSendIfNew:
		send = send && isNew
	case retainSendNever:
		send = false
	}
	if !send {
		return sub.QoS, nil
	}
	return sub.QoS, &retainedRequest{filter: f, qos: sub.QoS, subID: subID}
}

// sendRetained delivers the retained messages matching a new
// subscription, always with the retain flag set.
func (b *Broker) sendRetained(s *session.Session, req retainedRequest) {
	msgs, err := b.retained.Match(context.Background(), req.filter.Topic)
	if err != nil {
		b.logError("retained_match", err, slog.String("client_id", s.ID), slog.String("filter", req.filter.Raw))
		return
	}
	var ids []uint32
	if req.subID != 0 && s.Version() == packets.V5 {
		ids = []uint32{req.subID}
	}
	now := b.clock.Now()
	for _, msg := range msgs {
		b.deliver(s.ID, s, outgoing(msg, min(msg.QoS, req.qos), true, ids, now))
	}
}

func (b *Broker) handleUnsubscribe(c *Connection, s *session.Session, p *packets.Unsubscribe) error {
	v5 := c.Version() == packets.V5
	codes := make([]byte, len(p.Topics))
	for i, filter := range p.Topics {
		removed, err := b.matcher.Unsubscribe(filter, s.ID)
		if err != nil {
			codes[i] = packets.TopicFilterInvalid
			continue
		}
		if s.RemoveSubscription(filter) || removed {
			codes[i] = packets.Success
			b.stats.subscriptions.Add(-1)
			b.metrics.RecordSubscriptions(-1)
			if fn := b.hooks.OnUnsubscribed; fn != nil {
				fn(s.ID, filter)
			}
			b.logOp("unsubscribed", slog.String("client_id", s.ID), slog.String("filter", filter))
			continue
		}
		codes[i] = packets.NoSubscriptionExisted
	}

	ack := &packets.UnsubAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.UnsubAckType},
		PacketID:    p.PacketID,
	}
	if v5 {
		ack.ReasonCodes = codes
	}
	return c.WritePacket(ack)
}
