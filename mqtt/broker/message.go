// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"time"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/absmach/mqttcore/storage"
)

// messageFromPublish converts an inbound PUBLISH. topic is the resolved
// topic name, which differs from pub.TopicName when an alias was used.
func messageFromPublish(pub *packets.Publish, topic string, now time.Time) *storage.Message {
	msg := &storage.Message{
		Topic:       topic,
		Payload:     pub.Payload,
		QoS:         pub.QoS,
		Retain:      pub.Retain,
		PublishTime: now,
	}
	applyProperties(msg, pub.Properties, now, packets.MessageExpiryProp)
	return msg
}

// applyProperties copies the v5 application properties into msg. expiryID
// names the property holding the expiry interval, 0 for none.
func applyProperties(msg *storage.Message, props packets.Properties, now time.Time, expiryID byte) {
	if len(props) == 0 {
		return
	}
	if v, ok := props.Uint(expiryID); ok {
		msg.Expiry = now.Add(time.Duration(v) * time.Second)
	}
	if v, ok := props.Uint(packets.PayloadFormatProp); ok {
		pf := byte(v)
		msg.PayloadFormat = &pf
	}
	if v, ok := props.Str(packets.ContentTypeProp); ok {
		msg.ContentType = v
	}
	if v, ok := props.Str(packets.ResponseTopicProp); ok {
		msg.ResponseTopic = v
	}
	if v, ok := props.Binary(packets.CorrelationDataProp); ok {
		msg.CorrelationData = v
	}
	msg.UserProperties = props.UserProperties()
}

// willFromConnect builds the will carried by a CONNECT.
func willFromConnect(clientID string, p *packets.Connect, maxQoS byte) *storage.WillMessage {
	will := &storage.WillMessage{
		ClientID: clientID,
		Message: storage.Message{
			Topic:   p.WillTopic,
			Payload: p.WillPayload,
			QoS:     min(p.WillQoS, maxQoS),
			Retain:  p.WillRetain,
		},
	}
	if p.ProtocolVersion != packets.V5 {
		return will
	}
	// The will expiry counts from publication, so it is kept as an interval.
	applyProperties(&will.Message, p.WillProperties, time.Time{}, 0)
	will.Delay, _ = p.WillProperties.Uint(packets.WillDelayIntervalProp)
	will.ExpiryInterval, _ = p.WillProperties.Uint(packets.MessageExpiryProp)
	return will
}

// outgoing builds the PUBLISH delivered to a subscriber at the given QoS.
// Properties are only encoded for v5 peers.
func outgoing(msg *storage.Message, qos byte, retain bool, subIDs []uint32, now time.Time) *packets.Publish {
	pub := &packets.Publish{
		FixedHeader: packets.FixedHeader{PacketType: packets.PublishType, QoS: qos, Retain: retain},
		TopicName:   msg.Topic,
		Payload:     msg.Payload,
	}
	if msg.PayloadFormat != nil {
		pub.Properties.SetUint(packets.PayloadFormatProp, uint32(*msg.PayloadFormat))
	}
	if left, ok := msg.RemainingExpiry(now); ok {
		pub.Properties.SetUint(packets.MessageExpiryProp, left)
	}
	if msg.ContentType != "" {
		pub.Properties.SetStr(packets.ContentTypeProp, msg.ContentType)
	}
	if msg.ResponseTopic != "" {
		pub.Properties.SetStr(packets.ResponseTopicProp, msg.ResponseTopic)
	}
	if msg.CorrelationData != nil {
		pub.Properties.SetBinary(packets.CorrelationDataProp, msg.CorrelationData)
	}
	for _, kv := range msg.UserProperties {
		pub.Properties.AddUser(kv[0], kv[1])
	}
	for _, id := range subIDs {
		pub.Properties.AddSubscriptionID(id)
	}
	return pub
}
