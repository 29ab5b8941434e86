// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "github.com/absmach/mqttcore/mqtt/packets"

// Message represents an MQTT application message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Dup      bool
	PacketID uint16

	// MQTT 5.0 properties
	PayloadFormat   *byte
	MessageExpiry   *uint32
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  map[string]string
	SubscriptionIDs []uint32
}

// NewMessage creates a new message with the given parameters.
func NewMessage(topic string, payload []byte, qos byte, retain bool) *Message {
	return &Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
}

// messageFromPublish converts a received PUBLISH. topic is the resolved
// topic name.
func messageFromPublish(p *packets.Publish, topic string) *Message {
	msg := &Message{
		Topic:           topic,
		Payload:         p.Payload,
		QoS:             p.QoS,
		Retain:          p.Retain,
		Dup:             p.Dup,
		PacketID:        p.PacketID,
		SubscriptionIDs: p.Properties.SubscriptionIDs(),
	}
	if v, ok := p.Properties.Uint(packets.PayloadFormatProp); ok {
		pf := byte(v)
		msg.PayloadFormat = &pf
	}
	if v, ok := p.Properties.Uint(packets.MessageExpiryProp); ok {
		msg.MessageExpiry = &v
	}
	msg.ContentType, _ = p.Properties.Str(packets.ContentTypeProp)
	msg.ResponseTopic, _ = p.Properties.Str(packets.ResponseTopicProp)
	msg.CorrelationData, _ = p.Properties.Binary(packets.CorrelationDataProp)
	if users := p.Properties.UserProperties(); len(users) > 0 {
		msg.UserProperties = make(map[string]string, len(users))
		for _, kv := range users {
			msg.UserProperties[kv[0]] = kv[1]
		}
	}
	return msg
}

// properties encodes the v5 application properties of the message.
func (m *Message) properties() packets.Properties {
	var props packets.Properties
	if m.PayloadFormat != nil {
		props.SetUint(packets.PayloadFormatProp, uint32(*m.PayloadFormat))
	}
	if m.MessageExpiry != nil {
		props.SetUint(packets.MessageExpiryProp, *m.MessageExpiry)
	}
	if m.ContentType != "" {
		props.SetStr(packets.ContentTypeProp, m.ContentType)
	}
	if m.ResponseTopic != "" {
		props.SetStr(packets.ResponseTopicProp, m.ResponseTopic)
	}
	if m.CorrelationData != nil {
		props.SetBinary(packets.CorrelationDataProp, m.CorrelationData)
	}
	for k, v := range m.UserProperties {
		props.AddUser(k, v)
	}
	return props
}
