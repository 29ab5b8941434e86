// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "github.com/absmach/mqttcore/mqtt/packets"

// SubscribeOption represents subscription options for MQTT 5.0.
type SubscribeOption struct {
	// Topic is the topic filter to subscribe to.
	Topic string

	// QoS is the maximum QoS level the client wishes to receive.
	QoS byte

	// NoLocal prevents the client from receiving messages it published itself.
	// Only applies to MQTT 5.0.
	NoLocal bool

	// RetainAsPublished preserves the RETAIN flag as it was set by the publisher.
	// Only applies to MQTT 5.0.
	RetainAsPublished bool

	// RetainHandling controls when retained messages are sent:
	//   0 = Send retained messages at subscription time (default)
	//   1 = Send retained messages only if this is a new subscription
	//   2 = Don't send retained messages at all
	// Only applies to MQTT 5.0.
	RetainHandling byte

	// SubscriptionID is echoed by the server on every message matching the
	// subscription. 0 means none. A SUBSCRIBE carries a single identifier,
	// taken from the first option that sets one.
	SubscriptionID uint32
}

// NewSubscribeOption creates a basic subscribe option with just topic and QoS.
func NewSubscribeOption(topic string, qos byte) *SubscribeOption {
	return &SubscribeOption{
		Topic: topic,
		QoS:   qos,
	}
}

// SetNoLocal sets the NoLocal flag.
func (o *SubscribeOption) SetNoLocal(noLocal bool) *SubscribeOption {
	o.NoLocal = noLocal
	return o
}

// SetRetainAsPublished sets the RetainAsPublished flag.
func (o *SubscribeOption) SetRetainAsPublished(retain bool) *SubscribeOption {
	o.RetainAsPublished = retain
	return o
}

// SetRetainHandling sets the retain handling option (0, 1, or 2).
func (o *SubscribeOption) SetRetainHandling(handling byte) *SubscribeOption {
	o.RetainHandling = handling
	return o
}

// SetSubscriptionID sets the subscription identifier.
func (o *SubscribeOption) SetSubscriptionID(id uint32) *SubscribeOption {
	o.SubscriptionID = id
	return o
}

func (o *SubscribeOption) wire() packets.SubOption {
	return packets.SubOption{
		Topic:             o.Topic,
		QoS:               o.QoS,
		NoLocal:           o.NoLocal,
		RetainAsPublished: o.RetainAsPublished,
		RetainHandling:    o.RetainHandling,
	}
}
