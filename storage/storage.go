// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the retained and will message stores used by the
// broker.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("not found")

// Store groups the message stores of a backend.
type Store interface {
	// Retained returns the retained message store.
	Retained() RetainedStore

	// Wills returns the will message store.
	Wills() WillStore

	// Close releases the backend.
	Close() error
}

// Message is a stored application message.
type Message struct {
	// Expiry is the instant the message stops being deliverable; zero never
	// expires.
	Expiry          time.Time   `json:"expiry,omitzero"`
	PublishTime     time.Time   `json:"publish_time,omitzero"`
	Payload         []byte      `json:"payload,omitempty"`
	CorrelationData []byte      `json:"correlation_data,omitempty"`
	Topic           string      `json:"topic"`
	ContentType     string      `json:"content_type,omitempty"`
	ResponseTopic   string      `json:"response_topic,omitempty"`
	UserProperties  [][2]string `json:"user_properties,omitempty"`
	PayloadFormat   *byte       `json:"payload_format,omitempty"`
	QoS             byte        `json:"qos"`
	Retain          bool        `json:"retain"`
}

// Expired reports whether the message expiry has passed at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && !now.Before(m.Expiry)
}

// RemainingExpiry returns the whole seconds left before expiry, and false
// when the message has no expiry.
func (m *Message) RemainingExpiry(now time.Time) (uint32, bool) {
	if m.Expiry.IsZero() {
		return 0, false
	}
	left := m.Expiry.Sub(now)
	if left <= 0 {
		return 0, true
	}
	return uint32((left + time.Second - 1) / time.Second), true
}

// CopyMessage returns a deep copy of msg.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	cp.Payload = cloneBytes(msg.Payload)
	cp.CorrelationData = cloneBytes(msg.CorrelationData)
	if msg.UserProperties != nil {
		cp.UserProperties = make([][2]string, len(msg.UserProperties))
		copy(cp.UserProperties, msg.UserProperties)
	}
	if msg.PayloadFormat != nil {
		pf := *msg.PayloadFormat
		cp.PayloadFormat = &pf
	}
	return &cp
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// SubscribeOptions are the MQTT 5 subscription options.
type SubscribeOptions struct {
	NoLocal           bool `json:"no_local"`
	RetainAsPublished bool `json:"retain_as_published"`
	RetainHandling    byte `json:"retain_handling"`
}

// Subscription is a client's subscription to one topic filter.
type Subscription struct {
	ClientID       string           `json:"client_id"`
	Filter         string           `json:"filter"`
	QoS            byte             `json:"qos"`
	Options        SubscribeOptions `json:"options"`
	SubscriptionID uint32           `json:"subscription_id,omitempty"`
}

// WillMessage is the message published on behalf of a client that goes away
// without a DISCONNECT.
type WillMessage struct {
	Message
	ClientID string `json:"client_id"`
	// Delay is the MQTT 5 will delay interval in seconds.
	Delay uint32 `json:"delay,omitempty"`
	// ExpiryInterval is the message expiry in seconds, counted from the
	// moment the will is published; 0 never expires.
	ExpiryInterval uint32 `json:"expiry_interval,omitempty"`
}

// Publication returns the message to publish at now.
func (w *WillMessage) Publication(now time.Time) *Message {
	msg := CopyMessage(&w.Message)
	msg.PublishTime = now
	if w.ExpiryInterval > 0 {
		msg.Expiry = now.Add(time.Duration(w.ExpiryInterval) * time.Second)
	}
	return msg
}

// CopyWill returns a deep copy of will.
func CopyWill(will *WillMessage) *WillMessage {
	if will == nil {
		return nil
	}
	return &WillMessage{
		Message:        *CopyMessage(&will.Message),
		ClientID:       will.ClientID,
		Delay:          will.Delay,
		ExpiryInterval: will.ExpiryInterval,
	}
}

// RetainedStore keeps the last retained message per topic.
type RetainedStore interface {
	// Set stores msg for topic. A nil message or an empty payload deletes
	// the entry.
	Set(ctx context.Context, topic string, msg *Message) error

	// Get returns the message retained on topic.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes the message retained on topic.
	Delete(ctx context.Context, topic string) error

	// Match returns the unexpired messages whose topic matches filter.
	Match(ctx context.Context, filter string) ([]*Message, error)
}

// WillStore keeps the will of every connected client.
type WillStore interface {
	Set(ctx context.Context, clientID string, will *WillMessage) error
	Get(ctx context.Context, clientID string) (*WillMessage, error)
	Delete(ctx context.Context, clientID string) error
}
