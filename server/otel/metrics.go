// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/mqttcore"

// Metrics holds OpenTelemetry metric instruments for the MQTT broker.
// A nil *Metrics records nothing.
type Metrics struct {
	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	retransmissions     metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	sessionsActive      metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter. A nil meter uses the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "mqtt.connections.total", "Total number of accepted MQTT connections"},
		{&m.disconnectionsTotal, "mqtt.disconnections.total", "Total number of MQTT disconnections"},
		{&m.messagesReceived, "mqtt.messages.received.total", "Total PUBLISH packets received from clients"},
		{&m.messagesSent, "mqtt.messages.sent.total", "Total PUBLISH packets sent to clients"},
		{&m.bytesReceived, "mqtt.bytes.received.total", "Total payload bytes received"},
		{&m.bytesSent, "mqtt.bytes.sent.total", "Total payload bytes sent"},
		{&m.retransmissions, "mqtt.retransmissions.total", "Deliveries abandoned after exhausting retransmissions"},
		{&m.errorsTotal, "mqtt.errors.total", "Total errors by type"},
	}
	var err error
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.connectionsCurrent, "mqtt.connections.current", "Current number of bound MQTT connections"},
		{&m.subscriptionsActive, "mqtt.subscriptions.active", "Number of active subscriptions"},
		{&m.sessionsActive, "mqtt.sessions.active", "Number of stored sessions"},
	}
	for _, g := range gauges {
		*g.dst, err = meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	m.messageSize, err = meter.Int64Histogram(
		"mqtt.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = meter.Float64Histogram(
		"mqtt.publish.duration.ms",
		metric.WithDescription("Inbound publish processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records an accepted connection.
func (m *Metrics) RecordConnection(version string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records the end of an accepted connection.
func (m *Metrics) RecordDisconnection(reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordMessageReceived records a PUBLISH received from a client.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageSent records a PUBLISH sent to a client.
func (m *Metrics) RecordMessageSent(qos byte, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesSent.Add(ctx, sizeBytes)
}

// RecordDeliveryAbandoned records a delivery dropped after its last retry.
func (m *Metrics) RecordDeliveryAbandoned(qos byte) {
	if m == nil {
		return
	}
	m.retransmissions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
}

// RecordSubscriptions adjusts the active subscription gauge by delta.
func (m *Metrics) RecordSubscriptions(delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.subscriptionsActive.Add(context.Background(), delta)
}

// RecordSessions adjusts the stored session gauge by delta.
func (m *Metrics) RecordSessions(delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.sessionsActive.Add(context.Background(), delta)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordPublishDuration records the processing time of an inbound publish.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.publishDuration.Record(context.Background(), durationMs)
}
