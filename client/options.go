// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mqttcore/mqtt/packets"
	"github.com/benbjohnson/clock"
)

// Default values.
const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultRetryInterval  = 20 * time.Second
	DefaultMaxInflight    = 100

	DefaultReconnectMin     = 1 * time.Second
	DefaultReconnectMax     = 2 * time.Minute
	DefaultMessageQueueSize = 1024
)

// WillMessage represents a last will and testament message.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// MQTT 5.0 Will Properties
	WillDelayInterval uint32            // Delay before sending will (seconds)
	PayloadFormat     *byte             // 0=bytes, 1=UTF-8
	MessageExpiry     uint32            // Will message lifetime (seconds)
	ContentType       string            // MIME type
	ResponseTopic     string            // Response topic for request/response
	CorrelationData   []byte            // Correlation data for request/response
	UserProperties    map[string]string // User-defined properties
}

// DialFunc opens the network connection to a server.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures the MQTT client.
type Options struct {
	// Connection
	Servers        []string      // List of broker addresses (host:port), tried in order
	Dialer         DialFunc      // Custom dialer (nil for TCP, or TLS with TLSConfig)
	ClientID       string        // Client identifier
	Username       string        // Optional username
	Password       string        // Optional password
	TLSConfig      *tls.Config   // TLS configuration (nil for plain TCP)
	ConnectTimeout time.Duration // Timeout for the CONNECT/CONNACK exchange
	WriteTimeout   time.Duration // Timeout for write operations
	KeepAlive      time.Duration // Keep-alive interval (0 to disable)

	// Session
	CleanSession    bool   // Start with clean session
	SessionExpiry   uint32 // Session expiry interval (MQTT 5.0, seconds)
	ProtocolVersion byte   // 3 for MQTT 3.1, 4 for MQTT 3.1.1, 5 for MQTT 5.0

	// MQTT 5.0 Connect Properties
	ReceiveMaximum      uint16 // Maximum inflight messages client accepts (0 = 65535)
	MaximumPacketSize   uint32 // Maximum packet size client accepts (0 = no limit)
	TopicAliasMaximum   uint16 // Maximum topic aliases client accepts (0 = disabled)
	RequestResponseInfo bool   // Request server to send response information in CONNACK
	RequestProblemInfo  bool   // Request detailed error information (default true)

	// Will
	Will *WillMessage

	// Reconnection
	AutoReconnect    bool          // Reconnect after the connection is lost
	ReconnectBackoff time.Duration // Initial reconnect delay, doubled per failed attempt
	MaxReconnectWait time.Duration // Maximum reconnect delay

	// QoS
	RetryInterval time.Duration // Retransmission interval of unacknowledged QoS 1/2 packets
	MaxRetries    int           // Retransmissions before a publish fails (0 = unlimited)
	MaxInflight   int           // Maximum unacknowledged outgoing publishes

	// Delivery
	MessageQueueSize int // Messages buffered for OnMessage before the reader waits

	// Callbacks
	OnConnect            func()                    // Called on successful connection
	OnConnectionLost     func(error)               // Called when connection is lost
	OnReconnecting       func(attempt int)         // Called before each reconnect attempt
	OnMessage            func(*Message)            // Called for incoming messages
	OnServerCapabilities func(*ServerCapabilities) // Called when server capabilities received (MQTT 5.0)

	Clock  clock.Clock
	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Servers:            []string{"localhost:1883"},
		ProtocolVersion:    packets.V311,
		CleanSession:       true,
		KeepAlive:          DefaultKeepAlive,
		ConnectTimeout:     DefaultConnectTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		RetryInterval:      DefaultRetryInterval,
		MaxInflight:        DefaultMaxInflight,
		MessageQueueSize:   DefaultMessageQueueSize,
		AutoReconnect:      true,
		ReconnectBackoff:   DefaultReconnectMin,
		MaxReconnectWait:   DefaultReconnectMax,
		RequestProblemInfo: true,
	}
}

// SetServers sets the broker addresses.
func (o *Options) SetServers(servers ...string) *Options {
	o.Servers = servers
	return o
}

// SetDialer replaces the TCP dialer, e.g. with an in-memory pipe.
func (o *Options) SetDialer(fn DialFunc) *Options {
	o.Dialer = fn
	return o
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetCleanSession sets the clean session flag.
func (o *Options) SetCleanSession(clean bool) *Options {
	o.CleanSession = clean
	return o
}

// SetKeepAlive sets the keep-alive interval.
func (o *Options) SetKeepAlive(d time.Duration) *Options {
	o.KeepAlive = d
	return o
}

// SetProtocolVersion sets MQTT protocol version (3, 4 or 5).
func (o *Options) SetProtocolVersion(v byte) *Options {
	o.ProtocolVersion = v
	return o
}

// SetSessionExpiry sets the session expiry interval in seconds (MQTT 5.0).
// 0 means the session expires when the network connection closes.
func (o *Options) SetSessionExpiry(seconds uint32) *Options {
	o.SessionExpiry = seconds
	return o
}

// SetReceiveMaximum sets the maximum inflight messages the client accepts (MQTT 5.0).
func (o *Options) SetReceiveMaximum(n uint16) *Options {
	o.ReceiveMaximum = n
	return o
}

// SetTopicAliasMaximum sets the maximum topic aliases the client accepts (MQTT 5.0).
func (o *Options) SetTopicAliasMaximum(n uint16) *Options {
	o.TopicAliasMaximum = n
	return o
}

// SetWill sets the last will and testament.
func (o *Options) SetWill(topic string, payload []byte, qos byte, retain bool) *Options {
	o.Will = &WillMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
	return o
}

// SetRetry sets the retransmission interval and retry bound of QoS 1/2
// publishes.
func (o *Options) SetRetry(interval time.Duration, maxRetries int) *Options {
	o.RetryInterval = interval
	o.MaxRetries = maxRetries
	return o
}

// SetMaxInflight sets the maximum number of inflight messages.
func (o *Options) SetMaxInflight(n int) *Options {
	o.MaxInflight = n
	return o
}

// SetMessageQueueSize sets how many received messages wait for OnMessage
// before the reader stops reading.
func (o *Options) SetMessageQueueSize(n int) *Options {
	o.MessageQueueSize = n
	return o
}

// SetAutoReconnect enables or disables automatic reconnection.
func (o *Options) SetAutoReconnect(enable bool) *Options {
	o.AutoReconnect = enable
	return o
}

// SetReconnectBackoff sets the first and the maximum reconnect delay.
func (o *Options) SetReconnectBackoff(initial, maxWait time.Duration) *Options {
	o.ReconnectBackoff = initial
	o.MaxReconnectWait = maxWait
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetOnReconnecting sets the reconnecting callback.
func (o *Options) SetOnReconnecting(fn func(attempt int)) *Options {
	o.OnReconnecting = fn
	return o
}

// SetOnMessage sets the message handler callback.
func (o *Options) SetOnMessage(fn func(*Message)) *Options {
	o.OnMessage = fn
	return o
}

// SetOnServerCapabilities sets the server capabilities callback (MQTT 5.0).
func (o *Options) SetOnServerCapabilities(fn func(*ServerCapabilities)) *Options {
	o.OnServerCapabilities = fn
	return o
}

// SetClock sets the clock driving keep-alive and retransmission timers.
func (o *Options) SetClock(clk clock.Clock) *Options {
	o.Clock = clk
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if len(o.Servers) == 0 && o.Dialer == nil {
		return ErrNoServers
	}
	switch o.ProtocolVersion {
	case packets.V31, packets.V311, packets.V5:
	default:
		return ErrInvalidProtocol
	}
	if o.ClientID == "" {
		// Only v3.1.1 with a clean session and v5 let the server assign one.
		if o.ProtocolVersion == packets.V31 || (o.ProtocolVersion == packets.V311 && !o.CleanSession) {
			return ErrEmptyClientID
		}
	}
	if o.Will != nil && o.Will.QoS > 2 {
		return ErrInvalidQoS
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MessageQueueSize <= 0 {
		o.MessageQueueSize = DefaultMessageQueueSize
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectMin
	}
	if o.MaxReconnectWait <= 0 {
		o.MaxReconnectWait = DefaultReconnectMax
	}
	if o.MaxReconnectWait < o.ReconnectBackoff {
		o.MaxReconnectWait = o.ReconnectBackoff
	}
	return nil
}
