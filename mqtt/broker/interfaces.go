// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// Transport is the byte stream of one client connection. The network layer
// owns reading and hands inbound bytes to Connection.Feed.
type Transport interface {
	Write(b []byte) error
	Close() error
	RemoteAddr() string
}

// Authenticator validates CONNECT credentials. A nil Authenticator accepts
// every client.
type Authenticator interface {
	Authenticate(clientID, username string, password []byte) (bool, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(clientID, username string, password []byte) (bool, error)

func (f AuthenticatorFunc) Authenticate(clientID, username string, password []byte) (bool, error) {
	return f(clientID, username, password)
}

// RateLimiter throttles publishes and subscriptions per client.
// *ratelimit.ClientRateLimiter satisfies it.
type RateLimiter interface {
	AllowPublish(clientID string) bool
	AllowSubscribe(clientID string) bool
	RemoveClient(clientID string)
}

// Hooks are application callbacks. Any of them may be nil. OnMessage runs
// on the broker executor and is skipped, and counted as dropped, while the
// executor queue is full; the others run on the calling connection.
type Hooks struct {
	// OnMessage is called once per application message accepted from a
	// client: on receipt for QoS 0 and 1, on PUBREL for QoS 2.
	OnMessage func(clientID, topic string, qos byte, payload []byte)
	// OnSubscribed is called with the granted QoS.
	OnSubscribed   func(clientID, filter string, qos byte)
	OnUnsubscribed func(clientID, filter string)
	// OnOnline is called once a client id is bound to a connection, before
	// a connection it took over is closed.
	OnOnline  func(clientID string)
	OnOffline func(clientID string)
}
