// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoServers       = errors.New("no servers configured")
	ErrEmptyClientID   = errors.New("client ID cannot be empty with a persistent session")
	ErrInvalidProtocol = errors.New("invalid protocol version (must be 3, 4 or 5)")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrPingTimeout      = errors.New("no response to keep-alive")
	ErrServerDisconnect = errors.New("disconnected by server")
	ErrClientClosed     = errors.New("client has been closed")

	// Operation errors.
	ErrInvalidQoS      = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrQoSNotSupported = errors.New("QoS above the server maximum")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrSubscribeFailed = errors.New("subscription failed")

	// Protocol errors.
	ErrUnexpectedPacket = errors.New("unexpected packet type")
)

// ConnAckCode is the return code (v3) or reason code (v5) of a CONNACK.
type ConnAckCode byte

// MQTT 3.1.1 CONNACK return codes.
const (
	ConnAccepted           ConnAckCode = 0x00
	ConnRefusedProtocol    ConnAckCode = 0x01
	ConnRefusedIDRejected  ConnAckCode = 0x02
	ConnRefusedUnavailable ConnAckCode = 0x03
	ConnRefusedBadAuth     ConnAckCode = 0x04
	ConnRefusedNotAuth     ConnAckCode = 0x05
)

// String returns a human-readable description of the CONNACK code.
func (c ConnAckCode) String() string {
	switch c {
	case ConnAccepted:
		return "connection accepted"
	case ConnRefusedProtocol, 0x84:
		return "unacceptable protocol version"
	case ConnRefusedIDRejected, 0x85:
		return "client identifier rejected"
	case ConnRefusedUnavailable, 0x88:
		return "server unavailable"
	case ConnRefusedBadAuth, 0x86:
		return "bad username or password"
	case ConnRefusedNotAuth, 0x87:
		return "not authorized"
	case 0x97:
		return "quota exceeded"
	case 0x9B:
		return "qos not supported"
	default:
		return fmt.Sprintf("refused with code %#x", byte(c))
	}
}

// Error implements the error interface.
func (c ConnAckCode) Error() string {
	return c.String()
}

// ReasonError is a negative v5 acknowledgement of a publish.
type ReasonError struct {
	Packet string
	Code   byte
}

func (e *ReasonError) Error() string {
	return fmt.Sprintf("%s reason code %#x", e.Packet, e.Code)
}
