// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets implements the MQTT 3.1, 3.1.1 and 5.0 control packets
// and a resumable stream decoder for them.
package packets

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/mqttcore/internal/bufpool"
	"github.com/absmach/mqttcore/mqtt/codec"
)

// Protocol levels as carried in CONNECT.
const (
	V31  byte = 3
	V311 byte = 4
	V5   byte = 5
)

// Control packet types.
const (
	ConnectType byte = iota + 1
	ConnAckType
	PublishType
	PubAckType
	PubRecType
	PubRelType
	PubCompType
	SubscribeType
	SubAckType
	UnsubscribeType
	UnsubAckType
	PingReqType
	PingRespType
	DisconnectType
	AuthType
)

// PacketNames maps packet types to their names.
var PacketNames = map[byte]string{
	ConnectType:     "CONNECT",
	ConnAckType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubAckType:      "PUBACK",
	PubRecType:      "PUBREC",
	PubRelType:      "PUBREL",
	PubCompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubAckType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubAckType:    "UNSUBACK",
	PingReqType:     "PINGREQ",
	PingRespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
	AuthType:        "AUTH",
}

// Decode and encode errors. All except ErrNeedMoreData are fatal for the
// connection that produced the bytes.
var (
	ErrNeedMoreData               = errors.New("need more data")
	ErrMalformedPacket            = errors.New("malformed packet")
	ErrMalformedFlags             = errors.New("malformed fixed header flags")
	ErrUnknownPacketType          = errors.New("unknown packet type")
	ErrPacketTooLarge             = errors.New("packet exceeds maximum size")
	ErrZeroPacketID               = errors.New("packet id 0 on qos > 0 publish")
	ErrInvalidTopicName           = errors.New("invalid topic name")
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
	ErrProtocolViolation          = errors.New("protocol violation")
	ErrInvalidQoS                 = errors.New("invalid qos level")
)

// ControlPacket is implemented by every MQTT control packet in this package.
type ControlPacket interface {
	// Type returns the control packet type.
	Type() byte
	// Header returns the fixed header. For PUBLISH it carries dup, qos
	// and retain.
	Header() *FixedHeader
	String() string

	encodeBody(buf *bytes.Buffer, version byte) error
	decodeBody(r *codec.ZeroCopyReader, version byte) error
}

// Encode serializes pkt for the given protocol version. The remaining
// length is always computed from the serialized body.
func Encode(pkt ControlPacket, version byte) ([]byte, error) {
	if pkt == nil {
		return nil, errors.New("cannot encode nil packet")
	}
	body := bufpool.Get()
	defer bufpool.Put(body)

	if err := pkt.encodeBody(body, version); err != nil {
		return nil, fmt.Errorf("encode %s: %w", PacketNames[pkt.Type()], err)
	}
	if body.Len() > codec.MaxVBI {
		return nil, fmt.Errorf("encode %s: %w", PacketNames[pkt.Type()], ErrPacketTooLarge)
	}

	h := *pkt.Header()
	h.PacketType = pkt.Type()

	out := make([]byte, 0, 1+codec.SizeVBI(body.Len())+body.Len())
	out = append(out, h.flagsByte())
	out = append(out, codec.EncodeVBI(body.Len())...)
	return append(out, body.Bytes()...), nil
}

// newPacket allocates the packet matching a decoded fixed header.
func newPacket(h FixedHeader) (ControlPacket, error) {
	switch h.PacketType {
	case ConnectType:
		return &Connect{FixedHeader: h}, nil
	case ConnAckType:
		return &ConnAck{FixedHeader: h}, nil
	case PublishType:
		return &Publish{FixedHeader: h}, nil
	case PubAckType:
		return &PubAck{FixedHeader: h}, nil
	case PubRecType:
		return &PubRec{FixedHeader: h}, nil
	case PubRelType:
		return &PubRel{FixedHeader: h}, nil
	case PubCompType:
		return &PubComp{FixedHeader: h}, nil
	case SubscribeType:
		return &Subscribe{FixedHeader: h}, nil
	case SubAckType:
		return &SubAck{FixedHeader: h}, nil
	case UnsubscribeType:
		return &Unsubscribe{FixedHeader: h}, nil
	case UnsubAckType:
		return &UnsubAck{FixedHeader: h}, nil
	case PingReqType:
		return &PingReq{FixedHeader: h}, nil
	case PingRespType:
		return &PingResp{FixedHeader: h}, nil
	case DisconnectType:
		return &Disconnect{FixedHeader: h}, nil
	case AuthType:
		return &Auth{FixedHeader: h}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}
