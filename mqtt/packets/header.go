// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/absmach/mqttcore/mqtt/codec"
)

const headerFormat = "type: %s dup: %t qos: %d retain: %t remaining_length: %d"

// FixedHeader is the first part of every control packet.
type FixedHeader struct {
	PacketType      byte
	Dup             bool
	QoS             byte
	Retain          bool
	RemainingLength int
}

// Header returns the header itself; it is promoted into every packet type.
func (fh *FixedHeader) Header() *FixedHeader {
	return fh
}

func (fh FixedHeader) String() string {
	return fmt.Sprintf(headerFormat, PacketNames[fh.PacketType], fh.Dup, fh.QoS, fh.Retain, fh.RemainingLength)
}

// flagsByte builds the first header byte. Only PUBLISH carries dup, qos and
// retain; PUBREL, SUBSCRIBE and UNSUBSCRIBE carry the fixed 0b0010.
func (fh FixedHeader) flagsByte() byte {
	switch fh.PacketType {
	case PublishType:
		return fh.PacketType<<4 | codec.EncodeBool(fh.Dup)<<3 | fh.QoS<<1 | codec.EncodeBool(fh.Retain)
	case PubRelType, SubscribeType, UnsubscribeType:
		return fh.PacketType<<4 | 0x02
	default:
		return fh.PacketType << 4
	}
}

// parseFixedHeader parses the fixed header at the start of data and returns
// the number of bytes it occupied. codec.ErrBufferTooShort means the header
// is incomplete.
func parseFixedHeader(data []byte) (FixedHeader, int, error) {
	var fh FixedHeader
	if len(data) < 2 {
		return fh, 0, codec.ErrBufferTooShort
	}

	first := data[0]
	fh.PacketType = first >> 4
	flags := first & 0x0F

	switch fh.PacketType {
	case PublishType:
		fh.Dup = flags&0x08 != 0
		fh.QoS = (flags >> 1) & 0x03
		fh.Retain = flags&0x01 != 0
		if fh.QoS > 2 {
			return fh, 0, fmt.Errorf("%w: qos 3", ErrMalformedFlags)
		}
	case PubRelType, SubscribeType, UnsubscribeType:
		if flags != 0x02 {
			return fh, 0, fmt.Errorf("%w: %s flags %#x", ErrMalformedFlags, PacketNames[fh.PacketType], flags)
		}
	case 0:
		return fh, 0, ErrUnknownPacketType
	default:
		if flags != 0 {
			return fh, 0, fmt.Errorf("%w: %s flags %#x", ErrMalformedFlags, PacketNames[fh.PacketType], flags)
		}
	}

	rl, n, err := codec.DecodeVBI(data[1:])
	if err != nil {
		return fh, 0, err
	}
	fh.RemainingLength = rl
	return fh, 1 + n, nil
}
