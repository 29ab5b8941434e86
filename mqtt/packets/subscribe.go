// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/mqttcore/mqtt/codec"
)

// SubOption is one topic filter of a SUBSCRIBE with its options.
// NoLocal, RetainAsPublished and RetainHandling are only encoded on v5.
type SubOption struct {
	Topic             string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// Subscribe requests one or more subscriptions.
type Subscribe struct {
	FixedHeader

	PacketID   uint16
	Properties Properties
	Filters    []SubOption
}

func (s *Subscribe) Type() byte { return SubscribeType }

func (s *Subscribe) String() string {
	topics := make([]string, len(s.Filters))
	for i, f := range s.Filters {
		topics[i] = fmt.Sprintf("%s:%d", f.Topic, f.QoS)
	}
	return fmt.Sprintf("%s packet_id: %d filters: [%s]", s.FixedHeader, s.PacketID, strings.Join(topics, ", "))
}

func (s *Subscribe) encodeBody(buf *bytes.Buffer, version byte) error {
	if len(s.Filters) == 0 {
		return errors.New("subscribe without filters")
	}
	codec.WriteUint16(buf, s.PacketID)
	if version == V5 {
		if err := encodeProperties(buf, s.Properties); err != nil {
			return err
		}
	}
	for _, f := range s.Filters {
		if err := codec.WriteString(buf, f.Topic); err != nil {
			return err
		}
		opts := f.QoS & 0x03
		if version == V5 {
			opts |= codec.EncodeBool(f.NoLocal) << 2
			opts |= codec.EncodeBool(f.RetainAsPublished) << 3
			opts |= (f.RetainHandling & 0x03) << 4
		}
		buf.WriteByte(opts)
	}
	return nil
}

func (s *Subscribe) decodeBody(r *codec.ZeroCopyReader, version byte) error {
	var err error
	if s.PacketID, err = r.ReadUint16(); err != nil {
		return err
	}
	if version == V5 {
		if s.Properties, err = decodeProperties(r); err != nil {
			return err
		}
	}
	for r.Remaining() > 0 {
		var f SubOption
		if f.Topic, err = r.ReadString(); err != nil {
			return err
		}
		opts, err := r.ReadByte()
		if err != nil {
			return err
		}
		f.QoS = opts & 0x03
		if f.QoS > 2 {
			return fmt.Errorf("%w: subscription qos 3", ErrMalformedPacket)
		}
		if version == V5 {
			if opts&0xC0 != 0 {
				return fmt.Errorf("%w: reserved subscription option bits", ErrMalformedPacket)
			}
			f.NoLocal = opts&0x04 != 0
			f.RetainAsPublished = opts&0x08 != 0
			f.RetainHandling = (opts >> 4) & 0x03
			if f.RetainHandling > 2 {
				return fmt.Errorf("%w: retain handling 3", ErrMalformedPacket)
			}
		} else if opts&0xFC != 0 {
			return fmt.Errorf("%w: reserved subscription option bits", ErrMalformedPacket)
		}
		s.Filters = append(s.Filters, f)
	}
	if len(s.Filters) == 0 {
		return fmt.Errorf("%w: subscribe without filters", ErrProtocolViolation)
	}
	return nil
}

// SubAck answers SUBSCRIBE with one reason code per requested filter.
type SubAck struct {
	FixedHeader

	PacketID    uint16
	Properties  Properties
	ReasonCodes []byte
}

func (s *SubAck) Type() byte { return SubAckType }

func (s *SubAck) String() string {
	return fmt.Sprintf("%s packet_id: %d reason_codes: %v", s.FixedHeader, s.PacketID, s.ReasonCodes)
}

func (s *SubAck) encodeBody(buf *bytes.Buffer, version byte) error {
	codec.WriteUint16(buf, s.PacketID)
	if version == V5 {
		if err := encodeProperties(buf, s.Properties); err != nil {
			return err
		}
	}
	buf.Write(s.ReasonCodes)
	return nil
}

func (s *SubAck) decodeBody(r *codec.ZeroCopyReader, version byte) error {
	var err error
	if s.PacketID, err = r.ReadUint16(); err != nil {
		return err
	}
	if version == V5 {
		if s.Properties, err = decodeProperties(r); err != nil {
			return err
		}
	}
	s.ReasonCodes = append([]byte(nil), r.ReadRemaining()...)
	return nil
}

// Unsubscribe removes one or more subscriptions.
type Unsubscribe struct {
	FixedHeader

	PacketID   uint16
	Properties Properties
	Topics     []string
}

func (u *Unsubscribe) Type() byte { return UnsubscribeType }

func (u *Unsubscribe) String() string {
	return fmt.Sprintf("%s packet_id: %d topics: %v", u.FixedHeader, u.PacketID, u.Topics)
}

func (u *Unsubscribe) encodeBody(buf *bytes.Buffer, version byte) error {
	if len(u.Topics) == 0 {
		return errors.New("unsubscribe without topics")
	}
	codec.WriteUint16(buf, u.PacketID)
	if version == V5 {
		if err := encodeProperties(buf, u.Properties); err != nil {
			return err
		}
	}
	for _, t := range u.Topics {
		if err := codec.WriteString(buf, t); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unsubscribe) decodeBody(r *codec.ZeroCopyReader, version byte) error {
	var err error
	if u.PacketID, err = r.ReadUint16(); err != nil {
		return err
	}
	if version == V5 {
		if u.Properties, err = decodeProperties(r); err != nil {
			return err
		}
	}
	for r.Remaining() > 0 {
		t, err := r.ReadString()
		if err != nil {
			return err
		}
		u.Topics = append(u.Topics, t)
	}
	if len(u.Topics) == 0 {
		return fmt.Errorf("%w: unsubscribe without topics", ErrProtocolViolation)
	}
	return nil
}

// UnsubAck answers UNSUBSCRIBE. ReasonCodes are only carried on v5.
type UnsubAck struct {
	FixedHeader

	PacketID    uint16
	Properties  Properties
	ReasonCodes []byte
}

func (u *UnsubAck) Type() byte { return UnsubAckType }

func (u *UnsubAck) String() string {
	return fmt.Sprintf("%s packet_id: %d reason_codes: %v", u.FixedHeader, u.PacketID, u.ReasonCodes)
}

func (u *UnsubAck) encodeBody(buf *bytes.Buffer, version byte) error {
	codec.WriteUint16(buf, u.PacketID)
	if version != V5 {
		return nil
	}
	if err := encodeProperties(buf, u.Properties); err != nil {
		return err
	}
	buf.Write(u.ReasonCodes)
	return nil
}

func (u *UnsubAck) decodeBody(r *codec.ZeroCopyReader, version byte) error {
	var err error
	if u.PacketID, err = r.ReadUint16(); err != nil {
		return err
	}
	if version != V5 {
		return nil
	}
	if u.Properties, err = decodeProperties(r); err != nil {
		return err
	}
	u.ReasonCodes = append([]byte(nil), r.ReadRemaining()...)
	return nil
}
