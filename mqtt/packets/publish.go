// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"

	"github.com/absmach/mqttcore/mqtt/codec"
)

// Publish carries an application message. Dup, QoS and Retain live in the
// fixed header.
type Publish struct {
	FixedHeader

	TopicName  string
	PacketID   uint16
	Properties Properties
	Payload    []byte
}

func (p *Publish) Type() byte { return PublishType }

func (p *Publish) String() string {
	return fmt.Sprintf("%s topic: %s packet_id: %d payload_len: %d", p.FixedHeader, p.TopicName, p.PacketID, len(p.Payload))
}

// Copy returns a deep copy of the packet.
func (p *Publish) Copy() *Publish {
	cp := &Publish{
		FixedHeader: p.FixedHeader,
		TopicName:   p.TopicName,
		PacketID:    p.PacketID,
		Properties:  p.Properties.Clone(),
	}
	if p.Payload != nil {
		cp.Payload = append([]byte(nil), p.Payload...)
	}
	return cp
}

func (p *Publish) encodeBody(buf *bytes.Buffer, version byte) error {
	if p.QoS > 2 {
		return ErrInvalidQoS
	}
	if err := codec.WriteString(buf, p.TopicName); err != nil {
		return err
	}
	if p.QoS > 0 {
		codec.WriteUint16(buf, p.PacketID)
	}
	if version == V5 {
		if err := encodeProperties(buf, p.Properties); err != nil {
			return err
		}
	}
	buf.Write(p.Payload)
	return nil
}

// decodeBody does not reject packet id 0; the Decoder decides how to treat it.
func (p *Publish) decodeBody(r *codec.ZeroCopyReader, version byte) error {
	var err error
	if p.TopicName, err = r.ReadString(); err != nil {
		return err
	}
	// An empty topic is legal on v5 when a topic alias is present.
	if p.TopicName != "" || version != V5 {
		if err := validateTopicName(p.TopicName); err != nil {
			return err
		}
	}
	if p.QoS > 0 {
		if p.PacketID, err = r.ReadUint16(); err != nil {
			return err
		}
	}
	if version == V5 {
		if p.Properties, err = decodeProperties(r); err != nil {
			return err
		}
	}
	p.Payload = r.ReadRemaining()
	return nil
}

// PubAck acknowledges a QoS 1 PUBLISH.
type PubAck struct {
	FixedHeader

	PacketID   uint16
	ReasonCode byte
	Properties Properties
}

func (p *PubAck) Type() byte { return PubAckType }

func (p *PubAck) String() string { return replyString(p.FixedHeader, p.PacketID, p.ReasonCode) }

func (p *PubAck) encodeBody(buf *bytes.Buffer, version byte) error {
	return encodeReply(buf, version, p.PacketID, p.ReasonCode, p.Properties)
}

func (p *PubAck) decodeBody(r *codec.ZeroCopyReader, version byte) (err error) {
	p.PacketID, p.ReasonCode, p.Properties, err = decodeReply(r, version)
	return err
}

// PubRec is the first acknowledgement of a QoS 2 PUBLISH.
type PubRec struct {
	FixedHeader

	PacketID   uint16
	ReasonCode byte
	Properties Properties
}

func (p *PubRec) Type() byte { return PubRecType }

func (p *PubRec) String() string { return replyString(p.FixedHeader, p.PacketID, p.ReasonCode) }

func (p *PubRec) encodeBody(buf *bytes.Buffer, version byte) error {
	return encodeReply(buf, version, p.PacketID, p.ReasonCode, p.Properties)
}

func (p *PubRec) decodeBody(r *codec.ZeroCopyReader, version byte) (err error) {
	p.PacketID, p.ReasonCode, p.Properties, err = decodeReply(r, version)
	return err
}

// PubRel releases a QoS 2 message held by the receiver.
type PubRel struct {
	FixedHeader

	PacketID   uint16
	ReasonCode byte
	Properties Properties
}

func (p *PubRel) Type() byte { return PubRelType }

func (p *PubRel) String() string { return replyString(p.FixedHeader, p.PacketID, p.ReasonCode) }

func (p *PubRel) encodeBody(buf *bytes.Buffer, version byte) error {
	return encodeReply(buf, version, p.PacketID, p.ReasonCode, p.Properties)
}

func (p *PubRel) decodeBody(r *codec.ZeroCopyReader, version byte) (err error) {
	p.PacketID, p.ReasonCode, p.Properties, err = decodeReply(r, version)
	return err
}

// PubComp completes the QoS 2 exchange.
type PubComp struct {
	FixedHeader

	PacketID   uint16
	ReasonCode byte
	Properties Properties
}

func (p *PubComp) Type() byte { return PubCompType }

func (p *PubComp) String() string { return replyString(p.FixedHeader, p.PacketID, p.ReasonCode) }

func (p *PubComp) encodeBody(buf *bytes.Buffer, version byte) error {
	return encodeReply(buf, version, p.PacketID, p.ReasonCode, p.Properties)
}

func (p *PubComp) decodeBody(r *codec.ZeroCopyReader, version byte) (err error) {
	p.PacketID, p.ReasonCode, p.Properties, err = decodeReply(r, version)
	return err
}

func replyString(h FixedHeader, id uint16, rc byte) string {
	return fmt.Sprintf("%s packet_id: %d reason_code: %#x", h, id, rc)
}

// encodeReply writes the shared PUBACK/PUBREC/PUBREL/PUBCOMP header. On v5
// the reason code is omitted when it is Success and there are no properties.
func encodeReply(buf *bytes.Buffer, version byte, id uint16, rc byte, props Properties) error {
	codec.WriteUint16(buf, id)
	if version != V5 {
		return nil
	}
	if rc == Success && len(props) == 0 {
		return nil
	}
	buf.WriteByte(rc)
	if len(props) == 0 {
		return nil
	}
	return encodeProperties(buf, props)
}

// decodeReply reads the reason code only when remaining length > 2 and the
// properties only when it is > 3.
func decodeReply(r *codec.ZeroCopyReader, version byte) (uint16, byte, Properties, error) {
	id, err := r.ReadUint16()
	if err != nil {
		return 0, 0, nil, err
	}
	if version != V5 || r.Remaining() == 0 {
		return id, Success, nil, nil
	}
	rc, err := r.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}
	if r.Remaining() == 0 {
		return id, rc, nil, nil
	}
	props, err := decodeProperties(r)
	if err != nil {
		return 0, 0, nil, err
	}
	return id, rc, props, nil
}
