// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"

	"github.com/absmach/mqttcore/mqtt/codec"
)

// Connect is the first packet a client sends.
type Connect struct {
	FixedHeader

	ProtocolName    string
	ProtocolVersion byte
	UsernameFlag    bool
	PasswordFlag    bool
	WillRetain      bool
	WillQoS         byte
	WillFlag        bool
	CleanStart      bool
	KeepAlive       uint16
	Properties      Properties

	ClientID       string
	WillProperties Properties
	WillTopic      string
	WillPayload    []byte
	Username       string
	Password       []byte
}

func (c *Connect) Type() byte { return ConnectType }

func (c *Connect) String() string {
	return fmt.Sprintf("%s protocol: %s/%d client_id: %q clean_start: %t keep_alive: %d will: %t",
		c.FixedHeader, c.ProtocolName, c.ProtocolVersion, c.ClientID, c.CleanStart, c.KeepAlive, c.WillFlag)
}

// protocolName returns the protocol name that belongs to a protocol level.
func protocolName(version byte) string {
	if version == V31 {
		return "MQIsdp"
	}
	return "MQTT"
}

func (c *Connect) encodeBody(buf *bytes.Buffer, _ byte) error {
	name := c.ProtocolName
	if name == "" {
		name = protocolName(c.ProtocolVersion)
	}
	if err := codec.WriteString(buf, name); err != nil {
		return err
	}
	buf.WriteByte(c.ProtocolVersion)

	usernameFlag := c.UsernameFlag || c.Username != ""
	passwordFlag := c.PasswordFlag || c.Password != nil
	var flags byte
	flags |= codec.EncodeBool(usernameFlag) << 7
	flags |= codec.EncodeBool(passwordFlag) << 6
	if c.WillFlag {
		flags |= codec.EncodeBool(c.WillRetain) << 5
		flags |= (c.WillQoS & 0x03) << 3
		flags |= 1 << 2
	}
	flags |= codec.EncodeBool(c.CleanStart) << 1
	buf.WriteByte(flags)
	codec.WriteUint16(buf, c.KeepAlive)

	v5 := c.ProtocolVersion == V5
	if v5 {
		if err := encodeProperties(buf, c.Properties); err != nil {
			return err
		}
	}
	if err := codec.WriteString(buf, c.ClientID); err != nil {
		return err
	}
	if c.WillFlag {
		if v5 {
			if err := encodeProperties(buf, c.WillProperties); err != nil {
				return err
			}
		}
		if err := codec.WriteString(buf, c.WillTopic); err != nil {
			return err
		}
		if err := codec.WriteBytes(buf, c.WillPayload); err != nil {
			return err
		}
	}
	if usernameFlag {
		if err := codec.WriteString(buf, c.Username); err != nil {
			return err
		}
	}
	if passwordFlag {
		if err := codec.WriteBytes(buf, c.Password); err != nil {
			return err
		}
	}
	return nil
}

// decodeBody ignores the negotiated version: CONNECT carries its own.
// An unknown protocol name or level returns the packet decoded so far
// together with ErrUnsupportedProtocolVersion.
func (c *Connect) decodeBody(r *codec.ZeroCopyReader, _ byte) error {
	var err error
	if c.ProtocolName, err = r.ReadString(); err != nil {
		return err
	}
	if c.ProtocolVersion, err = r.ReadByte(); err != nil {
		return err
	}
	switch {
	case c.ProtocolName == "MQIsdp" && c.ProtocolVersion == V31:
	case c.ProtocolName == "MQTT" && (c.ProtocolVersion == V311 || c.ProtocolVersion == V5):
	default:
		return fmt.Errorf("%w: %s level %d", ErrUnsupportedProtocolVersion, c.ProtocolName, c.ProtocolVersion)
	}

	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if flags&0x01 != 0 {
		return fmt.Errorf("%w: reserved connect flag set", ErrMalformedPacket)
	}
	c.UsernameFlag = flags&0x80 != 0
	c.PasswordFlag = flags&0x40 != 0
	c.WillRetain = flags&0x20 != 0
	c.WillQoS = (flags >> 3) & 0x03
	c.WillFlag = flags&0x04 != 0
	c.CleanStart = flags&0x02 != 0

	if c.WillQoS > 2 {
		return fmt.Errorf("%w: will qos 3", ErrMalformedPacket)
	}
	if !c.WillFlag && (c.WillQoS != 0 || c.WillRetain) {
		return fmt.Errorf("%w: will qos or retain without will flag", ErrMalformedPacket)
	}
	if c.PasswordFlag && !c.UsernameFlag && c.ProtocolVersion != V5 {
		return fmt.Errorf("%w: password without username", ErrMalformedPacket)
	}

	if c.KeepAlive, err = r.ReadUint16(); err != nil {
		return err
	}
	v5 := c.ProtocolVersion == V5
	if v5 {
		if c.Properties, err = decodeProperties(r); err != nil {
			return err
		}
	}
	if c.ClientID, err = r.ReadString(); err != nil {
		return err
	}
	if c.WillFlag {
		if v5 {
			if c.WillProperties, err = decodeProperties(r); err != nil {
				return err
			}
		}
		if c.WillTopic, err = r.ReadString(); err != nil {
			return err
		}
		if err := validateTopicName(c.WillTopic); err != nil {
			return err
		}
		if c.WillPayload, err = r.ReadBytes(); err != nil {
			return err
		}
	}
	if c.UsernameFlag {
		if c.Username, err = r.ReadString(); err != nil {
			return err
		}
	}
	if c.PasswordFlag {
		if c.Password, err = r.ReadBytes(); err != nil {
			return err
		}
	}
	return nil
}

// ConnAck is the server's answer to CONNECT. ReasonCode holds the v3
// return code or the v5 reason code.
type ConnAck struct {
	FixedHeader

	SessionPresent bool
	ReasonCode     byte
	Properties     Properties
}

func (c *ConnAck) Type() byte { return ConnAckType }

func (c *ConnAck) String() string {
	return fmt.Sprintf("%s session_present: %t reason_code: %#x", c.FixedHeader, c.SessionPresent, c.ReasonCode)
}

func (c *ConnAck) encodeBody(buf *bytes.Buffer, version byte) error {
	buf.WriteByte(codec.EncodeBool(c.SessionPresent))
	buf.WriteByte(c.ReasonCode)
	if version == V5 {
		return encodeProperties(buf, c.Properties)
	}
	return nil
}

func (c *ConnAck) decodeBody(r *codec.ZeroCopyReader, version byte) error {
	ack, err := r.ReadByte()
	if err != nil {
		return err
	}
	if ack&0xFE != 0 {
		return fmt.Errorf("%w: reserved connack flags", ErrMalformedPacket)
	}
	c.SessionPresent = ack&0x01 != 0
	if c.ReasonCode, err = r.ReadByte(); err != nil {
		return err
	}
	if version == V5 {
		c.Properties, err = decodeProperties(r)
	}
	return err
}
