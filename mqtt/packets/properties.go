// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/mqttcore/mqtt/codec"
)

// MQTT 5.0 property identifiers.
const (
	PayloadFormatProp          byte = 0x01
	MessageExpiryProp          byte = 0x02
	ContentTypeProp            byte = 0x03
	ResponseTopicProp          byte = 0x08
	CorrelationDataProp        byte = 0x09
	SubscriptionIdentifierProp byte = 0x0B
	SessionExpiryIntervalProp  byte = 0x11
	AssignedClientIDProp       byte = 0x12
	ServerKeepAliveProp        byte = 0x13
	AuthMethodProp             byte = 0x15
	AuthDataProp               byte = 0x16
	RequestProblemInfoProp     byte = 0x17
	WillDelayIntervalProp      byte = 0x18
	RequestResponseInfoProp    byte = 0x19
	ResponseInfoProp           byte = 0x1A
	ServerReferenceProp        byte = 0x1C
	ReasonStringProp           byte = 0x1F
	ReceiveMaximumProp         byte = 0x21
	TopicAliasMaximumProp      byte = 0x22
	TopicAliasProp             byte = 0x23
	MaximumQoSProp             byte = 0x24
	RetainAvailableProp        byte = 0x25
	UserProp                   byte = 0x26
	MaximumPacketSizeProp      byte = 0x27
	WildcardSubAvailableProp   byte = 0x28
	SubIDAvailableProp         byte = 0x29
	SharedSubAvailableProp     byte = 0x2A
)

var (
	ErrUnknownProperty   = errors.New("unknown property identifier")
	ErrDuplicateProperty = errors.New("duplicate property")
)

type propKind byte

const (
	kindByte propKind = iota + 1
	kindUint16
	kindUint32
	kindVBI
	kindString
	kindBinary
	kindPair
)

var propKinds = map[byte]propKind{
	PayloadFormatProp:          kindByte,
	MessageExpiryProp:          kindUint32,
	ContentTypeProp:            kindString,
	ResponseTopicProp:          kindString,
	CorrelationDataProp:        kindBinary,
	SubscriptionIdentifierProp: kindVBI,
	SessionExpiryIntervalProp:  kindUint32,
	AssignedClientIDProp:       kindString,
	ServerKeepAliveProp:        kindUint16,
	AuthMethodProp:             kindString,
	AuthDataProp:               kindBinary,
	RequestProblemInfoProp:     kindByte,
	WillDelayIntervalProp:      kindUint32,
	RequestResponseInfoProp:    kindByte,
	ResponseInfoProp:           kindString,
	ServerReferenceProp:        kindString,
	ReasonStringProp:           kindString,
	ReceiveMaximumProp:         kindUint16,
	TopicAliasMaximumProp:      kindUint16,
	TopicAliasProp:             kindUint16,
	MaximumQoSProp:             kindByte,
	RetainAvailableProp:        kindByte,
	UserProp:                   kindPair,
	MaximumPacketSizeProp:      kindUint32,
	WildcardSubAvailableProp:   kindByte,
	SubIDAvailableProp:         kindByte,
	SharedSubAvailableProp:     kindByte,
}

// repeatable reports whether a property may occur more than once.
func repeatable(id byte) bool {
	return id == UserProp || id == SubscriptionIdentifierProp
}

// Property is a single v5 property. Which field holds the value depends on
// the identifier: Num for integers, Str for strings and user property keys,
// Val for user property values, Data for binary data.
type Property struct {
	ID   byte
	Num  uint32
	Str  string
	Val  string
	Data []byte
}

// Properties is the ordered property list of a packet. Order is preserved
// from the wire so a decoded packet re-encodes to the same bytes.
type Properties []Property

// Get returns the first property with the given id.
func (p Properties) Get(id byte) (Property, bool) {
	for _, prop := range p {
		if prop.ID == id {
			return prop, true
		}
	}
	return Property{}, false
}

// Uint returns the integer value of the property, if present.
func (p Properties) Uint(id byte) (uint32, bool) {
	prop, ok := p.Get(id)
	return prop.Num, ok
}

// Str returns the string value of the property, if present.
func (p Properties) Str(id byte) (string, bool) {
	prop, ok := p.Get(id)
	return prop.Str, ok
}

// Binary returns the binary value of the property, if present.
func (p Properties) Binary(id byte) ([]byte, bool) {
	prop, ok := p.Get(id)
	return prop.Data, ok
}

// SubscriptionIDs returns all subscription identifiers in order.
func (p Properties) SubscriptionIDs() []uint32 {
	var ids []uint32
	for _, prop := range p {
		if prop.ID == SubscriptionIdentifierProp {
			ids = append(ids, prop.Num)
		}
	}
	return ids
}

// UserProperties returns the user properties as key/value pairs in order.
func (p Properties) UserProperties() [][2]string {
	var pairs [][2]string
	for _, prop := range p {
		if prop.ID == UserProp {
			pairs = append(pairs, [2]string{prop.Str, prop.Val})
		}
	}
	return pairs
}

// SetUint replaces or adds an integer property.
func (p *Properties) SetUint(id byte, v uint32) {
	p.set(Property{ID: id, Num: v})
}

// SetStr replaces or adds a string property.
func (p *Properties) SetStr(id byte, s string) {
	p.set(Property{ID: id, Str: s})
}

// SetBinary replaces or adds a binary property.
func (p *Properties) SetBinary(id byte, b []byte) {
	p.set(Property{ID: id, Data: b})
}

// AddUser appends a user property.
func (p *Properties) AddUser(key, value string) {
	*p = append(*p, Property{ID: UserProp, Str: key, Val: value})
}

// AddSubscriptionID appends a subscription identifier.
func (p *Properties) AddSubscriptionID(id uint32) {
	*p = append(*p, Property{ID: SubscriptionIdentifierProp, Num: id})
}

// Delete removes every property with the given id.
func (p *Properties) Delete(id byte) {
	out := (*p)[:0]
	for _, prop := range *p {
		if prop.ID != id {
			out = append(out, prop)
		}
	}
	*p = out
}

func (p *Properties) set(prop Property) {
	for i := range *p {
		if (*p)[i].ID == prop.ID {
			(*p)[i] = prop
			return
		}
	}
	*p = append(*p, prop)
}

// Clone returns a copy that shares no slices with p.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for i, prop := range p {
		out[i] = prop
		if prop.Data != nil {
			out[i].Data = append([]byte(nil), prop.Data...)
		}
	}
	return out
}

func encodeProperties(buf *bytes.Buffer, props Properties) error {
	var body bytes.Buffer
	for _, prop := range props {
		kind, ok := propKinds[prop.ID]
		if !ok {
			return fmt.Errorf("%w: %#x", ErrUnknownProperty, prop.ID)
		}
		body.WriteByte(prop.ID)
		var err error
		switch kind {
		case kindByte:
			body.WriteByte(byte(prop.Num))
		case kindUint16:
			codec.WriteUint16(&body, uint16(prop.Num))
		case kindUint32:
			codec.WriteUint32(&body, prop.Num)
		case kindVBI:
			err = codec.WriteVBI(&body, int(prop.Num))
		case kindString:
			err = codec.WriteString(&body, prop.Str)
		case kindBinary:
			err = codec.WriteBytes(&body, prop.Data)
		case kindPair:
			if err = codec.WriteString(&body, prop.Str); err == nil {
				err = codec.WriteString(&body, prop.Val)
			}
		}
		if err != nil {
			return fmt.Errorf("property %#x: %w", prop.ID, err)
		}
	}
	if err := codec.WriteVBI(buf, body.Len()); err != nil {
		return err
	}
	buf.Write(body.Bytes())
	return nil
}

func decodeProperties(r *codec.ZeroCopyReader) (Properties, error) {
	length, err := r.ReadVBI()
	if err != nil {
		return nil, err
	}
	raw, err := r.ReadN(length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	pr := codec.NewZeroCopyReader(raw)
	var props Properties
	seen := make(map[byte]struct{})
	for pr.Remaining() > 0 {
		id, err := pr.ReadByte()
		if err != nil {
			return nil, err
		}
		kind, ok := propKinds[id]
		if !ok {
			return nil, fmt.Errorf("%w: %#x", ErrUnknownProperty, id)
		}
		if !repeatable(id) {
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("%w: %#x", ErrDuplicateProperty, id)
			}
			seen[id] = struct{}{}
		}

		prop := Property{ID: id}
		switch kind {
		case kindByte:
			var b byte
			b, err = pr.ReadByte()
			prop.Num = uint32(b)
		case kindUint16:
			var v uint16
			v, err = pr.ReadUint16()
			prop.Num = uint32(v)
		case kindUint32:
			prop.Num, err = pr.ReadUint32()
		case kindVBI:
			var v int
			v, err = pr.ReadVBI()
			prop.Num = uint32(v)
		case kindString:
			prop.Str, err = pr.ReadString()
		case kindBinary:
			var b []byte
			if b, err = pr.ReadBytes(); err == nil {
				prop.Data = append([]byte(nil), b...)
			}
		case kindPair:
			if prop.Str, err = pr.ReadString(); err == nil {
				prop.Val, err = pr.ReadString()
			}
		}
		if err != nil {
			return nil, fmt.Errorf("property %#x: %w", id, err)
		}
		props = append(props, prop)
	}
	return props, nil
}
