// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"fmt"

	"github.com/absmach/mqttcore/mqtt/codec"
)

// Decoder turns a byte stream into control packets. It keeps partial input
// between calls, so bytes can be written in arbitrary chunks. A Decoder
// belongs to one connection and is not safe for concurrent use.
type Decoder struct {
	// MaxPacketSize bounds the remaining length of a packet. Zero means
	// the protocol maximum.
	MaxPacketSize int
	// Lenient downgrades a QoS > 0 PUBLISH with packet id 0 to QoS 0
	// instead of failing.
	Lenient bool

	version   byte
	buf       []byte
	header    *FixedHeader
	headerLen int
}

// NewDecoder returns a decoder that has not negotiated a version yet.
func NewDecoder(maxPacketSize int) *Decoder {
	return &Decoder{MaxPacketSize: maxPacketSize}
}

// Version returns the negotiated protocol version, 0 before CONNECT.
func (d *Decoder) Version() byte {
	return d.version
}

// SetVersion sets the negotiated protocol version. The client role uses it
// because it never decodes a CONNECT.
func (d *Decoder) SetVersion(v byte) {
	d.version = v
}

// Write appends stream bytes.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Decode returns the next complete packet. It returns ErrNeedMoreData when
// the buffered bytes do not hold a full packet yet. Any other error is fatal.
//
// A CONNECT with an unknown protocol level is returned together with
// ErrUnsupportedProtocolVersion so the caller can refuse it properly.
func (d *Decoder) Decode() (ControlPacket, error) {
	if d.header == nil {
		h, n, err := parseFixedHeader(d.buf)
		switch {
		case errors.Is(err, codec.ErrBufferTooShort):
			return nil, ErrNeedMoreData
		case err != nil:
			return nil, err
		}
		if limit := d.maxSize(); h.RemainingLength > limit {
			return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, h.RemainingLength, limit)
		}
		if h.PacketType == AuthType && d.version != 0 && d.version != V5 {
			return nil, fmt.Errorf("%w: AUTH requires protocol 5", ErrMalformedPacket)
		}
		d.header = &h
		d.headerLen = n
	}

	total := d.headerLen + d.header.RemainingLength
	if len(d.buf) < total {
		return nil, ErrNeedMoreData
	}

	body := make([]byte, d.header.RemainingLength)
	copy(body, d.buf[d.headerLen:total])
	d.consume(total)
	h := *d.header
	d.header = nil

	pkt, err := newPacket(h)
	if err != nil {
		return nil, err
	}

	version := d.version
	if version == 0 {
		version = V311
	}
	r := codec.NewZeroCopyReader(body)
	if err := pkt.decodeBody(r, version); err != nil {
		if errors.Is(err, ErrUnsupportedProtocolVersion) {
			return pkt, err
		}
		if errors.Is(err, ErrMalformedPacket) || errors.Is(err, ErrProtocolViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPacket, PacketNames[h.PacketType], err)
	}
	if r.Remaining() > 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformedPacket, PacketNames[h.PacketType], r.Remaining())
	}

	switch p := pkt.(type) {
	case *Connect:
		d.version = p.ProtocolVersion
	case *Publish:
		if p.QoS > 0 && p.PacketID == 0 {
			if !d.Lenient {
				return nil, ErrZeroPacketID
			}
			p.QoS = 0
			p.Dup = false
		}
	}
	return pkt, nil
}

func (d *Decoder) maxSize() int {
	if d.MaxPacketSize > 0 && d.MaxPacketSize < codec.MaxVBI {
		return d.MaxPacketSize
	}
	return codec.MaxVBI
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
