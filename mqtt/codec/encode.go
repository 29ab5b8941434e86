// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"math"
)

// ErrFieldTooLong is returned when a length-prefixed field exceeds 65535 bytes
// or an integer does not fit in a Variable Byte Integer.
var ErrFieldTooLong = errors.New("field too long")

// EncodeVBI encodes num as a Variable Byte Integer in minimal form.
func EncodeVBI(num int) []byte {
	var x int
	ret := [4]byte{}
	v := uint32(num)
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		ret[x] = b
		x++
		if v == 0 {
			return ret[:x]
		}
	}
}

// SizeVBI returns the number of bytes EncodeVBI produces for num.
func SizeVBI(num int) int {
	switch {
	case num < 128:
		return 1
	case num < 16384:
		return 2
	case num < 2097152:
		return 3
	default:
		return 4
	}
}

// WriteVBI writes num as a Variable Byte Integer.
func WriteVBI(buf *bytes.Buffer, num int) error {
	if num < 0 || num > MaxVBI {
		return ErrFieldTooLong
	}
	buf.Write(EncodeVBI(num))
	return nil
}

func WriteUint16(buf *bytes.Buffer, num uint16) {
	buf.WriteByte(byte(num >> 8))
	buf.WriteByte(byte(num))
}

func WriteUint32(buf *bytes.Buffer, num uint32) {
	buf.WriteByte(byte(num >> 24))
	buf.WriteByte(byte(num >> 16))
	buf.WriteByte(byte(num >> 8))
	buf.WriteByte(byte(num))
}

// WriteBytes writes a 2-byte length prefix followed by field.
func WriteBytes(buf *bytes.Buffer, field []byte) error {
	if len(field) > math.MaxUint16 {
		return ErrFieldTooLong
	}
	WriteUint16(buf, uint16(len(field)))
	buf.Write(field)
	return nil
}

// WriteString writes a 2-byte length prefix followed by the string bytes.
func WriteString(buf *bytes.Buffer, field string) error {
	if len(field) > math.MaxUint16 {
		return ErrFieldTooLong
	}
	WriteUint16(buf, uint16(len(field)))
	buf.WriteString(field)
	return nil
}

func EncodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}
