// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// Errors for zero-copy decoding.
var (
	ErrBufferTooShort = errors.New("buffer too short")
	ErrMalformedVBI   = errors.New("malformed variable byte integer")
	ErrStringTooLong  = errors.New("string exceeds buffer")
	ErrInvalidUTF8    = errors.New("invalid UTF-8 string")
)

// MaxVBI is the largest value a 4-byte Variable Byte Integer can carry.
const MaxVBI = 268435455

// ZeroCopyReader reads MQTT primitives from a byte slice without copying.
// Slices returned by ReadBytes, ReadN and ReadRemaining alias the input.
type ZeroCopyReader struct {
	data   []byte
	offset int
}

// NewZeroCopyReader creates a new reader from a byte slice.
func NewZeroCopyReader(data []byte) *ZeroCopyReader {
	return &ZeroCopyReader{data: data}
}

// Reset resets the reader to use a new byte slice.
func (r *ZeroCopyReader) Reset(data []byte) {
	r.data = data
	r.offset = 0
}

// Remaining returns the number of bytes remaining to be read.
func (r *ZeroCopyReader) Remaining() int {
	return len(r.data) - r.offset
}

// Offset returns the current read position.
func (r *ZeroCopyReader) Offset() int {
	return r.offset
}

// ReadByte reads a single byte.
func (r *ZeroCopyReader) ReadByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, ErrBufferTooShort
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

// ReadUint16 reads a big-endian uint16.
func (r *ZeroCopyReader) ReadUint16() (uint16, error) {
	if r.offset+2 > len(r.data) {
		return 0, ErrBufferTooShort
	}
	v := binary.BigEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return v, nil
}

// ReadUint32 reads a big-endian uint32.
func (r *ZeroCopyReader) ReadUint32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, ErrBufferTooShort
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

// ReadVBI reads a Variable Byte Integer (1-4 bytes).
func (r *ZeroCopyReader) ReadVBI() (int, error) {
	v, n, err := DecodeVBI(r.data[r.offset:])
	if err != nil {
		return 0, err
	}
	r.offset += n
	return v, nil
}

// ReadBytes reads a 2-byte length-prefixed byte slice.
func (r *ZeroCopyReader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if r.offset+int(length) > len(r.data) {
		return nil, ErrStringTooLong
	}
	b := r.data[r.offset : r.offset+int(length)]
	r.offset += int(length)
	return b, nil
}

// ReadString reads a length-prefixed UTF-8 string. The result is a copy.
func (r *ZeroCopyReader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// ReadN reads exactly n bytes.
func (r *ZeroCopyReader) ReadN(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, ErrBufferTooShort
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

// ReadRemaining returns all remaining bytes.
func (r *ZeroCopyReader) ReadRemaining() []byte {
	b := r.data[r.offset:]
	r.offset = len(r.data)
	return b
}

// DecodeVBI decodes a Variable Byte Integer from the start of b and returns
// the value and the number of bytes it occupied. ErrBufferTooShort means
// the integer is not complete yet; a fifth continuation byte is malformed.
func DecodeVBI(b []byte) (int, int, error) {
	var v uint32
	var shift uint
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, ErrBufferTooShort
		}
		v |= uint32(b[i]&0x7F) << shift
		if b[i]&0x80 == 0 {
			return int(v), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrMalformedVBI
}
