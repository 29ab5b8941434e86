// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVBIBoundaries(t *testing.T) {
	cases := []struct {
		desc  string
		value int
		wire  []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"one byte max", 127, []byte{0x7F}},
		{"two bytes min", 128, []byte{0x80, 0x01}},
		{"two bytes max", 16383, []byte{0xFF, 0x7F}},
		{"three bytes min", 16384, []byte{0x80, 0x80, 0x01}},
		{"three bytes max", 2097151, []byte{0xFF, 0xFF, 0x7F}},
		{"four bytes min", 2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{"four bytes max", MaxVBI, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.wire, EncodeVBI(tc.value))
			assert.Equal(t, len(tc.wire), SizeVBI(tc.value))

			v, n, err := DecodeVBI(tc.wire)
			require.NoError(t, err)
			assert.Equal(t, tc.value, v)
			assert.Equal(t, len(tc.wire), n)
		})
	}
}

func TestDecodeVBIErrors(t *testing.T) {
	_, _, err := DecodeVBI([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F})
	assert.ErrorIs(t, err, ErrMalformedVBI)

	_, _, err = DecodeVBI([]byte{0x80, 0x80})
	assert.ErrorIs(t, err, ErrBufferTooShort)

	_, _, err = DecodeVBI(nil)
	assert.ErrorIs(t, err, ErrBufferTooShort)
}

func TestWriteVBIOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteVBI(&buf, MaxVBI+1), ErrFieldTooLong)
	assert.ErrorIs(t, WriteVBI(&buf, -1), ErrFieldTooLong)
	assert.Zero(t, buf.Len())
}

func TestZeroCopyReader(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x42)
	WriteUint16(&buf, 0xBEEF)
	WriteUint32(&buf, 0xDEADBEEF)
	require.NoError(t, WriteVBI(&buf, 321))
	require.NoError(t, WriteString(&buf, "a/b"))
	require.NoError(t, WriteBytes(&buf, []byte{1, 2, 3}))
	buf.WriteString("tail")

	r := NewZeroCopyReader(buf.Bytes())

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	vbi, err := r.ReadVBI()
	require.NoError(t, err)
	assert.Equal(t, 321, vbi)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "a/b", s)

	bs, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, bs)

	assert.Equal(t, []byte("tail"), r.ReadRemaining())
	assert.Zero(t, r.Remaining())

	_, err = r.ReadByte()
	assert.ErrorIs(t, err, ErrBufferTooShort)
}

func TestZeroCopyReaderErrors(t *testing.T) {
	r := NewZeroCopyReader([]byte{0x00, 0x05, 'a', 'b'})
	_, err := r.ReadBytes()
	assert.ErrorIs(t, err, ErrStringTooLong)

	r.Reset([]byte{0x00, 0x02, 0xC3, 0x28})
	_, err = r.ReadString()
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	r.Reset([]byte{0x01})
	_, err = r.ReadUint16()
	assert.ErrorIs(t, err, ErrBufferTooShort)
	_, err = r.ReadN(2)
	assert.ErrorIs(t, err, ErrBufferTooShort)
}

func TestWriteStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	err := WriteString(&buf, strings.Repeat("x", 65536))
	assert.ErrorIs(t, err, ErrFieldTooLong)
}
