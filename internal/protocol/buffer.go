package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrBufferUnderflow is returned when a read runs past the end of the
// payload. A malformed frame surfaces as this error, never as a panic.
var ErrBufferUnderflow = errors.New("protocol: buffer underflow")

// Buffer is a sequential encoder/decoder for payload fields.
// Writers append to an internal byte slice; readers consume from the front.
// The zero value is an empty buffer ready for writing.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	data []byte
	pos  int
}

// NewBuffer wraps an existing payload for reading.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the encoded payload.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the total payload size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.data) - b.pos }

// ResetRead rewinds the read position to the start of the payload.
func (b *Buffer) ResetRead() { b.pos = 0 }

func (b *Buffer) WriteUint8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) WriteUint16(v uint16) {
	b.data = binary.BigEndian.AppendUint16(b.data, v)
}

func (b *Buffer) WriteUint32(v uint32) {
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

func (b *Buffer) WriteUint64(v uint64) {
	b.data = binary.BigEndian.AppendUint64(b.data, v)
}

// WriteString writes a 4-byte length prefix followed by the raw bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteUint32(uint32(len(s)))
	b.data = append(b.data, s...)
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
	} else {
		b.WriteUint8(0)
	}
}

func (b *Buffer) ReadUint8() (uint8, error) {
	if b.Remaining() < 1 {
		return 0, ErrBufferUnderflow
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Remaining() < 2 {
		return 0, ErrBufferUnderflow
	}
	v := binary.BigEndian.Uint16(b.data[b.pos:])
	b.pos += 2
	return v, nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, ErrBufferUnderflow
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Remaining() < 8 {
		return 0, ErrBufferUnderflow
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

// ReadString reads a 4-byte length prefix and the following bytes.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return "", err
	}
	if uint32(b.Remaining()) < n {
		return "", ErrBufferUnderflow
	}
	s := string(b.data[b.pos : b.pos+int(n)])
	b.pos += int(n)
	return s, nil
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
