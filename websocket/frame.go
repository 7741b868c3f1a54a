package websocket

import (
	"errors"
	"fmt"

	"github.com/joshuafuller/flyweb/internal/bytebuf"
)

// Opcode is a frame type (RFC 6455 §5.2).
type Opcode byte

// Frame opcodes.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%#x)", byte(o))
	}
}

// Header bits.
const (
	finBit      = 0x80
	maskBit     = 0x80
	opcodeMask  = 0x0F
	lengthMask  = 0x7F
	length16    = 126
	length64    = 127
	maskKeySize = 4
)

// MaxPayload is the largest payload a frame can carry in either direction.
// 64-bit extended lengths are not supported.
const MaxPayload = 0xFFFF

// Frame errors.
var (
	// ErrUnmasked reports a client frame without the MASK bit.
	ErrUnmasked = errors.New("websocket: client frame is not masked")

	// ErrFrameTooLarge reports a frame using the 64-bit length form.
	ErrFrameTooLarge = errors.New("websocket: frame payload too large")

	// ErrPayloadTooLarge reports an outgoing payload over MaxPayload.
	ErrPayloadTooLarge = errors.New("websocket: payload too large for outgoing frame")
)

// Frame is one decoded frame. Payload is unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// ParseFrame decodes one masked client frame from the start of data.
//
// It returns the frame and the number of bytes it occupied. When data does
// not yet hold a whole frame it returns n == 0 and a nil error; the caller
// keeps the bytes and retries once more arrive. The payload is a fresh copy.
func ParseFrame(data []byte) (Frame, int, error) {
	r := bytebuf.From(data).Reader(0)

	b0, ok := r.Value(1)
	if !ok {
		return Frame{}, 0, nil
	}
	b1, ok := r.Value(1)
	if !ok {
		return Frame{}, 0, nil
	}

	if b1&maskBit == 0 {
		return Frame{}, 0, ErrUnmasked
	}

	length := int(b1 & lengthMask)
	switch length {
	case length16:
		v, ok := r.Value(2)
		if !ok {
			return Frame{}, 0, nil
		}
		length = int(v)
	case length64:
		return Frame{}, 0, ErrFrameTooLarge
	}

	key, ok := r.Bytes(maskKeySize)
	if !ok {
		return Frame{}, 0, nil
	}
	masked, ok := r.Bytes(length)
	if !ok {
		return Frame{}, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, masked)
	Mask(payload, [4]byte{key[0], key[1], key[2], key[3]})

	return Frame{
		Fin:     b0&finBit != 0,
		Opcode:  Opcode(b0 & opcodeMask),
		Payload: payload,
	}, r.Offset(), nil
}

// AppendFrame appends an unmasked, final server frame to dst.
//
// Returns ErrPayloadTooLarge if payload exceeds MaxPayload.
func AppendFrame(dst []byte, op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	b := bytebuf.From(dst)
	b.Push(uint32(finBit|byte(op)), 1)
	if len(payload) < length16 {
		b.Push(uint32(len(payload)), 1)
	} else {
		b.Push(length16, 1)
		b.Push(uint32(len(payload)), 2)
	}
	b.Append(payload)
	return b.Bytes(), nil
}

// Mask XORs payload in place with key. Applying it twice restores the
// original bytes.
func Mask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}
