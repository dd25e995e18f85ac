package p8

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// WebSocket frame assembly for the edge path, where frames are written
// into another server's socket rather than a net.Conn we own.

// WSOpcode is a WebSocket frame opcode.
type WSOpcode int

const (
	WSContinuation WSOpcode = 0
	WSText         WSOpcode = 1
	WSBinary       WSOpcode = 2
	WSClose        WSOpcode = 8
	WSPing         WSOpcode = 9
	WSPong         WSOpcode = 10
)

// ErrShortFrame is returned when a frame cannot be decoded from the
// available bytes.
type ErrShortFrame struct{}

func (ErrShortFrame) Error() string { return "short websocket frame" }

// WSFrameHeader builds an unmasked server-to-client frame header with
// the FIN bit set.
func WSFrameHeader(op WSOpcode, payloadLen int) []byte {
	h := []byte{0x80 | byte(op)}
	switch {
	case payloadLen < 126:
		h = append(h, byte(payloadLen))
	case payloadLen < 0x10000:
		h = append(h, 126, byte(payloadLen>>8), byte(payloadLen))
	default:
		h = append(h, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(payloadLen))
		h = append(h, ext[:]...)
	}
	return h
}

// WSEncodeFrame builds a complete unmasked frame.
func WSEncodeFrame(op WSOpcode, payload []byte) []byte {
	out := WSFrameHeader(op, len(payload))
	return append(out, payload...)
}

// WSEncodeClose builds a close frame carrying a big-endian status code.
func WSEncodeClose(code int) []byte {
	if code == 0 {
		code = 1000
	}
	payload := []byte{byte(code >> 8), byte(code)}
	return WSEncodeFrame(WSClose, payload)
}

// WSFrame is one decoded frame.
type WSFrame struct {
	Opcode  WSOpcode
	Fin     bool
	Payload []byte
}

// WSDecodeFrame parses one frame from data, unmasking if needed, and
// returns the frame plus the number of bytes consumed.
func WSDecodeFrame(data []byte) (*WSFrame, int, error) {
	if len(data) < 2 {
		return nil, 0, errors.WithStack(ErrShortFrame{})
	}

	f := &WSFrame{
		Fin:    data[0]&0x80 != 0,
		Opcode: WSOpcode(data[0] & 0x0f),
	}

	masked := data[1]&0x80 != 0
	length := int(data[1] & 0x7f)
	pos := 2

	switch length {
	case 126:
		if len(data) < pos+2 {
			return nil, 0, errors.WithStack(ErrShortFrame{})
		}
		length = int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
	case 127:
		if len(data) < pos+8 {
			return nil, 0, errors.WithStack(ErrShortFrame{})
		}
		length = int(binary.BigEndian.Uint64(data[pos:]))
		pos += 8
	}

	var maskKey []byte
	if masked {
		if len(data) < pos+4 {
			return nil, 0, errors.WithStack(ErrShortFrame{})
		}
		maskKey = data[pos : pos+4]
		pos += 4
	}

	if len(data) < pos+length {
		return nil, 0, errors.WithStack(ErrShortFrame{})
	}

	payload := make([]byte, length)
	copy(payload, data[pos:pos+length])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	f.Payload = payload

	return f, pos + length, nil
}
