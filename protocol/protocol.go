// Package protocol implements the length-prefixed frame format spoken between a
// facegate client and server.
//
// Every message travels as one frame. The receiver reads the 4-byte length first,
// then reads exactly that many bytes, the first of which is the tag.
//
// Frame format:
//
//	0         4    5
//	┌─────────┬────┬───────────────────┐
//	│ length  │tag │   payload ...     │
//	│ uint32  │u8  │ length-1 bytes    │
//	└─────────┴────┴───────────────────┘
//
// length is big-endian and counts the tag byte plus the payload, so an empty
// request (e.g. a captcha request) is sent as 00 00 00 01 00.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// LengthSize is the size of the big-endian length prefix.
	LengthSize = 4
	// TagSize is the size of the tag that opens every frame body.
	TagSize = 1
	// MaxStringLen is the longest string a one-byte length prefix can describe.
	MaxStringLen = 255
)

// Frame is one decoded message: the tag and the payload that follows it.
// A Frame only lives for the duration of a single call.
type Frame struct {
	Tag     uint8
	Payload []byte
}

// Encode wraps payload with the length prefix and tag.
// The returned slice is ready to be written to the stream as-is.
func Encode(tag uint8, payload []byte) []byte {
	buf := make([]byte, LengthSize+TagSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:LengthSize], uint32(TagSize+len(payload)))
	buf[LengthSize] = tag
	copy(buf[LengthSize+TagSize:], payload)
	return buf
}

// DecodeHeader interprets the first 4 bytes of b as the big-endian body length.
func DecodeHeader(b []byte) (uint32, error) {
	if len(b) < LengthSize {
		return 0, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedHeader, len(b), LengthSize)
	}
	return binary.BigEndian.Uint32(b[0:LengthSize]), nil
}

// Unwrap splits a frame body (length prefix already consumed) into tag and payload.
// The payload aliases body.
func Unwrap(body []byte) (Frame, error) {
	if len(body) < TagSize {
		return Frame{}, fmt.Errorf("%w: empty frame body has no tag", ErrProtocolViolation)
	}
	return Frame{Tag: body[0], Payload: body[TagSize:]}, nil
}

// EncodeBool returns the single-byte boolean payload.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeBool reads a boolean payload: 0x00 is false, anything else is true.
// Bytes after the first are ignored.
func DecodeBool(payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, fmt.Errorf("%w: boolean payload is empty", ErrProtocolViolation)
	}
	return payload[0] != 0x00, nil
}
