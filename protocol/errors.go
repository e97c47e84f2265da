package protocol

import (
	"errors"
	"fmt"
)

// Errors returned by the codec, the transport and the client. Callers match them
// with errors.Is; the wrapped message carries the detail.
var (
	// ErrTransport: a read or write on the underlying stream failed, timed out,
	// or the stream is closed.
	ErrTransport = errors.New("transport error")
	// ErrMalformedHeader: fewer than 4 bytes were available to decode a length.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrProtocolViolation: the peer sent something the operation cannot accept,
	// such as the wrong response tag or a payload shorter than required.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrStringTooLong: a string cannot be described by a one-byte length prefix.
	ErrStringTooLong = errors.New("string too long")
	// ErrIO: reading or writing an image file failed.
	ErrIO = errors.New("image file i/o error")
)

// ErrFrameTooLarge is reported when a declared length exceeds the configured
// limit. It matches ErrProtocolViolation as well.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocolViolation)
