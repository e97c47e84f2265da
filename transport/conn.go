// Package transport moves facegate frames over a reliable byte stream.
//
// A Conn owns one stream and performs strictly sequential round trips: the whole
// request frame is written, then the whole response frame is read, before the next
// round trip may start. The stream is free to deliver data in chunks of any size,
// so every read is accumulated into a buffer with a running offset until the
// target length is reached.
//
//	RoundTrip:  IDLE → SENDING → AWAITING_LENGTH → AWAITING_BODY → DONE
//	                 ↘           ↘                 ↘
//	                   (any I/O failure: terminal, Conn is marked broken)
//
// There is no retry state. Once a round trip has failed the stream position is
// unknown, and the Conn refuses further work until it is closed and replaced.
package transport

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"facegate/protocol"
)

// DefaultMaxChunk is the largest single read request issued by ReadExact.
const DefaultMaxChunk = 2048

// maxEmptyReads bounds how many (0, nil) reads are tolerated in a row.
const maxEmptyReads = 100

var errBroken = errors.New("connection unusable after an earlier failure")

// Options configures a Conn. The zero value means: default chunk size, no
// deadlines, no frame size limit.
type Options struct {
	// MaxChunk caps the size of every read request. <= 0 selects DefaultMaxChunk.
	MaxChunk int
	// PowerOfTwoChunks requests the largest power of two not exceeding the
	// remaining byte count (capped by MaxChunk) instead of the remaining count.
	PowerOfTwoChunks bool
	// ReadTimeout, when positive, is applied as a deadline to each receive phase.
	ReadTimeout time.Duration
	// WriteTimeout, when positive, is applied as a deadline to the send phase.
	WriteTimeout time.Duration
	// MaxFrameSize rejects frames declaring a larger body. 0 accepts any uint32.
	MaxFrameSize uint32
}

// DefaultOptions returns the baseline contract: 2 KiB reads, no deadlines.
func DefaultOptions() Options {
	return Options{MaxChunk: DefaultMaxChunk}
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is a framed connection over a byte stream.
type Conn struct {
	rw   io.ReadWriteCloser
	opts Options

	mu     sync.Mutex  // serializes RoundTrip
	broken atomic.Bool // set on the first I/O or framing failure

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps rw. Deadlines only take effect when rw implements
// SetReadDeadline and SetWriteDeadline (net.Conn does).
func NewConn(rw io.ReadWriteCloser, opts Options) *Conn {
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = DefaultMaxChunk
	}
	return &Conn{rw: rw, opts: opts}
}

// Dial opens a TCP connection to addr. timeout <= 0 means no dial timeout.
func Dial(addr string, timeout time.Duration, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", protocol.ErrTransport, addr, err)
	}
	return NewConn(nc, opts), nil
}

// RemoteAddr returns the peer address when the stream is a net.Conn.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.rw.(net.Conn); ok {
		return nc.RemoteAddr().String()
	}
	return ""
}

// Broken reports whether an earlier failure left the stream in an unknown state.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// RoundTrip writes one request frame and blocks until the complete response
// frame has been read. Concurrent callers are serialized.
func (c *Conn) RoundTrip(tag uint8, payload []byte) (protocol.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.WriteFrame(tag, payload); err != nil {
		return protocol.Frame{}, err
	}
	return c.ReadFrame()
}

// WriteFrame encodes and writes a single frame.
func (c *Conn) WriteFrame(tag uint8, payload []byte) error {
	if c.broken.Load() {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, errBroken)
	}
	if err := c.setWriteDeadline(); err != nil {
		return c.fail(fmt.Errorf("%w: set write deadline: %w", protocol.ErrTransport, err))
	}
	return c.WriteAll(protocol.Encode(tag, payload))
}

// ReadFrame reads the 4-byte length, then exactly that many body bytes, and
// splits the body into tag and payload.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	if c.broken.Load() {
		return protocol.Frame{}, fmt.Errorf("%w: %w", protocol.ErrTransport, errBroken)
	}

	head, err := c.readExact(protocol.LengthSize, false)
	if err != nil {
		return protocol.Frame{}, err
	}
	size, err := protocol.DecodeHeader(head)
	if err != nil {
		return protocol.Frame{}, c.fail(err)
	}
	if c.opts.MaxFrameSize > 0 && size > c.opts.MaxFrameSize {
		return protocol.Frame{}, c.fail(fmt.Errorf("%w: declared %d bytes, limit %d", protocol.ErrFrameTooLarge, size, c.opts.MaxFrameSize))
	}
	if uint64(size) > math.MaxInt {
		return protocol.Frame{}, c.fail(fmt.Errorf("%w: declared %d bytes, exceeds int", protocol.ErrFrameTooLarge, size))
	}

	// The header is consumed, so any EOF from here on is mid-frame.
	body, err := c.readExact(int(size), true)
	if err != nil {
		return protocol.Frame{}, err
	}
	frame, err := protocol.Unwrap(body)
	if err != nil {
		// The stream is still aligned on a frame boundary.
		return protocol.Frame{}, err
	}
	return frame, nil
}

// WriteAll writes p completely, looping over short writes.
func (c *Conn) WriteAll(p []byte) error {
	written := 0
	for written < len(p) {
		n, err := c.rw.Write(p[written:])
		written += n
		if err != nil {
			return c.fail(fmt.Errorf("%w: write (%d/%d bytes): %w", protocol.ErrTransport, written, len(p), err))
		}
		if n == 0 {
			return c.fail(fmt.Errorf("%w: write (%d/%d bytes): %w", protocol.ErrTransport, written, len(p), io.ErrShortWrite))
		}
	}
	return nil
}

// ReadExact reads exactly n bytes, whatever sizes the stream delivers them in.
// n == 0 performs no read at all. EOF before the first byte is returned as
// io.EOF, EOF after it as io.ErrUnexpectedEOF.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	return c.readExact(n, false)
}

// readExact backs ReadExact. The buffer grows with the bytes actually received,
// never past one chunk ahead of them, so a peer cannot make the reader allocate
// a size it only declared. midFrame reports EOF at offset 0 as
// io.ErrUnexpectedEOF too.
func (c *Conn) readExact(n int, midFrame bool) ([]byte, error) {
	if n < 0 {
		return nil, c.fail(fmt.Errorf("%w: negative read size %d", protocol.ErrTransport, n))
	}
	buf := make([]byte, 0, min(n, c.opts.MaxChunk))
	if n == 0 {
		return buf, nil
	}
	if err := c.setReadDeadline(); err != nil {
		return nil, c.fail(fmt.Errorf("%w: set read deadline: %w", protocol.ErrTransport, err))
	}

	empty := 0
	for len(buf) < n {
		offset := len(buf)
		want := c.chunk(n - offset)
		buf = slices.Grow(buf, want)
		got, err := c.rw.Read(buf[offset : offset+want])
		if got < 0 || got > want {
			return nil, c.fail(fmt.Errorf("%w: read returned %d for a %d byte request", protocol.ErrTransport, got, want))
		}
		buf = buf[:offset+got]
		if len(buf) == n {
			// A final chunk may legally arrive together with io.EOF.
			break
		}
		if err != nil {
			// EOF before the first byte of a frame is a clean close.
			if errors.Is(err, io.EOF) && (midFrame || len(buf) > 0) {
				err = io.ErrUnexpectedEOF
			}
			return nil, c.fail(fmt.Errorf("%w: read (%d/%d bytes): %w", protocol.ErrTransport, len(buf), n, err))
		}
		if got == 0 {
			empty++
			if empty >= maxEmptyReads {
				return nil, c.fail(fmt.Errorf("%w: read (%d/%d bytes): %w", protocol.ErrTransport, len(buf), n, io.ErrNoProgress))
			}
			continue
		}
		empty = 0
	}
	return buf, nil
}

// Close closes the stream. It is safe to call more than once and after
// failures; every call returns the result of the first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.broken.Store(true)
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

func (c *Conn) chunk(remaining int) int {
	if c.opts.PowerOfTwoChunks {
		return PowerOfTwoChunkSize(remaining, c.opts.MaxChunk)
	}
	return ChunkSize(remaining, c.opts.MaxChunk)
}

func (c *Conn) fail(err error) error {
	c.broken.Store(true)
	return err
}

func (c *Conn) setReadDeadline() error {
	d, ok := c.rw.(deadliner)
	if !ok || c.opts.ReadTimeout <= 0 {
		return nil
	}
	return d.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
}

func (c *Conn) setWriteDeadline() error {
	d, ok := c.rw.(deadliner)
	if !ok || c.opts.WriteTimeout <= 0 {
		return nil
	}
	return d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
}
