package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"runtime"
	"testing"
	"time"

	"facegate/protocol"
)

// chunkedStream returns data in a fixed cycle of chunk sizes, never more than
// the caller asked for, and records every read request it receives.
type chunkedStream struct {
	data     []byte
	sizes    []int
	next     int
	requests []int
	written  bytes.Buffer
	closed   int
}

func (s *chunkedStream) Read(p []byte) (int, error) {
	s.requests = append(s.requests, len(p))
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := s.sizes[s.next%len(s.sizes)]
	s.next++
	if n > len(p) {
		n = len(p)
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}

func (s *chunkedStream) Write(p []byte) (int, error) { return s.written.Write(p) }

func (s *chunkedStream) Close() error {
	s.closed++
	return nil
}

// shortWriter accepts at most limit bytes per Write call.
type shortWriter struct {
	chunkedStream
	limit int
	calls int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	w.calls++
	if len(p) > w.limit {
		p = p[:w.limit]
	}
	return w.written.Write(p)
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/256)
	}
	return b
}

func TestReadExactReassemblesPartialReads(t *testing.T) {
	body := patterned(1000)
	stream := &chunkedStream{data: append([]byte(nil), body...), sizes: []int{1, 3, 7, 13, 64, 2}}
	c := NewConn(stream, DefaultOptions())

	got, err := c.ReadExact(len(body))
	if err != nil {
		t.Fatalf("ReadExact failed: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("reassembled body differs from the original")
	}
	if len(stream.data) != 0 {
		t.Fatalf("%d bytes left unread", len(stream.data))
	}
	for _, r := range stream.requests {
		if r > DefaultMaxChunk {
			t.Fatalf("read request of %d exceeds the chunk ceiling", r)
		}
	}
}

func TestReadExactZeroLength(t *testing.T) {
	stream := &chunkedStream{sizes: []int{1}}
	c := NewConn(stream, DefaultOptions())

	got, err := c.ReadExact(0)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected an empty, non-nil slice, got %v", got)
	}
	if len(stream.requests) != 0 {
		t.Fatalf("expected zero reads, got %d", len(stream.requests))
	}
}

func TestReadExactChunkCeiling(t *testing.T) {
	body := patterned(5000)
	stream := &chunkedStream{data: append([]byte(nil), body...), sizes: []int{1 << 20}}
	c := NewConn(stream, Options{MaxChunk: 2048})

	if _, err := c.ReadExact(len(body)); err != nil {
		t.Fatal(err)
	}
	want := []int{2048, 2048, 904}
	if len(stream.requests) != len(want) {
		t.Fatalf("requests: got %v, want %v", stream.requests, want)
	}
	for i := range want {
		if stream.requests[i] != want[i] {
			t.Fatalf("requests: got %v, want %v", stream.requests, want)
		}
	}
}

func TestReadExactPowerOfTwoPolicy(t *testing.T) {
	body := patterned(1000)
	stream := &chunkedStream{data: append([]byte(nil), body...), sizes: []int{1 << 20}}
	c := NewConn(stream, Options{MaxChunk: 2048, PowerOfTwoChunks: true})

	got, err := c.ReadExact(len(body))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("body mismatch")
	}
	// 1000 = 512 + 256 + 128 + 64 + 32 + 8
	want := []int{512, 256, 128, 64, 32, 8}
	if len(stream.requests) != len(want) {
		t.Fatalf("requests: got %v, want %v", stream.requests, want)
	}
	for i := range want {
		if stream.requests[i] != want[i] {
			t.Fatalf("requests: got %v, want %v", stream.requests, want)
		}
	}
}

func TestReadExactUnexpectedEOF(t *testing.T) {
	stream := &chunkedStream{data: []byte{1, 2, 3}, sizes: []int{2}}
	c := NewConn(stream, DefaultOptions())

	_, err := c.ReadExact(10)
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF in chain, got %v", err)
	}
	if !c.Broken() {
		t.Fatal("conn should be broken after a failed read")
	}
	if _, err := c.ReadFrame(); !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("broken conn should fail fast, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	c := NewConn(&chunkedStream{}, DefaultOptions())

	_, err := c.ReadFrame()
	if !errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected plain io.EOF at a frame boundary, got %v", err)
	}
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestReadFrameEOFAfterHeader(t *testing.T) {
	stream := &chunkedStream{data: []byte{0x00, 0x00, 0x00, 0x03}, sizes: []int{4}}
	c := NewConn(stream, DefaultOptions())

	_, err := c.ReadFrame()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("EOF after a complete header is mid-frame, got %v", err)
	}
	if !c.Broken() {
		t.Fatal("conn should be broken after a truncated frame")
	}
}

func TestReadFrameHugeDeclaredSizeAllocatesByReceivedBytes(t *testing.T) {
	// Declares ~3 GiB, then closes without sending a body byte.
	stream := &chunkedStream{data: []byte{0xC0, 0x00, 0x00, 0x00}, sizes: []int{4}}
	c := NewConn(stream, DefaultOptions())

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := c.ReadFrame()
	runtime.ReadMemStats(&after)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 1<<20 {
		t.Fatalf("allocated %d bytes for a frame with no body bytes", allocated)
	}
}

func TestReadExactGrowsAcrossChunks(t *testing.T) {
	body := patterned(10000)
	stream := &chunkedStream{data: append([]byte(nil), body...), sizes: []int{700, 1, 3000}}
	c := NewConn(stream, Options{MaxChunk: 1024})

	got, err := c.ReadExact(len(body))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("body mismatch")
	}
}

type zeroReader struct{ chunkedStream }

func (zeroReader) Read(p []byte) (int, error) { return 0, nil }

func TestReadExactNoProgress(t *testing.T) {
	c := NewConn(&zeroReader{}, DefaultOptions())
	_, err := c.ReadExact(4)
	if !errors.Is(err, io.ErrNoProgress) {
		t.Fatalf("expected io.ErrNoProgress, got %v", err)
	}
}

func TestWriteAllLoopsOverShortWrites(t *testing.T) {
	w := &shortWriter{limit: 3}
	c := NewConn(w, DefaultOptions())

	payload := patterned(100)
	if err := c.WriteFrame(uint8(protocol.FaceCheckRequest), payload); err != nil {
		t.Fatal(err)
	}
	want := protocol.Encode(uint8(protocol.FaceCheckRequest), payload)
	if !bytes.Equal(w.written.Bytes(), want) {
		t.Fatal("written bytes differ from the encoded frame")
	}
	if w.calls < len(want)/3 {
		t.Fatalf("expected many short writes, got %d", w.calls)
	}
}

func TestRoundTripOverChunkedStream(t *testing.T) {
	image := patterned(3000)
	response := protocol.Encode(uint8(protocol.CaptchaResponse), image)
	stream := &chunkedStream{data: response, sizes: []int{1, 3, 7}}
	c := NewConn(stream, DefaultOptions())

	frame, err := c.RoundTrip(uint8(protocol.CaptchaRequest), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stream.written.Bytes(), []byte{0, 0, 0, 1, 0}) {
		t.Fatalf("request bytes: got % x", stream.written.Bytes())
	}
	if frame.Tag != uint8(protocol.CaptchaResponse) {
		t.Fatalf("tag: got %d", frame.Tag)
	}
	if !bytes.Equal(frame.Payload, image) {
		t.Fatal("payload mismatch")
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	stream := &chunkedStream{data: []byte{0x00, 0x10, 0x00, 0x00}, sizes: []int{4}}
	c := NewConn(stream, Options{MaxFrameSize: 1024})

	_, err := c.ReadFrame()
	if !errors.Is(err, protocol.ErrFrameTooLarge) || !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if !c.Broken() {
		t.Fatal("an oversized frame leaves the stream unaligned")
	}
}

func TestReadFrameZeroLengthBody(t *testing.T) {
	stream := &chunkedStream{data: []byte{0, 0, 0, 0}, sizes: []int{4}}
	c := NewConn(stream, DefaultOptions())

	_, err := c.ReadFrame()
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if len(stream.requests) != 1 {
		t.Fatalf("expected only the length read, got %v", stream.requests)
	}
}

func TestReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client, Options{ReadTimeout: 50 * time.Millisecond})
	defer c.Close()

	go func() {
		// Consume the request and never answer.
		buf := make([]byte, 16)
		server.Read(buf)
	}()

	start := time.Now()
	_, err := c.RoundTrip(uint8(protocol.StatisticsRequest), nil)
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected a deadline error in chain, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("deadline was not applied")
	}
}

func TestCloseIdempotent(t *testing.T) {
	stream := &chunkedStream{}
	c := NewConn(stream, DefaultOptions())

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if stream.closed != 1 {
		t.Fatalf("underlying stream closed %d times", stream.closed)
	}
	if err := c.WriteFrame(0, nil); !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("write after close: expected ErrTransport, got %v", err)
	}
}

func TestChunkPolicies(t *testing.T) {
	cases := []struct {
		remaining, max, plain, pow2 int
	}{
		{0, 2048, 0, 0},
		{1, 2048, 1, 1},
		{3, 2048, 3, 2},
		{1000, 2048, 1000, 512},
		{2048, 2048, 2048, 2048},
		{4097, 2048, 2048, 2048},
		{5000, 0, 5000, 4096},
	}
	for _, tc := range cases {
		if got := ChunkSize(tc.remaining, tc.max); got != tc.plain {
			t.Errorf("ChunkSize(%d, %d) = %d, want %d", tc.remaining, tc.max, got, tc.plain)
		}
		if got := PowerOfTwoChunkSize(tc.remaining, tc.max); got != tc.pow2 {
			t.Errorf("PowerOfTwoChunkSize(%d, %d) = %d, want %d", tc.remaining, tc.max, got, tc.pow2)
		}
	}
}
