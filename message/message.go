// Package message defines the envelope a server handler sees for one frame.
//
// The wire carries only a tag and a payload. Request adds the connection's Session
// so handlers can keep per-connection state, e.g. the answer of the captcha most
// recently issued on that connection.
package message

import (
	"sync"

	"facegate/protocol"
)

// Request is one decoded client frame.
type Request struct {
	Tag     protocol.RequestTag
	Payload []byte
	Session *Session
}

// Response is what a handler hands back to the server.
//
//   - On success: Payload is sent with the response tag paired to the request.
//   - On failure: Err is non-nil and the server closes the connection, since the
//     frame format has no way to carry an error.
type Response struct {
	Payload []byte
	Err     error
}

// Failed builds an error response.
func Failed(err error) *Response {
	return &Response{Err: err}
}

// Bool builds a single-byte boolean response.
func Bool(v bool) *Response {
	return &Response{Payload: protocol.EncodeBool(v)}
}

// Session holds state that lives as long as one client connection.
type Session struct {
	ID         uint64
	RemoteAddr string

	mu     sync.Mutex
	values map[string]any
}

func NewSession(id uint64, remoteAddr string) *Session {
	return &Session{ID: id, RemoteAddr: remoteAddr, values: make(map[string]any)}
}

func (s *Session) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Take returns the value under key and removes it.
func (s *Session) Take(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	delete(s.values, key)
	return v, ok
}
