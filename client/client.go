// Package client is the blocking facegate protocol client.
//
// A Client owns one connection and exposes one method per operation. Each call
// is a complete round trip: the request frame is written, then the caller blocks
// until the whole response frame has arrived and its tag has been checked
// against the tag paired with the request. Calls from several goroutines are
// serialized, never pipelined, because responses are matched to requests purely
// by position on the stream.
//
// Any failure is returned to the caller; nothing is retried and no default
// value is substituted. After ErrTransport the connection is unusable and the
// caller must Close it and dial again.
package client

import (
	"fmt"
	"io"
	"time"

	"facegate/codec"
	"facegate/loadbalance"
	"facegate/observability"
	"facegate/protocol"
	"facegate/registry"
	"facegate/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config configures a Client. Zero fields fall back to DefaultConfig values.
type Config struct {
	Transport transport.Options
	// DialTimeout <= 0 selects the default; there is no way to dial without one.
	DialTimeout time.Duration
	// Files loads images for upload and stores received captchas.
	Files Files
	// Codec decodes statistics payloads in DecodeStatistics.
	Codec codec.Codec
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Transport:   transport.DefaultOptions(),
		DialTimeout: 5 * time.Second,
		Files:       OSFiles{},
		Codec:       &codec.JSONCodec{},
	}
}

type Client struct {
	conn *transport.Conn
	cfg  Config
	log  zerolog.Logger
}

// New wraps an already-open stream.
func New(rw io.ReadWriteCloser, cfg Config) *Client {
	return newClient(transport.NewConn(rw, cfg.Transport), cfg)
}

// Dial connects to a facegate server at addr.
func Dial(addr string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := transport.Dial(addr, cfg.DialTimeout, cfg.Transport)
	if err != nil {
		return nil, err
	}
	c := newClient(conn, cfg)
	c.log.Info().Str("addr", addr).Msg("connected")
	return c, nil
}

// DialService discovers the instances of service in reg, lets bal choose one
// and dials it.
func DialService(reg registry.Registry, bal loadbalance.Balancer, service string, cfg Config) (*Client, error) {
	instances, err := reg.Discover(service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s instance (%s): %w", service, bal.Name(), err)
	}
	return Dial(instance.Addr, cfg)
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Files == nil {
		cfg.Files = def.Files
	}
	if cfg.Codec == nil {
		cfg.Codec = def.Codec
	}
	return cfg
}

func newClient(conn *transport.Conn, cfg Config) *Client {
	cfg = cfg.withDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{conn: conn, cfg: cfg, log: logger}
}

// RemoteAddr returns the server address of the connection.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr()
}

// Broken reports whether an earlier transport failure left the connection
// unusable.
func (c *Client) Broken() bool {
	return c.conn.Broken()
}

// Close releases the connection. Safe to call repeatedly and after failures.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.log.Debug().Err(err).Msg("connection closed")
	return err
}

// call performs one round trip and returns the response payload once the
// response tag has been validated.
func (c *Client) call(op protocol.RequestTag, payload []byte) ([]byte, error) {
	start := time.Now()
	resp, err := c.roundTrip(op, payload)
	elapsed := time.Since(start)

	observability.RecordClientRoundTrip(op.String(), elapsed, err)
	if err != nil {
		c.log.Warn().Err(err).Str("op", op.String()).Dur("duration", elapsed).Msg("round trip failed")
		return nil, err
	}
	c.log.Debug().
		Str("op", op.String()).
		Int("req_bytes", len(payload)).
		Int("resp_bytes", len(resp)).
		Dur("duration", elapsed).
		Msg("round trip")
	return resp, nil
}

func (c *Client) roundTrip(op protocol.RequestTag, payload []byte) ([]byte, error) {
	frame, err := c.conn.RoundTrip(uint8(op), payload)
	if err != nil {
		return nil, err
	}
	if got, want := protocol.ResponseTag(frame.Tag), op.Response(); got != want {
		return nil, fmt.Errorf("%w: response tag does not match request (got %d, want %d for %s)",
			protocol.ErrProtocolViolation, uint8(got), uint8(want), op)
	}
	return frame.Payload, nil
}

func (c *Client) callBool(op protocol.RequestTag, payload []byte) (bool, error) {
	resp, err := c.call(op, payload)
	if err != nil {
		return false, err
	}
	v, err := protocol.DecodeBool(resp)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

func (c *Client) callStrings(op protocol.RequestTag, strs ...string) (bool, error) {
	payload, err := protocol.FragmentStrings(strs...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return c.callBool(op, payload)
}
