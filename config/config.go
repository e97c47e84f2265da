// Package config loads the TOML files of the facegate binaries. Only keys
// present in the file override the defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"facegate/loadbalance"
	"facegate/protocol"
	"facegate/transport"

	"github.com/BurntSushi/toml"
)

// Registry locates servers through etcd. Empty Endpoints disables it.
type Registry struct {
	Endpoints   []string
	Service     string
	TTL         int64
	DialTimeout time.Duration
}

// Enabled reports whether any etcd endpoint is configured.
func (r Registry) Enabled() bool { return len(r.Endpoints) > 0 }

type Client struct {
	Addr             string
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxChunk         int
	PowerOfTwoChunks bool
	MaxFrameSize     uint32
	CaptchaPath      string
	LogLevel         string
	Balancer         string
	Registry         Registry
}

// User is an account created at server start if it does not exist yet.
type User struct {
	Username string
	Password string
}

type Server struct {
	Addr            string
	AdvertiseAddr   string
	AdminAddr       string
	DBPath          string
	CaptchaDir      string
	HandlerTimeout  time.Duration
	RateLimit       float64
	RateBurst       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxChunk        int
	MaxFrameSize    uint32
	ShutdownTimeout time.Duration
	LogLevel        string
	Registry        Registry
	Users           []User
}

func defaultRegistry() Registry {
	return Registry{Service: "facegate", TTL: 10, DialTimeout: 5 * time.Second}
}

func DefaultClient() Client {
	return Client{
		Addr:        "127.0.0.1:7000",
		DialTimeout: 5 * time.Second,
		MaxChunk:    transport.DefaultMaxChunk,
		CaptchaPath: "captcha.png",
		LogLevel:    "info",
		Balancer:    "round_robin",
		Registry:    defaultRegistry(),
	}
}

func DefaultServer() Server {
	return Server{
		Addr:            ":7000",
		AdminAddr:       ":7001",
		DBPath:          "facegate.db",
		CaptchaDir:      "captchas",
		HandlerTimeout:  5 * time.Second,
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    30 * time.Second,
		MaxChunk:        transport.DefaultMaxChunk,
		MaxFrameSize:    16 << 20,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		Registry:        defaultRegistry(),
	}
}

// TransportOptions maps the client's stream settings.
func (c Client) TransportOptions() transport.Options {
	return transport.Options{
		MaxChunk:         c.MaxChunk,
		PowerOfTwoChunks: c.PowerOfTwoChunks,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
		MaxFrameSize:     c.MaxFrameSize,
	}
}

// TransportOptions maps the server's per-connection stream settings.
func (s Server) TransportOptions() transport.Options {
	return transport.Options{
		MaxChunk:     s.MaxChunk,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		MaxFrameSize: s.MaxFrameSize,
	}
}

func (c Client) Validate() error {
	if c.Addr == "" && !c.Registry.Enabled() {
		return fmt.Errorf("addr: required when no registry endpoints are set")
	}
	if c.MaxChunk < 0 {
		return fmt.Errorf("max_chunk: must not be negative")
	}
	switch c.Balancer {
	case loadbalance.RoundRobin, loadbalance.WeightedRandom:
	default:
		return fmt.Errorf("balancer: unknown %q", c.Balancer)
	}
	if c.Registry.Enabled() && c.Registry.Service == "" {
		return fmt.Errorf("registry.service: required with endpoints")
	}
	return nil
}

func (s Server) Validate() error {
	if s.Addr == "" {
		return fmt.Errorf("addr: required")
	}
	if s.DBPath == "" {
		return fmt.Errorf("db_path: required")
	}
	if s.MaxChunk < 0 {
		return fmt.Errorf("max_chunk: must not be negative")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate_limit: must not be negative")
	}
	if s.RateLimit > 0 && s.RateBurst <= 0 {
		return fmt.Errorf("rate_burst: must be positive when rate_limit is set")
	}
	if s.Registry.Enabled() {
		if s.Registry.Service == "" {
			return fmt.Errorf("registry.service: required with endpoints")
		}
		if s.Registry.TTL <= 0 {
			return fmt.Errorf("registry.ttl: must be positive")
		}
	}
	seen := make(map[string]bool, len(s.Users))
	for i, u := range s.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d].username: required", i)
		}
		if len(u.Username) > protocol.MaxStringLen || len(u.Password) > protocol.MaxStringLen {
			return fmt.Errorf("users[%d]: username and password are limited to %d bytes", i, protocol.MaxStringLen)
		}
		if seen[u.Username] {
			return fmt.Errorf("users[%d].username: duplicate %q", i, u.Username)
		}
		seen[u.Username] = true
	}
	return nil
}

type registryFile struct {
	Endpoints   []string `toml:"endpoints"`
	Service     string   `toml:"service"`
	TTL         int64    `toml:"ttl"`
	DialTimeout string   `toml:"dial_timeout"`
}

type clientFile struct {
	Addr             string       `toml:"addr"`
	DialTimeout      string       `toml:"dial_timeout"`
	ReadTimeout      string       `toml:"read_timeout"`
	WriteTimeout     string       `toml:"write_timeout"`
	MaxChunk         int          `toml:"max_chunk"`
	PowerOfTwoChunks bool         `toml:"power_of_two_chunks"`
	MaxFrameSize     uint32       `toml:"max_frame_size"`
	CaptchaPath      string       `toml:"captcha_path"`
	LogLevel         string       `toml:"log_level"`
	Balancer         string       `toml:"balancer"`
	Registry         registryFile `toml:"registry"`
}

type userFile struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type serverFile struct {
	Addr            string       `toml:"addr"`
	AdvertiseAddr   string       `toml:"advertise_addr"`
	AdminAddr       string       `toml:"admin_addr"`
	DBPath          string       `toml:"db_path"`
	CaptchaDir      string       `toml:"captcha_dir"`
	HandlerTimeout  string       `toml:"handler_timeout"`
	RateLimit       float64      `toml:"rate_limit"`
	RateBurst       int          `toml:"rate_burst"`
	ReadTimeout     string       `toml:"read_timeout"`
	WriteTimeout    string       `toml:"write_timeout"`
	MaxChunk        int          `toml:"max_chunk"`
	MaxFrameSize    uint32       `toml:"max_frame_size"`
	ShutdownTimeout string       `toml:"shutdown_timeout"`
	LogLevel        string       `toml:"log_level"`
	Registry        registryFile `toml:"registry"`
	Users           []userFile   `toml:"users"`
}

// LoadClient reads path over DefaultClient and validates the result.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if err := parseDuration(meta, d.raw, d.dst, d.key); err != nil {
			return Client{}, err
		}
	}
	if meta.IsDefined("max_chunk") {
		cfg.MaxChunk = raw.MaxChunk
	}
	if meta.IsDefined("power_of_two_chunks") {
		cfg.PowerOfTwoChunks = raw.PowerOfTwoChunks
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("captcha_path") {
		cfg.CaptchaPath = strings.TrimSpace(raw.CaptchaPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	if err := applyRegistry(meta, raw.Registry, &cfg.Registry); err != nil {
		return Client{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Client{}, fmt.Errorf("client config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadServer reads path over DefaultServer and validates the result.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}

	strs := []struct {
		key string
		raw string
		dst *string
	}{
		{"addr", raw.Addr, &cfg.Addr},
		{"advertise_addr", raw.AdvertiseAddr, &cfg.AdvertiseAddr},
		{"admin_addr", raw.AdminAddr, &cfg.AdminAddr},
		{"db_path", raw.DBPath, &cfg.DBPath},
		{"captcha_dir", raw.CaptchaDir, &cfg.CaptchaDir},
		{"log_level", raw.LogLevel, &cfg.LogLevel},
	}
	for _, s := range strs {
		if meta.IsDefined(s.key) {
			*s.dst = strings.TrimSpace(s.raw)
		}
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handler_timeout", raw.HandlerTimeout, &cfg.HandlerTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if err := parseDuration(meta, d.raw, d.dst, d.key); err != nil {
			return Server{}, err
		}
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("max_chunk") {
		cfg.MaxChunk = raw.MaxChunk
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if err := applyRegistry(meta, raw.Registry, &cfg.Registry); err != nil {
		return Server{}, err
	}
	if meta.IsDefined("users") {
		cfg.Users = make([]User, 0, len(raw.Users))
		for _, u := range raw.Users {
			cfg.Users = append(cfg.Users, User{Username: strings.TrimSpace(u.Username), Password: u.Password})
		}
	}

	if err := cfg.Validate(); err != nil {
		return Server{}, fmt.Errorf("server config %s: %w", path, err)
	}
	return cfg, nil
}

func applyRegistry(meta toml.MetaData, raw registryFile, dst *Registry) error {
	if meta.IsDefined("registry", "endpoints") {
		dst.Endpoints = normalizeList(raw.Endpoints)
	}
	if meta.IsDefined("registry", "service") {
		dst.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("registry", "ttl") {
		dst.TTL = raw.TTL
	}
	return parseDuration(meta, raw.DialTimeout, &dst.DialTimeout, "registry", "dial_timeout")
}

func parseDuration(meta toml.MetaData, raw string, dst *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	if d < 0 {
		return fmt.Errorf("%s: must not be negative", strings.Join(key, "."))
	}
	*dst = d
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
