// Package server implements the facegate frame server: it accepts connections,
// reads one request frame at a time per connection, runs it through the
// middleware chain to the handler registered for its tag, and answers with the
// paired response tag.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → ReadFrame → Middleware Chain → handler[tag] → WriteFrame(tag.Response())
//
// Requests on one connection are handled strictly in order: the protocol has no
// request IDs, so the n-th response must answer the n-th request. A handler
// error, an unknown tag or a malformed frame closes the connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"facegate/message"
	"facegate/middleware"
	"facegate/observability"
	"facegate/protocol"
	"facegate/registry"
	"facegate/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnknownTag = errors.New("no handler for request tag")

// Options configures a Server.
type Options struct {
	// Transport applies to every accepted connection. ReadTimeout doubles as the
	// idle timeout between requests.
	Transport transport.Options
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// Registry, when set, announces AdvertiseAddr under ServiceName for the
	// lifetime of Serve.
	Registry      registry.Registry
	ServiceName   string
	AdvertiseAddr string
	Weight        int
	TTL           int64 // lease seconds, default 10
}

// Server is the frame server.
type Server struct {
	opts        Options
	log         zerolog.Logger
	handlers    map[protocol.RequestTag]middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))

	listener net.Listener
	ready    atomic.Bool
	shutdown atomic.Bool
	wg       sync.WaitGroup // in-flight requests
	sessions atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*transport.Conn]struct{}
}

// NewServer creates a server with no handlers.
func NewServer(opts Options) *Server {
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		log:      logger,
		handlers: make(map[protocol.RequestTag]middleware.HandlerFunc),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*transport.Conn]struct{}),
	}
}

// Handle registers h for tag. Must be called before Serve.
func (svr *Server) Handle(tag protocol.RequestTag, h middleware.HandlerFunc) {
	svr.handlers[tag] = h
}

// Use registers a middleware. Middlewares run in the order they were added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and blocks in the accept loop.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener serves connections accepted from listener. It returns nil after
// Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()
	if svr.shutdown.Load() {
		listener.Close()
		return nil
	}
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	if svr.opts.Registry != nil {
		addr := svr.advertiseAddr(listener)
		err := svr.opts.Registry.Register(svr.opts.ServiceName, registry.ServiceInstance{
			Addr:   addr,
			Weight: svr.opts.Weight,
		}, svr.opts.TTL)
		if err != nil {
			listener.Close()
			return fmt.Errorf("register %s at %s: %w", svr.opts.ServiceName, addr, err)
		}
		svr.log.Info().Str("service", svr.opts.ServiceName).Str("addr", addr).Msg("registered")
	}

	svr.ready.Store(true)
	svr.log.Info().Str("addr", listener.Addr().String()).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Accept fails once Shutdown closes the listener.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Ready reports whether the accept loop is running.
func (svr *Server) Ready() bool {
	return svr.ready.Load() && !svr.shutdown.Load()
}

func (svr *Server) advertiseAddr(listener net.Listener) string {
	if svr.opts.AdvertiseAddr != "" {
		return svr.opts.AdvertiseAddr
	}
	return listener.Addr().String()
}

func (svr *Server) track(conn *transport.Conn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		if svr.shutdown.Load() {
			conn.Close()
			return
		}
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn serves one connection until the peer leaves or a request fails.
func (svr *Server) handleConn(nc net.Conn) {
	conn := transport.NewConn(nc, svr.opts.Transport)
	svr.track(conn, true)
	observability.ServerConnOpened()
	defer func() {
		conn.Close()
		svr.track(conn, false)
		observability.ServerConnClosed()
	}()

	session := message.NewSession(svr.sessions.Add(1), conn.RemoteAddr())
	logger := svr.log.With().Uint64("session", session.ID).Str("remote", session.RemoteAddr).Logger()
	logger.Debug().Msg("connection opened")

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || svr.shutdown.Load() {
				logger.Debug().Msg("connection closed")
			} else {
				logger.Warn().Err(err).Msg("read request")
			}
			return
		}

		if !svr.serveRequest(conn, session, frame, logger) {
			return
		}
	}
}

// serveRequest handles one frame and reports whether the connection may be
// used for another request.
func (svr *Server) serveRequest(conn *transport.Conn, session *message.Session, frame protocol.Frame, logger zerolog.Logger) bool {
	// Add must not race the Wait in Shutdown: both sides check the flag under mu.
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		logger.Debug().Msg("dropping request received during shutdown")
		return false
	}
	svr.wg.Add(1)
	svr.mu.Unlock()
	defer svr.wg.Done()

	req := &message.Request{
		Tag:     protocol.RequestTag(frame.Tag),
		Payload: frame.Payload,
		Session: session,
	}
	resp := svr.handler(svr.ctx, req)
	if resp.Err != nil {
		logger.Warn().Err(resp.Err).Str("op", req.Tag.String()).Msg("closing connection after failed request")
		return false
	}

	if err := conn.WriteFrame(uint8(req.Tag.Response()), resp.Payload); err != nil {
		logger.Warn().Err(err).Str("op", req.Tag.String()).Msg("write response")
		return false
	}
	return true
}

// dispatch is the innermost handler: it routes a request to the handler
// registered for its tag.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	h, ok := svr.handlers[req.Tag]
	if !ok {
		return message.Failed(fmt.Errorf("%w: %s", ErrUnknownTag, req.Tag))
	}
	return h(ctx, req)
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag
//  2. Deregister from the registry and close the listener
//  3. Wait for in-flight requests (bounded by timeout)
//  4. Close the remaining, idle connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	// The flag must be set before closing the listener, otherwise the Accept
	// error is reported by Serve as a real failure. Setting it under mu orders
	// it against every wg.Add in serveRequest.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	listener := svr.listener
	svr.mu.Unlock()

	if svr.opts.Registry != nil && listener != nil {
		if err := svr.opts.Registry.Deregister(svr.opts.ServiceName, svr.advertiseAddr(listener)); err != nil {
			svr.log.Warn().Err(err).Msg("deregister")
		}
	}
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.cancel()
	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}
