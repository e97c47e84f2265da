package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"facegate/protocol"
)

var ErrPoolClosed = errors.New("client pool closed")

// Pool hands out Clients for exclusive use, one request at a time per
// connection. Callers that want concurrency borrow several Clients instead of
// sharing one.
//
// Design: a buffered channel of idle clients plus a semaphore channel bounding
// how many exist at once. Clients are dialed lazily.
type Pool struct {
	mu      sync.Mutex
	idle    chan *Client
	slots   chan struct{}
	factory func() (*Client, error)
	closed  bool
}

// NewPool creates a pool of at most maxConns clients built by factory.
func NewPool(maxConns int, factory func() (*Client, error)) *Pool {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Pool{
		idle:    make(chan *Client, maxConns),
		slots:   make(chan struct{}, maxConns),
		factory: factory,
	}
}

// Get returns an idle client or dials a new one, blocking while maxConns
// clients are checked out.
func (p *Pool) Get(ctx context.Context) (*Client, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		<-p.slots
		return nil, ErrPoolClosed
	}

	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	c, err := p.factory()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return c, nil
}

// Put gives c back. callErr is the error of the last call made with c; clients
// whose connection can no longer be trusted are closed instead of reused.
func (p *Pool) Put(c *Client, callErr error) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !reusable(c, callErr) {
		c.Close()
		return
	}
	p.idle <- c
}

// Do borrows a client for the duration of fn.
func (p *Pool) Do(ctx context.Context, fn func(*Client) error) error {
	c, err := p.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	p.Put(c, err)
	return err
}

// Close closes idle clients. Clients still checked out are closed when Put back.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for {
		select {
		case c := <-p.idle:
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close pooled client: %w", err))
			}
		default:
			return errors.Join(errs...)
		}
	}
}

// reusable: a tag mismatch means request/response positions can no longer be
// trusted, and a transport failure leaves the stream mid-frame.
func reusable(c *Client, callErr error) bool {
	if c.Broken() {
		return false
	}
	if errors.Is(callErr, protocol.ErrTransport) || errors.Is(callErr, protocol.ErrProtocolViolation) {
		return false
	}
	return true
}
