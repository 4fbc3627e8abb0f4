package peerconn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrConnectionClosed is returned to every in-flight caller when the
// underlying socket goes away.
var ErrConnectionClosed = errors.New("peerconn: connection closed")

// ErrResponseKindMismatch is the protocol error spec.md section 4.C
// requires: a response whose kind doesn't match what its request's kind
// expects tears down the connection.
var ErrResponseKindMismatch = errors.New("peerconn: response kind does not match request")

type pendingRequest struct {
	ch   chan *Response
	kind RequestKind
}

// RequestHandler answers a Request this connection received from the
// peer (the peer acting as client to us). It is supplied by the fetch
// pipeline / server wiring, not by this package.
type RequestHandler func(req *Request) *Response

// Connection is a single-threaded cooperative worker over one duplex
// socket: it interleaves draining an outbound request channel with
// reading inbound frames, parks outbound callers' oneshots in an
// in-flight table keyed by seq, and routes inbound responses back to
// them by seq. This is the worker spec.md section 4.C describes as
// "spawn a worker ... enters the protocol loop with rx".
type Connection struct {
	transport Transport
	handler   RequestHandler
	log       zerolog.Logger

	nextSeq uint64

	mu       sync.Mutex
	inflight map[uint64]pendingRequest
	closed   bool

	send chan *Request
	done chan struct{}
}

// NewConnection wraps transport as a running Connection. Call Run in its
// own goroutine; use Send to make a request.
func NewConnection(transport Transport, handler RequestHandler, log zerolog.Logger) *Connection {
	return &Connection{
		transport: transport,
		handler:   handler,
		log:       log,
		inflight:  make(map[uint64]pendingRequest),
		send:      make(chan *Request, 100),
		done:      make(chan struct{}),
	}
}

// Send registers req in the in-flight table and enqueues it for the Run
// loop to write; it does not wait for the response. The returned channel
// receives the matching response, or is closed without a value if the
// connection closes first (the caller may also select on a context
// alongside it).
func (c *Connection) Send(req *Request) (<-chan *Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	ch := make(chan *Response, 1)
	c.inflight[req.Seq] = pendingRequest{ch: ch, kind: req.Kind}
	c.mu.Unlock()

	select {
	case c.send <- req:
		return ch, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// NextSeq allocates the next outbound request sequence number.
func (c *Connection) NextSeq() uint64 {
	return atomic.AddUint64(&c.nextSeq, 1)
}

// Run drives the protocol loop until the socket errs or closes, or a
// response's kind does not match its request. It always returns a non-nil
// error: a wrapped read or write error (a closed socket surfaces as a
// wrapped read error), or ErrResponseKindMismatch.
func (c *Connection) Run() error {
	inbound := make(chan Frame)
	readErr := make(chan error, 1)

	go func() {
		for {
			var f Frame
			if err := c.transport.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			inbound <- f
		}
	}()

	defer c.closeAll()

	for {
		select {
		case req := <-c.send:
			if err := c.transport.WriteJSON(Frame{Request: req}); err != nil {
				return fmt.Errorf("peerconn: write request: %w", err)
			}
		case f := <-inbound:
			if f.Request != nil {
				resp := c.handler(f.Request)
				if resp != nil {
					if err := c.transport.WriteJSON(Frame{Response: resp}); err != nil {
						return fmt.Errorf("peerconn: write response: %w", err)
					}
				}
			}
			if f.Response != nil {
				if err := c.routeResponse(f.Response); err != nil {
					return err
				}
			}
		case err := <-readErr:
			return fmt.Errorf("peerconn: read: %w", err)
		}
	}
}

func (c *Connection) routeResponse(resp *Response) error {
	c.mu.Lock()
	pending, ok := c.inflight[resp.Seq]
	if ok {
		delete(c.inflight, resp.Seq)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warn().Uint64("seq", resp.Seq).Msg("response for unknown seq, dropping")
		return nil
	}
	if resp.Kind != expectedResponseKind(pending.kind) {
		pending.ch <- resp
		return ErrResponseKindMismatch
	}
	pending.ch <- resp
	return nil
}

// Close tears down the underlying transport, which unblocks Run's read
// goroutine with an error and drives the usual closeAll cleanup. Safe to
// call from any goroutine, including before Run has started.
func (c *Connection) Close() error {
	return c.transport.Close()
}

func (c *Connection) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for seq, pending := range c.inflight {
		close(pending.ch)
		delete(c.inflight, seq)
	}
	c.transport.Close()
}
