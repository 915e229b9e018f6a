// Package bridge sends requests to an engine host and correlates its replies.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitpay/bitpay-app-sub010/pkg/transport"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// ErrClosed is returned by calls made on, or pending when closing, a Client.
var ErrClosed = transport.ErrClosed

// Caller performs a single request and returns its result.
type Caller interface {
	Call(ctx context.Context, req wire.Request) (wire.Value, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger of the client.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithCodec sets the codec used to encode requests and decode replies. The default is JSON.
func WithCodec(codec wire.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithCallTimeout bounds the time a call waits for its reply. By default calls wait until
// their context is done.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

type queued struct {
	id    int64
	frame []byte
}

// Client is the requesting side of a bridge connection.
//
// Requests made before the host signalled readiness are queued and sent, in the order they were
// made, as soon as the boot signal arrives.
type Client struct {
	conn    transport.Conn
	codec   wire.Codec
	log     zerolog.Logger
	timeout time.Duration

	seq atomic.Int64

	// sendMtx orders writes. boot takes it while holding mtx and flush releases it
	sendMtx sync.Mutex

	mtx     sync.Mutex
	booted  bool
	queue   []queued
	pending map[int64]chan *wire.Reply
	closed  bool
	hello   string

	ready chan struct{}
	done  chan struct{}
}

// New starts a client on conn.
func New(conn transport.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		codec:   wire.JSON,
		log:     zerolog.Nop(),
		pending: make(map[int64]chan *wire.Reply),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Ready is closed once the host has booted.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// WaitReady blocks until the host has booted.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hello returns the protocol version announced by the host, if any.
func (c *Client) Hello() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.hello
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.pending)
}

// Call sends req with a fresh id and waits for the matching reply. A failed request is
// returned as a *wire.Error, which matches the sentinel of its kind with errors.Is.
func (c *Client) Call(ctx context.Context, req wire.Request) (wire.Value, error) {
	req.ID = c.seq.Add(1)
	if err := req.Validate(); err != nil {
		return wire.Value{}, err
	}
	frame, err := c.codec.Marshal(&req)
	if err != nil {
		return wire.Value{}, fmt.Errorf("bridge: encode %s: %w", req.String(), err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch := make(chan *wire.Reply, 1)
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return wire.Value{}, ErrClosed
	}
	c.pending[req.ID] = ch
	booted := c.booted
	if !booted {
		c.queue = append(c.queue, queued{id: req.ID, frame: frame})
	}
	c.mtx.Unlock()

	if booted {
		c.sendMtx.Lock()
		err := c.conn.Send(ctx, frame)
		c.sendMtx.Unlock()
		if err != nil {
			c.forget(req.ID)
			return wire.Value{}, fmt.Errorf("bridge: send %s: %w", req.String(), err)
		}
	} else {
		c.log.Debug().Stringer("req", &req).Msg("queued until boot")
	}

	select {
	case r := <-ch:
		if err := r.Err(); err != nil {
			return wire.Value{}, err
		}
		if r.Result == nil {
			return wire.Null(), nil
		}
		return *r.Result, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return wire.Value{}, fmt.Errorf("bridge: %s: %w", req.String(), ctx.Err())
	case <-c.done:
		return wire.Value{}, ErrClosed
	}
}

// forget drops a call that no longer waits for its reply.
func (c *Client) forget(id int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.pending, id)
	for i, q := range c.queue {
		if q.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
}

// Close fails every pending call with ErrClosed and closes the connection.
func (c *Client) Close() error {
	c.shutdown()
	return c.conn.Close()
}

func (c *Client) shutdown() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pending = make(map[int64]chan *wire.Reply)
	c.queue = nil
	close(c.done)
}

func (c *Client) readLoop() {
	for {
		frame, err := c.conn.Recv(context.Background())
		if err != nil {
			c.log.Debug().Err(err).Msg("connection ended")
			c.shutdown()
			return
		}
		var r wire.Reply
		if err := c.codec.Unmarshal(frame, &r); err != nil {
			c.log.Warn().Err(err).Int("size", len(frame)).Msg("undecodable reply")
			continue
		}
		c.dispatch(&r)
	}
}

func (c *Client) dispatch(r *wire.Reply) {
	switch {
	case r.ID == wire.IDBoot:
		c.boot(r.Text())
	case r.ID == wire.IDHello:
		c.mtx.Lock()
		c.hello = r.Text()
		c.mtx.Unlock()
		c.log.Debug().Str("version", r.Text()).Msg("host hello")
	case wire.IsDiagnostic(r.ID):
		c.log.Trace().Int64("id", r.ID).Msg(r.Text())
	case wire.IsLifecycle(r.ID):
		c.log.Warn().Int64("id", r.ID).Err(r.Err()).Msg("host error")
	default:
		c.mtx.Lock()
		ch, ok := c.pending[r.ID]
		delete(c.pending, r.ID)
		c.mtx.Unlock()
		if !ok {
			c.log.Warn().Int64("id", r.ID).Msg("reply without pending call dropped")
			return
		}
		ch <- r
	}
}

// boot flushes the queue on the first boot signal. Later signals are ignored.
func (c *Client) boot(signal string) {
	if signal != wire.BootedSignal && signal != wire.BootedLateSignal {
		c.log.Warn().Str("signal", signal).Msg("unknown boot signal")
		return
	}
	c.mtx.Lock()
	if c.booted || c.closed {
		c.mtx.Unlock()
		c.log.Debug().Str("signal", signal).Msg("boot signal ignored")
		return
	}
	c.booted = true
	q := c.queue
	c.queue = nil
	close(c.ready)
	c.sendMtx.Lock()
	c.mtx.Unlock()

	c.log.Debug().Str("signal", signal).Int("queued", len(q)).Msg("host booted")
	// the read loop keeps draining replies while the queue goes out
	go c.flush(q)
}

// flush sends the queued requests in order. It releases sendMtx, taken by boot.
func (c *Client) flush(q []queued) {
	defer c.sendMtx.Unlock()
	for _, item := range q {
		if err := c.conn.Send(context.Background(), item.frame); err != nil {
			c.log.Warn().Err(err).Int64("id", item.id).Msg("queued request not sent")
			c.fail(item.id, err)
		}
	}
}

func (c *Client) fail(id int64, err error) {
	c.mtx.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mtx.Unlock()
	if ok {
		ch <- &wire.Reply{ID: id, OK: false, Error: wire.NewError(err)}
	}
}
