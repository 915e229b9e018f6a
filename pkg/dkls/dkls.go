// Package dkls is the typed client of a threshold signing engine host.
//
// Every object is a handle held by the host. Constructors return at once and the
// construction round trip completes in the background; methods wait for it before sending
// their own request. Objects must be released with Free.
package dkls

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bitpay/bitpay-app-sub010/pkg/bridge"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// ErrNotInitialized is returned by methods of an object that was not obtained from a Client.
var ErrNotInitialized = wire.ErrNotInitialized

// ErrFreed is returned by methods of an object after Free.
var ErrFreed = fmt.Errorf("%w: object freed", wire.ErrUnknownHandle)

// Client creates objects on a host reached through a bridge.Caller.
type Client struct {
	caller bridge.Caller
	log    zerolog.Logger
	origin string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger of the client.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client sending its requests through caller. The host loads its engine on
// the first request that needs it.
func New(caller bridge.Caller, opts ...Option) *Client {
	c := &Client{caller: caller, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init returns a client after asking the host to load its engine, so that a blocked origin
// is reported here rather than on the first construction.
func Init(ctx context.Context, caller bridge.Caller, opts ...Option) (*Client, error) {
	c := New(caller, opts...)
	v, err := caller.Call(ctx, wire.Request{Type: wire.TypeInit})
	if err != nil {
		return nil, fmt.Errorf("dkls: init: %w", err)
	}
	c.origin, _ = v.AsString()
	c.log.Debug().Str("origin", c.origin).Msg("engine ready")
	return c, nil
}

// Origin returns the engine origin reported by Init.
func (c *Client) Origin() string { return c.origin }

// object is the state shared by every wrapper: the handle, once known, and whether it was
// freed.
type object struct {
	c     *Client
	class string

	ready  chan struct{}
	handle wire.Handle
	err    error

	mtx   sync.Mutex
	freed bool
}

func newObject(c *Client, class string) *object {
	return &object{c: c, class: class, ready: make(chan struct{})}
}

// readyObject wraps a handle returned by the host.
func readyObject(c *Client, class string, h wire.Handle) *object {
	o := newObject(c, class)
	o.handle = h
	close(o.ready)
	return o
}

// construct runs the construction request in the background. If dep is not nil, it is waited
// for and its handle becomes the first argument.
func (o *object) construct(ctx context.Context, req wire.Request, dep *object) {
	go func() {
		if dep != nil {
			h, err := dep.wait(ctx)
			if err != nil {
				o.settle(0, fmt.Errorf("dkls: new %s: %w", o.class, err))
				return
			}
			req.Args = append([]wire.Value{wire.HandleValue(h)}, req.Args...)
		}
		v, err := o.c.caller.Call(ctx, req)
		if err != nil {
			o.settle(0, fmt.Errorf("dkls: new %s: %w", o.class, err))
			return
		}
		h, err := v.AsHandle()
		o.settle(h, err)
	}()
}

func (o *object) settle(h wire.Handle, err error) {
	o.handle, o.err = h, err
	if err != nil {
		o.c.log.Debug().Err(err).Str("class", o.class).Msg("construction failed")
	}
	close(o.ready)
}

// wait blocks until the object is constructed and returns its handle.
func (o *object) wait(ctx context.Context) (wire.Handle, error) {
	if o == nil || o.c == nil {
		return 0, ErrNotInitialized
	}
	select {
	case <-o.ready:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if o.err != nil {
		return 0, o.err
	}
	o.mtx.Lock()
	freed := o.freed
	o.mtx.Unlock()
	if freed {
		return 0, fmt.Errorf("%s %d: %w", o.class, o.handle, ErrFreed)
	}
	return o.handle, nil
}

// Ready waits for the construction round trip and returns its error.
func (o *object) Ready(ctx context.Context) error {
	_, err := o.wait(ctx)
	return err
}

// Handle returns the host handle of the object, once constructed.
func (o *object) Handle(ctx context.Context) (wire.Handle, error) {
	return o.wait(ctx)
}

func (o *object) call(ctx context.Context, method string, args ...wire.Value) (wire.Value, error) {
	h, err := o.wait(ctx)
	if err != nil {
		return wire.Value{}, err
	}
	v, err := o.c.caller.Call(ctx, wire.Request{Type: wire.TypeCall, ObjID: h, Method: method, Args: args})
	if err != nil {
		return wire.Value{}, fmt.Errorf("dkls: %s.%s: %w", o.class, method, err)
	}
	return v, nil
}

func (o *object) get(ctx context.Context, prop string) (wire.Value, error) {
	h, err := o.wait(ctx)
	if err != nil {
		return wire.Value{}, err
	}
	v, err := o.c.caller.Call(ctx, wire.Request{Type: wire.TypeGet, ObjID: h, Prop: prop})
	if err != nil {
		return wire.Value{}, fmt.Errorf("dkls: %s.%s: %w", o.class, prop, err)
	}
	return v, nil
}

// Free releases the object on the host. Freeing twice, or freeing an object whose
// construction failed, does nothing.
func (o *object) Free(ctx context.Context) error {
	if o == nil || o.c == nil {
		return nil
	}
	select {
	case <-o.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.err != nil {
		return nil
	}
	o.mtx.Lock()
	if o.freed {
		o.mtx.Unlock()
		return nil
	}
	o.freed = true
	o.mtx.Unlock()

	_, err := o.c.caller.Call(ctx, wire.Request{Type: wire.TypeFree, ObjID: o.handle})
	if err != nil && !errors.Is(err, wire.ErrUnknownHandle) {
		o.mtx.Lock()
		o.freed = false
		o.mtx.Unlock()
		return fmt.Errorf("dkls: free %s %d: %w", o.class, o.handle, err)
	}
	return nil
}

func (c *Client) static(ctx context.Context, class, method string, args ...wire.Value) (*object, error) {
	v, err := c.caller.Call(ctx, wire.Request{Type: wire.TypeStaticConstruct, ClassName: class, Method: method, Args: args})
	if err != nil {
		return nil, fmt.Errorf("dkls: %s.%s: %w", class, method, err)
	}
	h, err := v.AsHandle()
	if err != nil {
		return nil, fmt.Errorf("dkls: %s.%s: %w", class, method, err)
	}
	return readyObject(c, class, h), nil
}

func asBytes(v wire.Value, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return v.AsBytes()
}

func asUint8(v wire.Value, err error) (uint8, error) {
	if err != nil {
		return 0, err
	}
	return v.AsUint8()
}

func optBytes(b []byte) wire.Value {
	if b == nil {
		return wire.Null()
	}
	return wire.Bytes(b)
}

// Class names understood by the host.
const (
	classKeygen   = "KeygenSession"
	classSign     = "SignSession"
	classSignOT   = "SignSessionOTVariant"
	classKeyshare = "Keyshare"
	classMessage  = "Message"
)
