// Package transport moves opaque frames between a bridge client and an engine host.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Conn after Close, or once the peer went away.
var ErrClosed = errors.New("transport: closed")

// Conn is a bidirectional, message oriented connection.
//
// Send and Recv may be called concurrently with each other. Frames are delivered in order.
type Conn interface {
	// Send delivers one frame to the peer.
	Send(ctx context.Context, frame []byte) error
	// Recv blocks until the next frame arrives.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the connection. Pending Recv calls return ErrClosed.
	Close() error
}

// pipeEnd is one side of an in-memory pipe.
type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory Conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		// drain what was sent before the close
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
