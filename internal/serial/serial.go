// Package serial runs tasks one at a time per handle.
//
// Tasks submitted for the same handle execute in submission order, each starting only after
// the previous one settled. Tasks for different handles run concurrently.
package serial

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Task is a unit of work against a single engine object.
type Task func() (any, error)

// Result is the outcome of a Task.
type Result struct {
	Value any
	Err   error
}

type chain struct {
	tail    chan struct{}
	pending int
}

// Serializer keeps one FIFO chain per handle.
// The zero value is ready to use.
type Serializer struct {
	mtx    sync.Mutex
	chains map[wire.Handle]*chain
}

// Enqueue schedules task behind every task already submitted for h.
//
// The slot is reserved before Enqueue returns, so two Enqueue calls made one after the other
// from the same goroutine always run in that order. The returned channel receives exactly one
// Result. A failing task does not affect later tasks on the same handle.
func (s *Serializer) Enqueue(h wire.Handle, task Task) <-chan Result {
	out := make(chan Result, 1)
	done := make(chan struct{})

	s.mtx.Lock()
	if s.chains == nil {
		s.chains = make(map[wire.Handle]*chain)
	}
	c, ok := s.chains[h]
	if !ok {
		c = &chain{}
		s.chains[h] = c
	}
	prev := c.tail
	c.tail = done
	c.pending++
	s.mtx.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		v, err := run(task)
		out <- Result{Value: v, Err: err}
		close(done)
		s.settle(h, c)
	}()
	return out
}

// Do enqueues task and waits for its result.
//
// If ctx is done first, Do returns the context error; the task keeps its slot and still runs.
func (s *Serializer) Do(ctx context.Context, h wire.Handle, task Task) (any, error) {
	select {
	case r := <-s.Enqueue(h, task):
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of handles with unsettled tasks.
func (s *Serializer) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.chains)
}

func (s *Serializer) settle(h wire.Handle, c *chain) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c.pending--
	if c.pending == 0 && s.chains[h] == c {
		delete(s.chains, h)
	}
}

func run(task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serial: task panicked: %v", r)
		}
	}()
	return task()
}
