// Package registry maps opaque handles to live engine objects.
//
// Every object type lives in its own typed Arena. All arenas of a Registry draw handles from
// one Sequence, so a handle names at most one object across the whole registry and is never
// reused for the lifetime of the process.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Status is the outcome of a Release.
type Status int

const (
	// Freed means the handle was live and its object has been removed.
	Freed Status = iota + 1
	// AlreadyFreed means the handle was issued earlier but is no longer live.
	AlreadyFreed
)

func (s Status) String() string {
	switch s {
	case Freed:
		return "freed"
	case AlreadyFreed:
		return "already_freed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Sequence issues monotonically increasing handles starting at 1.
type Sequence struct {
	last atomic.Uint64
}

// Next returns a handle that was never returned before.
func (s *Sequence) Next() wire.Handle {
	return wire.Handle(s.last.Add(1))
}

// Issued reports whether h was returned by Next at some point.
func (s *Sequence) Issued(h wire.Handle) bool {
	return h != 0 && uint64(h) <= s.last.Load()
}

// Arena is a table of objects of a single type.
type Arena[T any] struct {
	kind string
	seq  *Sequence

	mtx   sync.Mutex
	items map[wire.Handle]T
}

// NewArena returns an empty arena drawing handles from seq.
func NewArena[T any](kind string, seq *Sequence) *Arena[T] {
	return &Arena[T]{
		kind:  kind,
		seq:   seq,
		items: make(map[wire.Handle]T),
	}
}

// Kind is the name of the object type held by the arena.
func (a *Arena[T]) Kind() string { return a.kind }

// Register stores v under a fresh handle.
func (a *Arena[T]) Register(v T) wire.Handle {
	h := a.seq.Next()
	a.mtx.Lock()
	a.items[h] = v
	a.mtx.Unlock()
	return h
}

// Resolve returns the object stored under h.
func (a *Arena[T]) Resolve(h wire.Handle) (T, error) {
	a.mtx.Lock()
	v, ok := a.items[h]
	a.mtx.Unlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("registry: %s %d: %w", a.kind, h, wire.ErrUnknownHandle)
	}
	return v, nil
}

// Contains reports whether h is live in this arena.
func (a *Arena[T]) Contains(h wire.Handle) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	_, ok := a.items[h]
	return ok
}

// Release removes h from the arena.
func (a *Arena[T]) Release(h wire.Handle) (Status, error) {
	v, ok := a.remove(h)
	if ok {
		closeObject(v)
		return Freed, nil
	}
	if a.seq.Issued(h) {
		return AlreadyFreed, nil
	}
	return 0, fmt.Errorf("registry: %s %d: %w", a.kind, h, wire.ErrUnknownHandle)
}

// Len returns the number of live objects.
func (a *Arena[T]) Len() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.items)
}

func (a *Arena[T]) remove(h wire.Handle) (any, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	v, ok := a.items[h]
	if ok {
		delete(a.items, h)
	}
	return v, ok
}

func (a *Arena[T]) drain() []any {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([]any, 0, len(a.items))
	for h, v := range a.items {
		out = append(out, v)
		delete(a.items, h)
	}
	return out
}

func (a *Arena[T]) lookup(h wire.Handle) (any, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	v, ok := a.items[h]
	return v, ok
}

type table interface {
	Kind() string
	Len() int
	remove(h wire.Handle) (any, bool)
	lookup(h wire.Handle) (any, bool)
	drain() []any
}

// Registry groups the arenas of one transport session.
type Registry struct {
	seq    Sequence
	tables []table
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Add creates a new arena on r for objects of type T.
func Add[T any](r *Registry, kind string) *Arena[T] {
	a := NewArena[T](kind, &r.seq)
	r.tables = append(r.tables, a)
	return a
}

// Lookup finds the object stored under h in any arena, returning it together with its kind.
func (r *Registry) Lookup(h wire.Handle) (any, string, error) {
	for _, t := range r.tables {
		if v, ok := t.lookup(h); ok {
			return v, t.Kind(), nil
		}
	}
	return nil, "", fmt.Errorf("registry: handle %d: %w", h, wire.ErrUnknownHandle)
}

// Release removes h from whichever arena holds it.
//
// Releasing a handle that was issued but is no longer live reports AlreadyFreed. Releasing a
// handle that was never issued fails with wire.ErrUnknownHandle.
func (r *Registry) Release(h wire.Handle) (Status, error) {
	for _, t := range r.tables {
		if v, ok := t.remove(h); ok {
			closeObject(v)
			return Freed, nil
		}
	}
	if r.seq.Issued(h) {
		return AlreadyFreed, nil
	}
	return 0, fmt.Errorf("registry: handle %d: %w", h, wire.ErrUnknownHandle)
}

// Live returns the number of live objects per kind.
func (r *Registry) Live() map[string]int {
	out := make(map[string]int, len(r.tables))
	for _, t := range r.tables {
		out[t.Kind()] = t.Len()
	}
	return out
}

// Close releases every live object.
func (r *Registry) Close() {
	for _, t := range r.tables {
		for _, v := range t.drain() {
			closeObject(v)
		}
	}
}

// closer is implemented by objects holding engine resources such as running protocol handlers.
type closer interface {
	Close()
}

func closeObject(v any) {
	if c, ok := v.(closer); ok {
		c.Close()
	}
}
