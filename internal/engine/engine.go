// Package engine drives CMP threshold ECDSA over secp256k1 as a set of step-wise sessions.
//
// A session never runs the protocol by itself. Callers move it forward by passing in the
// messages of the previous round and forwarding the messages it returns, which makes sessions
// usable from any transport. Sessions are not safe for concurrent use.
package engine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/taurusgroup/multi-party-sig/pkg/pool"
)

const (
	// DefaultOrigin names the built in CMP engine.
	DefaultOrigin = "builtin://cmp/secp256k1"
	// DefaultAllowedPrefix is the allow-list used when none is configured.
	DefaultAllowedPrefix = "builtin://cmp/"
)

var origins = map[string]bool{
	DefaultOrigin: true,
}

// Engine holds the resources shared by all sessions created from it.
type Engine struct {
	origin string
	pl     *pool.Pool
	log    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and its sessions.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithWorkers sets the number of goroutines of the worker pool. Zero uses one per CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.pl = pool.NewPool(n)
	}
}

// Load returns the engine published at origin.
//
// origin must start with one of the allowed prefixes. An empty allow-list blocks every origin.
func Load(origin string, allowed []string, opts ...Option) (*Engine, error) {
	if !Allowed(origin, allowed) {
		return nil, fmt.Errorf("engine: load %q: %w", origin, ErrBlockedOrigin)
	}
	if !origins[origin] {
		return nil, fmt.Errorf("engine: no engine published at %q", origin)
	}
	e := &Engine{
		origin: origin,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pl == nil {
		e.pl = pool.NewPool(0)
	}
	e.log = e.log.With().Str("engine", origin).Logger()
	e.log.Debug().Msg("engine loaded")
	return e, nil
}

// Allowed reports whether origin matches one of the allowed prefixes.
func Allowed(origin string, allowed []string) bool {
	for _, prefix := range allowed {
		if prefix != "" && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Origin returns the origin the engine was loaded from.
func (e *Engine) Origin() string { return e.origin }

// Close stops the worker pool. Sessions created from e must not be used afterwards.
func (e *Engine) Close() {
	e.pl.TearDown()
}
