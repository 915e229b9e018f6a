// Package host executes bridge requests against the engine.
//
// A Host serves one transport session. It owns the registry of live objects created through
// that session and serializes calls per object, while calls against different objects run in
// parallel up to a configurable limit.
package host

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/bitpay/bitpay-app-sub010/internal/engine"
	"github.com/bitpay/bitpay-app-sub010/internal/registry"
	"github.com/bitpay/bitpay-app-sub010/internal/serial"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Class names understood by construct and staticConstruct requests.
const (
	ClassKeygenSession        = "KeygenSession"
	ClassSignSession          = "SignSession"
	ClassSignSessionOTVariant = "SignSessionOTVariant"
	ClassKeyshare             = "Keyshare"
	ClassMessage              = "Message"
)

// Config holds the settings of a Host.
type Config struct {
	// Origin names the engine loaded on init.
	Origin string `mapstructure:"origin"`
	// AllowedOrigins lists the prefixes an origin must match to be loaded.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// Workers sizes the engine worker pool. Zero uses one worker per CPU.
	Workers int `mapstructure:"workers"`
	// MaxConcurrent bounds the number of engine operations running at the same time.
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
	// Diagnostics forwards request traces to the client as out-of-band replies.
	Diagnostics bool `mapstructure:"diagnostics"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Origin:         engine.DefaultOrigin,
		AllowedOrigins: []string{engine.DefaultAllowedPrefix},
		MaxConcurrent:  int64(runtime.NumCPU()),
	}
}

// Validate checks c for values the host can not run with.
func (c Config) Validate() error {
	if c.Origin == "" {
		return errors.New("host: origin is empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("host: negative worker count %d", c.Workers)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("host: max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	return nil
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger of the host.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithMetrics records the activity of the host in m. Several hosts may share m.
func WithMetrics(m *Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithEngine makes the host use e instead of loading its own engine on init. The host does
// not close e.
func WithEngine(e *engine.Engine) Option {
	return func(h *Host) { h.eng = e }
}

// Host executes requests of one transport session.
type Host struct {
	cfg     Config
	log     zerolog.Logger
	diag    zerolog.Logger
	metrics *Metrics

	engMtx   sync.Mutex
	eng      *engine.Engine
	ownsEng  bool
	sem      *semaphore.Weighted
	serial   serial.Serializer
	reg      *registry.Registry
	keygens  *registry.Arena[*engine.KeygenSession]
	signs    *registry.Arena[*engine.SignSession]
	otSigns  *registry.Arena[*engine.SignSessionOTVariant]
	shares   *registry.Arena[*engine.Keyshare]
	messages *registry.Arena[*engine.Message]
}

// New returns a Host with an empty registry.
func New(cfg Config, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{
		cfg:  cfg,
		log:  zerolog.Nop(),
		diag: zerolog.Nop(),
		sem:  semaphore.NewWeighted(cfg.MaxConcurrent),
		reg:  registry.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	h.keygens = registry.Add[*engine.KeygenSession](h.reg, ClassKeygenSession)
	h.signs = registry.Add[*engine.SignSession](h.reg, ClassSignSession)
	h.otSigns = registry.Add[*engine.SignSessionOTVariant](h.reg, ClassSignSessionOTVariant)
	h.shares = registry.Add[*engine.Keyshare](h.reg, ClassKeyshare)
	h.messages = registry.Add[*engine.Message](h.reg, ClassMessage)
	return h, nil
}

// Handle executes req and returns its reply.
func (h *Host) Handle(ctx context.Context, req *wire.Request) *wire.Reply {
	return <-h.Submit(ctx, req)
}

// Submit starts req and returns a channel that receives its reply.
//
// Requests against an object handle are executed in the order they were submitted, each one
// after the previous one finished.
func (h *Host) Submit(ctx context.Context, req *wire.Request) <-chan *wire.Reply {
	out := make(chan *wire.Reply, 1)
	start := time.Now()
	finish := func(v wire.Value, err error) {
		h.metrics.observe(req.Type, err, time.Since(start))
		if err != nil {
			h.log.Debug().Err(err).Stringer("req", req).Msg("request failed")
			out <- wire.Failure(req.ID, err)
			return
		}
		out <- wire.Success(req.ID, v)
	}

	if err := req.Validate(); err != nil {
		finish(wire.Value{}, err)
		return out
	}
	h.diag.Debug().Stringer("req", req).Int("args", len(req.Args)).Msg("request")

	switch req.Type {
	case wire.TypeCall, wire.TypeGet, wire.TypeFree:
		h.metrics.queued.Inc()
		res := h.serial.Enqueue(req.ObjID, func() (any, error) {
			return h.dispatch(ctx, req)
		})
		go func() {
			r := <-res
			h.metrics.queued.Dec()
			v, _ := r.Value.(wire.Value)
			finish(v, r.Err)
		}()
	default:
		go func() {
			finish(h.safeDispatch(ctx, req))
		}()
	}
	return out
}

func (h *Host) safeDispatch(ctx context.Context, req *wire.Request) (v wire.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Stringer("req", req).Msg("request panicked")
			err = fmt.Errorf("host: %s panicked: %v", req.Type, r)
		}
	}()
	return h.dispatch(ctx, req)
}

func (h *Host) dispatch(ctx context.Context, req *wire.Request) (wire.Value, error) {
	switch req.Type {
	case wire.TypeInit:
		e, err := h.engine()
		if err != nil {
			return wire.Value{}, err
		}
		return wire.String(e.Origin()), nil
	case wire.TypeFree:
		return h.free(req.ObjID)
	case wire.TypeGet:
		return h.get(req.ObjID, req.Prop)
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return wire.Value{}, err
	}
	defer h.sem.Release(1)

	switch req.Type {
	case wire.TypeConstruct:
		return h.construct(req.ClassName, req.Args)
	case wire.TypeStaticConstruct:
		return h.staticConstruct(req.ClassName, req.Method, req.Args)
	default:
		return h.call(req.ObjID, req.Method, req.Args)
	}
}

// engine returns the loaded engine, loading it on first use.
func (h *Host) engine() (*engine.Engine, error) {
	h.engMtx.Lock()
	defer h.engMtx.Unlock()
	if h.eng != nil {
		return h.eng, nil
	}
	e, err := engine.Load(h.cfg.Origin, h.cfg.AllowedOrigins,
		engine.WithLogger(h.log), engine.WithWorkers(h.cfg.Workers))
	if err != nil {
		return nil, err
	}
	h.log.Info().Str("origin", e.Origin()).Msg("engine loaded")
	h.eng, h.ownsEng = e, true
	return e, nil
}

func (h *Host) free(id wire.Handle) (wire.Value, error) {
	_, kind, lookupErr := h.reg.Lookup(id)
	status, err := h.reg.Release(id)
	if err != nil {
		return wire.Value{}, err
	}
	if lookupErr == nil && status == registry.Freed {
		h.metrics.objects.WithLabelValues(kind).Dec()
	}
	return wire.String(status.String()), nil
}

// Live returns the number of live objects per class.
func (h *Host) Live() map[string]int {
	return h.reg.Live()
}

// Close releases every live object, and the engine if the host loaded it.
func (h *Host) Close() {
	for kind, n := range h.reg.Live() {
		h.metrics.objects.WithLabelValues(kind).Sub(float64(n))
	}
	h.reg.Close()

	h.engMtx.Lock()
	defer h.engMtx.Unlock()
	if h.ownsEng {
		h.eng.Close()
		h.eng, h.ownsEng = nil, false
	}
}
