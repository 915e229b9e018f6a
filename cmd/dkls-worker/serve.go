package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bitpay/bitpay-app-sub010/internal/engine"
	"github.com/bitpay/bitpay-app-sub010/internal/host"
	"github.com/bitpay/bitpay-app-sub010/pkg/transport"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bridge over websocket, with metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("listen", defaultConfig().Listen, "address to listen on")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	e, err := engine.Load(a.cfg.Host.Origin, a.cfg.Host.AllowedOrigins,
		engine.WithLogger(a.log), engine.WithWorkers(a.cfg.Host.Workers))
	if err != nil {
		return err
	}
	defer e.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := newServer(ctx, a.cfg, a.log, e, reg)

	httpSrv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	a.log.Info().Str("listen", a.cfg.Listen).Str("origin", e.Origin()).Msg("serving")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	err = httpSrv.Shutdown(sctx)
	srv.wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// server runs one host per websocket connection. The engine is shared.
type server struct {
	ctx     context.Context
	cfg     Config
	log     zerolog.Logger
	eng     *engine.Engine
	gather  prometheus.Gatherer
	metrics *host.Metrics

	conns sync.WaitGroup
}

func newServer(ctx context.Context, cfg Config, log zerolog.Logger, e *engine.Engine, reg *prometheus.Registry) *server {
	return &server{
		ctx:     ctx,
		cfg:     cfg,
		log:     log,
		eng:     e,
		gather:  reg,
		metrics: host.NewMetrics(reg),
	}
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.eng.Origin() + "\n"))
}

// handleWS serves the bridge on an upgraded connection. The codec defaults to the configured
// one and may be chosen with the codec query parameter.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("codec")
	if name == "" {
		name = s.cfg.Codec
	}
	codec, err := wire.CodecByName(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	log := s.log.With().Str("remote", r.RemoteAddr).Str("codec", codec.Name()).Logger()
	h, err := host.New(s.cfg.Host, host.WithLogger(log), host.WithMetrics(s.metrics), host.WithEngine(s.eng))
	if err != nil {
		log.Error().Err(err).Msg("host not created")
		_ = conn.Close()
		return
	}

	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		defer h.Close()
		ws := transport.NewWebSocket(conn, codec == wire.JSON)
		defer ws.Close()
		log.Debug().Msg("connection opened")
		if err := h.Serve(s.ctx, ws, codec); err != nil {
			log.Warn().Err(err).Msg("connection failed")
		}
		log.Debug().Interface("live", h.Live()).Msg("connection closed")
	}()
}

func (s *server) wait() { s.conns.Wait() }
