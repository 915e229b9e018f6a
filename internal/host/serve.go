package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bitpay/bitpay-app-sub010/pkg/transport"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Serve announces the host on conn and answers the requests it receives until ctx is done or
// the connection closes.
//
// The host first sends the hello and boot signals, then one reply per request. Replies are
// sent as soon as they are ready, so they may arrive in another order than their requests.
func (h *Host) Serve(ctx context.Context, conn transport.Conn, codec wire.Codec) error {
	h.metrics.connections.Inc()
	defer h.metrics.connections.Dec()

	s := &sender{ctx: ctx, conn: conn, codec: codec}
	if h.cfg.Diagnostics {
		h.diag = zerolog.New(&diagWriter{send: s.send}).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	}
	if err := s.send(wire.Signal(wire.IDHello, wire.ProtocolVersion)); err != nil {
		return fmt.Errorf("host: hello: %w", err)
	}
	if err := s.send(wire.Signal(wire.IDBoot, wire.BootedSignal)); err != nil {
		return fmt.Errorf("host: boot: %w", err)
	}
	h.log.Debug().Str("codec", codec.Name()).Msg("serving")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		frame, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("host: receive: %w", err)
		}
		var req wire.Request
		if err := codec.Unmarshal(frame, &req); err != nil {
			h.log.Warn().Err(err).Int("size", len(frame)).Msg("undecodable request")
			_ = s.send(wire.Failure(wire.IDHostError, fmt.Errorf("%w: %v", wire.ErrInvalidRequest, err)))
			continue
		}
		reply := h.Submit(ctx, &req)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := <-reply
			if err := s.send(r); err != nil {
				h.log.Warn().Err(err).Int64("id", r.ID).Msg("reply not sent")
			}
		}()
	}
}

// sender encodes replies and writes them one at a time.
type sender struct {
	ctx   context.Context
	conn  transport.Conn
	codec wire.Codec
	mtx   sync.Mutex
}

func (s *sender) send(r *wire.Reply) error {
	frame, err := s.codec.Marshal(r)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.conn.Send(s.ctx, frame)
}

// diagWriter forwards each log line as a diagnostic reply.
type diagWriter struct {
	send func(*wire.Reply) error
}

func (w *diagWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if err := w.send(wire.Signal(wire.IDLog, line)); err != nil {
		return 0, err
	}
	return len(p), nil
}
