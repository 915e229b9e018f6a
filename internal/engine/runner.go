package engine

import (
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
)

// runner steps a protocol handler synchronously.
//
// The handler processes each accepted message before Accept returns, so every message it
// produced is already queued on its output channel once a batch has been fed.
type runner struct {
	name string
	self uint8
	h    *protocol.MultiHandler
	done bool
}

func startRunner(name string, self uint8, start protocol.StartFunc, sid []byte) (*runner, []*Message, error) {
	h, err := protocol.NewMultiHandler(start, sid)
	if err != nil {
		return nil, nil, &RoundError{Round: name, Err: err}
	}
	r := &runner{name: name, self: self, h: h}
	out, err := r.drain()
	if err != nil {
		return nil, nil, err
	}
	return r, out, nil
}

// feed delivers a batch of protocol frames and returns what the handler produced in response.
func (r *runner) feed(frames []*frame) ([]*Message, error) {
	if r.done {
		return nil, fmt.Errorf("%w: %s already finished", ErrInvalidState, r.name)
	}
	for _, f := range frames {
		msg, err := unwrapProtocol(f)
		if err != nil {
			return nil, err
		}
		if !r.h.CanAccept(msg) {
			return nil, &RoundError{
				Round:    r.name,
				Culprits: []uint8{f.From},
				Err:      fmt.Errorf("%w: message from party %d rejected by round", ErrInvalidArgument, f.From),
			}
		}
		r.h.Accept(msg)
	}
	return r.drain()
}

func (r *runner) drain() ([]*Message, error) {
	var out []*Message
	for {
		select {
		case msg, ok := <-r.h.Listen():
			if !ok {
				r.done = true
				if _, err := r.h.Result(); err != nil {
					return nil, &RoundError{Round: r.name, Err: err}
				}
				return out, nil
			}
			// round 0 carries an abort notice; the error is reported by Result once the
			// channel is closed
			if msg.RoundNumber == 0 {
				continue
			}
			m, err := wrapProtocol(msg, r.self)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		default:
			return out, nil
		}
	}
}

func (r *runner) result() (interface{}, error) {
	if !r.done {
		return nil, fmt.Errorf("%s: %w", r.name, ErrSessionNotComplete)
	}
	return r.h.Result()
}

func (r *runner) stop() {
	if !r.done {
		r.h.Stop()
		r.done = true
	}
}
