package bridge

import (
	"context"
	"sync/atomic"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Submitter starts a request and returns a channel receiving its reply.
type Submitter interface {
	Submit(ctx context.Context, req *wire.Request) <-chan *wire.Reply
}

// Local calls a host living in the same process, without a transport. Values are passed as
// they are, so native values reach the host unchanged.
type Local struct {
	s   Submitter
	seq atomic.Int64
}

// NewLocal returns a Caller for s.
func NewLocal(s Submitter) *Local {
	return &Local{s: s}
}

// Call sends req to the host and waits for its reply.
func (l *Local) Call(ctx context.Context, req wire.Request) (wire.Value, error) {
	req.ID = l.seq.Add(1)
	select {
	case r := <-l.s.Submit(ctx, &req):
		if err := r.Err(); err != nil {
			return wire.Value{}, err
		}
		if r.Result == nil {
			return wire.Null(), nil
		}
		return *r.Result, nil
	case <-ctx.Done():
		return wire.Value{}, ctx.Err()
	}
}
