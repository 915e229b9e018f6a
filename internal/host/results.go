package host

import (
	"fmt"

	"github.com/bitpay/bitpay-app-sub010/internal/engine"
	"github.com/bitpay/bitpay-app-sub010/internal/registry"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

func (h *Host) register(kind string, id wire.Handle) wire.Value {
	h.metrics.objects.WithLabelValues(kind).Inc()
	h.diag.Debug().Str("class", kind).Uint64("handle", uint64(id)).Msg("registered")
	return wire.HandleValue(id)
}

// result converts what an engine call returned into a wire value. Engine objects are
// registered and replaced by their handle.
func (h *Host) result(v any) (wire.Value, error) {
	switch x := v.(type) {
	case nil:
		return wire.Null(), nil
	case wire.Value:
		return x, nil
	case *engine.Message:
		return h.register(ClassMessage, h.messages.Register(x)), nil
	case *engine.Keyshare:
		return h.register(ClassKeyshare, h.shares.Register(x)), nil
	case []*engine.Message:
		out := make([]wire.Value, len(x))
		for i, m := range x {
			out[i] = h.register(ClassMessage, h.messages.Register(m))
		}
		return wire.List(out...), nil
	case []byte:
		return wire.Bytes(x), nil
	case string:
		return wire.String(x), nil
	case bool:
		return wire.Bool(x), nil
	case uint8:
		return wire.Int(int64(x)), nil
	case int:
		return wire.Int(int64(x)), nil
	case int64:
		return wire.Int(x), nil
	case registry.Status:
		return wire.String(x.String()), nil
	case []any:
		out := make([]wire.Value, len(x))
		for i, item := range x {
			v, err := h.result(item)
			if err != nil {
				return wire.Value{}, err
			}
			out[i] = v
		}
		return wire.List(out...), nil
	}
	return wire.Value{}, fmt.Errorf("%w: result of type %T", wire.ErrNotSerializable, v)
}
