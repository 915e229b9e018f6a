package host

import (
	"bytes"
	"context"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

func newHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	h, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

type client struct {
	t  *testing.T
	h  *Host
	id int64
}

func (c *client) do(req wire.Request) *wire.Reply {
	c.id++
	req.ID = c.id
	r := c.h.Handle(context.Background(), &req)
	require.Equal(c.t, req.ID, r.ID)
	return r
}

func (c *client) ok(req wire.Request) wire.Value {
	r := c.do(req)
	require.True(c.t, r.OK, "%s: %v", req.String(), r.Err())
	require.NotNil(c.t, r.Result)
	return *r.Result
}

func (c *client) fail(req wire.Request, kind wire.ErrorKind) *wire.Error {
	r := c.do(req)
	require.False(c.t, r.OK)
	require.NotNil(c.t, r.Error)
	assert.Equal(c.t, kind, r.Error.Kind, r.Error.Message)
	return r.Error
}

func seed(id byte) wire.Value {
	return wire.Bytes(bytes.Repeat([]byte{id}, 32))
}

func (c *client) keygen(n, t, self int64) wire.Handle {
	v := c.ok(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassKeygenSession,
		Args:      []wire.Value{wire.Int(n), wire.Int(t), wire.Int(self), seed(byte(self))},
	})
	require.Equal(c.t, wire.KindHandle, v.Kind)
	return v.Handle
}

func (c *client) callMethod(h wire.Handle, method string, args ...wire.Value) wire.Value {
	return c.ok(wire.Request{Type: wire.TypeCall, ObjID: h, Method: method, Args: args})
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Origin = ""
	assert.Error(t, cfg.Validate())

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestInvalidRequest(t *testing.T) {
	c := &client{t: t, h: newHost(t)}
	r := c.h.Handle(context.Background(), &wire.Request{ID: 0, Type: wire.TypeInit})
	assert.False(t, r.OK)
	assert.Equal(t, wire.KindInvalidRequest, r.Error.Kind)

	c.fail(wire.Request{Type: "launch"}, wire.KindInvalidRequest)
	c.fail(wire.Request{Type: wire.TypeCall, Method: "toBytes"}, wire.KindInvalidRequest)
}

func TestInit(t *testing.T) {
	c := &client{t: t, h: newHost(t)}
	v := c.ok(wire.Request{Type: wire.TypeInit})
	assert.Equal(t, wire.String(DefaultConfig().Origin), v)
	// loading twice reuses the engine
	c.ok(wire.Request{Type: wire.TypeInit})
}

func TestBlockedOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Origin = "https://cdn.example/dkls.js"
	h, err := New(cfg)
	require.NoError(t, err)
	defer h.Close()
	c := &client{t: t, h: h}

	c.fail(wire.Request{Type: wire.TypeInit}, wire.KindBlockedOrigin)
	c.fail(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassKeygenSession,
		Args:      []wire.Value{wire.Int(2), wire.Int(2), wire.Int(1), seed(1)},
	}, wire.KindBlockedOrigin)
}

func TestConstructErrors(t *testing.T) {
	c := &client{t: t, h: newHost(t)}

	e := c.fail(wire.Request{Type: wire.TypeConstruct, ClassName: ClassKeyshare}, wire.KindInvalidRequest)
	assert.Contains(t, e.Message, "Keyshare should be obtained from KeygenSession.keyshare()")

	c.fail(wire.Request{Type: wire.TypeConstruct, ClassName: "Wallet"}, wire.KindInvalidRequest)
	c.fail(wire.Request{Type: wire.TypeStaticConstruct, ClassName: ClassMessage, Method: "fromBytes"}, wire.KindInvalidRequest)

	c.fail(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassKeygenSession,
		Args:      []wire.Value{wire.Int(3), wire.Int(2), wire.Int(1), wire.Object(map[string]wire.Value{"seed": wire.Int(1)})},
	}, wire.KindInvalidByteSource)

	c.fail(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassKeygenSession,
		Args:      []wire.Value{wire.Int(3), wire.Int(5), wire.Int(1), seed(1)},
	}, wire.KindInvalidArgument)

	// a keygen session is not a keyshare
	kg := c.keygen(2, 2, 1)
	c.fail(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassSignSession,
		Args:      []wire.Value{wire.HandleValue(kg), wire.String("m")},
	}, wire.KindUnknownHandle)

	c.fail(wire.Request{
		Type:      wire.TypeStaticConstruct,
		ClassName: ClassKeyshare,
		Method:    "fromBytes",
		Args:      []wire.Value{wire.Bytes([]byte("garbage"))},
	}, wire.KindInvalidArgument)
}

func TestMessageObject(t *testing.T) {
	c := &client{t: t, h: newHost(t)}
	m := c.ok(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassMessage,
		Args:      []wire.Value{wire.List(wire.Int(1), wire.Int(2), wire.Int(3)), wire.Int(2), wire.Int(3)},
	}).Handle

	assert.Equal(t, wire.Bytes([]byte{1, 2, 3}), c.ok(wire.Request{Type: wire.TypeGet, ObjID: m, Prop: "payload"}))
	assert.Equal(t, wire.Int(2), c.ok(wire.Request{Type: wire.TypeGet, ObjID: m, Prop: "from_id"}))
	assert.Equal(t, wire.Int(3), c.callMethod(m, "to_id"))
	c.fail(wire.Request{Type: wire.TypeGet, ObjID: m, Prop: "secret"}, wire.KindInvalidRequest)

	b := c.ok(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassMessage,
		Args:      []wire.Value{wire.Bytes(nil), wire.Int(1)},
	}).Handle
	assert.True(t, c.ok(wire.Request{Type: wire.TypeGet, ObjID: b, Prop: "to_id"}).IsNull())

	// party ids start at 1
	c.fail(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassMessage,
		Args:      []wire.Value{wire.Bytes([]byte{1}), wire.Int(0)},
	}, wire.KindInvalidArgument)
	c.fail(wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: ClassMessage,
		Args:      []wire.Value{wire.Bytes([]byte{1}), wire.Int(1), wire.Int(0)},
	}, wire.KindInvalidArgument)
}

func TestFree(t *testing.T) {
	c := &client{t: t, h: newHost(t)}
	kg := c.keygen(2, 2, 1)
	assert.Equal(t, 1, c.h.Live()[ClassKeygenSession])

	assert.Equal(t, wire.String("freed"), c.ok(wire.Request{Type: wire.TypeFree, ObjID: kg}))
	assert.Equal(t, wire.String("already_freed"), c.ok(wire.Request{Type: wire.TypeFree, ObjID: kg}))
	assert.Equal(t, 0, c.h.Live()[ClassKeygenSession])

	c.fail(wire.Request{Type: wire.TypeFree, ObjID: 999}, wire.KindUnknownHandle)
	c.fail(wire.Request{Type: wire.TypeCall, ObjID: kg, Method: "toBytes"}, wire.KindUnknownHandle)
}

func TestKeygenCalls(t *testing.T) {
	c := &client{t: t, h: newHost(t)}
	a := c.keygen(3, 2, 1)
	b := c.keygen(3, 2, 2)

	commitment := c.callMethod(a, "calculateChainCodeCommitment")
	require.Equal(t, wire.KindBytes, commitment.Kind)
	assert.Len(t, commitment.Bytes, 32)
	assert.Equal(t, wire.Int(1), c.callMethod(a, "partyId"))

	c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "keyshare"}, wire.KindSessionNotComplete)
	c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "explode"}, wire.KindInvalidRequest)

	c.callMethod(a, "createFirstMessage")
	mb := c.callMethod(b, "createFirstMessage")
	require.Equal(t, wire.KindHandle, mb.Kind)

	payload := c.ok(wire.Request{Type: wire.TypeGet, ObjID: mb.Handle, Prop: "payload"})

	// party 2's announce passed as a plain object, with its payload as an array-like map
	plain := make(map[string]wire.Value, len(payload.Bytes))
	for i, x := range payload.Bytes {
		plain[strconv.Itoa(i)] = wire.Int(int64(x))
	}
	out := c.callMethod(a, "handleMessages", wire.List(wire.Object(map[string]wire.Value{
		"payload": wire.Object(plain),
		"from_id": wire.Int(2),
		"to_id":   wire.Null(),
	})))
	assert.Equal(t, wire.KindList, out.Kind)
	assert.Empty(t, out.List, "party 3 has not announced yet")

	snapshot := c.callMethod(a, "toBytes")
	restored := c.ok(wire.Request{
		Type:      wire.TypeStaticConstruct,
		ClassName: ClassKeygenSession,
		Method:    "fromBytes",
		Args:      []wire.Value{snapshot},
	})
	assert.Equal(t, commitment, c.callMethod(restored.Handle, "calculateChainCodeCommitment"))

	// the same announce a second time, now by handle
	c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "handleMessages", Args: []wire.Value{
		wire.List(wire.HandleValue(mb.Handle)),
	}}, wire.KindInvalidArgument)
}

func TestBadMessageEntry(t *testing.T) {
	c := &client{t: t, h: newHost(t)}
	a := c.keygen(2, 2, 1)
	c.callMethod(a, "createFirstMessage")

	e := c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "handleMessages", Args: []wire.Value{
		wire.List(wire.Int(42)),
	}}, wire.KindBadMessageEntry)
	require.NotNil(t, e.Index)
	assert.Equal(t, 0, *e.Index)
	assert.Equal(t, "int", e.Detail["kind"])

	e = c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "handleMessages", Args: []wire.Value{
		wire.List(wire.Object(map[string]wire.Value{"payload": wire.Bytes([]byte{1})}), wire.Int(1)),
	}}, wire.KindBadMessageEntry)
	assert.Equal(t, 0, e.IndexOr(-1))
	assert.Equal(t, "payload", e.Detail["keys"])
	assert.Equal(t, "missing", e.Detail["from_id"])

	// a handle naming something other than a message
	e = c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "handleMessages", Args: []wire.Value{
		wire.List(wire.HandleValue(a)),
	}}, wire.KindBadMessageEntry)
	assert.Equal(t, ClassKeygenSession, e.Detail["type"])

	c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "handleMessages", Args: []wire.Value{
		wire.List(wire.HandleValue(12345)),
	}}, wire.KindUnknownHandle)

	c.fail(wire.Request{Type: wire.TypeCall, ObjID: a, Method: "handleMessages", Args: []wire.Value{
		wire.List(wire.Object(map[string]wire.Value{"payload": wire.Bytes([]byte{1}), "from_id": wire.Int(0)})),
	}}, wire.KindInvalidArgument)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := &client{t: t, h: newHost(t, WithMetrics(m))}

	kg := c.keygen(2, 2, 1)
	c.fail(wire.Request{Type: wire.TypeFree, ObjID: 77}, wire.KindUnknownHandle)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("construct", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("free", "UnknownHandle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.objects.WithLabelValues(ClassKeygenSession)))

	c.ok(wire.Request{Type: wire.TypeFree, ObjID: kg})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.objects.WithLabelValues(ClassKeygenSession)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queued))

	n, err := testutil.GatherAndCount(reg, "dkls_host_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
