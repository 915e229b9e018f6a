package wire

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitpay/bitpay-app-sub010/pkg/normalize"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"init", Request{ID: 1, Type: TypeInit}, true},
		{"construct", Request{ID: 1, Type: TypeConstruct, ClassName: "KeygenSession"}, true},
		{"construct without class", Request{ID: 1, Type: TypeConstruct}, false},
		{"static", Request{ID: 1, Type: TypeStaticConstruct, ClassName: "Keyshare", Method: "fromBytes"}, true},
		{"static without method", Request{ID: 1, Type: TypeStaticConstruct, ClassName: "Keyshare"}, false},
		{"call", Request{ID: 1, Type: TypeCall, ObjID: 3, Method: "toBytes"}, true},
		{"call without handle", Request{ID: 1, Type: TypeCall, Method: "toBytes"}, false},
		{"get", Request{ID: 1, Type: TypeGet, ObjID: 3, Prop: "payload"}, true},
		{"get without prop", Request{ID: 1, Type: TypeGet, ObjID: 3}, false},
		{"free", Request{ID: 1, Type: TypeFree, ObjID: 3}, true},
		{"reserved id", Request{ID: -1, Type: TypeInit}, false},
		{"unknown type", Request{ID: 1, Type: "destroy"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
}

func TestJSONCarriesBytesAsNumbers(t *testing.T) {
	to := uint8(2)
	req := Request{
		ID:     7,
		Type:   TypeCall,
		ObjID:  4,
		Method: "handleMessages",
		Args: []Value{
			List(EnvelopeValue(Envelope{Payload: []byte{1, 2}, From: 1, To: &to})),
			Bytes([]byte{0, 255}),
			Null(),
		},
	}
	data, err := JSON.Marshal(&req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":[1,2]`)
	assert.Contains(t, string(data), `"bytes":[0,255]`)
	assert.Contains(t, string(data), `"to_id":2`)

	var got Request
	require.NoError(t, JSON.Unmarshal(data, &got))
	assert.Equal(t, req, got)
}

func TestCBORRoundTrip(t *testing.T) {
	reply := Success(9, List(HandleValue(12), Bytes([]byte{9, 9}), String("freed")))
	data, err := CBOR.Marshal(reply)
	require.NoError(t, err)

	var got Reply
	require.NoError(t, CBOR.Unmarshal(data, &got))
	assert.Equal(t, *reply, got)
}

func TestFailureKeepsKind(t *testing.T) {
	err := fmt.Errorf("keygen: %w", ErrSessionNotComplete)
	reply := Failure(3, err)
	assert.False(t, reply.OK)
	assert.Equal(t, KindSessionNotComplete, reply.Error.Kind)
	assert.Equal(t, err.Error(), reply.Text())

	data, err2 := JSON.Marshal(reply)
	require.NoError(t, err2)
	var decoded Reply
	require.NoError(t, JSON.Unmarshal(data, &decoded))
	assert.ErrorIs(t, decoded.Err(), ErrSessionNotComplete)
	assert.False(t, errors.Is(decoded.Err(), ErrUnknownHandle))
}

type entryError struct{ index int }

func (e entryError) Error() string                  { return "bad entry" }
func (e entryError) Unwrap() error                  { return ErrBadMessageEntry }
func (e entryError) EntryIndex() int                { return e.index }
func (e entryError) EntryDetail() map[string]string { return map[string]string{"type": "number"} }

func TestErrorDetails(t *testing.T) {
	e := NewError(entryError{index: 0})
	assert.Equal(t, KindBadMessageEntry, e.Kind)
	require.NotNil(t, e.Index)
	assert.Equal(t, 0, *e.Index)
	assert.Equal(t, "number", e.Detail["type"])
	assert.Equal(t, "BadMessageEntry[0]: bad entry", e.String())

	_, err := normalize.ToBytes(map[string]any{"x": 1})
	e = NewError(err)
	assert.Equal(t, KindInvalidByteSource, e.Kind)
	assert.Equal(t, "x", e.Detail["keys"])
	assert.ErrorIs(t, e, normalize.ErrInvalidByteSource)
}

func TestUnknownErrorsAreEngineErrors(t *testing.T) {
	assert.Equal(t, KindEngine, KindOf(errors.New("paillier: bad proof")))
}

func TestValueAccessors(t *testing.T) {
	b, err := List(Int(1), Int(2)).AsBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = Int(5).AsBytes()
	assert.ErrorIs(t, err, ErrInvalidByteSource)

	_, err = String("x").AsHandle()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Int(300).AsUint8()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.True(t, Value{}.IsNull())
	assert.Equal(t, []string{"a", "b"}, Object(map[string]Value{"b": Null(), "a": Null()}).Keys())
}

func TestLifecycleIDs(t *testing.T) {
	assert.True(t, IsLifecycle(IDBoot))
	assert.False(t, IsDiagnostic(IDBoot))
	assert.False(t, IsDiagnostic(IDUnhandled))
	assert.True(t, IsDiagnostic(IDLog))
	assert.False(t, IsLifecycle(1))
}
