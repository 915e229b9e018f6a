package wire

import (
	"fmt"
	"math"
	"sort"

	"github.com/bitpay/bitpay-app-sub010/pkg/normalize"
)

// Kind tags the variant held by a Value.
type Kind string

const (
	KindNull     Kind = "null"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindString   Kind = "string"
	KindBytes    Kind = "bytes"
	KindHandle   Kind = "handle"
	KindList     Kind = "list"
	KindEnvelope Kind = "envelope"
	// KindObject holds a loosely shaped object sent by clients that do not tag their values.
	KindObject Kind = "object"
	// KindNative holds an in-process engine object. It never crosses a transport.
	KindNative Kind = "native"
)

// Envelope is a protocol message in plain form. A nil To means broadcast.
type Envelope struct {
	Payload normalize.Bytes `json:"payload"`
	From    uint8           `json:"from_id"`
	To      *uint8          `json:"to_id"`
}

// Value is an argument or result crossing the bridge.
type Value struct {
	Kind     Kind             `json:"kind"`
	Bool     bool             `json:"bool,omitempty"`
	Int      int64            `json:"int,omitempty"`
	Str      string           `json:"str,omitempty"`
	Bytes    normalize.Bytes  `json:"bytes,omitempty"`
	Handle   Handle           `json:"handle,omitempty"`
	List     []Value          `json:"list,omitempty"`
	Envelope *Envelope        `json:"envelope,omitempty"`
	Object   map[string]Value `json:"object,omitempty"`

	Native any `json:"-" cbor:"-"`
}

func Null() Value { return Value{Kind: KindNull} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func HandleValue(h Handle) Value { return Value{Kind: KindHandle, Handle: h} }
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }
func EnvelopeValue(e Envelope) Value { return Value{Kind: KindEnvelope, Envelope: &e} }
func Native(v any) Value { return Value{Kind: KindNative, Native: v} }

// Object returns a loosely shaped object value.
func Object(fields map[string]Value) Value {
	return Value{Kind: KindObject, Object: fields}
}

// IsNull reports whether v is absent or null.
func (v Value) IsNull() bool {
	return v.Kind == "" || v.Kind == KindNull
}

// AsInt returns the integer held by v.
func (v Value) AsInt() (int64, error) {
	if v.Kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.Int, nil
}

// AsUint8 returns the integer held by v, which must fit in a byte.
func (v Value) AsUint8() (uint8, error) {
	i, err := v.AsInt()
	if err != nil {
		return 0, err
	}
	if i < 0 || i > math.MaxUint8 {
		return 0, fmt.Errorf("%w: %d does not fit in a byte", ErrInvalidArgument, i)
	}
	return uint8(i), nil
}

// AsString returns the string held by v.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.Str, nil
}

// AsBytes returns the canonical byte buffer for v.
//
// Besides KindBytes, lists of integers and array-like objects are accepted, which is how
// untyped clients send buffers.
func (v Value) AsBytes() ([]byte, error) {
	switch v.Kind {
	case KindBytes:
		if v.Bytes == nil {
			return []byte{}, nil
		}
		return v.Bytes, nil
	case KindList, KindObject:
		return normalize.ToBytes(v.Plain())
	case KindNative:
		return normalize.ToBytes(v.Native)
	default:
		return nil, fmt.Errorf("%w, got %s", normalize.ErrInvalidByteSource, v.Kind)
	}
}

// AsHandle returns the handle held by v.
func (v Value) AsHandle() (Handle, error) {
	if v.Kind != KindHandle {
		return 0, v.mismatch(KindHandle)
	}
	return v.Handle, nil
}

// AsList returns the elements held by v.
func (v Value) AsList() ([]Value, error) {
	if v.Kind != KindList {
		return nil, v.mismatch(KindList)
	}
	return v.List, nil
}

// Keys returns the sorted field names of an object value.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.Object))
	for k := range v.Object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Plain converts v into plain Go values (nil, bool, int64, string, []byte, []any,
// map[string]any).
func (v Value) Plain() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindString:
		return v.Str
	case KindBytes:
		return []byte(v.Bytes)
	case KindHandle:
		return v.Handle
	case KindList:
		out := make([]any, len(v.List))
		for i, x := range v.List {
			out[i] = x.Plain()
		}
		return out
	case KindEnvelope:
		return *v.Envelope
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, x := range v.Object {
			out[k] = x.Plain()
		}
		return out
	case KindNative:
		return v.Native
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindHandle:
		return fmt.Sprintf("handle(%d)", v.Handle)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.Bytes))
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.List))
	case KindEnvelope:
		return fmt.Sprintf("envelope(from=%d)", v.Envelope.From)
	default:
		return fmt.Sprintf("%s(%v)", v.Kind, v.Plain())
	}
}

func (v Value) mismatch(want Kind) error {
	got := v.Kind
	if got == "" {
		got = KindNull
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrInvalidArgument, want, got)
}
