// Package normalize converts the byte-like values that reach the bridge into a single
// canonical representation.
//
// Payloads can arrive as raw buffers, as ordered numeric sequences (the shape byte buffers
// take after a JSON round trip), or as dense index-keyed objects ("0".."n-1") produced by
// transports that serialize typed arrays as plain objects. ToBytes accepts all of them;
// ToSequence produces the transport-safe form.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// ErrInvalidByteSource is returned (wrapped in an *InvalidSourceError) when a value can not be
// interpreted as a byte buffer.
var ErrInvalidByteSource = errors.New("invalid byte source")

// maxReportedKeys bounds the number of offending keys carried by an InvalidSourceError.
const maxReportedKeys = 5

// InvalidSourceError describes a value that ToBytes refused.
type InvalidSourceError struct {
	// Type is the Go type of the rejected value.
	Type string
	// Keys holds up to five keys of a rejected object, sorted.
	Keys []string
	// Truncated is true if the object had more keys than reported.
	Truncated bool
	// Index is the position of a rejected element, or -1.
	Index int
	// Reason is a short description of the problem.
	Reason string
}

func (e *InvalidSourceError) Error() string {
	var b strings.Builder
	b.WriteString("normalize: invalid byte source")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " at index %d", e.Index)
	}
	if e.Keys != nil {
		b.WriteString(", got object with keys: [")
		b.WriteString(strings.Join(e.Keys, ", "))
		if e.Truncated {
			b.WriteString(", ...")
		}
		b.WriteString("]")
	} else if e.Type != "" {
		b.WriteString(", got: ")
		b.WriteString(e.Type)
	}
	return b.String()
}

func (e *InvalidSourceError) Is(target error) bool {
	return target == ErrInvalidByteSource
}

// ToBytes returns the canonical byte buffer for v.
//
// Supported inputs are []byte (and named byte slices such as Bytes), slices or arrays of
// integers or JSON numbers, and array-like maps whose keys are exactly "0".."n-1".
// A nil input yields a nil buffer.
func ToBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case Bytes:
		return []byte(b), nil
	case *Bytes:
		if b == nil {
			return nil, nil
		}
		return []byte(*b), nil
	case json.RawMessage:
		var decoded any
		if err := decodeJSON(b, &decoded); err != nil {
			return nil, &InvalidSourceError{Type: "json.RawMessage", Index: -1, Reason: err.Error()}
		}
		return ToBytes(decoded)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			out := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(out), rv)
			return out, nil
		}
		out := make([]byte, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			x, err := toByte(rv.Index(i).Interface())
			if err != nil {
				return nil, &InvalidSourceError{Type: rv.Type().String(), Index: i, Reason: err.Error()}
			}
			out[i] = x
		}
		return out, nil
	case reflect.Map:
		return mapToBytes(rv)
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		return ToBytes(rv.Elem().Interface())
	}
	return nil, &InvalidSourceError{Type: typeName(v), Index: -1, Reason: "requires a byte buffer or array"}
}

// ToSequence converts b into an ordered numeric sequence, the shape that survives textual
// serialization.
func ToSequence(b []byte) []int {
	out := make([]int, len(b))
	for i, x := range b {
		out[i] = int(x)
	}
	return out
}

func mapToBytes(rv reflect.Value) ([]byte, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, &InvalidSourceError{Type: rv.Type().String(), Index: -1, Reason: "requires string keys"}
	}
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	if !arrayLike(keys) {
		sort.Strings(keys)
		e := &InvalidSourceError{Type: rv.Type().String(), Index: -1, Reason: "object is not array-like", Keys: keys}
		if len(keys) > maxReportedKeys {
			e.Keys, e.Truncated = keys[:maxReportedKeys], true
		}
		if e.Keys == nil {
			e.Keys = []string{}
		}
		return nil, e
	}
	out := make([]byte, len(keys))
	for i := range out {
		x, err := toByte(rv.MapIndex(reflect.ValueOf(strconv.Itoa(i)).Convert(rv.Type().Key())).Interface())
		if err != nil {
			return nil, &InvalidSourceError{Type: rv.Type().String(), Index: i, Reason: err.Error()}
		}
		out[i] = x
	}
	return out, nil
}

// arrayLike reports whether keys are exactly the decimal indices 0..n-1, n > 0.
func arrayLike(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	seen := make([]bool, len(keys))
	for _, k := range keys {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(keys) || strconv.Itoa(i) != k || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

func toByte(x any) (byte, error) {
	switch n := x.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
	case string, bool, nil:
		return 0, fmt.Errorf("%s is not a number", typeName(x))
	}
	i, err := cast.ToInt64E(x)
	if err != nil {
		return 0, err
	}
	if i < 0 || i > math.MaxUint8 {
		return 0, fmt.Errorf("%d out of byte range", i)
	}
	return byte(i), nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}
