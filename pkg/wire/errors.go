package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bitpay/bitpay-app-sub010/pkg/normalize"
)

// ErrorKind classifies a failure so that it stays distinguishable after crossing the bridge.
type ErrorKind string

const (
	KindInvalidByteSource           ErrorKind = "InvalidByteSource"
	KindUnknownHandle               ErrorKind = "UnknownHandle"
	KindSessionNotComplete          ErrorKind = "SessionNotComplete"
	KindIncompleteSignatureMaterial ErrorKind = "IncompleteSignatureMaterial"
	KindBadMessageEntry             ErrorKind = "BadMessageEntry"
	KindBlockedOrigin               ErrorKind = "BlockedOrigin"
	KindEngine                      ErrorKind = "EngineError"
	KindInvalidRequest              ErrorKind = "InvalidRequest"
	KindInvalidArgument             ErrorKind = "InvalidArgument"
	KindInvalidState                ErrorKind = "InvalidState"
	KindNotSerializable             ErrorKind = "NotSerializable"
	KindMessageOrder                ErrorKind = "MessageOrder"
	KindNotInitialized              ErrorKind = "NotInitialized"
)

var (
	ErrInvalidByteSource           = normalize.ErrInvalidByteSource
	ErrUnknownHandle               = errors.New("unknown handle")
	ErrSessionNotComplete          = errors.New("session not complete")
	ErrIncompleteSignatureMaterial = errors.New("incomplete signature material")
	ErrBadMessageEntry             = errors.New("bad message entry")
	ErrBlockedOrigin               = errors.New("blocked origin")
	ErrEngine                      = errors.New("engine error")
	ErrInvalidRequest              = errors.New("invalid request")
	ErrInvalidArgument             = errors.New("invalid argument")
	ErrInvalidState                = errors.New("invalid session state")
	ErrNotSerializable             = errors.New("session not serializable in its current state")
	ErrMessageOrder                = errors.New("messages out of order")
	ErrNotInitialized              = errors.New("engine not initialized")
)

var kinds = []struct {
	kind ErrorKind
	err  error
}{
	{KindInvalidByteSource, ErrInvalidByteSource},
	{KindUnknownHandle, ErrUnknownHandle},
	{KindSessionNotComplete, ErrSessionNotComplete},
	{KindIncompleteSignatureMaterial, ErrIncompleteSignatureMaterial},
	{KindBadMessageEntry, ErrBadMessageEntry},
	{KindBlockedOrigin, ErrBlockedOrigin},
	{KindInvalidRequest, ErrInvalidRequest},
	{KindInvalidArgument, ErrInvalidArgument},
	{KindInvalidState, ErrInvalidState},
	{KindNotSerializable, ErrNotSerializable},
	{KindMessageOrder, ErrMessageOrder},
	{KindNotInitialized, ErrNotInitialized},
	{KindEngine, ErrEngine},
}

// KindOf returns the kind of err. Errors that match no known sentinel are engine errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindEngine
}

// Sentinel returns the sentinel error for kind, or nil for an unknown kind.
func (k ErrorKind) Sentinel() error {
	for _, x := range kinds {
		if x.kind == k {
			return x.err
		}
	}
	return nil
}

// Detailed is implemented by errors that carry diagnostics for a single entry of a batch.
type Detailed interface {
	error
	EntryIndex() int
	EntryDetail() map[string]string
}

// Error is the serialized form of a failure.
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Index   *int              `json:"index,omitempty"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// NewError converts err into its serialized form.
func NewError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		out := *e
		return &out
	}
	out := &Error{Kind: KindOf(err), Message: err.Error()}

	var detailed Detailed
	var invalid *normalize.InvalidSourceError
	switch {
	case errors.As(err, &detailed):
		idx := detailed.EntryIndex()
		out.Index = &idx
		out.Detail = detailed.EntryDetail()
	case errors.As(err, &invalid):
		out.Detail = map[string]string{"type": invalid.Type}
		if invalid.Keys != nil {
			out.Detail["keys"] = strings.Join(invalid.Keys, ",")
			out.Detail["truncated"] = strconv.FormatBool(invalid.Truncated)
		}
		if invalid.Index >= 0 {
			idx := invalid.Index
			out.Index = &idx
		}
	}
	return out
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Is matches the sentinel error of e.Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind
	}
	s := e.Kind.Sentinel()
	return s != nil && s == target
}

// IndexOr returns the offending batch index, or def if none was reported.
func (e *Error) IndexOr(def int) int {
	if e.Index == nil {
		return def
	}
	return *e.Index
}

// String is like Error but also shows the kind and index.
func (e *Error) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Index != nil {
		fmt.Fprintf(&b, "[%d]", *e.Index)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}
