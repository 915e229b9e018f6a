// Package wire defines the request and reply envelopes exchanged between a bridge client and
// the engine host, together with the error taxonomy shared by both sides.
package wire

import (
	"fmt"
)

// ProtocolVersion is announced by the host in its hello reply.
const ProtocolVersion = "dkls-bridge/1"

// Handle identifies a live object in the host registry. Handles are only meaningful within
// the transport session that issued them.
type Handle uint64

// Reserved reply ids. Replies with a negative id never answer a request.
const (
	// IDBoot carries BootedSignal or BootedLateSignal.
	IDBoot int64 = -1
	// IDHello carries ProtocolVersion.
	IDHello int64 = -2
	// IDHostError reports a failure that can not be tied to a request, like an undecodable frame.
	IDHostError int64 = -3
	// IDUnhandled reports a panic recovered by the host outside a request.
	IDUnhandled int64 = -4
	// IDLog is used for forwarded diagnostic lines. Any id at or below IDDiagnostics is diagnostic.
	IDLog int64 = -998

	IDDiagnostics int64 = -5
)

const (
	BootedSignal     = "BOOTED"
	BootedLateSignal = "BOOTED_LATE"
)

// IsLifecycle reports whether id belongs to the reserved out-of-band namespace.
func IsLifecycle(id int64) bool { return id < 0 }

// IsDiagnostic reports whether id carries a diagnostic line.
func IsDiagnostic(id int64) bool { return id <= IDDiagnostics }

// RequestType selects the operation performed by the host.
type RequestType string

const (
	TypeInit            RequestType = "init"
	TypeConstruct       RequestType = "construct"
	TypeStaticConstruct RequestType = "staticConstruct"
	TypeCall            RequestType = "call"
	TypeGet             RequestType = "get"
	TypeFree            RequestType = "free"
)

// Request is a single call description sent to the host.
type Request struct {
	ID        int64       `json:"id"`
	Type      RequestType `json:"type"`
	ClassName string      `json:"className,omitempty"`
	Method    string      `json:"method,omitempty"`
	ObjID     Handle      `json:"objId,omitempty"`
	Prop      string      `json:"prop,omitempty"`
	Args      []Value     `json:"args,omitempty"`
}

// Validate checks that the fields required by r.Type are present.
func (r *Request) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("%w: id %d is reserved", ErrInvalidRequest, r.ID)
	}
	switch r.Type {
	case TypeInit:
	case TypeConstruct:
		if r.ClassName == "" {
			return fmt.Errorf("%w: construct without className", ErrInvalidRequest)
		}
	case TypeStaticConstruct:
		if r.ClassName == "" || r.Method == "" {
			return fmt.Errorf("%w: staticConstruct requires className and method", ErrInvalidRequest)
		}
	case TypeCall:
		if r.ObjID == 0 || r.Method == "" {
			return fmt.Errorf("%w: call requires objId and method", ErrInvalidRequest)
		}
	case TypeGet:
		if r.ObjID == 0 || r.Prop == "" {
			return fmt.Errorf("%w: get requires objId and prop", ErrInvalidRequest)
		}
	case TypeFree:
		if r.ObjID == 0 {
			return fmt.Errorf("%w: free requires objId", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, r.Type)
	}
	return nil
}

// String returns a short description used in logs.
func (r *Request) String() string {
	switch r.Type {
	case TypeConstruct:
		return fmt.Sprintf("#%d construct %s", r.ID, r.ClassName)
	case TypeStaticConstruct:
		return fmt.Sprintf("#%d %s.%s", r.ID, r.ClassName, r.Method)
	case TypeCall:
		return fmt.Sprintf("#%d call %d.%s", r.ID, r.ObjID, r.Method)
	case TypeGet:
		return fmt.Sprintf("#%d get %d.%s", r.ID, r.ObjID, r.Prop)
	case TypeFree:
		return fmt.Sprintf("#%d free %d", r.ID, r.ObjID)
	default:
		return fmt.Sprintf("#%d %s", r.ID, r.Type)
	}
}

// Reply answers the request with the same ID, or carries an out-of-band signal when ID is
// negative.
//
// A failed request has OK false, Error set and Result holding the error message.
type Reply struct {
	ID     int64  `json:"id"`
	OK     bool   `json:"ok"`
	Result *Value `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Success returns a successful reply for id.
func Success(id int64, result Value) *Reply {
	return &Reply{ID: id, OK: true, Result: &result}
}

// Failure returns a failed reply for id describing err.
func Failure(id int64, err error) *Reply {
	e := NewError(err)
	msg := String(e.Message)
	return &Reply{ID: id, OK: false, Result: &msg, Error: e}
}

// Signal returns an out-of-band reply with a textual payload.
func Signal(id int64, text string) *Reply {
	v := String(text)
	return &Reply{ID: id, OK: true, Result: &v}
}

// Err returns the error carried by a failed reply, or nil.
func (r *Reply) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	msg := "request failed"
	if r.Result != nil && r.Result.Kind == KindString {
		msg = r.Result.Str
	}
	return &Error{Kind: KindEngine, Message: msg}
}

// Text returns the textual payload of a signal reply.
func (r *Reply) Text() string {
	if r.Result == nil || r.Result.Kind != KindString {
		return ""
	}
	return r.Result.Str
}
