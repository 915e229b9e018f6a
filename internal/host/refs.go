package host

import (
	"fmt"
	"strings"

	"github.com/bitpay/bitpay-app-sub010/internal/engine"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// MessageRef is one entry of a message batch as sent by a client.
type MessageRef interface {
	isMessageRef()
}

// HandleRef points at a Message registered on the host.
type HandleRef wire.Handle

// EnvelopeRef is a message in plain form.
type EnvelopeRef wire.Envelope

// NativeRef is an engine message passed in process.
type NativeRef struct {
	Message *engine.Message
}

func (HandleRef) isMessageRef()   {}
func (EnvelopeRef) isMessageRef() {}
func (NativeRef) isMessageRef()   {}

// EntryError reports a batch entry that is not a message reference.
type EntryError struct {
	Index  int
	Detail map[string]string
}

func (e *EntryError) Error() string {
	keys := make([]string, 0, len(e.Detail))
	for _, k := range []string{"kind", "keys", "isHandle", "isPlainMsg", "payload", "from_id"} {
		if v, ok := e.Detail[k]; ok {
			keys = append(keys, k+"="+v)
		}
	}
	return fmt.Sprintf("bad message entry at index %d: %s", e.Index, strings.Join(keys, ", "))
}

func (e *EntryError) Unwrap() error { return wire.ErrBadMessageEntry }

func (e *EntryError) EntryIndex() int { return e.Index }

func (e *EntryError) EntryDetail() map[string]string { return e.Detail }

// ParseMessageRef classifies entry i of a batch.
func ParseMessageRef(i int, v wire.Value) (MessageRef, error) {
	switch v.Kind {
	case wire.KindHandle:
		return HandleRef(v.Handle), nil
	case wire.KindEnvelope:
		if v.Envelope != nil {
			return EnvelopeRef(*v.Envelope), nil
		}
	case wire.KindNative:
		if m, ok := v.Native.(*engine.Message); ok && m != nil {
			return NativeRef{Message: m}, nil
		}
	case wire.KindObject:
		if id, ok := handleOf(v); ok {
			return HandleRef(id), nil
		}
		if env, ok := plainEnvelope(v); ok {
			return EnvelopeRef(env), nil
		}
	}
	return nil, &EntryError{Index: i, Detail: entryDetail(v)}
}

// plainEnvelope reads an object with payload and from_id fields, and an optional to_id.
func plainEnvelope(v wire.Value) (wire.Envelope, bool) {
	p, hasPayload := v.Object["payload"]
	f, hasFrom := v.Object["from_id"]
	if !hasPayload || !hasFrom {
		return wire.Envelope{}, false
	}
	payload, err := p.AsBytes()
	if err != nil {
		return wire.Envelope{}, false
	}
	from, err := f.AsUint8()
	if err != nil {
		return wire.Envelope{}, false
	}
	env := wire.Envelope{Payload: payload, From: from}
	if t, ok := v.Object["to_id"]; ok && !t.IsNull() {
		to, err := t.AsUint8()
		if err != nil {
			return wire.Envelope{}, false
		}
		env.To = &to
	}
	return env, true
}

func entryDetail(v wire.Value) map[string]string {
	kind := v.Kind
	if kind == "" {
		kind = wire.KindNull
	}
	d := map[string]string{
		"kind":       string(kind),
		"isHandle":   "false",
		"isPlainMsg": "false",
	}
	switch v.Kind {
	case wire.KindObject:
		d["keys"] = strings.Join(v.Keys(), ",")
		if p, ok := v.Object["payload"]; ok {
			d["payload"] = fmt.Sprintf("exists, kind=%s", p.Kind)
		} else {
			d["payload"] = "missing"
		}
		if f, ok := v.Object["from_id"]; ok {
			d["from_id"] = f.String()
		} else {
			d["from_id"] = "missing"
		}
	case wire.KindNative:
		d["type"] = fmt.Sprintf("%T", v.Native)
	default:
		d["value"] = v.String()
	}
	return d
}

// ParseMessageRefs classifies every entry of batch, preserving order. A null batch is empty.
func ParseMessageRefs(batch wire.Value) ([]MessageRef, error) {
	if batch.IsNull() {
		return nil, nil
	}
	items, err := batch.AsList()
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	refs := make([]MessageRef, len(items))
	for i, item := range items {
		if refs[i], err = ParseMessageRef(i, item); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// resolveMessages turns a batch argument into engine messages.
func (h *Host) resolveMessages(batch wire.Value) ([]*engine.Message, error) {
	refs, err := ParseMessageRefs(batch)
	if err != nil {
		return nil, err
	}
	msgs := make([]*engine.Message, len(refs))
	for i, ref := range refs {
		switch r := ref.(type) {
		case HandleRef:
			m, err := h.messages.Resolve(wire.Handle(r))
			if err != nil {
				if _, kind, lerr := h.reg.Lookup(wire.Handle(r)); lerr == nil {
					return nil, &EntryError{Index: i, Detail: map[string]string{
						"kind": string(wire.KindHandle), "isHandle": "true", "isPlainMsg": "false",
						"type": kind,
					}}
				}
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			msgs[i] = m
		case EnvelopeRef:
			if err := engine.CheckHeader(r.From, r.To); err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			msgs[i] = engine.NewMessage(r.Payload, r.From, r.To)
		case NativeRef:
			msgs[i] = r.Message
		}
		h.diag.Trace().Int("index", i).Stringer("msg", msgs[i]).Msg("message resolved")
	}
	h.diag.Debug().Int("messages", len(msgs)).Msg("batch prepared")
	return msgs, nil
}
