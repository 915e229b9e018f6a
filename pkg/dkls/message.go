package dkls

import (
	"context"
	"fmt"

	"github.com/bitpay/bitpay-app-sub010/pkg/normalize"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// MessageRef is an entry of a message batch: either a *Message held by the host or a plain
// Envelope built by the host on arrival.
type MessageRef interface {
	messageRef(ctx context.Context) (wire.Value, error)
}

// Envelope is a protocol message in plain form, as received from another party. A nil To
// means broadcast.
type Envelope struct {
	Payload []byte
	From    uint8
	To      *uint8
}

func (e Envelope) messageRef(context.Context) (wire.Value, error) {
	return wire.EnvelopeValue(wire.Envelope{Payload: e.Payload, From: e.From, To: e.To}), nil
}

// Message is a protocol message held by the host.
type Message struct {
	*object
}

// NewMessage builds a message on the host. payload may be any byte source accepted by
// normalize.ToBytes. A nil to means broadcast.
func (c *Client) NewMessage(ctx context.Context, payload any, from uint8, to *uint8) *Message {
	m := &Message{newObject(c, classMessage)}
	b, err := normalize.ToBytes(payload)
	if err != nil {
		m.settle(0, fmt.Errorf("dkls: new %s: %w", classMessage, err))
		return m
	}
	toArg := wire.Null()
	if to != nil {
		toArg = wire.Int(int64(*to))
	}
	m.construct(ctx, wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: classMessage,
		Args:      []wire.Value{wire.Bytes(b), wire.Int(int64(from)), toArg},
	}, nil)
	return m
}

func (m *Message) messageRef(ctx context.Context) (wire.Value, error) {
	if m == nil {
		return wire.Value{}, ErrNotInitialized
	}
	h, err := m.wait(ctx)
	if err != nil {
		return wire.Value{}, err
	}
	return wire.HandleValue(h), nil
}

// Payload returns the message bytes.
func (m *Message) Payload(ctx context.Context) ([]byte, error) {
	return asBytes(m.get(ctx, "payload"))
}

// FromID returns the sender.
func (m *Message) FromID(ctx context.Context) (uint8, error) {
	return asUint8(m.get(ctx, "from_id"))
}

// ToID returns the recipient, or false for a broadcast.
func (m *Message) ToID(ctx context.Context) (uint8, bool, error) {
	v, err := m.get(ctx, "to_id")
	if err != nil || v.IsNull() {
		return 0, false, err
	}
	to, err := v.AsUint8()
	return to, err == nil, err
}

// Envelope fetches the message into its plain form, ready to be sent to other parties.
func (m *Message) Envelope(ctx context.Context) (Envelope, error) {
	payload, err := m.Payload(ctx)
	if err != nil {
		return Envelope{}, err
	}
	from, err := m.FromID(ctx)
	if err != nil {
		return Envelope{}, err
	}
	to, ok, err := m.ToID(ctx)
	if err != nil {
		return Envelope{}, err
	}
	e := Envelope{Payload: payload, From: from}
	if ok {
		e.To = &to
	}
	return e, nil
}

// IsFor reports whether the envelope is addressed to party id.
func (e Envelope) IsFor(id uint8) bool {
	if e.From == id {
		return false
	}
	return e.To == nil || *e.To == id
}

func refs(ctx context.Context, msgs []MessageRef) (wire.Value, error) {
	out := make([]wire.Value, len(msgs))
	for i, m := range msgs {
		if m == nil {
			return wire.Value{}, fmt.Errorf("%w: entry %d is nil", wire.ErrBadMessageEntry, i)
		}
		v, err := m.messageRef(ctx)
		if err != nil {
			return wire.Value{}, fmt.Errorf("message %d: %w", i, err)
		}
		out[i] = v
	}
	return wire.List(out...), nil
}

// messages wraps the handles of a list result.
func (c *Client) messages(v wire.Value, err error) ([]*Message, error) {
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	list, err := v.AsList()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, len(list))
	for i, item := range list {
		h, err := item.AsHandle()
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out[i] = &Message{readyObject(c, classMessage, h)}
	}
	return out, nil
}

func (c *Client) message(v wire.Value, err error) (*Message, error) {
	if err != nil {
		return nil, err
	}
	h, err := v.AsHandle()
	if err != nil {
		return nil, err
	}
	return &Message{readyObject(c, classMessage, h)}, nil
}
