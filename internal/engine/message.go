package engine

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
)

// Message is a protocol message exchanged between the parties of a ceremony.
// Its content never changes once created.
type Message struct {
	payload []byte
	from    uint8
	to      uint8
}

// CheckHeader reports whether from and to are usable party ids. Party ids start at 1, and a
// nil to means broadcast.
func CheckHeader(from uint8, to *uint8) error {
	if from == 0 {
		return fmt.Errorf("%w: sender party id must be at least 1", ErrInvalidArgument)
	}
	if to != nil && *to == 0 {
		return fmt.Errorf("%w: recipient party id must be at least 1", ErrInvalidArgument)
	}
	return nil
}

// NewMessage creates a message from its parts. A nil to means broadcast.
//
// The payload is only checked when a session consumes the message.
func NewMessage(payload []byte, from uint8, to *uint8) *Message {
	m := &Message{
		payload: append([]byte(nil), payload...),
		from:    from,
	}
	if to != nil {
		m.to = *to
	}
	return m
}

// Payload returns a copy of the encoded message.
func (m *Message) Payload() []byte {
	return append([]byte(nil), m.payload...)
}

// From returns the sender's party id.
func (m *Message) From() uint8 { return m.from }

// To returns the recipient's party id, or false for a broadcast.
func (m *Message) To() (uint8, bool) {
	return m.to, m.to != 0
}

// Broadcast reports whether the message is meant for every other party.
func (m *Message) Broadcast() bool { return m.to == 0 }

// IsFor reports whether party id should receive m.
func (m *Message) IsFor(id uint8) bool {
	return id != m.from && (m.to == 0 || m.to == id)
}

func (m *Message) String() string {
	if m.to == 0 {
		return fmt.Sprintf("message(from %d, broadcast, %d bytes)", m.from, len(m.payload))
	}
	return fmt.Sprintf("message(from %d, to %d, %d bytes)", m.from, m.to, len(m.payload))
}

type frameKind uint8

const (
	frameAnnounce frameKind = iota + 1
	frameProtocol
	frameShare
)

func (k frameKind) String() string {
	switch k {
	case frameAnnounce:
		return "announce"
	case frameProtocol:
		return "protocol"
	case frameShare:
		return "share"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

type ceremonyKind uint8

const (
	ceremonyKeygen ceremonyKind = iota + 1
	ceremonyRotation
	ceremonySign
)

// announce opens a ceremony. It is the first message of every session.
type announce struct {
	Ceremony    ceremonyKind `cbor:"1,keyasint"`
	N           uint8        `cbor:"2,keyasint,omitempty"`
	T           uint8        `cbor:"3,keyasint,omitempty"`
	Commitment  []byte       `cbor:"4,keyasint,omitempty"`
	Fingerprint []byte       `cbor:"5,keyasint,omitempty"`
	ChainPath   string       `cbor:"6,keyasint,omitempty"`
	Nonce       []byte       `cbor:"7,keyasint"`
}

// frame is the payload of a Message.
type frame struct {
	Kind     frameKind `cbor:"1,keyasint"`
	From     uint8     `cbor:"2,keyasint"`
	To       uint8     `cbor:"3,keyasint,omitempty"`
	Announce *announce `cbor:"4,keyasint,omitempty"`
	Protocol []byte    `cbor:"5,keyasint,omitempty"`
	Share    []byte    `cbor:"6,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func newFrameMessage(f *frame) (*Message, error) {
	payload, err := marshal(f)
	if err != nil {
		return nil, fmt.Errorf("engine: encode %s frame: %w", f.Kind, err)
	}
	return &Message{payload: payload, from: f.From, to: f.To}, nil
}

// decodeFrame parses the payload of m and checks it against the message header.
func decodeFrame(m *Message, self uint8) (*frame, error) {
	if m.from == 0 {
		return nil, fmt.Errorf("%w: message from party 0", ErrInvalidArgument)
	}
	var f frame
	if err := cbor.Unmarshal(m.payload, &f); err != nil {
		return nil, fmt.Errorf("%w: undecodable payload from party %d: %v", ErrInvalidArgument, m.from, err)
	}
	if f.From != m.from || f.To != m.to {
		return nil, fmt.Errorf("%w: payload header (from %d, to %d) does not match message (from %d, to %d)",
			ErrInvalidArgument, f.From, f.To, m.from, m.to)
	}
	if !m.IsFor(self) {
		return nil, fmt.Errorf("%w: %s is not addressed to party %d", ErrInvalidArgument, m, self)
	}
	switch f.Kind {
	case frameAnnounce:
		if f.Announce == nil {
			return nil, fmt.Errorf("%w: empty announce from party %d", ErrInvalidArgument, m.from)
		}
	case frameProtocol:
		if len(f.Protocol) == 0 {
			return nil, fmt.Errorf("%w: empty protocol frame from party %d", ErrInvalidArgument, m.from)
		}
	case frameShare:
		if len(f.Share) == 0 {
			return nil, fmt.Errorf("%w: empty share from party %d", ErrInvalidArgument, m.from)
		}
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrInvalidArgument, f.Kind)
	}
	return &f, nil
}

// decodeBatch decodes msgs, which must be ordered by sender.
func decodeBatch(msgs []*Message, self uint8, want frameKind) ([]*frame, error) {
	frames := make([]*frame, 0, len(msgs))
	for i, m := range msgs {
		if m == nil {
			return nil, fmt.Errorf("%w: nil message at index %d", ErrInvalidArgument, i)
		}
		if i > 0 && m.from < msgs[i-1].from {
			return nil, fmt.Errorf("%w: message %d from party %d follows party %d",
				ErrMessageOrder, i, m.from, msgs[i-1].from)
		}
		f, err := decodeFrame(m, self)
		if err != nil {
			return nil, err
		}
		if f.Kind != want {
			return nil, fmt.Errorf("%w: expected %s frame, got %s from party %d", ErrInvalidState, want, f.Kind, m.from)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func wrapProtocol(msg *protocol.Message, self uint8) (*Message, error) {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("engine: encode protocol message: %w", err)
	}
	f := &frame{Kind: frameProtocol, From: self, Protocol: data}
	if msg.To != "" {
		to, err := partyIndex(msg.To)
		if err != nil {
			return nil, err
		}
		f.To = to
	}
	return newFrameMessage(f)
}

func unwrapProtocol(f *frame) (*protocol.Message, error) {
	var msg protocol.Message
	if err := cbor.Unmarshal(f.Protocol, &msg); err != nil {
		return nil, fmt.Errorf("%w: undecodable protocol message from party %d: %v", ErrInvalidArgument, f.From, err)
	}
	if msg.From != partyID(f.From) {
		return nil, fmt.Errorf("%w: protocol message claims sender %s, frame says %d", ErrInvalidArgument, msg.From, f.From)
	}
	if f.To == 0 && msg.To != "" || f.To != 0 && msg.To != partyID(f.To) {
		return nil, fmt.Errorf("%w: protocol message recipient does not match frame", ErrInvalidArgument)
	}
	return &msg, nil
}
