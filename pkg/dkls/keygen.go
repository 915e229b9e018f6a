package dkls

import (
	"context"
	"fmt"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// KeygenSession is one party of a key generation or key rotation ceremony.
type KeygenSession struct {
	*object
}

// NewKeygenSession starts a key generation between participants parties, threshold of which
// are needed to sign. partyID is in 1..participants and seed must be 32 random bytes.
func (c *Client) NewKeygenSession(ctx context.Context, participants, threshold, partyID uint8, seed []byte) *KeygenSession {
	s := &KeygenSession{newObject(c, classKeygen)}
	s.construct(ctx, wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: classKeygen,
		Args: []wire.Value{
			wire.Int(int64(participants)),
			wire.Int(int64(threshold)),
			wire.Int(int64(partyID)),
			wire.Bytes(seed),
		},
	}, nil)
	return s
}

// KeygenSessionFromBytes restores a session serialized with ToBytes.
func (c *Client) KeygenSessionFromBytes(ctx context.Context, data []byte) (*KeygenSession, error) {
	o, err := c.static(ctx, classKeygen, "fromBytes", wire.Bytes(data))
	if err != nil {
		return nil, err
	}
	return &KeygenSession{o}, nil
}

// InitKeyRotation starts a ceremony refreshing the shares of ks without changing the public
// key. A nil seed is replaced by random bytes on the host.
func (c *Client) InitKeyRotation(ctx context.Context, ks *Keyshare, seed []byte) (*KeygenSession, error) {
	h, err := ks.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("dkls: key rotation: %w", err)
	}
	o, err := c.static(ctx, classKeygen, "initKeyRotation", wire.HandleValue(h), optBytes(seed))
	if err != nil {
		return nil, err
	}
	return &KeygenSession{o}, nil
}

// CreateFirstMessage returns the broadcast opening the ceremony.
func (s *KeygenSession) CreateFirstMessage(ctx context.Context) (*Message, error) {
	return s.c.message(s.call(ctx, "createFirstMessage"))
}

// HandleMessages feeds the messages of the previous round, ordered by sender, and returns the
// messages of the next one. No messages means the ceremony is complete. commitments and seed
// are optional.
func (s *KeygenSession) HandleMessages(ctx context.Context, msgs []MessageRef, commitments, seed []byte) ([]*Message, error) {
	batch, err := refs(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return s.c.messages(s.call(ctx, "handleMessages", batch, optBytes(commitments), optBytes(seed)))
}

// Keyshare returns the share produced by a complete ceremony.
func (s *KeygenSession) Keyshare(ctx context.Context) (*Keyshare, error) {
	v, err := s.call(ctx, "keyshare")
	if err != nil {
		return nil, err
	}
	h, err := v.AsHandle()
	if err != nil {
		return nil, err
	}
	return &Keyshare{readyObject(s.c, classKeyshare, h)}, nil
}

// ToBytes serializes the session so it can be resumed with KeygenSessionFromBytes.
func (s *KeygenSession) ToBytes(ctx context.Context) ([]byte, error) {
	return asBytes(s.call(ctx, "toBytes"))
}

// CalculateChainCodeCommitment returns the commitment of this party to its chain code
// contribution.
func (s *KeygenSession) CalculateChainCodeCommitment(ctx context.Context) ([]byte, error) {
	return asBytes(s.call(ctx, "calculateChainCodeCommitment"))
}

func (s *KeygenSession) PartyID(ctx context.Context) (uint8, error) {
	return asUint8(s.call(ctx, "partyId"))
}
