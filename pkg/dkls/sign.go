package dkls

import (
	"context"
	"fmt"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// signSession holds the methods shared by both sign session flavours.
type signSession struct {
	*object
}

// CreateFirstMessage returns the broadcast announcing this signer.
func (s signSession) CreateFirstMessage(ctx context.Context) (*Message, error) {
	return s.c.message(s.call(ctx, "createFirstMessage"))
}

// HandleMessages feeds the messages of the previous round, ordered by sender. No messages
// means presigning is complete and LastMessage may be called. seed is optional.
func (s signSession) HandleMessages(ctx context.Context, msgs []MessageRef, seed []byte) ([]*Message, error) {
	batch, err := refs(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return s.c.messages(s.call(ctx, "handleMessages", batch, optBytes(seed)))
}

// LastMessage returns this signer's contribution to the signature of hash.
func (s signSession) LastMessage(ctx context.Context, hash []byte) (*Message, error) {
	return s.c.message(s.call(ctx, "lastMessage", wire.Bytes(hash)))
}

// Combine aggregates the last messages of the other signers into a 64 byte signature, r
// followed by s.
func (s signSession) Combine(ctx context.Context, msgs []MessageRef) ([]byte, error) {
	batch, err := refs(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return asBytes(s.call(ctx, "combine", batch))
}

// ToBytes serializes the session. Only sessions that were not started or are presigned can
// be serialized.
func (s signSession) ToBytes(ctx context.Context) ([]byte, error) {
	return asBytes(s.call(ctx, "toBytes"))
}

// PublicKey returns the compressed public key derived for the chain path.
func (s signSession) PublicKey(ctx context.Context) ([]byte, error) {
	return asBytes(s.call(ctx, "publicKey"))
}

func (s signSession) PartyID(ctx context.Context) (uint8, error) {
	return asUint8(s.call(ctx, "partyId"))
}

// SignSession signs with a key share, presigning interactively and finishing with one
// broadcast per signer.
type SignSession struct {
	signSession
}

// NewSignSession starts a signing session for ks with the key derived along chainPath, like
// "m/0/0". A nil seed is replaced by random bytes on the host.
func (c *Client) NewSignSession(ctx context.Context, ks *Keyshare, chainPath string, seed []byte) *SignSession {
	return &SignSession{c.newSigner(ctx, classSign, ks, chainPath, seed)}
}

// SignSessionFromBytes restores a session serialized with ToBytes.
func (c *Client) SignSessionFromBytes(ctx context.Context, data []byte) (*SignSession, error) {
	o, err := c.static(ctx, classSign, "fromBytes", wire.Bytes(data))
	if err != nil {
		return nil, err
	}
	return &SignSession{signSession{o}}, nil
}

// SignSessionOTVariant is like SignSession, but the last message runs the online round of
// the presignature protocol instead of sharing a signature directly.
type SignSessionOTVariant struct {
	signSession
}

// NewSignSessionOTVariant is like NewSignSession.
func (c *Client) NewSignSessionOTVariant(ctx context.Context, ks *Keyshare, chainPath string, seed []byte) *SignSessionOTVariant {
	return &SignSessionOTVariant{c.newSigner(ctx, classSignOT, ks, chainPath, seed)}
}

// SignSessionOTVariantFromBytes restores a session serialized with ToBytes.
func (c *Client) SignSessionOTVariantFromBytes(ctx context.Context, data []byte) (*SignSessionOTVariant, error) {
	o, err := c.static(ctx, classSignOT, "fromBytes", wire.Bytes(data))
	if err != nil {
		return nil, err
	}
	return &SignSessionOTVariant{signSession{o}}, nil
}

func (c *Client) newSigner(ctx context.Context, class string, ks *Keyshare, chainPath string, seed []byte) signSession {
	o := newObject(c, class)
	if ks == nil || ks.object == nil {
		o.settle(0, fmt.Errorf("dkls: new %s: keyshare: %w", class, ErrNotInitialized))
		return signSession{o}
	}
	o.construct(ctx, wire.Request{
		Type:      wire.TypeConstruct,
		ClassName: class,
		Args:      []wire.Value{wire.String(chainPath), optBytes(seed)},
	}, ks.object)
	return signSession{o}
}
