package dkls

import (
	"context"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Keyshare is one party's share of a generated key. It is obtained from a complete
// KeygenSession or from KeyshareFromBytes; the zero value returns ErrNotInitialized.
type Keyshare struct {
	*object
}

// KeyshareFromBytes restores a share serialized with ToBytes.
func (c *Client) KeyshareFromBytes(ctx context.Context, data []byte) (*Keyshare, error) {
	o, err := c.static(ctx, classKeyshare, "fromBytes", wire.Bytes(data))
	if err != nil {
		return nil, err
	}
	return &Keyshare{o}, nil
}

func (k *Keyshare) PartyID(ctx context.Context) (uint8, error) {
	return asUint8(k.get(ctx, "partyId"))
}

// PublicKey returns the compressed root public key.
func (k *Keyshare) PublicKey(ctx context.Context) ([]byte, error) {
	return asBytes(k.get(ctx, "publicKey"))
}

// Threshold returns the number of parties needed to sign.
func (k *Keyshare) Threshold(ctx context.Context) (uint8, error) {
	return asUint8(k.get(ctx, "threshold"))
}

func (k *Keyshare) Participants(ctx context.Context) (uint8, error) {
	return asUint8(k.get(ctx, "participants"))
}

// Fingerprint identifies the key the share belongs to. It is the same for every party.
func (k *Keyshare) Fingerprint(ctx context.Context) ([]byte, error) {
	return asBytes(k.get(ctx, "fingerprint"))
}

// ChainCodeCommitments returns the commitments of every party, ordered by party id.
func (k *Keyshare) ChainCodeCommitments(ctx context.Context) ([]byte, error) {
	return asBytes(k.get(ctx, "chainCodeCommitments"))
}

func (k *Keyshare) ToBytes(ctx context.Context) ([]byte, error) {
	return asBytes(k.get(ctx, "toBytes"))
}
