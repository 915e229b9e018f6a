package engine

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp/config"
)

const keyshareVersion = 1

// Keyshare is one party's share of a jointly generated key.
type Keyshare struct {
	cfg         *config.Config
	self        uint8
	n           uint8
	publicKey   []byte
	commitments []byte
}

type keyshareMarshal struct {
	Version     int    `cbor:"1,keyasint"`
	Config      []byte `cbor:"2,keyasint"`
	Commitments []byte `cbor:"3,keyasint,omitempty"`
}

func newKeyshare(cfg *config.Config, commitments []byte) (*Keyshare, error) {
	self, err := partyIndex(cfg.ID)
	if err != nil {
		return nil, err
	}
	pub, err := cfg.PublicPoint().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("engine: encode public key: %w", err)
	}
	return &Keyshare{
		cfg:         cfg,
		self:        self,
		n:           uint8(len(cfg.PartyIDs())),
		publicKey:   pub,
		commitments: commitments,
	}, nil
}

// KeyshareFromBytes restores a keyshare serialized with ToBytes.
func KeyshareFromBytes(data []byte) (*Keyshare, error) {
	var m keyshareMarshal
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: keyshare: %v", ErrInvalidArgument, err)
	}
	if m.Version != keyshareVersion {
		return nil, fmt.Errorf("%w: keyshare version %d", ErrInvalidArgument, m.Version)
	}
	cfg := config.EmptyConfig(curve.Secp256k1{})
	if err := cfg.UnmarshalBinary(m.Config); err != nil {
		return nil, fmt.Errorf("%w: keyshare config: %v", ErrInvalidArgument, err)
	}
	return newKeyshare(cfg, m.Commitments)
}

// ToBytes serializes the keyshare. The result contains secret key material.
func (k *Keyshare) ToBytes() ([]byte, error) {
	cfg, err := k.cfg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("engine: encode keyshare: %w", err)
	}
	return marshal(&keyshareMarshal{
		Version:     keyshareVersion,
		Config:      cfg,
		Commitments: k.commitments,
	})
}

// PartyID returns the id of the party holding the share.
func (k *Keyshare) PartyID() uint8 { return k.self }

// Participants returns the number of parties sharing the key.
func (k *Keyshare) Participants() uint8 { return k.n }

// Threshold returns the number of parties needed to sign.
func (k *Keyshare) Threshold() uint8 { return uint8(k.cfg.Threshold + 1) }

// PublicKey returns the compressed SEC1 encoding of the shared public key.
func (k *Keyshare) PublicKey() []byte {
	return append([]byte(nil), k.publicKey...)
}

// ChainCodeCommitments returns the commitments of all parties, ordered by party id.
func (k *Keyshare) ChainCodeCommitments() []byte {
	return append([]byte(nil), k.commitments...)
}

// Fingerprint identifies the shared key.
func (k *Keyshare) Fingerprint() []byte {
	return fingerprint(k.publicKey)
}

// derive returns the configuration of the child key at path.
func (k *Keyshare) derive(path []uint32) (*config.Config, error) {
	cfg := k.cfg
	for _, i := range path {
		child, err := cfg.DeriveBIP32(i)
		if err != nil {
			return nil, fmt.Errorf("engine: derive child %d: %w", i, err)
		}
		cfg = child
	}
	return cfg, nil
}
