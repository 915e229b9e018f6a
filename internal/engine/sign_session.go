package engine

import (
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"
)

// SignSession signs one digest with a keyshare. After presigning, every signer broadcasts its
// signature share and each of them can assemble the signature.
type SignSession struct {
	s     *signer
	share curve.Scalar
}

// NewSignSession prepares a signature with the child key of ks at chainPath. A nil seed is
// replaced by fresh randomness.
func (e *Engine) NewSignSession(ks *Keyshare, chainPath string, seed []byte) (*SignSession, error) {
	s, err := e.newSigner("sign", ks, chainPath, seed)
	if err != nil {
		return nil, err
	}
	return &SignSession{s: s}, nil
}

// SignSessionFromBytes restores a session serialized with ToBytes.
func (e *Engine) SignSessionFromBytes(data []byte) (*SignSession, error) {
	s, err := e.signerFromBytes("sign", data)
	if err != nil {
		return nil, err
	}
	return &SignSession{s: s}, nil
}

func (ss *SignSession) State() SignState { return ss.s.state }
func (ss *SignSession) PartyID() uint8  { return ss.s.self() }

// PublicKey returns the compressed public key the signature will verify under.
func (ss *SignSession) PublicKey() ([]byte, error) { return ss.s.publicKey() }

// CreateFirstMessage returns the broadcast announcing the local party as a signer.
func (ss *SignSession) CreateFirstMessage() (*Message, error) {
	return ss.s.createFirstMessage()
}

// HandleMessages consumes the messages of the previous round. The first call takes the
// announces of the other signers. An empty result means presigning is done and LastMessage
// may be called.
func (ss *SignSession) HandleMessages(msgs []*Message, seed []byte) ([]*Message, error) {
	return ss.s.handleMessages(msgs, seed)
}

// LastMessage returns the local signature share of hash as a broadcast.
func (ss *SignSession) LastMessage(hash []byte) (*Message, error) {
	s := ss.s
	if err := s.checkHash(hash); err != nil {
		return nil, err
	}
	share := s.presig.SignatureShare(hash)
	data, err := share.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("engine: encode signature share: %w", err)
	}
	m, err := newFrameMessage(&frame{Kind: frameShare, From: s.self(), Share: data})
	if err != nil {
		return nil, err
	}
	ss.share = share
	s.hash = append([]byte(nil), hash...)
	s.state = SignFinalizing
	return m, nil
}

// Combine assembles the signature from the last messages of all other signers and returns it
// as r||s.
func (ss *SignSession) Combine(msgs []*Message) ([]byte, error) {
	s := ss.s
	frames, err := s.finalFrames(msgs, frameShare)
	if err != nil {
		return nil, err
	}
	shares := map[party.ID]ecdsa.SignatureShare{partyID(s.self()): ss.share}
	group := curve.Secp256k1{}
	for _, f := range frames {
		sh := group.NewScalar()
		if err := sh.UnmarshalBinary(f.Share); err != nil {
			return nil, &RoundError{Round: "combine", Culprits: []uint8{f.From}, Err: fmt.Errorf("%w: %v", ErrInvalidArgument, err)}
		}
		shares[partyID(f.From)] = sh
	}
	sig := s.presig.Signature(shares)
	if !sig.Verify(s.child.PublicPoint(), s.hash) {
		var culprits []uint8
		for _, id := range s.presig.VerifySignatureShares(shares, s.hash) {
			if i, err := partyIndex(id); err == nil {
				culprits = append(culprits, i)
			}
		}
		return nil, &RoundError{Round: "combine", Culprits: culprits, Err: fmt.Errorf("%w: invalid signature shares", ErrEngine)}
	}
	return s.encodeSignature(sig)
}

// ToBytes serializes the session. This is possible before the first message and once
// presigning is done.
func (ss *SignSession) ToBytes() ([]byte, error) { return ss.s.toBytes() }

// Close stops a running protocol handler.
func (ss *SignSession) Close() { ss.s.close() }

// SignSessionOTVariant signs one digest with a keyshare. After presigning, the final round runs
// as an online protocol and its result is the signature.
type SignSessionOTVariant struct {
	s      *signer
	online *runner
}

// NewSignSessionOTVariant prepares a signature with the child key of ks at chainPath.
func (e *Engine) NewSignSessionOTVariant(ks *Keyshare, chainPath string, seed []byte) (*SignSessionOTVariant, error) {
	s, err := e.newSigner("sign-ot", ks, chainPath, seed)
	if err != nil {
		return nil, err
	}
	return &SignSessionOTVariant{s: s}, nil
}

// SignSessionOTVariantFromBytes restores a session serialized with ToBytes.
func (e *Engine) SignSessionOTVariantFromBytes(data []byte) (*SignSessionOTVariant, error) {
	s, err := e.signerFromBytes("sign-ot", data)
	if err != nil {
		return nil, err
	}
	return &SignSessionOTVariant{s: s}, nil
}

func (ss *SignSessionOTVariant) State() SignState { return ss.s.state }
func (ss *SignSessionOTVariant) PartyID() uint8  { return ss.s.self() }

// PublicKey returns the compressed public key the signature will verify under.
func (ss *SignSessionOTVariant) PublicKey() ([]byte, error) { return ss.s.publicKey() }

// CreateFirstMessage returns the broadcast announcing the local party as a signer.
func (ss *SignSessionOTVariant) CreateFirstMessage() (*Message, error) {
	return ss.s.createFirstMessage()
}

// HandleMessages consumes the messages of the previous round. An empty result means
// presigning is done and LastMessage may be called.
func (ss *SignSessionOTVariant) HandleMessages(msgs []*Message, seed []byte) ([]*Message, error) {
	return ss.s.handleMessages(msgs, seed)
}

// LastMessage starts the online round for hash and returns its broadcast.
func (ss *SignSessionOTVariant) LastMessage(hash []byte) (*Message, error) {
	s := ss.s
	if err := s.checkHash(hash); err != nil {
		return nil, err
	}
	sid := sessionID("presign-online", nil, s.sid, hash)
	run, out, err := startRunner("presign-online", s.self(), cmp.PresignOnline(s.child, s.presig, hash, s.e.pl), sid)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 || !out[0].Broadcast() {
		run.stop()
		return nil, &RoundError{Round: "presign-online", Err: fmt.Errorf("%w: expected one broadcast, got %d messages", ErrEngine, len(out))}
	}
	ss.online = run
	s.hash = append([]byte(nil), hash...)
	s.state = SignFinalizing
	return out[0], nil
}

// Combine feeds the last messages of all other signers to the online round and returns the
// signature as r||s.
func (ss *SignSessionOTVariant) Combine(msgs []*Message) ([]byte, error) {
	s := ss.s
	frames, err := s.finalFrames(msgs, frameProtocol)
	if err != nil {
		return nil, err
	}
	if _, err := ss.online.feed(frames); err != nil {
		return nil, err
	}
	r, err := ss.online.result()
	if err != nil {
		return nil, &RoundError{Round: "presign-online", Err: err}
	}
	sig, ok := r.(*ecdsa.Signature)
	if !ok {
		return nil, fmt.Errorf("engine: presign-online returned %T", r)
	}
	return s.encodeSignature(sig)
}

// ToBytes serializes the session, including the presignature once presigning is done.
func (ss *SignSessionOTVariant) ToBytes() ([]byte, error) { return ss.s.toBytes() }

// Close stops any running protocol handler.
func (ss *SignSessionOTVariant) Close() {
	ss.s.close()
	if ss.online != nil {
		ss.online.stop()
	}
}
