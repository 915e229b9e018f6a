package engine

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp/config"
)

// HashSize is the size of the digest passed to LastMessage.
const HashSize = 32

// SignatureSize is the size of a signature returned by Combine, r followed by s.
const SignatureSize = 64

// SignState is the position of a sign session in its ceremony.
type SignState uint8

const (
	SignCreated SignState = iota + 1
	SignAnnounced
	SignPresigning
	SignPresigned
	SignFinalizing
	SignDone
)

func (s SignState) String() string {
	switch s {
	case SignCreated:
		return "created"
	case SignAnnounced:
		return "announced"
	case SignPresigning:
		return "presigning"
	case SignPresigned:
		return "presigned"
	case SignFinalizing:
		return "finalizing"
	case SignDone:
		return "done"
	default:
		return fmt.Sprintf("sign_state(%d)", uint8(s))
	}
}

// signer holds the part of a signing ceremony shared by both session flavours. It runs the
// announce round, then the CMP presigning protocol.
type signer struct {
	e    *Engine
	log  zerolog.Logger
	name string

	ks    *Keyshare
	path  string
	child *config.Config
	seed  []byte

	state     SignState
	announces map[uint8]*announce
	signers   []uint8
	sid       []byte
	run       *runner
	presig    *ecdsa.PreSignature
	hash      []byte
}

func (e *Engine) newSigner(name string, ks *Keyshare, chainPath string, seed []byte) (*signer, error) {
	if ks == nil {
		return nil, fmt.Errorf("%w: nil keyshare", ErrInvalidArgument)
	}
	path, err := ParseChainPath(chainPath)
	if err != nil {
		return nil, err
	}
	child, err := ks.derive(path)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		seed = make([]byte, SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("engine: seed: %w", err)
		}
	}
	if err := checkSeed(seed); err != nil {
		return nil, err
	}
	return &signer{
		e:         e,
		log:       e.log.With().Str("session", name).Uint8("party", ks.self).Logger(),
		name:      name,
		ks:        ks,
		path:      chainPath,
		child:     child,
		seed:      append([]byte(nil), seed...),
		state:     SignCreated,
		announces: make(map[uint8]*announce, ks.n),
	}, nil
}

func (s *signer) self() uint8 { return s.ks.self }

func (s *signer) createFirstMessage() (*Message, error) {
	if s.state != SignCreated {
		return nil, fmt.Errorf("%w: first message already created (state %s)", ErrInvalidState, s.state)
	}
	a := &announce{
		Ceremony:    ceremonySign,
		Fingerprint: s.ks.Fingerprint(),
		ChainPath:   s.path,
		Nonce:       expand(s.seed, "sign-nonce", 32),
	}
	m, err := newFrameMessage(&frame{Kind: frameAnnounce, From: s.self(), Announce: a})
	if err != nil {
		return nil, err
	}
	s.announces[s.self()] = a
	s.state = SignAnnounced
	return m, nil
}

func (s *signer) handleMessages(msgs []*Message, seed []byte) ([]*Message, error) {
	if seed != nil && !bytes.Equal(seed, s.seed) {
		return nil, fmt.Errorf("%w: seed does not match session", ErrInvalidArgument)
	}
	switch s.state {
	case SignAnnounced:
		return s.handleAnnounces(msgs)
	case SignPresigning:
		return s.handlePresign(msgs)
	default:
		return nil, fmt.Errorf("%w: can not handle messages in state %s", ErrInvalidState, s.state)
	}
}

// handleAnnounces fixes the signer set to the local party and every party announcing in
// msgs, then starts presigning.
func (s *signer) handleAnnounces(msgs []*Message) ([]*Message, error) {
	frames, err := decodeBatch(msgs, s.self(), frameAnnounce)
	if err != nil {
		return nil, err
	}
	own := s.announces[s.self()]
	seen := make(map[uint8]bool, len(frames))
	for _, f := range frames {
		a := f.Announce
		if _, dup := s.announces[f.From]; dup || seen[f.From] {
			return nil, fmt.Errorf("%w: second announce from party %d", ErrInvalidArgument, f.From)
		}
		if f.From == 0 || f.From > s.ks.n {
			return nil, fmt.Errorf("%w: unknown party %d", ErrInvalidArgument, f.From)
		}
		if a.Ceremony != ceremonySign || !bytes.Equal(a.Fingerprint, own.Fingerprint) || a.ChainPath != own.ChainPath {
			return nil, &RoundError{
				Round:    s.name + " announce",
				Culprits: []uint8{f.From},
				Err:      fmt.Errorf("%w: party signs with another key or path", ErrInvalidArgument),
			}
		}
		seen[f.From] = true
	}
	if len(frames)+1 < int(s.ks.Threshold()) {
		return nil, fmt.Errorf("%w: %d signers announced, %d needed",
			ErrIncompleteSignatureMaterial, len(frames)+1, s.ks.Threshold())
	}
	for _, f := range frames {
		s.announces[f.From] = f.Announce
	}
	return s.startPresign()
}

func (s *signer) startPresign() ([]*Message, error) {
	nonces := make(map[uint8][]byte, len(s.announces))
	s.signers = s.signers[:0]
	for id, a := range s.announces {
		nonces[id] = a.Nonce
		s.signers = append(s.signers, id)
	}
	sort.Slice(s.signers, func(i, j int) bool { return s.signers[i] < s.signers[j] })
	s.sid = sessionID("sign", nonces, s.ks.Fingerprint(), []byte(s.path))

	run, out, err := startRunner("presign", s.self(), cmp.Presign(s.child, partyIDs(s.signers), s.e.pl), s.sid)
	if err != nil {
		return nil, err
	}
	s.run = run
	s.state = SignPresigning
	s.log.Debug().Ints("signers", toInts(s.signers)).Msg("presign started")
	return out, nil
}

func (s *signer) handlePresign(msgs []*Message) ([]*Message, error) {
	frames, err := decodeBatch(msgs, s.self(), frameProtocol)
	if err != nil {
		return nil, err
	}
	out, err := s.run.feed(frames)
	if err != nil {
		return nil, err
	}
	if !s.run.done {
		return out, nil
	}
	r, err := s.run.result()
	if err != nil {
		return nil, &RoundError{Round: "presign", Err: err}
	}
	presig, ok := r.(*ecdsa.PreSignature)
	if !ok {
		return nil, fmt.Errorf("engine: presign returned %T", r)
	}
	s.presig = presig
	s.run = nil
	s.state = SignPresigned
	s.log.Debug().Msg("presigned")
	return out, nil
}

func (s *signer) checkHash(hash []byte) error {
	if s.state != SignPresigned {
		return fmt.Errorf("%s in state %s: %w", s.name, s.state, ErrSessionNotComplete)
	}
	if len(hash) != HashSize {
		return fmt.Errorf("%w: message hash must be %d bytes, got %d", ErrInvalidArgument, HashSize, len(hash))
	}
	return nil
}

// finalFrames decodes the final messages of the other signers. A message is needed from every
// one of them.
func (s *signer) finalFrames(msgs []*Message, kind frameKind) ([]*frame, error) {
	if s.state != SignFinalizing {
		return nil, fmt.Errorf("%s in state %s: %w", s.name, s.state, ErrSessionNotComplete)
	}
	frames, err := decodeBatch(msgs, s.self(), kind)
	if err != nil {
		return nil, err
	}
	got := make(map[uint8]bool, len(frames))
	for _, f := range frames {
		if !containsParty(s.signers, f.From) {
			return nil, fmt.Errorf("%w: party %d is not a signer", ErrInvalidArgument, f.From)
		}
		if got[f.From] {
			return nil, fmt.Errorf("%w: second final message from party %d", ErrInvalidArgument, f.From)
		}
		got[f.From] = true
	}
	var missing []uint8
	for _, id := range s.signers {
		if id != s.self() && !got[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing final messages from parties %v", ErrIncompleteSignatureMaterial, missing)
	}
	return frames, nil
}

// encodeSignature returns r||s with s in the lower half of the group order, after checking
// the signature against the derived public key.
func (s *signer) encodeSignature(sig *ecdsa.Signature) ([]byte, error) {
	rb, err := sig.R.XScalar().MarshalBinary()
	if err != nil {
		return nil, err
	}
	sb, err := sig.S.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var r, sc secp256k1.ModNScalar
	if overflow := r.SetByteSlice(rb); overflow {
		return nil, fmt.Errorf("engine: r overflows the group order")
	}
	if overflow := sc.SetByteSlice(sb); overflow {
		return nil, fmt.Errorf("engine: s overflows the group order")
	}
	if sc.IsOverHalfOrder() {
		sc.Negate()
	}

	pubBytes, err := s.child.PublicPoint().MarshalBinary()
	if err != nil {
		return nil, err
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("engine: parse public key: %w", err)
	}
	if !decredecdsa.NewSignature(&r, &sc).Verify(s.hash, pub) {
		return nil, &RoundError{Round: "combine", Err: fmt.Errorf("%w: signature does not verify", ErrEngine)}
	}

	out := make([]byte, SignatureSize)
	rArr, sArr := r.Bytes(), sc.Bytes()
	copy(out[:32], rArr[:])
	copy(out[32:], sArr[:])
	s.state = SignDone
	return out, nil
}

// PublicKey returns the compressed public key of the derived child key.
func (s *signer) publicKey() ([]byte, error) {
	return s.child.PublicPoint().MarshalBinary()
}

func (s *signer) close() {
	if s.run != nil {
		s.run.stop()
	}
}

const signVersion = 1

type signMarshal struct {
	Version   int       `cbor:"1,keyasint"`
	Variant   string    `cbor:"2,keyasint"`
	Keyshare  []byte    `cbor:"3,keyasint"`
	ChainPath string    `cbor:"4,keyasint"`
	Seed      []byte    `cbor:"5,keyasint"`
	State     SignState `cbor:"6,keyasint"`
	Signers   []uint8   `cbor:"7,keyasint,omitempty"`
	SID       []byte    `cbor:"8,keyasint,omitempty"`
	PreSig    []byte    `cbor:"9,keyasint,omitempty"`
}

func (s *signer) toBytes() ([]byte, error) {
	if s.state != SignCreated && s.state != SignPresigned {
		return nil, fmt.Errorf("%s in state %s: %w", s.name, s.state, ErrNotSerializable)
	}
	ks, err := s.ks.ToBytes()
	if err != nil {
		return nil, err
	}
	m := signMarshal{
		Version:   signVersion,
		Variant:   s.name,
		Keyshare:  ks,
		ChainPath: s.path,
		Seed:      s.seed,
		State:     s.state,
	}
	if s.state == SignPresigned {
		m.Signers = s.signers
		m.SID = s.sid
		if m.PreSig, err = marshalPreSignature(s.presig); err != nil {
			return nil, err
		}
	}
	return marshal(&m)
}

func (e *Engine) signerFromBytes(name string, data []byte) (*signer, error) {
	var m signMarshal
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, name, err)
	}
	if m.Version != signVersion || m.Variant != name {
		return nil, fmt.Errorf("%w: %s snapshot has version %d, variant %q", ErrInvalidArgument, name, m.Version, m.Variant)
	}
	ks, err := KeyshareFromBytes(m.Keyshare)
	if err != nil {
		return nil, err
	}
	s, err := e.newSigner(name, ks, m.ChainPath, m.Seed)
	if err != nil {
		return nil, err
	}
	switch m.State {
	case SignCreated:
	case SignPresigned:
		presig, err := unmarshalPreSignature(m.PreSig)
		if err != nil {
			return nil, err
		}
		s.presig = presig
		s.signers = m.Signers
		s.sid = m.SID
	default:
		return nil, fmt.Errorf("%w: %s state %d", ErrNotSerializable, name, m.State)
	}
	s.state = m.State
	return s, nil
}

type preSignatureMarshal struct {
	ID       []byte            `cbor:"1,keyasint"`
	R        []byte            `cbor:"2,keyasint"`
	RBar     map[string][]byte `cbor:"3,keyasint"`
	S        map[string][]byte `cbor:"4,keyasint"`
	KShare   []byte            `cbor:"5,keyasint"`
	ChiShare []byte            `cbor:"6,keyasint"`
}

func marshalPoints(points map[party.ID]curve.Point) (map[string][]byte, error) {
	out := make(map[string][]byte, len(points))
	for id, pt := range points {
		b, err := pt.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out[string(id)] = b
	}
	return out, nil
}

func unmarshalPoints(group curve.Curve, in map[string][]byte) (map[party.ID]curve.Point, error) {
	out := make(map[party.ID]curve.Point, len(in))
	for id, b := range in {
		pt := group.NewPoint()
		if err := pt.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		out[party.ID(id)] = pt
	}
	return out, nil
}

func marshalPreSignature(p *ecdsa.PreSignature) ([]byte, error) {
	var (
		m   = preSignatureMarshal{ID: []byte(p.ID)}
		err error
	)
	if m.R, err = p.R.MarshalBinary(); err != nil {
		return nil, err
	}
	if m.RBar, err = marshalPoints(p.RBar.Points); err != nil {
		return nil, err
	}
	if m.S, err = marshalPoints(p.S.Points); err != nil {
		return nil, err
	}
	if m.KShare, err = p.KShare.MarshalBinary(); err != nil {
		return nil, err
	}
	if m.ChiShare, err = p.ChiShare.MarshalBinary(); err != nil {
		return nil, err
	}
	return marshal(&m)
}

func unmarshalPreSignature(data []byte) (*ecdsa.PreSignature, error) {
	var m preSignatureMarshal
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: presignature: %v", ErrInvalidArgument, err)
	}
	group := curve.Secp256k1{}
	p := ecdsa.EmptyPreSignature(group)
	p.ID = m.ID
	for _, step := range []struct {
		dst interface{ UnmarshalBinary([]byte) error }
		src []byte
	}{
		{p.R, m.R},
		{p.KShare, m.KShare},
		{p.ChiShare, m.ChiShare},
	} {
		if err := step.dst.UnmarshalBinary(step.src); err != nil {
			return nil, fmt.Errorf("%w: presignature: %v", ErrInvalidArgument, err)
		}
	}
	var err error
	if p.RBar.Points, err = unmarshalPoints(group, m.RBar); err != nil {
		return nil, fmt.Errorf("%w: presignature: %v", ErrInvalidArgument, err)
	}
	if p.S.Points, err = unmarshalPoints(group, m.S); err != nil {
		return nil, fmt.Errorf("%w: presignature: %v", ErrInvalidArgument, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return p, nil
}

func containsParty(ids []uint8, id uint8) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func toInts(ids []uint8) []int {
	out := make([]int, len(ids))
	for i, x := range ids {
		out[i] = int(x)
	}
	return out
}
