package engine

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp/config"
)

// KeygenState is the position of a keygen session in its ceremony.
type KeygenState uint8

const (
	KeygenCreated KeygenState = iota + 1
	KeygenAnnounced
	KeygenRunning
	KeygenFinished
)

func (s KeygenState) String() string {
	switch s {
	case KeygenCreated:
		return "created"
	case KeygenAnnounced:
		return "announced"
	case KeygenRunning:
		return "running"
	case KeygenFinished:
		return "finished"
	default:
		return fmt.Sprintf("keygen_state(%d)", uint8(s))
	}
}

// KeygenSession is one party's view of a key generation or key rotation ceremony.
type KeygenSession struct {
	e    *Engine
	log  zerolog.Logger
	kind ceremonyKind

	n, t, self uint8
	seed       []byte
	old        *Keyshare

	state     KeygenState
	announces map[uint8]*announce
	run       *runner
	result    *Keyshare
}

// NewKeygenSession starts a fresh key generation for party self out of n, where t parties
// are needed to sign.
func (e *Engine) NewKeygenSession(n, t, self uint8, seed []byte) (*KeygenSession, error) {
	if err := checkParams(n, t, self); err != nil {
		return nil, err
	}
	if err := checkSeed(seed); err != nil {
		return nil, err
	}
	return e.newKeygen(ceremonyKeygen, n, t, self, seed, nil), nil
}

// InitKeyRotation starts a ceremony that refreshes every share of old's key. The public key
// does not change.
func (e *Engine) InitKeyRotation(old *Keyshare, seed []byte) (*KeygenSession, error) {
	if old == nil {
		return nil, fmt.Errorf("%w: nil keyshare", ErrInvalidArgument)
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
	return e.newKeygen(ceremonyRotation, old.Participants(), old.Threshold(), old.PartyID(), seed, old), nil
}

func (e *Engine) newKeygen(kind ceremonyKind, n, t, self uint8, seed []byte, old *Keyshare) *KeygenSession {
	return &KeygenSession{
		e:         e,
		log:       e.log.With().Str("session", "keygen").Uint8("party", self).Logger(),
		kind:      kind,
		n:         n,
		t:         t,
		self:      self,
		seed:      append([]byte(nil), seed...),
		old:       old,
		state:     KeygenCreated,
		announces: make(map[uint8]*announce, n),
	}
}

// State returns the current state of the session.
func (s *KeygenSession) State() KeygenState { return s.state }

// PartyID returns the id of the local party.
func (s *KeygenSession) PartyID() uint8 { return s.self }

// CalculateChainCodeCommitment returns the local party's chain code commitment. It only
// depends on the seed and is available in every state.
func (s *KeygenSession) CalculateChainCodeCommitment() []byte {
	return chainCodeCommitment(s.seed, s.self)
}

func (s *KeygenSession) localAnnounce() *announce {
	a := &announce{
		Ceremony:   s.kind,
		N:          s.n,
		T:          s.t,
		Commitment: s.CalculateChainCodeCommitment(),
		Nonce:      expand(s.seed, "keygen-nonce", 32),
	}
	if s.old != nil {
		a.Fingerprint = s.old.Fingerprint()
	}
	return a
}

// CreateFirstMessage returns the broadcast that opens the ceremony. It may only be called once,
// right after creation.
func (s *KeygenSession) CreateFirstMessage() (*Message, error) {
	if s.state != KeygenCreated {
		return nil, fmt.Errorf("%w: first message already created (state %s)", ErrInvalidState, s.state)
	}
	a := s.localAnnounce()
	m, err := newFrameMessage(&frame{Kind: frameAnnounce, From: s.self, Announce: a})
	if err != nil {
		return nil, err
	}
	s.announces[s.self] = a
	s.state = KeygenAnnounced
	s.log.Debug().Msg("announced")
	return m, nil
}

// HandleMessages consumes the messages of the previous round and returns the messages of
// the next one. An empty result without error means the ceremony is complete, and Keyshare
// may be called.
//
// commitments, if not nil, must hold the n chain code commitments ordered by party id. seed,
// if not nil, must be the seed the session was created with.
func (s *KeygenSession) HandleMessages(msgs []*Message, commitments, seed []byte) ([]*Message, error) {
	if seed != nil && !bytes.Equal(seed, s.seed) {
		return nil, fmt.Errorf("%w: seed does not match session", ErrInvalidArgument)
	}
	if commitments != nil && len(commitments) != int(s.n)*CommitmentSize {
		return nil, fmt.Errorf("%w: expected %d commitment bytes, got %d",
			ErrInvalidArgument, int(s.n)*CommitmentSize, len(commitments))
	}

	switch s.state {
	case KeygenAnnounced:
		return s.handleAnnounces(msgs, commitments)
	case KeygenRunning:
		if err := checkCommitments(s.announces, commitments); err != nil {
			return nil, err
		}
		return s.handleProtocol(msgs)
	default:
		return nil, fmt.Errorf("%w: can not handle messages in state %s", ErrInvalidState, s.state)
	}
}

func (s *KeygenSession) handleAnnounces(msgs []*Message, commitments []byte) ([]*Message, error) {
	frames, err := decodeBatch(msgs, s.self, frameAnnounce)
	if err != nil {
		return nil, err
	}
	own := s.announces[s.self]
	received := make(map[uint8]*announce, len(frames))
	for _, f := range frames {
		a := f.Announce
		_, seen := received[f.From]
		if _, dup := s.announces[f.From]; dup || seen {
			return nil, fmt.Errorf("%w: second announce from party %d", ErrInvalidArgument, f.From)
		}
		if f.From == 0 || f.From > s.n {
			return nil, fmt.Errorf("%w: unknown party %d", ErrInvalidArgument, f.From)
		}
		if a.Ceremony != own.Ceremony || a.N != own.N || a.T != own.T || !bytes.Equal(a.Fingerprint, own.Fingerprint) {
			return nil, &RoundError{
				Round:    "keygen announce",
				Culprits: []uint8{f.From},
				Err:      fmt.Errorf("%w: ceremony parameters differ", ErrInvalidArgument),
			}
		}
		if len(a.Commitment) != CommitmentSize {
			return nil, fmt.Errorf("%w: bad commitment from party %d", ErrInvalidArgument, f.From)
		}
		received[f.From] = a
	}
	merged := make(map[uint8]*announce, len(s.announces)+len(received))
	for id, a := range s.announces {
		merged[id] = a
	}
	for id, a := range received {
		merged[id] = a
	}
	if err := checkCommitments(merged, commitments); err != nil {
		return nil, err
	}
	s.announces = merged
	if len(s.announces) < int(s.n) {
		return nil, nil
	}
	return s.start()
}

// checkCommitments compares announces against commitments, which hold one commitment per
// party ordered by id. A nil commitments is not checked.
func checkCommitments(announces map[uint8]*announce, commitments []byte) error {
	if commitments == nil {
		return nil
	}
	for id, a := range announces {
		off := int(id-1) * CommitmentSize
		if !bytes.Equal(commitments[off:off+CommitmentSize], a.Commitment) {
			return &RoundError{
				Round:    "keygen commitments",
				Culprits: []uint8{id},
				Err:      fmt.Errorf("%w: chain code commitment mismatch", ErrInvalidArgument),
			}
		}
	}
	return nil
}

func (s *KeygenSession) start() ([]*Message, error) {
	nonces := make(map[uint8][]byte, len(s.announces))
	for id, a := range s.announces {
		nonces[id] = a.Nonce
	}
	sid := sessionID("keygen", nonces, []byte{byte(s.kind), s.n, s.t})

	var (
		run *runner
		out []*Message
		err error
	)
	if s.kind == ceremonyRotation {
		run, out, err = startRunner("refresh", s.self, cmp.Refresh(s.old.cfg, s.e.pl), sid)
	} else {
		ids := partyIDs(allParties(s.n))
		run, out, err = startRunner("keygen", s.self, cmp.Keygen(curve.Secp256k1{}, partyID(s.self), ids, int(s.t)-1, s.e.pl), sid)
	}
	if err != nil {
		return nil, err
	}
	s.run = run
	s.state = KeygenRunning
	s.log.Debug().Int("outgoing", len(out)).Msg("protocol started")
	return out, nil
}

func (s *KeygenSession) handleProtocol(msgs []*Message) ([]*Message, error) {
	frames, err := decodeBatch(msgs, s.self, frameProtocol)
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
		return nil, &RoundError{Round: s.run.name, Err: err}
	}
	cfg, ok := r.(*config.Config)
	if !ok {
		return nil, fmt.Errorf("engine: %s returned %T", s.run.name, r)
	}
	ks, err := newKeyshare(cfg, s.commitments())
	if err != nil {
		return nil, err
	}
	if s.old != nil && !bytes.Equal(ks.publicKey, s.old.publicKey) {
		return nil, &RoundError{Round: "refresh", Err: fmt.Errorf("public key changed during rotation")}
	}
	s.result = ks
	s.state = KeygenFinished
	s.log.Debug().Msg("keygen finished")
	return out, nil
}

func (s *KeygenSession) commitments() []byte {
	out := make([]byte, 0, int(s.n)*CommitmentSize)
	for _, id := range allParties(s.n) {
		out = append(out, s.announces[id].Commitment...)
	}
	return out
}

// Keyshare returns the key share produced by the ceremony.
func (s *KeygenSession) Keyshare() (*Keyshare, error) {
	if s.state != KeygenFinished {
		return nil, fmt.Errorf("keygen in state %s: %w", s.state, ErrSessionNotComplete)
	}
	return s.result, nil
}

// Close stops a running protocol handler.
func (s *KeygenSession) Close() {
	if s.run != nil {
		s.run.stop()
	}
}

const keygenVersion = 1

type keygenMarshal struct {
	Version   int              `cbor:"1,keyasint"`
	Ceremony  ceremonyKind     `cbor:"2,keyasint"`
	N         uint8            `cbor:"3,keyasint"`
	T         uint8            `cbor:"4,keyasint"`
	Self      uint8            `cbor:"5,keyasint"`
	Seed      []byte           `cbor:"6,keyasint"`
	State     KeygenState      `cbor:"7,keyasint"`
	Old       []byte           `cbor:"8,keyasint,omitempty"`
	Announces map[uint8][]byte `cbor:"9,keyasint,omitempty"`
	Result    []byte           `cbor:"10,keyasint,omitempty"`
}

// ToBytes serializes the session. Only sessions without a live protocol round can be
// serialized; a running session fails with ErrNotSerializable.
func (s *KeygenSession) ToBytes() ([]byte, error) {
	if s.state == KeygenRunning {
		return nil, fmt.Errorf("keygen in state %s: %w", s.state, ErrNotSerializable)
	}
	m := keygenMarshal{
		Version:  keygenVersion,
		Ceremony: s.kind,
		N:        s.n,
		T:        s.t,
		Self:     s.self,
		Seed:     s.seed,
		State:    s.state,
	}
	var err error
	if s.old != nil {
		if m.Old, err = s.old.ToBytes(); err != nil {
			return nil, err
		}
	}
	if s.state == KeygenAnnounced {
		m.Announces = make(map[uint8][]byte, len(s.announces))
		for id, a := range s.announces {
			if m.Announces[id], err = marshal(a); err != nil {
				return nil, err
			}
		}
	}
	if s.result != nil {
		if m.Result, err = s.result.ToBytes(); err != nil {
			return nil, err
		}
	}
	return marshal(&m)
}

// KeygenSessionFromBytes restores a session serialized with ToBytes.
func (e *Engine) KeygenSessionFromBytes(data []byte) (*KeygenSession, error) {
	var m keygenMarshal
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: keygen session: %v", ErrInvalidArgument, err)
	}
	if m.Version != keygenVersion {
		return nil, fmt.Errorf("%w: keygen session version %d", ErrInvalidArgument, m.Version)
	}
	if err := checkParams(m.N, m.T, m.Self); err != nil {
		return nil, err
	}
	if err := checkSeed(m.Seed); err != nil {
		return nil, err
	}
	var old *Keyshare
	if m.Old != nil {
		var err error
		if old, err = KeyshareFromBytes(m.Old); err != nil {
			return nil, err
		}
	}
	s := e.newKeygen(m.Ceremony, m.N, m.T, m.Self, m.Seed, old)
	switch m.State {
	case KeygenCreated:
	case KeygenAnnounced:
		for id, raw := range m.Announces {
			var a announce
			if err := cbor.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("%w: keygen announce: %v", ErrInvalidArgument, err)
			}
			s.announces[id] = &a
		}
		if _, ok := s.announces[s.self]; !ok {
			return nil, fmt.Errorf("%w: keygen snapshot lacks own announce", ErrInvalidArgument)
		}
	case KeygenFinished:
		ks, err := KeyshareFromBytes(m.Result)
		if err != nil {
			return nil, err
		}
		s.result = ks
	default:
		return nil, fmt.Errorf("%w: keygen state %d", ErrNotSerializable, m.State)
	}
	s.state = m.State
	return s, nil
}
