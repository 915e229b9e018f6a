package engine

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Load(DefaultOrigin, []string{DefaultAllowedPrefix})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func testSeed(id uint8) []byte {
	return bytes.Repeat([]byte{id}, SeedSize)
}

// inbox returns the messages of round addressed to id, ordered by sender.
func inbox(round []*Message, id uint8) []*Message {
	var out []*Message
	for _, m := range round {
		if m.IsFor(id) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].From() < out[j].From() })
	return out
}

func runKeygen(t *testing.T, sessions []*KeygenSession) []*Keyshare {
	t.Helper()
	var round []*Message
	for _, s := range sessions {
		m, err := s.CreateFirstMessage()
		require.NoError(t, err)
		round = append(round, m)
	}
	for step := 0; step < 16; step++ {
		var next []*Message
		active := false
		for _, s := range sessions {
			if s.State() == KeygenFinished {
				continue
			}
			active = true
			out, err := s.HandleMessages(inbox(round, s.PartyID()), nil, nil)
			require.NoError(t, err, "party %d, step %d", s.PartyID(), step)
			next = append(next, out...)
		}
		if !active {
			break
		}
		round = next
	}
	shares := make([]*Keyshare, len(sessions))
	for i, s := range sessions {
		ks, err := s.Keyshare()
		require.NoError(t, err)
		shares[i] = ks
	}
	return shares
}

func generateKeys(t *testing.T, e *Engine, n, threshold uint8) []*Keyshare {
	t.Helper()
	sessions := make([]*KeygenSession, n)
	for i := range sessions {
		id := uint8(i + 1)
		s, err := e.NewKeygenSession(n, threshold, id, testSeed(id))
		require.NoError(t, err)
		sessions[i] = s
	}
	return runKeygen(t, sessions)
}

// presigner is the part common to both sign session flavours.
type presigner interface {
	PartyID() uint8
	State() SignState
	CreateFirstMessage() (*Message, error)
	HandleMessages(msgs []*Message, seed []byte) ([]*Message, error)
	LastMessage(hash []byte) (*Message, error)
	Combine(msgs []*Message) ([]byte, error)
}

func runPresign(t *testing.T, sessions []presigner) {
	t.Helper()
	var round []*Message
	for _, s := range sessions {
		m, err := s.CreateFirstMessage()
		require.NoError(t, err)
		round = append(round, m)
	}
	for step := 0; step < 16; step++ {
		var next []*Message
		active := false
		for _, s := range sessions {
			if s.State() == SignPresigned {
				continue
			}
			active = true
			out, err := s.HandleMessages(inbox(round, s.PartyID()), nil)
			require.NoError(t, err, "party %d, step %d", s.PartyID(), step)
			next = append(next, out...)
		}
		if !active {
			return
		}
		round = next
	}
	t.Fatal("presigning did not finish")
}

func runFinal(t *testing.T, sessions []presigner, hash []byte) [][]byte {
	t.Helper()
	var last []*Message
	for _, s := range sessions {
		m, err := s.LastMessage(hash)
		require.NoError(t, err)
		last = append(last, m)
	}
	sigs := make([][]byte, len(sessions))
	for i, s := range sessions {
		sig, err := s.Combine(inbox(last, s.PartyID()))
		require.NoError(t, err)
		sigs[i] = sig
	}
	return sigs
}
