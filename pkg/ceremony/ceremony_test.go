package ceremony

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitpay/bitpay-app-sub010/internal/host"
	"github.com/bitpay/bitpay-app-sub010/pkg/bridge"
	"github.com/bitpay/bitpay-app-sub010/pkg/dkls"
	"github.com/bitpay/bitpay-app-sub010/pkg/transport"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// parties returns one client per party, each talking to its own host over a bridge.
func parties(t *testing.T, n int) []*dkls.Client {
	t.Helper()
	clients := make([]*dkls.Client, n)
	for i := range clients {
		h, err := host.New(host.DefaultConfig())
		require.NoError(t, err)
		a, b := transport.Pipe()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.Serve(ctx, b, wire.CBOR) }()
		bc := bridge.New(a, bridge.WithCodec(wire.CBOR))
		t.Cleanup(func() {
			_ = bc.Close()
			cancel()
			<-done
			h.Close()
		})
		clients[i] = dkls.New(bc)
	}
	return clients
}

// fixedSeed is 1, 2, ..., 32.
func fixedSeed() []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = byte(i + 1)
	}
	return s
}

func verify(t *testing.T, pub, hash, sig []byte) {
	t.Helper()
	require.Len(t, sig, 64)
	key, err := secp256k1.ParsePubKey(pub)
	require.NoError(t, err)
	var r, s secp256k1.ModNScalar
	require.False(t, r.SetByteSlice(sig[:32]))
	require.False(t, s.SetByteSlice(sig[32:]))
	assert.True(t, decredecdsa.NewSignature(&r, &s).Verify(hash, key), "signature verifies")
}

func keygen(t *testing.T, ctx context.Context, clients []*dkls.Client, threshold uint8) []*dkls.Keyshare {
	t.Helper()
	n := uint8(len(clients))
	sessions := make([]*dkls.KeygenSession, n)
	for i, c := range clients {
		sessions[i] = c.NewKeygenSession(ctx, n, threshold, uint8(i+1), fixedSeed())
	}
	shares, err := RunKeygen(ctx, sessions)
	require.NoError(t, err)
	for _, s := range sessions {
		require.NoError(t, s.Free(ctx))
	}
	return shares
}

func TestKeygenAndSign(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full ceremony in short mode")
	}
	ctx := context.Background()
	clients := parties(t, 2)
	shares := keygen(t, ctx, clients, 2)

	pub, err := shares[0].PublicKey(ctx)
	require.NoError(t, err)
	other, err := shares[1].PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub, other)

	// restore every share from its bytes
	restored := make([]*dkls.Keyshare, len(shares))
	for i, ks := range shares {
		data, err := ks.ToBytes(ctx)
		require.NoError(t, err)
		r, err := clients[i].KeyshareFromBytes(ctx, data)
		require.NoError(t, err)
		again, err := r.ToBytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, data, again)
		restored[i] = r
	}

	hash := sha256.Sum256([]byte("transfer 1 BTC"))

	t.Run("standard", func(t *testing.T) {
		signers := make([]Signer, len(clients))
		for i, c := range clients {
			signers[i] = c.NewSignSession(ctx, restored[i], "m/0/0", nil)
		}
		sigs, err := RunSign(ctx, signers, hash[:])
		require.NoError(t, err)
		assert.Equal(t, sigs[0], sigs[1])

		derived, err := signers[0].(*dkls.SignSession).PublicKey(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, pub, derived)
		verify(t, derived, hash[:], sigs[0])
	})

	t.Run("ot variant", func(t *testing.T) {
		signers := make([]Signer, len(clients))
		for i, c := range clients {
			signers[i] = c.NewSignSessionOTVariant(ctx, restored[i], "m/0/0", nil)
		}
		sigs, err := RunSign(ctx, signers, hash[:])
		require.NoError(t, err)

		derived, err := signers[1].(*dkls.SignSessionOTVariant).PublicKey(ctx)
		require.NoError(t, err)
		verify(t, derived, hash[:], sigs[1])
	})

	t.Run("incomplete material", func(t *testing.T) {
		signers := make([]Signer, len(clients))
		for i, c := range clients {
			signers[i] = c.NewSignSession(ctx, restored[i], "m/0/0", nil)
		}
		parties := make([]Party, len(signers))
		for i, s := range signers {
			parties[i] = s
		}
		ids, round, err := open(ctx, parties)
		require.NoError(t, err)
		err = run(ctx, ids, round, func(ctx context.Context, i int, in []dkls.MessageRef) ([]*dkls.Message, error) {
			return signers[i].HandleMessages(ctx, in, nil)
		})
		require.NoError(t, err)

		_, err = signers[0].LastMessage(ctx, hash[:])
		require.NoError(t, err)
		_, err = signers[0].Combine(ctx, nil)
		assert.ErrorIs(t, err, wire.ErrIncompleteSignatureMaterial)
	})

	t.Run("snapshot after presign", func(t *testing.T) {
		sessions := make([]*dkls.SignSession, len(clients))
		signers := make([]Signer, len(clients))
		for i, c := range clients {
			sessions[i] = c.NewSignSession(ctx, restored[i], "m/1", nil)
			signers[i] = sessions[i]
		}
		parties := make([]Party, len(signers))
		for i, s := range signers {
			parties[i] = s
		}
		ids, round, err := open(ctx, parties)
		require.NoError(t, err)
		require.NoError(t, run(ctx, ids, round, func(ctx context.Context, i int, in []dkls.MessageRef) ([]*dkls.Message, error) {
			return signers[i].HandleMessages(ctx, in, nil)
		}))

		for i, s := range sessions {
			data, err := s.ToBytes(ctx)
			require.NoError(t, err)
			require.NoError(t, s.Free(ctx))
			resumed, err := clients[i].SignSessionFromBytes(ctx, data)
			require.NoError(t, err)
			sessions[i] = resumed
		}

		var last []dkls.Envelope
		for _, s := range sessions {
			m, err := s.LastMessage(ctx, hash[:])
			require.NoError(t, err)
			e, err := m.Envelope(ctx)
			require.NoError(t, err)
			last = append(last, e)
		}
		derived, err := sessions[0].PublicKey(ctx)
		require.NoError(t, err)
		for i, s := range sessions {
			sig, err := s.Combine(ctx, inbox(last, ids[i]))
			require.NoError(t, err)
			verify(t, derived, hash[:], sig)
		}
	})
}

func TestKeyRotation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full ceremony in short mode")
	}
	ctx := context.Background()
	clients := parties(t, 2)
	shares := keygen(t, ctx, clients, 2)
	pub, err := shares[0].PublicKey(ctx)
	require.NoError(t, err)

	sessions := make([]*dkls.KeygenSession, len(shares))
	for i, ks := range shares {
		s, err := clients[i].InitKeyRotation(ctx, ks, nil)
		require.NoError(t, err)
		sessions[i] = s
	}
	rotated, err := RunKeygen(ctx, sessions)
	require.NoError(t, err)

	for i, ks := range rotated {
		got, err := ks.PublicKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, pub, got)
		before, err := shares[i].ToBytes(ctx)
		require.NoError(t, err)
		after, err := ks.ToBytes(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, before, after, "share is refreshed")
	}

	hash := sha256.Sum256([]byte("after rotation"))
	signers := []Signer{
		clients[0].NewSignSession(ctx, rotated[0], "m", nil),
		clients[1].NewSignSession(ctx, rotated[1], "m", nil),
	}
	sigs, err := RunSign(ctx, signers, hash[:])
	require.NoError(t, err)
	verify(t, pub, hash[:], sigs[0])
}

func TestDuplicateParty(t *testing.T) {
	ctx := context.Background()
	clients := parties(t, 1)
	a := clients[0].NewKeygenSession(ctx, 2, 2, 1, fixedSeed())
	b := clients[0].NewKeygenSession(ctx, 2, 2, 1, fixedSeed())
	_, err := RunKeygen(ctx, []*dkls.KeygenSession{a, b})
	assert.ErrorContains(t, err, "appears twice")
}

func TestInbox(t *testing.T) {
	to := uint8(2)
	round := []dkls.Envelope{
		{Payload: []byte{3}, From: 3},
		{Payload: []byte{1}, From: 1, To: &to},
		{Payload: []byte{2}, From: 2},
		{Payload: []byte{4}, From: 1},
	}
	got := inbox(round, 2)
	require.Len(t, got, 3)
	assert.Equal(t, uint8(1), got[0].(dkls.Envelope).From)
	assert.Equal(t, []byte{1}, got[0].(dkls.Envelope).Payload)
	assert.Equal(t, uint8(1), got[1].(dkls.Envelope).From)
	assert.Equal(t, uint8(3), got[2].(dkls.Envelope).From)

	assert.Equal(t, []byte{1, 2, 3}, joinByID([]uint8{3, 1, 2}, [][]byte{{3}, {1}, {2}}))
}
