package dkls_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitpay/bitpay-app-sub010/internal/host"
	"github.com/bitpay/bitpay-app-sub010/pkg/bridge"
	"github.com/bitpay/bitpay-app-sub010/pkg/dkls"
	"github.com/bitpay/bitpay-app-sub010/pkg/transport"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

func newHost(t *testing.T, cfg host.Config) *host.Host {
	t.Helper()
	h, err := host.New(cfg)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

// local returns a client calling h in process.
func local(t *testing.T) (*dkls.Client, *host.Host) {
	t.Helper()
	h := newHost(t, host.DefaultConfig())
	return dkls.New(bridge.NewLocal(h)), h
}

// remote returns a client reaching h through a bridge over an in-memory transport.
func remote(t *testing.T, codec wire.Codec) (*dkls.Client, *host.Host) {
	t.Helper()
	h := newHost(t, host.DefaultConfig())
	a, b := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, b, codec) }()
	bc := bridge.New(a, bridge.WithCodec(codec))
	t.Cleanup(func() {
		_ = bc.Close()
		cancel()
		<-done
	})
	return dkls.New(bc), h
}

func seed(b byte) []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, host.DefaultConfig())
	c, err := dkls.Init(ctx, bridge.NewLocal(h))
	require.NoError(t, err)
	assert.Equal(t, host.DefaultConfig().Origin, c.Origin())

	cfg := host.DefaultConfig()
	cfg.Origin = "https://cdn.example/dkls.wasm"
	blocked := newHost(t, cfg)
	_, err = dkls.Init(ctx, bridge.NewLocal(blocked))
	assert.ErrorIs(t, err, wire.ErrBlockedOrigin)

	// constructors report it too
	s := dkls.New(bridge.NewLocal(blocked)).NewKeygenSession(ctx, 2, 2, 1, seed(1))
	assert.ErrorIs(t, s.Ready(ctx), wire.ErrBlockedOrigin)
}

func TestMessage(t *testing.T) {
	for name, newClient := range map[string]func(*testing.T) (*dkls.Client, *host.Host){
		"local": local,
		"json":  func(t *testing.T) (*dkls.Client, *host.Host) { return remote(t, wire.JSON) },
		"cbor":  func(t *testing.T) (*dkls.Client, *host.Host) { return remote(t, wire.CBOR) },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, h := newClient(t)

			to := uint8(2)
			m := c.NewMessage(ctx, map[string]any{"0": 7, "1": 8, "2": 9}, 1, &to)
			payload, err := m.Payload(ctx)
			require.NoError(t, err)
			assert.Equal(t, []byte{7, 8, 9}, payload)

			env, err := m.Envelope(ctx)
			require.NoError(t, err)
			assert.Equal(t, dkls.Envelope{Payload: []byte{7, 8, 9}, From: 1, To: &to}, env)
			assert.True(t, env.IsFor(2))
			assert.False(t, env.IsFor(1))
			assert.False(t, env.IsFor(3))

			b := c.NewMessage(ctx, []int{1}, 3, nil)
			_, isDirect, err := b.ToID(ctx)
			require.NoError(t, err)
			assert.False(t, isDirect)
			assert.Equal(t, 2, h.Live()[host.ClassMessage])

			require.NoError(t, m.Free(ctx))
			require.NoError(t, m.Free(ctx))
			_, err = m.Payload(ctx)
			assert.ErrorIs(t, err, dkls.ErrFreed)
			assert.ErrorIs(t, err, wire.ErrUnknownHandle)
			assert.Equal(t, 1, h.Live()[host.ClassMessage])
			require.NoError(t, b.Free(ctx))
		})
	}
}

func TestInvalidPayload(t *testing.T) {
	ctx := context.Background()
	c, h := local(t)
	m := c.NewMessage(ctx, map[string]any{"a": 1, "b": 2}, 1, nil)
	assert.ErrorIs(t, m.Ready(ctx), wire.ErrInvalidByteSource)
	assert.NoError(t, m.Free(ctx))
	assert.Empty(t, h.Live()[host.ClassMessage])
}

func TestZeroValues(t *testing.T) {
	ctx := context.Background()
	c, _ := local(t)

	var ks dkls.Keyshare
	_, err := ks.PublicKey(ctx)
	assert.ErrorIs(t, err, dkls.ErrNotInitialized)
	assert.NoError(t, ks.Free(ctx))

	s := c.NewSignSession(ctx, &ks, "m", nil)
	assert.ErrorIs(t, s.Ready(ctx), dkls.ErrNotInitialized)
	_, err = s.LastMessage(ctx, make([]byte, 32))
	assert.ErrorIs(t, err, dkls.ErrNotInitialized)

	_, err = c.InitKeyRotation(ctx, &ks, nil)
	assert.ErrorIs(t, err, dkls.ErrNotInitialized)

	var m dkls.Message
	_, err = m.FromID(ctx)
	assert.ErrorIs(t, err, dkls.ErrNotInitialized)
}

func TestKeygenSession(t *testing.T) {
	ctx := context.Background()
	c, h := local(t)

	bad := c.NewKeygenSession(ctx, 2, 3, 1, seed(1))
	assert.ErrorIs(t, bad.Ready(ctx), wire.ErrInvalidArgument)

	s := c.NewKeygenSession(ctx, 2, 2, 1, seed(1))
	id, err := s.PartyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), id)

	commitment, err := s.CalculateChainCodeCommitment(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, commitment)

	_, err = s.Keyshare(ctx)
	assert.ErrorIs(t, err, wire.ErrSessionNotComplete)

	first, err := s.CreateFirstMessage(ctx)
	require.NoError(t, err)
	from, err := first.FromID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), from)
	_, err = s.CreateFirstMessage(ctx)
	assert.ErrorIs(t, err, wire.ErrInvalidState)

	_, err = s.HandleMessages(ctx, []dkls.MessageRef{nil}, nil, nil)
	assert.ErrorIs(t, err, wire.ErrBadMessageEntry)

	data, err := s.ToBytes(ctx)
	require.NoError(t, err)
	restored, err := c.KeygenSessionFromBytes(ctx, data)
	require.NoError(t, err)
	again, err := restored.CalculateChainCodeCommitment(ctx)
	require.NoError(t, err)
	assert.Equal(t, commitment, again)

	// a second party's announce fed as a plain envelope
	other := c.NewKeygenSession(ctx, 2, 2, 2, seed(2))
	announce, err := other.CreateFirstMessage(ctx)
	require.NoError(t, err)
	env, err := announce.Envelope(ctx)
	require.NoError(t, err)
	out, err := s.HandleMessages(ctx, []dkls.MessageRef{env}, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	for _, o := range []interface{ Free(context.Context) error }{s, restored, other, first, announce, bad} {
		require.NoError(t, o.Free(ctx))
	}
	for _, m := range out {
		require.NoError(t, m.Free(ctx))
	}
	for class, n := range h.Live() {
		assert.Zero(t, n, class)
	}
}

func TestUnknownKeyshareBytes(t *testing.T) {
	ctx := context.Background()
	c, _ := local(t)
	_, err := c.KeyshareFromBytes(ctx, []byte{1, 2, 3})
	assert.Error(t, err)
	_, err = c.SignSessionFromBytes(ctx, nil)
	assert.Error(t, err)
}
