package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/bitpay/bitpay-app-sub010/internal/host"
	"github.com/bitpay/bitpay-app-sub010/pkg/bridge"
	"github.com/bitpay/bitpay-app-sub010/pkg/ceremony"
	"github.com/bitpay/bitpay-app-sub010/pkg/dkls"
	"github.com/bitpay/bitpay-app-sub010/pkg/transport"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

type demoOptions struct {
	participants uint8
	threshold    uint8
	chainPath    string
	message      string
	remote       string
	otVariant    bool
}

func demoCmd(a *app) *cobra.Command {
	var o demoOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Generate a key between local parties and sign a message with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.demo(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().Uint8VarP(&o.participants, "participants", "n", 2, "number of parties")
	cmd.Flags().Uint8VarP(&o.threshold, "threshold", "t", 2, "parties needed to sign")
	cmd.Flags().StringVar(&o.chainPath, "path", "m/0/0", "derivation path of the signing key")
	cmd.Flags().StringVarP(&o.message, "message", "m", "hello", "message to sign, hashed with sha256")
	cmd.Flags().StringVar(&o.remote, "remote", "", "websocket url of a worker to run every party on, like ws://127.0.0.1:8645/ws")
	cmd.Flags().BoolVar(&o.otVariant, "ot", false, "sign with the OT variant")
	return cmd
}

// connect returns one client per party. Without a remote, every party gets its own
// in-process host.
func (a *app) connect(ctx context.Context, o demoOptions) ([]*dkls.Client, func(), error) {
	var (
		clients []*dkls.Client
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	for i := 0; i < int(o.participants); i++ {
		log := a.log.With().Int("party", i+1).Logger()
		if o.remote == "" {
			h, err := host.New(a.cfg.Host, host.WithLogger(log))
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, h.Close)
			clients = append(clients, dkls.New(bridge.NewLocal(h), dkls.WithLogger(log)))
			continue
		}

		codec, err := wire.CodecByName(a.cfg.Codec)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		u, err := url.Parse(o.remote)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("remote: %w", err)
		}
		q := u.Query()
		q.Set("codec", codec.Name())
		u.RawQuery = q.Encode()
		ws, err := transport.DialWebSocket(ctx, u.String(), nil, codec == wire.JSON)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		bc := bridge.New(ws, bridge.WithCodec(codec), bridge.WithLogger(log), bridge.WithCallTimeout(a.cfg.CallTimeout))
		closers = append(closers, func() { _ = bc.Close() })
		c, err := dkls.Init(ctx, bc, dkls.WithLogger(log))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clients = append(clients, c)
	}
	return clients, closeAll, nil
}

func (a *app) demo(ctx context.Context, out io.Writer, o demoOptions) error {
	if o.threshold > o.participants {
		return fmt.Errorf("threshold %d is above %d participants", o.threshold, o.participants)
	}
	clients, closeAll, err := a.connect(ctx, o)
	if err != nil {
		return err
	}
	defer closeAll()

	sessions := make([]*dkls.KeygenSession, len(clients))
	for i, c := range clients {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return err
		}
		sessions[i] = c.NewKeygenSession(ctx, o.participants, o.threshold, uint8(i+1), seed)
	}
	shares, err := ceremony.RunKeygen(ctx, sessions)
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	pub, err := shares[0].PublicKey(ctx)
	if err != nil {
		return err
	}
	a.log.Info().Int("parties", len(shares)).Msg("key generated")
	fmt.Fprintf(out, "public key: %s\n", hex.EncodeToString(pub))

	// the first threshold parties sign
	signers := make([]ceremony.Signer, o.threshold)
	var derived []byte
	for i := range signers {
		if o.otVariant {
			s := clients[i].NewSignSessionOTVariant(ctx, shares[i], o.chainPath, nil)
			signers[i] = s
			if i == 0 {
				derived, err = s.PublicKey(ctx)
			}
		} else {
			s := clients[i].NewSignSession(ctx, shares[i], o.chainPath, nil)
			signers[i] = s
			if i == 0 {
				derived, err = s.PublicKey(ctx)
			}
		}
		if err != nil {
			return err
		}
	}
	hash := sha256.Sum256([]byte(o.message))
	sigs, err := ceremony.RunSign(ctx, signers, hash[:])
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	fmt.Fprintf(out, "%s key: %s\n", o.chainPath, hex.EncodeToString(derived))
	fmt.Fprintf(out, "signature: %s\n", hex.EncodeToString(sigs[0]))
	return nil
}
