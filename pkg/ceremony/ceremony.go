// Package ceremony runs complete keygen and signing ceremonies between sessions reachable
// from one process, delivering the messages of each round to the parties they address.
package ceremony

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/bitpay/bitpay-app-sub010/pkg/dkls"
)

// MaxRounds bounds the number of message rounds of a ceremony.
const MaxRounds = 32

// ErrStalled is returned when a ceremony does not finish within MaxRounds.
var ErrStalled = errors.New("ceremony: did not finish")

// Party is the part of a session needed to open a ceremony.
type Party interface {
	PartyID(ctx context.Context) (uint8, error)
	CreateFirstMessage(ctx context.Context) (*dkls.Message, error)
}

// Signer is implemented by *dkls.SignSession and *dkls.SignSessionOTVariant.
type Signer interface {
	Party
	HandleMessages(ctx context.Context, msgs []dkls.MessageRef, seed []byte) ([]*dkls.Message, error)
	LastMessage(ctx context.Context, hash []byte) (*dkls.Message, error)
	Combine(ctx context.Context, msgs []dkls.MessageRef) ([]byte, error)
}

// RunKeygen drives sessions, one per party, to completion and returns their key shares in
// the same order.
func RunKeygen(ctx context.Context, sessions []*dkls.KeygenSession) ([]*dkls.Keyshare, error) {
	parties := make([]Party, len(sessions))
	for i, s := range sessions {
		parties[i] = s
	}
	ids, round, err := open(ctx, parties)
	if err != nil {
		return nil, err
	}

	commitments := make([][]byte, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			c, err := s.CalculateChainCodeCommitment(gctx)
			commitments[i] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	all := joinByID(ids, commitments)

	err = run(ctx, ids, round, func(ctx context.Context, i int, in []dkls.MessageRef) ([]*dkls.Message, error) {
		return sessions[i].HandleMessages(ctx, in, all, nil)
	})
	if err != nil {
		return nil, err
	}

	shares := make([]*dkls.Keyshare, len(sessions))
	for i, s := range sessions {
		ks, err := s.Keyshare(ctx)
		if err != nil {
			return nil, fmt.Errorf("ceremony: party %d: %w", ids[i], err)
		}
		shares[i] = ks
	}
	return shares, nil
}

// RunSign drives signers through presigning and signing of hash. It returns the signature
// combined by each of them.
func RunSign(ctx context.Context, signers []Signer, hash []byte) ([][]byte, error) {
	parties := make([]Party, len(signers))
	for i, s := range signers {
		parties[i] = s
	}
	ids, round, err := open(ctx, parties)
	if err != nil {
		return nil, err
	}
	err = run(ctx, ids, round, func(ctx context.Context, i int, in []dkls.MessageRef) ([]*dkls.Message, error) {
		return signers[i].HandleMessages(ctx, in, nil)
	})
	if err != nil {
		return nil, err
	}

	last, err := step(ctx, ids, func(ctx context.Context, i int) ([]*dkls.Message, error) {
		m, err := signers[i].LastMessage(ctx, hash)
		return []*dkls.Message{m}, err
	})
	if err != nil {
		return nil, err
	}
	sigs := make([][]byte, len(signers))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range signers {
		i, s := i, s
		g.Go(func() error {
			sig, err := s.Combine(gctx, inbox(last, ids[i]))
			if err != nil {
				return fmt.Errorf("ceremony: party %d: %w", ids[i], err)
			}
			sigs[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sigs, nil
}

// open reads the party ids and collects the first messages.
func open(ctx context.Context, parties []Party) ([]uint8, []dkls.Envelope, error) {
	ids := make([]uint8, len(parties))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parties {
		i, p := i, p
		g.Go(func() error {
			id, err := p.PartyID(gctx)
			ids[i] = id
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	seen := make(map[uint8]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, nil, fmt.Errorf("ceremony: party %d appears twice", id)
		}
		seen[id] = true
	}

	round, err := step(ctx, ids, func(ctx context.Context, i int) ([]*dkls.Message, error) {
		m, err := parties[i].CreateFirstMessage(ctx)
		return []*dkls.Message{m}, err
	})
	return ids, round, err
}

type handleFunc func(ctx context.Context, i int, in []dkls.MessageRef) ([]*dkls.Message, error)

// run feeds rounds to every party until all of them return no messages.
func run(ctx context.Context, ids []uint8, round []dkls.Envelope, handle handleFunc) error {
	done := make([]bool, len(ids))
	for r := 0; r < MaxRounds; r++ {
		var finished int
		next, err := step(ctx, ids, func(ctx context.Context, i int) ([]*dkls.Message, error) {
			if done[i] {
				return nil, nil
			}
			out, err := handle(ctx, i, inbox(round, ids[i]))
			if err != nil {
				return nil, err
			}
			if len(out) == 0 {
				done[i] = true
			}
			return out, nil
		})
		if err != nil {
			return err
		}
		for _, d := range done {
			if d {
				finished++
			}
		}
		if finished == len(ids) {
			return nil
		}
		round = next
	}
	return ErrStalled
}

// step runs f for every party concurrently and returns the produced messages in their plain
// form. The host copies are freed.
func step(ctx context.Context, ids []uint8, f func(ctx context.Context, i int) ([]*dkls.Message, error)) ([]dkls.Envelope, error) {
	outs := make([][]dkls.Envelope, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i := range ids {
		i := i
		g.Go(func() error {
			msgs, err := f(gctx, i)
			if err != nil {
				return fmt.Errorf("ceremony: party %d: %w", ids[i], err)
			}
			for _, m := range msgs {
				e, err := m.Envelope(gctx)
				if err != nil {
					return fmt.Errorf("ceremony: party %d: %w", ids[i], err)
				}
				if err := m.Free(gctx); err != nil {
					return err
				}
				outs[i] = append(outs[i], e)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []dkls.Envelope
	for _, out := range outs {
		all = append(all, out...)
	}
	return all, nil
}

// inbox returns the messages of round addressed to id, ordered by sender.
func inbox(round []dkls.Envelope, id uint8) []dkls.MessageRef {
	var mine []dkls.Envelope
	for _, e := range round {
		if e.IsFor(id) {
			mine = append(mine, e)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].From < mine[j].From })
	out := make([]dkls.MessageRef, len(mine))
	for i, e := range mine {
		out[i] = e
	}
	return out
}

// joinByID concatenates the values of every party in party id order.
func joinByID(ids []uint8, values [][]byte) []byte {
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })
	var out []byte
	for _, i := range order {
		out = append(out, values[i]...)
	}
	return out
}
