package engine

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// SeedSize is the size of the seed every session is created from.
const SeedSize = 32

// CommitmentSize is the size of a chain code commitment.
const CommitmentSize = 32

func partyID(i uint8) party.ID {
	return party.ID(strconv.Itoa(int(i)))
}

func partyIndex(id party.ID) (uint8, error) {
	i, err := strconv.ParseUint(string(id), 10, 8)
	if err != nil || i == 0 {
		return 0, fmt.Errorf("engine: unexpected party id %q", id)
	}
	return uint8(i), nil
}

func partyIDs(indices []uint8) []party.ID {
	ids := make([]party.ID, len(indices))
	for i, x := range indices {
		ids[i] = partyID(x)
	}
	return ids
}

func allParties(n uint8) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = uint8(i + 1)
	}
	return out
}

func checkParams(n, t, self uint8) error {
	if n < 2 {
		return fmt.Errorf("%w: need at least 2 participants, got %d", ErrInvalidArgument, n)
	}
	if t < 2 || t > n {
		return fmt.Errorf("%w: threshold %d out of range [2, %d]", ErrInvalidArgument, t, n)
	}
	if self < 1 || self > n {
		return fmt.Errorf("%w: party id %d out of range [1, %d]", ErrInvalidArgument, self, n)
	}
	return nil
}

func checkSeed(seed []byte) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidArgument, SeedSize, len(seed))
	}
	return nil
}

// expand derives size bytes bound to label from seed.
func expand(seed []byte, label string, size int) []byte {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, seed, nil, []byte("dkls/"+label))
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails when more than 255 blocks are requested
		panic(err)
	}
	return out
}

// chainCodeCommitment commits party self to the chain code contribution derived from seed.
func chainCodeCommitment(seed []byte, self uint8) []byte {
	h := blake3.New()
	_, _ = h.Write([]byte("dkls/chain-code-commitment"))
	_, _ = h.Write([]byte{self})
	_, _ = h.Write(expand(seed, "chain-code", 32))
	return h.Sum(nil)
}

// sessionID binds every party's nonce, in party order, to the ceremony parameters.
func sessionID(label string, nonces map[uint8][]byte, extra ...[]byte) []byte {
	ids := make([]int, 0, len(nonces))
	for id := range nonces {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	h := blake3.New()
	_, _ = h.Write([]byte("dkls/session/" + label))
	for _, id := range ids {
		_, _ = h.Write([]byte{uint8(id)})
		_, _ = h.Write(nonces[uint8(id)])
	}
	for _, x := range extra {
		_, _ = h.Write(x)
	}
	return h.Sum(nil)
}

func fingerprint(publicKey []byte) []byte {
	sum := blake3.Sum256(publicKey)
	return sum[:]
}

// ParseChainPath parses a non-hardened derivation path such as "m/0/1".
func ParseChainPath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if parts[0] != "m" {
		return nil, fmt.Errorf("%w: chain path %q must start with m", ErrInvalidArgument, path)
	}
	out := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h") {
			return nil, fmt.Errorf("%w: hardened derivation %q is not supported", ErrInvalidArgument, p)
		}
		i, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: chain path %q: bad index %q", ErrInvalidArgument, path, p)
		}
		out = append(out, uint32(i))
	}
	return out, nil
}
