// Package holders enumerates on-chain holders of the project token and picks
// one payout recipient at random, weighted by balance share.
package holders

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrNoHolders means the chain returned no token accounts at all.
	ErrNoHolders = errors.New("no token holders found")
	// ErrNoEligibleHolders means every holder was filtered out (zero balance,
	// excluded operator wallet, or only the liquidity pool remained).
	ErrNoEligibleHolders = errors.New("no eligible token holders found")
	// ErrSelection means the weighted draw failed to produce a recipient.
	ErrSelection = errors.New("failed to select weighted random holder")
)

// Holder is one balance-bearing token account owner. Ephemeral: recomputed on
// every selection, never persisted.
type Holder struct {
	Owner   solana.PublicKey
	Balance uint64
}

// WeightedHolder carries a holder's share of the eligible supply and the
// running cumulative share used for inverse-CDF sampling.
type WeightedHolder struct {
	Holder
	Weight           float64
	CumulativeWeight float64
}

// ChainReader is the read-only chain collaborator the selector depends on.
type ChainReader interface {
	TokenHolders(ctx context.Context, mint solana.PublicKey) ([]Holder, error)
}

type SelectorConfig struct {
	Logger *slog.Logger
	Chain  ChainReader

	// Excluded wallets are never selected regardless of balance rank. In
	// practice the operator and dev wallets, excluded to avoid paying
	// ourselves.
	Excluded []solana.PublicKey

	// Draw returns a uniform value in [0,1). Defaults to a crypto/rand backed
	// uniform; injectable so selection is deterministic in tests.
	Draw func() float64
}

func (cfg *SelectorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain reader is required")
	}
	if cfg.Draw == nil {
		cfg.Draw = uniformDraw
	}
	return nil
}

type Selector struct {
	log *slog.Logger
	cfg SelectorConfig
}

func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{log: cfg.Logger, cfg: cfg}, nil
}

// Select picks one eligible holder of mint with probability proportional to
// its share of the eligible supply. The single largest holder is always
// dropped first: on a bonding-curve launch it is the liquidity pool, not a
// participant.
func (s *Selector) Select(ctx context.Context, mint solana.PublicKey) (solana.PublicKey, error) {
	raw, err := s.cfg.Chain.TokenHolders(ctx, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to fetch token holders: %w", err)
	}
	if len(raw) == 0 {
		return solana.PublicKey{}, ErrNoHolders
	}

	eligible := s.filterEligible(raw)
	if len(eligible) == 0 {
		return solana.PublicKey{}, ErrNoEligibleHolders
	}

	// Descending by balance, owner as tiebreak so ordering is deterministic.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Balance != eligible[j].Balance {
			return eligible[i].Balance > eligible[j].Balance
		}
		return eligible[i].Owner.String() < eligible[j].Owner.String()
	})

	// Drop the presumed pool.
	eligible = eligible[1:]
	if len(eligible) == 0 {
		return solana.PublicKey{}, ErrNoEligibleHolders
	}

	weighted, err := Weigh(eligible)
	if err != nil {
		return solana.PublicKey{}, err
	}

	r := s.cfg.Draw()
	winner, err := pick(weighted, r)
	if err != nil {
		return solana.PublicKey{}, err
	}

	s.log.Info("holders: selected recipient",
		"owner", winner.Owner.String(),
		"balance", winner.Balance,
		"weight", winner.Weight,
		"draw", r,
		"eligible", len(weighted),
	)
	return winner.Owner, nil
}

// filterEligible drops zero balances, the excluded wallet, and malformed
// records (zero owner key). Bad individual records are skipped, never fatal.
func (s *Selector) filterEligible(raw []Holder) []Holder {
	eligible := make([]Holder, 0, len(raw))
	for _, h := range raw {
		if h.Owner.IsZero() {
			s.log.Warn("holders: skipping record with zero owner", "balance", h.Balance)
			continue
		}
		if h.Balance == 0 {
			continue
		}
		if s.isExcluded(h.Owner) {
			continue
		}
		eligible = append(eligible, h)
	}
	return eligible
}

func (s *Selector) isExcluded(owner solana.PublicKey) bool {
	for _, ex := range s.cfg.Excluded {
		if owner.Equals(ex) {
			return true
		}
	}
	return false
}

// Weigh computes each holder's share of the total eligible supply and the
// running cumulative share in input order. The final cumulative weight is 1
// within floating-point tolerance.
func Weigh(eligible []Holder) ([]WeightedHolder, error) {
	var total uint64
	for _, h := range eligible {
		total += h.Balance
	}
	if total == 0 {
		return nil, ErrNoEligibleHolders
	}

	weighted := make([]WeightedHolder, len(eligible))
	cumulative := 0.0
	for i, h := range eligible {
		w := float64(h.Balance) / float64(total)
		cumulative += w
		weighted[i] = WeightedHolder{Holder: h, Weight: w, CumulativeWeight: cumulative}
	}
	return weighted, nil
}

// pick performs the inverse-CDF lookup: the first holder whose cumulative
// weight reaches r wins. The last holder is the catch-all, so rounding that
// leaves the final cumulative weight slightly under 1 cannot make the draw
// come up empty.
func pick(weighted []WeightedHolder, r float64) (WeightedHolder, error) {
	if len(weighted) == 0 {
		return WeightedHolder{}, ErrSelection
	}
	for _, h := range weighted {
		if r <= h.CumulativeWeight {
			return h, nil
		}
	}
	return weighted[len(weighted)-1], nil
}

// uniformDraw returns a uniform float64 in [0,1) from crypto/rand. Funds ride
// on this draw, so the default source is not the math/rand generator.
func uniformDraw() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand read failed: %v", err))
	}
	// 53 bits of entropy, the full precision of a float64 mantissa.
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}
