// Package solanaclient wraps the Solana JSON-RPC surface this service needs:
// holder enumeration for a mint and balance reads for settlement accounting.
package solanaclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/powerpump/flywheel/pkg/holders"
	"github.com/powerpump/flywheel/utils/pkg/retry"
)

// DefaultRPCURL is the default Solana RPC endpoint.
const DefaultRPCURL = solanarpc.MainNetBeta_RPC

// SPL token account layout: mint [0:32], owner [32:64], amount u64 LE [64:72].
const (
	tokenAccountSize  = 165
	tokenOwnerOffset  = 32
	tokenAmountOffset = 64
)

type Config struct {
	Logger     *slog.Logger
	RPCURL     string
	Commitment solanarpc.CommitmentType
	Retry      retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = DefaultRPCURL
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client is the read-only chain collaborator. All calls are context-bound and
// retried on transient RPC failures.
type Client struct {
	log *slog.Logger
	cfg Config
	rpc *solanarpc.Client
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
		rpc: solanarpc.New(cfg.RPCURL),
	}, nil
}

// TokenHolders enumerates every balance-bearing account of mint via
// getProgramAccounts on the SPL token program, filtered server-side by
// account size and mint. Accounts that do not decode are skipped.
func (c *Client) TokenHolders(ctx context.Context, mint solana.PublicKey) ([]holders.Holder, error) {
	var accounts solanarpc.GetProgramAccountsResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		accounts, err = c.rpc.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &solanarpc.GetProgramAccountsOpts{
			Commitment: c.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
			Filters: []solanarpc.RPCFilter{
				{DataSize: tokenAccountSize},
				{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: mint.Bytes()}},
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token accounts for mint %s: %w", mint, err)
	}

	out := make([]holders.Holder, 0, len(accounts))
	for _, acc := range accounts {
		if acc == nil || acc.Account == nil {
			continue
		}
		h, ok := decodeTokenAccount(acc.Account.Data.GetBinary())
		if !ok {
			c.log.Warn("solana: skipping undecodable token account", "account", acc.Pubkey.String())
			continue
		}
		out = append(out, h)
	}

	c.log.Debug("solana: fetched token holders", "mint", mint.String(), "accounts", len(out))
	return out, nil
}

// Balance returns the SOL balance of address in lamports.
func (c *Client) Balance(ctx context.Context, address solana.PublicKey) (int64, error) {
	var res *solanarpc.GetBalanceResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		res, err = c.rpc.GetBalance(ctx, address, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance for %s: %w", address, err)
	}
	return int64(res.Value), nil
}

// TokenBalance returns owner's total balance of mint in raw token units,
// summed across all of owner's token accounts for that mint.
func (c *Client) TokenBalance(ctx context.Context, mint, owner solana.PublicKey) (int64, error) {
	var res *solanarpc.GetTokenAccountsResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		res, err = c.rpc.GetTokenAccountsByOwner(ctx, owner,
			&solanarpc.GetTokenAccountsConfig{Mint: mint.ToPointer()},
			&solanarpc.GetTokenAccountsOpts{
				Commitment: c.cfg.Commitment,
				Encoding:   solana.EncodingBase64,
			})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch token accounts for owner %s: %w", owner, err)
	}

	var total int64
	for _, acc := range res.Value {
		if acc == nil || acc.Account.Data == nil {
			continue
		}
		h, ok := decodeTokenAccount(acc.Account.Data.GetBinary())
		if !ok {
			c.log.Warn("solana: skipping undecodable token account", "account", acc.Pubkey.String())
			continue
		}
		total += int64(h.Balance)
	}
	return total, nil
}

func decodeTokenAccount(data []byte) (holders.Holder, bool) {
	if len(data) < tokenAccountSize {
		return holders.Holder{}, false
	}
	return holders.Holder{
		Owner:   solana.PublicKeyFromBytes(data[tokenOwnerOffset : tokenOwnerOffset+32]),
		Balance: binary.LittleEndian.Uint64(data[tokenAmountOffset : tokenAmountOffset+8]),
	}, true
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports int64) float64 {
	return float64(lamports) / float64(solana.LAMPORTS_PER_SOL)
}

// SOLToLamports converts SOL to lamports.
func SOLToLamports(sol float64) int64 {
	return int64(sol * float64(solana.LAMPORTS_PER_SOL))
}
