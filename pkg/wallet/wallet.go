// Package wallet holds the single operator keypair and submits transactions:
// forward-mode SOL transfers and co-signed buyback swaps from the platform.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
)

// ErrNotConfirmed means the transaction was submitted but did not reach the
// configured commitment within the confirmation budget.
var ErrNotConfirmed = errors.New("transaction not confirmed within budget")

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Secret is the operator keypair as a base58-encoded 64-byte secret key.
	Secret string

	RPCURL     string
	Commitment solanarpc.CommitmentType

	// Confirmation polling: bounded, not open-ended.
	ConfirmPollInterval time.Duration
	ConfirmMaxAttempts  int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Secret == "" {
		return errors.New("wallet secret is required")
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	if cfg.ConfirmMaxAttempts <= 0 {
		cfg.ConfirmMaxAttempts = 15
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Wallet struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
	key   solana.PrivateKey
	rpc   *solanarpc.Client
}

func New(cfg Config) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	raw, err := base58.Decode(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wallet secret: %w", err)
	}
	key := solana.PrivateKey(raw)
	if len(key) != 64 {
		return nil, fmt.Errorf("wallet secret must decode to 64 bytes, got %d", len(key))
	}

	return &Wallet{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		key:   key,
		rpc:   solanarpc.New(cfg.RPCURL),
	}, nil
}

// PublicKey returns the operator wallet address.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// Transfer sends lamports to recipient and waits for confirmation.
func (w *Wallet) Transfer(ctx context.Context, recipient solana.PublicKey, lamports int64) (solana.Signature, error) {
	if lamports <= 0 {
		return solana.Signature{}, fmt.Errorf("transfer amount must be greater than 0, got %d", lamports)
	}

	blockhash, err := w.rpc.GetLatestBlockhash(ctx, w.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(uint64(lamports), w.PublicKey(), recipient).Build(),
		},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(w.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transfer: %w", err)
	}

	sig, err := w.signAndSend(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}

	w.log.Info("wallet: transfer submitted", "recipient", recipient.String(), "lamports", lamports, "signature", sig.String())
	return sig, w.WaitForConfirmation(ctx, sig)
}

// SignAndSubmit co-signs a platform-built transaction blob and submits it.
// Does not wait for confirmation; callers confirm separately.
func (w *Wallet) SignAndSubmit(ctx context.Context, txBytes []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(txBytes))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to deserialize transaction: %w", err)
	}

	return w.signAndSend(ctx, tx)
}

func (w *Wallet) signAndSend(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.PublicKey()) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := w.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: w.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// WaitForConfirmation polls signature status until the configured commitment
// is reached, the transaction errors, or the attempt budget runs out.
func (w *Wallet) WaitForConfirmation(ctx context.Context, sig solana.Signature) error {
	for attempt := 1; attempt <= w.cfg.ConfirmMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(w.cfg.ConfirmPollInterval):
		}

		res, err := w.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			w.log.Debug("wallet: signature status poll failed", "attempt", attempt, "error", err)
			continue
		}
		if len(res.Value) == 0 || res.Value[0] == nil {
			continue
		}

		status := res.Value[0]
		if status.Err != nil {
			return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
		}
		if confirmationReached(status.ConfirmationStatus, w.cfg.Commitment) {
			w.log.Debug("wallet: transaction confirmed", "signature", sig.String(), "status", status.ConfirmationStatus)
			return nil
		}
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrNotConfirmed, sig, w.cfg.ConfirmMaxAttempts)
}

func confirmationReached(status solanarpc.ConfirmationStatusType, want solanarpc.CommitmentType) bool {
	rank := func(s string) int {
		switch s {
		case string(solanarpc.ConfirmationStatusProcessed):
			return 1
		case string(solanarpc.ConfirmationStatusConfirmed):
			return 2
		case string(solanarpc.ConfirmationStatusFinalized):
			return 3
		}
		return 0
	}
	return rank(string(status)) >= rank(string(want))
}
