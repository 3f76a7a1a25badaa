// Package pipeline runs the per-cycle claim → settle → disburse → record
// sequence and builds the response payload the dashboard renders.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/powerpump/flywheel/pkg/cycle"
	"github.com/powerpump/flywheel/pkg/holders"
	"github.com/powerpump/flywheel/pkg/ledger"
	"github.com/powerpump/flywheel/pkg/metrics"
	"github.com/powerpump/flywheel/pkg/pumpportal"
)

// ErrNotConfigured means no target token mint is set. A valid deployment
// state, not a fault: the pipeline answers with timing metadata and does no
// work.
var ErrNotConfigured = errors.New("token mint not configured")

// ChainClient is the read-only chain collaborator.
type ChainClient interface {
	Balance(ctx context.Context, address solana.PublicKey) (int64, error)
	TokenBalance(ctx context.Context, mint, owner solana.PublicKey) (int64, error)
}

// TradeClient is the fee-claim and swap-construction collaborator.
type TradeClient interface {
	ClaimCreatorFees(ctx context.Context) (*pumpportal.ClaimResult, error)
	RequestSwap(ctx context.Context, req pumpportal.SwapRequest) ([]byte, error)
}

// WalletClient signs and submits transactions with the operator keypair.
type WalletClient interface {
	PublicKey() solana.PublicKey
	Transfer(ctx context.Context, recipient solana.PublicKey, lamports int64) (solana.Signature, error)
	SignAndSubmit(ctx context.Context, txBytes []byte) (solana.Signature, error)
	WaitForConfirmation(ctx context.Context, sig solana.Signature) error
}

// RecipientSelector picks the forward-mode payout recipient.
type RecipientSelector interface {
	Select(ctx context.Context, mint solana.PublicKey) (solana.PublicKey, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Chain    ChainClient
	Trade    TradeClient
	Wallet   WalletClient
	Ledger   ledger.Ledger
	Selector RecipientSelector

	Mode ledger.Mode

	// Mint is the target token. Zero means "not configured": every run
	// short-circuits to a no-op response.
	Mint solana.PublicKey

	// Interval is the cycle length. Must divide 24h evenly.
	Interval time.Duration

	// ReserveLamports stays in the wallet to fund future transaction fees.
	ReserveLamports int64

	// MinClaimLamports is the buyback-mode worthwhileness threshold: claims
	// below it are recorded as skipped cycles.
	MinClaimLamports int64

	// SettleDelay bounds the post-claim settlement wait. The platform
	// processes the claim asynchronously, so balances are polled until they
	// move or this budget elapses.
	SettleDelay        time.Duration
	SettlePollInterval time.Duration

	// SwapSettleDelay is the post-swap wait before measuring received tokens.
	SwapSettleDelay time.Duration

	SlippageBps uint64
	PriorityFee float64

	// RecentLimit caps the history list included in responses.
	RecentLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain client is required")
	}
	if cfg.Trade == nil {
		return errors.New("trade client is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Mode != ledger.ModeForward && cfg.Mode != ledger.ModeBuyback {
		return fmt.Errorf("mode must be %q or %q, got %q", ledger.ModeForward, ledger.ModeBuyback, cfg.Mode)
	}
	if cfg.Mode == ledger.ModeForward && cfg.Selector == nil {
		return errors.New("selector is required in forward mode")
	}
	if err := cycle.ValidateInterval(cfg.Interval); err != nil {
		return err
	}
	if cfg.ReserveLamports <= 0 {
		cfg.ReserveLamports = 1_000_000 // keep 0.001 SOL for fees
	}
	if cfg.MinClaimLamports <= 0 {
		cfg.MinClaimLamports = 100_000
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 10 * time.Second
	}
	if cfg.SettlePollInterval <= 0 || cfg.SettlePollInterval > cfg.SettleDelay {
		cfg.SettlePollInterval = cfg.SettleDelay / 5
	}
	if cfg.SwapSettleDelay <= 0 {
		cfg.SwapSettleDelay = 5 * time.Second
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 1000
	}
	if cfg.PriorityFee <= 0 {
		cfg.PriorityFee = 0.00005
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result is the full response payload. Every exit path fills the cycle
// metadata so the dashboard can keep its countdown synchronized even on
// failure.
type Result struct {
	Success         bool   `json:"success"`
	AlreadyExecuted bool   `json:"already_executed,omitempty"`
	NotConfigured   bool   `json:"not_configured,omitempty"`
	Error           string `json:"error,omitempty"`

	Cycle            cycle.Window `json:"cycle"`
	SecondsUntilNext int64        `json:"seconds_until_next"`

	Record *ledger.Record  `json:"record,omitempty"`
	Recent []ledger.Record `json:"recent"`
}

type Pipeline struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Window returns the current cycle window.
func (p *Pipeline) Window() cycle.Window {
	return cycle.Compute(p.clock.Now(), p.cfg.Interval)
}

// Run executes one pipeline invocation. Never panics or propagates a raw
// fault: every outcome is folded into the Result.
func (p *Pipeline) Run(ctx context.Context) Result {
	start := p.clock.Now()
	defer func() {
		metrics.PipelineDuration.Observe(p.clock.Since(start).Seconds())
	}()

	w := p.Window()

	if p.cfg.Mint.IsZero() {
		metrics.CyclesTotal.WithLabelValues("not_configured").Inc()
		return p.finish(ctx, Result{
			NotConfigured: true,
			Error:         ErrNotConfigured.Error(),
			Cycle:         w,
		})
	}

	executed, err := p.cfg.Ledger.HasExecuted(ctx, w.ID)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return p.finish(ctx, Result{Error: fmt.Sprintf("failed to check cycle state: %v", err), Cycle: w})
	}
	if executed {
		return p.alreadyExecuted(ctx, w)
	}

	rec, runErr := p.disburse(ctx, w)
	if runErr != nil {
		// Nothing was claimed, so the cycle stays unclaimed and a retry by
		// trigger is safe.
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return p.finish(ctx, Result{Error: runErr.Error(), Cycle: w})
	}

	if err := p.cfg.Ledger.Insert(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateCycle) {
			// A concurrent invocation won the race after our read. Its record
			// stands; ours is discarded.
			p.log.Warn("pipeline: lost insert race for cycle", "cycle_id", w.ID)
			return p.alreadyExecuted(ctx, w)
		}
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return p.finish(ctx, Result{Error: fmt.Sprintf("failed to record cycle: %v", err), Cycle: w, Record: rec})
	}

	result := Result{Success: rec.FailureReason == nil, Cycle: w, Record: rec}
	switch {
	case rec.FailureReason != nil:
		result.Error = *rec.FailureReason
		metrics.CyclesTotal.WithLabelValues("error").Inc()
	case rec.Signature == nil:
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.CyclesTotal.WithLabelValues("disbursed").Inc()
	}
	return p.finish(ctx, result)
}

// disburse performs the external work for one cycle. A nil error with a
// record carrying a FailureReason means the claim happened but the
// disbursement failed: the record must still be inserted so the cycle is
// never retried into a double payout. A non-nil error means nothing external
// happened yet and the cycle may be retried.
func (p *Pipeline) disburse(ctx context.Context, w cycle.Window) (*ledger.Record, error) {
	operator := p.cfg.Wallet.PublicKey()

	balanceBefore, err := p.cfg.Chain.Balance(ctx, operator)
	metrics.RecordUpstream("chain", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet balance: %w", err)
	}

	claim, err := p.cfg.Trade.ClaimCreatorFees(ctx)
	metrics.RecordUpstream("trade", err)
	if err != nil {
		return nil, fmt.Errorf("failed to claim creator fees: %w", err)
	}
	p.log.Info("pipeline: creator fees claimed", "cycle_id", w.ID, "claim_signature", claim.Signature)

	balanceAfter := p.waitForSettle(ctx, operator, balanceBefore)
	claimed := balanceAfter - balanceBefore
	if claimed > 0 {
		metrics.ClaimedLamportsTotal.Add(float64(claimed))
	}

	rec := &ledger.Record{
		CycleID:    w.ID,
		Mode:       p.cfg.Mode,
		ExecutedAt: p.clock.Now(),
	}

	switch p.cfg.Mode {
	case ledger.ModeForward:
		p.forward(ctx, rec, balanceAfter)
	case ledger.ModeBuyback:
		p.buyback(ctx, rec, claimed)
	}
	return rec, nil
}

// forward sends the wallet balance minus the reserve to a weighted-random
// holder. send <= 0 is a skip, not a failure.
func (p *Pipeline) forward(ctx context.Context, rec *ledger.Record, balance int64) {
	send := balance - p.cfg.ReserveLamports
	if send <= 0 {
		p.log.Info("pipeline: nothing to forward", "cycle_id", rec.CycleID, "balance", balance, "reserve", p.cfg.ReserveLamports)
		return
	}

	recipient, err := p.cfg.Selector.Select(ctx, p.cfg.Mint)
	metrics.RecordUpstream("chain", err)
	if err != nil {
		reason := fmt.Sprintf("failed to select recipient: %v", err)
		if errors.Is(err, holders.ErrNoHolders) || errors.Is(err, holders.ErrNoEligibleHolders) {
			reason = err.Error()
		}
		rec.FailureReason = &reason
		return
	}

	wallet := recipient.String()
	rec.Wallet = &wallet

	sig, err := p.cfg.Wallet.Transfer(ctx, recipient, send)
	metrics.RecordUpstream("wallet", err)
	if err != nil {
		reason := fmt.Sprintf("transfer failed: %v", err)
		rec.FailureReason = &reason
		return
	}

	sigStr := sig.String()
	rec.Signature = &sigStr
	rec.Lamports = send
	metrics.DisbursedLamportsTotal.WithLabelValues(string(ledger.ModeForward)).Add(float64(send))
	p.log.Info("pipeline: forwarded claim", "cycle_id", rec.CycleID, "recipient", wallet, "lamports", send, "signature", sigStr)
}

// buyback spends the claimed amount minus the reserve on a bonding-curve buy
// of the project token, measuring tokens received by balance difference.
func (p *Pipeline) buyback(ctx context.Context, rec *ledger.Record, claimed int64) {
	if claimed < p.cfg.MinClaimLamports {
		p.log.Info("pipeline: claim below buyback threshold", "cycle_id", rec.CycleID, "claimed", claimed, "threshold", p.cfg.MinClaimLamports)
		return
	}
	spend := claimed - p.cfg.ReserveLamports
	if spend <= 0 {
		p.log.Info("pipeline: claim consumed by reserve", "cycle_id", rec.CycleID, "claimed", claimed, "reserve", p.cfg.ReserveLamports)
		return
	}

	operator := p.cfg.Wallet.PublicKey()

	tokensBefore, err := p.cfg.Chain.TokenBalance(ctx, p.cfg.Mint, operator)
	metrics.RecordUpstream("chain", err)
	if err != nil {
		reason := fmt.Sprintf("failed to read token balance: %v", err)
		rec.FailureReason = &reason
		return
	}

	txBytes, err := p.cfg.Trade.RequestSwap(ctx, pumpportal.SwapRequest{
		Buyer:       operator,
		Mint:        p.cfg.Mint,
		SOLAmount:   float64(spend) / float64(solana.LAMPORTS_PER_SOL),
		SlippageBps: p.cfg.SlippageBps,
		PriorityFee: p.cfg.PriorityFee,
	})
	metrics.RecordUpstream("trade", err)
	if err != nil {
		reason := fmt.Sprintf("swap request failed: %v", err)
		rec.FailureReason = &reason
		return
	}

	sig, err := p.cfg.Wallet.SignAndSubmit(ctx, txBytes)
	if err == nil {
		err = p.cfg.Wallet.WaitForConfirmation(ctx, sig)
	}
	metrics.RecordUpstream("wallet", err)
	if err != nil {
		reason := fmt.Sprintf("swap failed: %v", err)
		rec.FailureReason = &reason
		return
	}

	p.sleep(ctx, p.cfg.SwapSettleDelay)

	// The measured difference is authoritative; the platform's echoed
	// amounts are not.
	tokensAfter, err := p.cfg.Chain.TokenBalance(ctx, p.cfg.Mint, operator)
	metrics.RecordUpstream("chain", err)
	received := int64(0)
	if err != nil {
		p.log.Warn("pipeline: could not measure post-swap token balance", "cycle_id", rec.CycleID, "error", err)
	} else {
		received = tokensAfter - tokensBefore
	}

	sigStr := sig.String()
	rec.Signature = &sigStr
	rec.Lamports = spend
	rec.TokensReceived = &received
	metrics.DisbursedLamportsTotal.WithLabelValues(string(ledger.ModeBuyback)).Add(float64(spend))
	if received > 0 {
		metrics.TokensBoughtTotal.Add(float64(received))
	}
	p.log.Info("pipeline: buyback executed", "cycle_id", rec.CycleID, "spent_lamports", spend, "tokens_received", received, "signature", sigStr)
}

// waitForSettle polls the wallet balance until it moves or the settle budget
// elapses, then returns the latest observed balance. The platform settles the
// claim asynchronously; a bounded poll gets the same eventual consistency as
// a fixed sleep without always paying the full wait.
func (p *Pipeline) waitForSettle(ctx context.Context, operator solana.PublicKey, before int64) int64 {
	deadline := p.clock.Now().Add(p.cfg.SettleDelay)
	latest := before

	for p.clock.Now().Before(deadline) {
		if !p.sleep(ctx, p.cfg.SettlePollInterval) {
			return latest
		}
		balance, err := p.cfg.Chain.Balance(ctx, operator)
		if err != nil {
			p.log.Debug("pipeline: settle poll failed", "error", err)
			continue
		}
		latest = balance
		if balance != before {
			return latest
		}
	}
	return latest
}

func (p *Pipeline) alreadyExecuted(ctx context.Context, w cycle.Window) Result {
	metrics.CyclesTotal.WithLabelValues("already_executed").Inc()

	rec, err := p.cfg.Ledger.Find(ctx, w.ID)
	if err != nil {
		p.log.Warn("pipeline: failed to load existing cycle record", "cycle_id", w.ID, "error", err)
	}
	return p.finish(ctx, Result{
		Success:         true,
		AlreadyExecuted: true,
		Cycle:           w,
		Record:          rec,
	})
}

// finish attaches recent history and the countdown to every response.
func (p *Pipeline) finish(ctx context.Context, result Result) Result {
	recent, err := p.cfg.Ledger.Recent(ctx, p.cfg.RecentLimit)
	if err != nil {
		p.log.Warn("pipeline: failed to load recent records", "error", err)
		recent = []ledger.Record{}
	}
	result.Recent = recent
	result.SecondsUntilNext = result.Cycle.SecondsUntilNext(p.clock.Now())
	return result
}

// sleep blocks for d or until ctx is done, reporting whether the full wait
// elapsed.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.clock.After(d):
		return true
	}
}
