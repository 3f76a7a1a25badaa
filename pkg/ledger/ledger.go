// Package ledger records one outcome per distribution cycle. The unique
// cycle_id constraint is what makes the pipeline idempotent: duplicate insert
// attempts fail with ErrDuplicateCycle instead of corrupting history.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateCycle means an outcome for this cycle id is already recorded.
// Callers treat it as "already done", not as a failure.
var ErrDuplicateCycle = errors.New("cycle already recorded")

// Mode is the disbursement strategy a record was produced under.
type Mode string

const (
	ModeForward Mode = "forward"
	ModeBuyback Mode = "buyback"
)

// Record is one cycle outcome. Insert-only: never mutated, never deleted by
// this service.
type Record struct {
	ID      uuid.UUID `json:"id"`
	CycleID int64     `json:"cycle_id"`
	Mode    Mode      `json:"mode"`

	// Wallet is the forward-mode recipient; nil for buyback records.
	Wallet *string `json:"wallet,omitempty"`

	// Lamports is the amount forwarded (forward) or spent (buyback). Zero for
	// skipped cycles.
	Lamports int64 `json:"lamports"`

	// TokensReceived is the measured buyback result, set only in buyback mode.
	TokensReceived *int64 `json:"tokens_received,omitempty"`

	// Signature is nil when the cycle was skipped or the transaction failed.
	Signature *string `json:"signature,omitempty"`

	// FailureReason carries the disbursement error for cycles recorded after
	// a caught transaction failure.
	FailureReason *string `json:"failure_reason,omitempty"`

	ExecutedAt time.Time `json:"executed_at"`
}

// Stats are display-only aggregates for the dashboard.
type Stats struct {
	TotalCycles   int64 `json:"total_cycles"`
	TotalLamports int64 `json:"total_lamports"`
	TotalTokens   int64 `json:"total_tokens"`
}

// Ledger is the cycle history collaborator the orchestrator depends on.
type Ledger interface {
	// HasExecuted reports whether an outcome for cycleID is recorded.
	HasExecuted(ctx context.Context, cycleID int64) (bool, error)

	// Find returns the record for cycleID, or nil if none exists.
	Find(ctx context.Context, cycleID int64) (*Record, error)

	// Insert stores a new record, returning ErrDuplicateCycle if the cycle id
	// is already taken. Assigns the record id when unset.
	Insert(ctx context.Context, rec *Record) error

	// Recent returns up to limit records, most recent first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Stats returns display aggregates over all records.
	Stats(ctx context.Context) (Stats, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
