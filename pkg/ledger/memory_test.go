package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	flytesting "github.com/powerpump/flywheel/utils/pkg/testing"
)

func strptr(s string) *string { return &s }
func i64ptr(v int64) *int64   { return &v }

func memStore(t *testing.T, cap int) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(MemoryStoreConfig{Logger: flytesting.NewLogger(), Cap: cap})
	require.NoError(t, err)
	return s
}

func TestFlywheel_Ledger_NewMemoryStore(t *testing.T) {
	t.Parallel()

	t.Run("requires a logger", func(t *testing.T) {
		t.Parallel()
		s, err := NewMemoryStore(MemoryStoreConfig{})
		require.Error(t, err)
		require.Nil(t, s)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("defaults the cap", func(t *testing.T) {
		t.Parallel()
		s, err := NewMemoryStore(MemoryStoreConfig{Logger: flytesting.NewLogger()})
		require.NoError(t, err)
		require.Equal(t, DefaultMemoryCap, s.cap)
	})
}

func TestFlywheel_Ledger_MemoryStore_Insert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("records a cycle exactly once", func(t *testing.T) {
		t.Parallel()
		s := memStore(t, 10)

		executed, err := s.HasExecuted(ctx, 42)
		require.NoError(t, err)
		require.False(t, executed)

		rec := &Record{CycleID: 42, Mode: ModeForward, Lamports: 900, Wallet: strptr("abc"), ExecutedAt: time.Now()}
		require.NoError(t, s.Insert(ctx, rec))
		require.NotEqual(t, uuid.Nil, rec.ID, "insert must assign an id")

		executed, err = s.HasExecuted(ctx, 42)
		require.NoError(t, err)
		require.True(t, executed)

		err = s.Insert(ctx, &Record{CycleID: 42, Mode: ModeForward, ExecutedAt: time.Now()})
		require.ErrorIs(t, err, ErrDuplicateCycle)

		recent, err := s.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
	})

	t.Run("evicts oldest beyond the cap", func(t *testing.T) {
		t.Parallel()
		s := memStore(t, 3)
		for i := int64(1); i <= 5; i++ {
			require.NoError(t, s.Insert(ctx, &Record{CycleID: i, Mode: ModeForward, ExecutedAt: time.Now()}))
		}

		recent, err := s.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		require.Equal(t, int64(5), recent[0].CycleID)
		require.Equal(t, int64(3), recent[2].CycleID)

		// Evicted cycles are forgotten, so their ids become claimable again.
		executed, err := s.HasExecuted(ctx, 1)
		require.NoError(t, err)
		require.False(t, executed)
	})
}

func TestFlywheel_Ledger_MemoryStore_Find(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memStore(t, 10)

	rec, err := s.Find(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, s.Insert(ctx, &Record{CycleID: 7, Mode: ModeBuyback, Lamports: 500, TokensReceived: i64ptr(123), ExecutedAt: time.Now()}))

	rec, err = s.Find(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, int64(7), rec.CycleID)
	require.Equal(t, ModeBuyback, rec.Mode)
	require.Equal(t, int64(123), *rec.TokensReceived)
}

func TestFlywheel_Ledger_MemoryStore_Recent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memStore(t, 10)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Insert(ctx, &Record{CycleID: i, Mode: ModeForward, Lamports: i * 100, ExecutedAt: time.Now()}))
	}

	recent, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	for i := range recent {
		require.Equal(t, int64(5-i), recent[i].CycleID, "most recent first")
	}
}

func TestFlywheel_Ledger_MemoryStore_Stats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memStore(t, 10)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)

	require.NoError(t, s.Insert(ctx, &Record{CycleID: 1, Mode: ModeForward, Lamports: 100, ExecutedAt: time.Now()}))
	require.NoError(t, s.Insert(ctx, &Record{CycleID: 2, Mode: ModeBuyback, Lamports: 200, TokensReceived: i64ptr(1000), ExecutedAt: time.Now()}))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalCycles)
	require.Equal(t, int64(300), stats.TotalLamports)
	require.Equal(t, int64(1000), stats.TotalTokens)
}

func TestFlywheel_Ledger_MemoryStore_ConcurrentInserts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memStore(t, 100)

	const racers = 16
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			errs <- s.Insert(ctx, &Record{CycleID: 99, Mode: ModeForward, ExecutedAt: time.Now()})
		}()
	}

	var wins, dups int
	for i := 0; i < racers; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case err == ErrDuplicateCycle:
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins, fmt.Sprintf("exactly one racer must win, got %d wins / %d dups", wins, dups))
	require.Equal(t, racers-1, dups)
}
