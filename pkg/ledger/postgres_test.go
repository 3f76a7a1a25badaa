package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	flytesting "github.com/powerpump/flywheel/utils/pkg/testing"
)

var testDB *flytesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := flytesting.NewLogger()

	db, err := flytesting.NewDB(ctx, log, nil)
	if err != nil {
		log.Error("failed to start postgres container", "error", err)
		os.Exit(1)
	}
	testDB = db

	if err := RunMigrations(log, db.ConnStr()); err != nil {
		log.Error("failed to run migrations", "error", err)
		db.Close()
		os.Exit(1)
	}

	code := m.Run()
	db.Close()
	os.Exit(code)
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(t.Context(), testDB.ConnStr())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func pgStore(t *testing.T) *PostgresStore {
	t.Helper()
	s, err := NewPostgresStore(PostgresStoreConfig{
		Logger: flytesting.NewLogger(),
		Pool:   testPool(t),
	})
	require.NoError(t, err)
	return s
}

func TestFlywheel_Ledger_NewPostgresStore(t *testing.T) {
	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Run("missing logger", func(t *testing.T) {
			s, err := NewPostgresStore(PostgresStoreConfig{})
			require.Error(t, err)
			require.Nil(t, s)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing pool", func(t *testing.T) {
			s, err := NewPostgresStore(PostgresStoreConfig{Logger: flytesting.NewLogger()})
			require.Error(t, err)
			require.Nil(t, s)
			require.Contains(t, err.Error(), "postgres pool is required")
		})
	})

	t.Run("pings the database", func(t *testing.T) {
		s := pgStore(t)
		require.NoError(t, s.Ping(t.Context()))
	})
}

func TestFlywheel_Ledger_PostgresStore_Insert(t *testing.T) {
	ctx := t.Context()
	s := pgStore(t)

	t.Run("records a cycle exactly once", func(t *testing.T) {
		executed, err := s.HasExecuted(ctx, 1001)
		require.NoError(t, err)
		require.False(t, executed)

		rec := &Record{
			CycleID:    1001,
			Mode:       ModeForward,
			Wallet:     strptr("8trFLQcrgp7Wzvap6keiYUFBsW8TNFQ8HnZxxHhkmV6A"),
			Lamports:   123_456,
			Signature:  strptr("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"),
			ExecutedAt: time.Now().UTC(),
		}
		require.NoError(t, s.Insert(ctx, rec))

		executed, err = s.HasExecuted(ctx, 1001)
		require.NoError(t, err)
		require.True(t, executed)

		// The unique constraint turns a duplicate insert into ErrDuplicateCycle.
		err = s.Insert(ctx, &Record{CycleID: 1001, Mode: ModeForward, ExecutedAt: time.Now().UTC()})
		require.ErrorIs(t, err, ErrDuplicateCycle)
	})

	t.Run("stores null fields for skipped cycles", func(t *testing.T) {
		rec := &Record{CycleID: 1002, Mode: ModeBuyback, Lamports: 0, ExecutedAt: time.Now().UTC()}
		require.NoError(t, s.Insert(ctx, rec))

		found, err := s.Find(ctx, 1002)
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Nil(t, found.Wallet)
		require.Nil(t, found.Signature)
		require.Nil(t, found.TokensReceived)
		require.Zero(t, found.Lamports)
	})
}

func TestFlywheel_Ledger_PostgresStore_Find(t *testing.T) {
	ctx := t.Context()
	s := pgStore(t)

	t.Run("returns nil for unknown cycles", func(t *testing.T) {
		rec, err := s.Find(ctx, 2001)
		require.NoError(t, err)
		require.Nil(t, rec)
	})

	t.Run("round-trips all fields", func(t *testing.T) {
		executedAt := time.Now().UTC().Truncate(time.Microsecond)
		in := &Record{
			CycleID:        2002,
			Mode:           ModeBuyback,
			Lamports:       987_654,
			TokensReceived: i64ptr(5_000_000),
			Signature:      strptr("3AsdfJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"),
			FailureReason:  nil,
			ExecutedAt:     executedAt,
		}
		require.NoError(t, s.Insert(ctx, in))

		out, err := s.Find(ctx, 2002)
		require.NoError(t, err)
		require.NotNil(t, out)
		require.Equal(t, in.ID, out.ID)
		require.Equal(t, in.CycleID, out.CycleID)
		require.Equal(t, in.Mode, out.Mode)
		require.Equal(t, in.Lamports, out.Lamports)
		require.Equal(t, *in.TokensReceived, *out.TokensReceived)
		require.Equal(t, *in.Signature, *out.Signature)
		require.True(t, executedAt.Equal(out.ExecutedAt.UTC()))
	})
}

func TestFlywheel_Ledger_PostgresStore_Recent(t *testing.T) {
	ctx := t.Context()
	s := pgStore(t)

	base := time.Now().UTC()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Insert(ctx, &Record{
			CycleID:    3001 + i,
			Mode:       ModeForward,
			Lamports:   (i + 1) * 100,
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, int64(3005), recent[0].CycleID)
	require.Equal(t, int64(3004), recent[1].CycleID)
	require.Equal(t, int64(3003), recent[2].CycleID)
}

func TestFlywheel_Ledger_PostgresStore_Stats(t *testing.T) {
	ctx := t.Context()
	s := pgStore(t)

	before, err := s.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Insert(ctx, &Record{CycleID: 4001, Mode: ModeForward, Lamports: 111, ExecutedAt: time.Now().UTC()}))
	require.NoError(t, s.Insert(ctx, &Record{CycleID: 4002, Mode: ModeBuyback, Lamports: 222, TokensReceived: i64ptr(999), ExecutedAt: time.Now().UTC()}))

	after, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, before.TotalCycles+2, after.TotalCycles)
	require.Equal(t, before.TotalLamports+333, after.TotalLamports)
	require.Equal(t, before.TotalTokens+999, after.TotalTokens)
}

func TestFlywheel_Ledger_PostgresStore_ConcurrentInserts(t *testing.T) {
	ctx := t.Context()
	s := pgStore(t)

	// Two invocations racing on the same cycle: the constraint, not the
	// read-before-write check, decides the winner.
	const racers = 8
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			errs <- s.Insert(context.WithoutCancel(ctx), &Record{
				CycleID:    5001,
				Mode:       ModeForward,
				Lamports:   42,
				ExecutedAt: time.Now().UTC(),
			})
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
	require.Equal(t, 1, wins)
	require.Equal(t, racers-1, dups)
}
