package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const pgUniqueViolation = "23505"

// RunMigrations applies the embedded goose migrations.
func RunMigrations(log *slog.Logger, connStr string) error {
	log.Info("ledger: running migrations")

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type PostgresStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PostgresStore is the durable Ledger implementation.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (s *PostgresStore) HasExecuted(ctx context.Context, cycleID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM cycle_records WHERE cycle_id = $1)
	`, cycleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check cycle %d: %w", cycleID, err)
	}
	return exists, nil
}

func (s *PostgresStore) Find(ctx context.Context, cycleID int64) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT id, cycle_id, mode, wallet, lamports, tokens_received, signature, failure_reason, executed_at
		FROM cycle_records
		WHERE cycle_id = $1
	`, cycleID).Scan(
		&rec.ID, &rec.CycleID, &rec.Mode, &rec.Wallet, &rec.Lamports,
		&rec.TokensReceived, &rec.Signature, &rec.FailureReason, &rec.ExecutedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find cycle %d: %w", cycleID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO cycle_records (id, cycle_id, mode, wallet, lamports, tokens_received, signature, failure_reason, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.CycleID, rec.Mode, rec.Wallet, rec.Lamports,
		rec.TokensReceived, rec.Signature, rec.FailureReason, rec.ExecutedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateCycle
		}
		return fmt.Errorf("failed to insert record for cycle %d: %w", rec.CycleID, err)
	}

	s.log.Debug("ledger: recorded cycle", "cycle_id", rec.CycleID, "mode", rec.Mode, "lamports", rec.Lamports)
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, cycle_id, mode, wallet, lamports, tokens_received, signature, failure_reason, executed_at
		FROM cycle_records
		ORDER BY executed_at DESC, cycle_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.CycleID, &rec.Mode, &rec.Wallet, &rec.Lamports,
			&rec.TokensReceived, &rec.Signature, &rec.FailureReason, &rec.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(lamports), 0), COALESCE(SUM(tokens_received), 0)
		FROM cycle_records
	`).Scan(&stats.TotalCycles, &stats.TotalLamports, &stats.TotalTokens)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
