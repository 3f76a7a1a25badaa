package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultMemoryCap bounds the in-memory history. Old records fall off the
// end; durable history needs the Postgres store.
const DefaultMemoryCap = 100

type MemoryStoreConfig struct {
	Logger *slog.Logger

	// Cap bounds the retained history. Defaults to DefaultMemoryCap.
	Cap int
}

func (cfg *MemoryStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultMemoryCap
	}
	return nil
}

// MemoryStore is the degraded Ledger fallback for deployments without
// Postgres, and the test double. History resets on restart; the duplicate
// check holds only within a single process.
type MemoryStore struct {
	log *slog.Logger
	cap int

	mu      sync.RWMutex
	records []Record // most recent first
	byCycle map[int64]int
}

func NewMemoryStore(cfg MemoryStoreConfig) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{
		log:     cfg.Logger,
		cap:     cfg.Cap,
		byCycle: make(map[int64]int),
	}, nil
}

func (s *MemoryStore) HasExecuted(ctx context.Context, cycleID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byCycle[cycleID]
	return ok, nil
}

func (s *MemoryStore) Find(ctx context.Context, cycleID int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byCycle[cycleID]
	if !ok {
		return nil, nil
	}
	rec := s.records[i]
	return &rec, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byCycle[rec.CycleID]; ok {
		return ErrDuplicateCycle
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	s.records = append([]Record{*rec}, s.records...)
	if len(s.records) > s.cap {
		evicted := s.records[len(s.records)-1]
		s.records = s.records[:len(s.records)-1]
		delete(s.byCycle, evicted.CycleID)
	}
	s.reindex()

	s.log.Debug("ledger: recorded cycle in memory", "cycle_id", rec.CycleID, "mode", rec.Mode, "lamports", rec.Lamports)
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, limit)
	copy(out, s.records[:limit])
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	for _, rec := range s.records {
		stats.TotalCycles++
		stats.TotalLamports += rec.Lamports
		if rec.TokensReceived != nil {
			stats.TotalTokens += *rec.TokensReceived
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// reindex rebuilds the cycle-id lookup after the prepend/evict shuffle.
// Caller holds the write lock.
func (s *MemoryStore) reindex() {
	for i, rec := range s.records {
		s.byCycle[rec.CycleID] = i
	}
}
