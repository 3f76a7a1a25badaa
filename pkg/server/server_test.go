package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/powerpump/flywheel/pkg/cycle"
	"github.com/powerpump/flywheel/pkg/ledger"
	"github.com/powerpump/flywheel/pkg/pipeline"
	flytesting "github.com/powerpump/flywheel/utils/pkg/testing"
)

type fakeRunner struct {
	result pipeline.Result
	runs   int
}

func (f *fakeRunner) Run(ctx context.Context) pipeline.Result {
	f.runs++
	return f.result
}

func (f *fakeRunner) Window() cycle.Window {
	return cycle.Compute(time.Now(), time.Hour)
}

type failingLedger struct {
	ledger.Ledger
	pingErr error
}

func (l *failingLedger) Ping(ctx context.Context) error { return l.pingErr }

func memStore(t *testing.T) *ledger.MemoryStore {
	t.Helper()
	store, err := ledger.NewMemoryStore(ledger.MemoryStoreConfig{Logger: flytesting.NewLogger()})
	require.NoError(t, err)
	return store
}

func newServer(t *testing.T, runner Runner, store ledger.Ledger) *Server {
	t.Helper()
	s, err := New(Config{
		Logger:     flytesting.NewLogger(),
		ListenAddr: "127.0.0.1:0",
		Runner:     runner,
		Ledger:     store,
		VersionInfo: VersionInfo{
			Version: "test",
			Commit:  "abc123",
			Date:    "2025-06-01",
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.claims.Close)
	return s
}

func TestFlywheel_Server_New(t *testing.T) {
	t.Parallel()

	t.Run("missing runner", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Logger:     flytesting.NewLogger(),
			ListenAddr: "127.0.0.1:0",
			Ledger:     memStore(t),
		})
		require.Error(t, err)
	})

	t.Run("missing listen address", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Logger: flytesting.NewLogger(),
			Runner: &fakeRunner{},
			Ledger: memStore(t),
		})
		require.Error(t, err)
	})
}

func TestFlywheel_Server_Claim(t *testing.T) {
	t.Parallel()

	t.Run("returns the pipeline result", func(t *testing.T) {
		t.Parallel()
		runner := &fakeRunner{result: pipeline.Result{Success: true, Recent: []ledger.Record{}}}
		s := newServer(t, runner, memStore(t))

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/claim", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 1, runner.runs)

		var result pipeline.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.True(t, result.Success)
	})

	t.Run("maps pipeline failure to 502", func(t *testing.T) {
		t.Parallel()
		runner := &fakeRunner{result: pipeline.Result{Error: "failed to claim creator fees: portal down"}}
		s := newServer(t, runner, memStore(t))

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/claim", nil))

		require.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("not configured is not an upstream failure", func(t *testing.T) {
		t.Parallel()
		runner := &fakeRunner{result: pipeline.Result{NotConfigured: true, Error: "token mint not configured"}}
		s := newServer(t, runner, memStore(t))

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/claim", nil))

		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rate limits repeated triggers per IP", func(t *testing.T) {
		t.Parallel()
		runner := &fakeRunner{result: pipeline.Result{Success: true}}
		store := memStore(t)
		s, err := New(Config{
			Logger:     flytesting.NewLogger(),
			ListenAddr: "127.0.0.1:0",
			Runner:     runner,
			Ledger:     store,
			ClaimRate:  rate.Every(time.Minute),
			ClaimBurst: 2,
		})
		require.NoError(t, err)
		t.Cleanup(s.claims.Close)

		codes := make([]int, 0, 3)
		for range 3 {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/claim", nil)
			req.RemoteAddr = "10.1.2.3:5555"
			s.Router().ServeHTTP(rec, req)
			codes = append(codes, rec.Code)
		}

		require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
		require.Equal(t, 2, runner.runs)

		// A different IP gets its own bucket.
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/claim", nil)
		req.RemoteAddr = "10.9.9.9:5555"
		s.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestFlywheel_Server_Winners(t *testing.T) {
	t.Parallel()

	store := memStore(t)
	sig := "sig-1"
	wallet := "wallet-1"
	require.NoError(t, store.Insert(context.Background(), &ledger.Record{
		CycleID:    100,
		Mode:       ledger.ModeForward,
		Wallet:     &wallet,
		Lamports:   500_000_000,
		Signature:  &sig,
		ExecutedAt: time.Now(),
	}))

	s := newServer(t, &fakeRunner{}, store)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/winners", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp winnersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Recent, 1)
	require.Equal(t, int64(100), resp.Recent[0].CycleID)
	require.Equal(t, int64(1), resp.Stats.TotalCycles)
	require.Equal(t, int64(500_000_000), resp.Stats.TotalLamports)
	require.Greater(t, resp.SecondsUntilNext, int64(0))
	require.NotZero(t, resp.Cycle.ID)
}

func TestFlywheel_Server_Health(t *testing.T) {
	t.Parallel()

	t.Run("healthz is always ok", func(t *testing.T) {
		t.Parallel()
		s := newServer(t, &fakeRunner{}, memStore(t))

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readyz reflects ledger health", func(t *testing.T) {
		t.Parallel()
		store := &failingLedger{Ledger: memStore(t), pingErr: errors.New("connection refused")}
		s := newServer(t, &fakeRunner{}, store)

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		store.pingErr = nil
		rec = httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestFlywheel_Server_Version(t *testing.T) {
	t.Parallel()

	s := newServer(t, &fakeRunner{}, memStore(t))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var info VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "test", info.Version)
	require.Equal(t, "abc123", info.Commit)
}

func TestFlywheel_Server_CORS(t *testing.T) {
	t.Parallel()

	s := newServer(t, &fakeRunner{}, memStore(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/claim", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
