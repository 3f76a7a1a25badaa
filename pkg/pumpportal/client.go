// Package pumpportal talks to the PumpPortal trade API: creator-fee
// collection through the lightning endpoint and locally-signed swaps through
// the trade-local endpoint.
package pumpportal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/powerpump/flywheel/utils/pkg/retry"
)

// DefaultBaseURL is the production PumpPortal API root.
const DefaultBaseURL = "https://pumpportal.fun/api"

// DefaultPool is the bonding-curve pool identifier for pump.fun launches.
const DefaultPool = "pump"

type Config struct {
	Logger  *slog.Logger
	BaseURL string
	APIKey  string
	Pool    string

	// PriorityFee is the per-transaction priority fee in SOL attached to
	// lightning trades.
	PriorityFee float64

	Retry      retry.Config
	HTTPClient *http.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Pool == "" {
		cfg.Pool = DefaultPool
	}
	if cfg.PriorityFee <= 0 {
		cfg.PriorityFee = 0.000001
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

type Client struct {
	log  *slog.Logger
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg, http: cfg.HTTPClient}, nil
}

// APIError is a non-success response from the platform. Exposes the status
// code so the retry layer can distinguish throttling from rejection.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pumpportal API error: status %d: %s", e.Status, e.Body)
}

func (e *APIError) StatusCode() int { return e.Status }

// ClaimResult is the platform's response to a fee collection request. The
// signature is informational only: settlement is asynchronous and wallet
// balances must not be trusted until after the settle wait.
type ClaimResult struct {
	Signature string          `json:"signature"`
	Raw       json.RawMessage `json:"-"`
}

// ClaimCreatorFees sweeps accrued creator fees into the operator wallet via
// the lightning trade endpoint. One opaque call; the platform signs and
// submits on its side.
func (c *Client) ClaimCreatorFees(ctx context.Context) (*ClaimResult, error) {
	body := map[string]any{
		"action":      "collectCreatorFee",
		"priorityFee": c.cfg.PriorityFee,
		"pool":        c.cfg.Pool,
	}

	var raw []byte
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		raw, err = c.post(ctx, fmt.Sprintf("%s/trade?api-key=%s", c.cfg.BaseURL, c.cfg.APIKey), body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim creator fees: %w", err)
	}

	result := &ClaimResult{Raw: raw}
	if err := json.Unmarshal(raw, result); err != nil {
		// Tolerate unexpected shapes: the claim result is informational.
		c.log.Warn("pumpportal: could not parse claim response", "error", err)
	}

	c.log.Info("pumpportal: creator fees claimed", "signature", result.Signature)
	return result, nil
}

// SwapRequest asks the platform to construct a sol-in, token-out buy on the
// bonding curve.
type SwapRequest struct {
	Buyer       solana.PublicKey
	Mint        solana.PublicKey
	SOLAmount   float64
	SlippageBps uint64
	PriorityFee float64
}

func (r *SwapRequest) Validate() error {
	if r.Buyer.IsZero() {
		return errors.New("buyer public key is required")
	}
	if r.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if r.SOLAmount <= 0 {
		return errors.New("sol amount must be greater than 0")
	}
	return nil
}

// RequestSwap returns the serialized transaction for the requested buy,
// ready for co-signing and submission by the operator wallet. Amounts echoed
// by the platform are never used for accounting; callers measure token
// balances before and after instead.
func (c *Client) RequestSwap(ctx context.Context, req SwapRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid swap request: %w", err)
	}

	body := map[string]any{
		"publicKey":        req.Buyer.String(),
		"action":           "buy",
		"mint":             req.Mint.String(),
		"amount":           req.SOLAmount,
		"denominatedInSol": "true",
		"slippage":         float64(req.SlippageBps) / 100,
		"priorityFee":      req.PriorityFee,
		"pool":             c.cfg.Pool,
	}

	var txBytes []byte
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		txBytes, err = c.post(ctx, c.cfg.BaseURL+"/trade-local", body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request swap transaction: %w", err)
	}
	if len(txBytes) == 0 {
		return nil, errors.New("platform returned an empty swap transaction")
	}

	c.log.Debug("pumpportal: swap transaction built", "mint", req.Mint.String(), "sol", req.SOLAmount)
	return txBytes, nil
}

func (c *Client) post(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
