package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Client calls the external scoring service over HTTP. Scores are cached
// so cache-only evaluations (bulk pre-qualification runs) never generate
// model traffic.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	cache    domain.Cache
	scoreTTL time.Duration
	retries  int
}

// NewClient creates a scoring client. The cache may be nil, in which case
// cache-only requests always miss.
func NewClient(cfg domain.ScoringConfig, cache domain.Cache, scoreTTL time.Duration) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if scoreTTL <= 0 {
		scoreTTL = 30 * time.Minute
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		token:    cfg.AuthToken,
		http:     &http.Client{Timeout: timeout},
		cache:    cache,
		scoreTTL: scoreTTL,
		retries:  cfg.MaxRetries,
	}
}

// Score fetches a model score for one (user, bank account) pair.
func (c *Client) Score(ctx context.Context, req *domain.ScoreRequest) (*domain.ScoreResponse, error) {
	start := time.Now()
	defer func() {
		scoreRequests.WithLabelValues(strconv.FormatBool(req.CacheOnly)).Observe(time.Since(start).Seconds())
	}()

	if req.CacheOnly {
		return c.cachedScore(ctx, req)
	}

	resp, err := c.requestScore(ctx, req)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		cached := *resp
		cached.Metadata.CachedAt = time.Now().UTC()
		cached.Metadata.CachedFrom = "live"
		_ = c.cache.SetScore(ctx, req.UserID, req.BankAccountID, &cached, c.scoreTTL)
	}

	return resp, nil
}

func (c *Client) cachedScore(ctx context.Context, req *domain.ScoreRequest) (*domain.ScoreResponse, error) {
	if c.cache == nil {
		return nil, fmt.Errorf("cache-only scoring requested but no cache configured")
	}
	resp, err := c.cache.GetScore(ctx, req.UserID, req.BankAccountID)
	if err != nil {
		return nil, fmt.Errorf("score cache lookup: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("no cached score for user %s", req.UserID)
	}
	return resp, nil
}

func (c *Client) requestScore(ctx context.Context, req *domain.ScoreRequest) (*domain.ScoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode score request: %w", err)
	}

	var lastErr error
	attempts := c.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := c.doRequest(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, body []byte) (*domain.ScoreResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("scoring service returned %d: %s", httpResp.StatusCode, payload)
	}

	var out domain.ScoreResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	return &out, nil
}
