// Package syncclient delivers shard outbox batches to the catalog's /sync/inbox endpoint.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"medshard/internal/domain/replication"
)

// TokenSource issues a short-lived sync-agent token for one shard.
// *auth.JWTService implements it.
type TokenSource interface {
	GenerateServiceToken(tenantID int64) (string, time.Time, error)
}

type cachedToken struct {
	value   string
	expires time.Time
}

// Config for the catalog client.
type Config struct {
	CatalogURL string        // base URL, e.g. http://catalog:8080
	Timeout    time.Duration // per-request cap on top of the caller's context
}

// Client implements replication.Transport over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource

	mu    sync.Mutex
	cache map[int64]cachedToken
}

// tokenRefreshMargin renews a cached token this long before it expires.
const tokenRefreshMargin = 30 * time.Second

var _ replication.Transport = (*Client)(nil)

func New(cfg Config, tokens TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.CatalogURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		cache:   make(map[int64]cachedToken),
	}
}

func (c *Client) token(tenantID int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.cache[tenantID]; ok && time.Until(t.expires) > tokenRefreshMargin {
		return t.value, nil
	}
	value, expires, err := c.tokens.GenerateServiceToken(tenantID)
	if err != nil {
		return "", err
	}
	c.cache[tenantID] = cachedToken{value: value, expires: expires}
	return value, nil
}

// Deliver posts batch and decodes the intake result. Any non-2xx answer is a
// transport failure; the shipper leaves the events unsent and tries again.
func (c *Client) Deliver(ctx context.Context, batch replication.Batch) (*replication.IntakeResult, error) {
	token, err := c.token(batch.SourceTenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: issue service token: %v", replication.ErrTransportFailure, err)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/inbox", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", replication.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		delete(c.cache, batch.SourceTenantID)
		c.mu.Unlock()
	}
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: POST /sync/inbox: %d %s", replication.ErrTransportFailure, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out replication.IntakeResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode intake result: %v", replication.ErrTransportFailure, err)
	}
	return &out, nil
}
