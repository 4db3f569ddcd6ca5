// Package listings fetches project unit inventories from the listings API.
package listings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/safety"
)

const (
	defaultBaseURL     = "https://realestate-api.voom.cc"
	defaultCacheTTL    = 5 * time.Minute
	defaultBackoffBase = time.Second
	defaultMaxAttempts = 3
	maxResponseBytes   = 16 << 20
)

// Unit is one unit record as returned by the API.
type Unit = map[string]any

// StatusError is a non-200 response from the listings API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("listings error (status %d): %s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	// BackoffBase is the delay before the first retry; each retry doubles it.
	BackoffBase time.Duration
	MaxAttempts int
	Now         func() time.Time
}

type cacheEntry struct {
	units     []Unit
	fetchedAt time.Time
}

// Client caches successful fetches per project for CacheTTL. A Client is
// owned by one session.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	ttl         time.Duration
	backoffBase time.Duration
	maxAttempts int
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient:  opts.HTTPClient,
		ttl:         opts.CacheTTL,
		backoffBase: opts.BackoffBase,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		cache:       make(map[string]cacheEntry),
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.ttl <= 0 {
		c.ttl = defaultCacheTTL
	}
	if c.backoffBase <= 0 {
		c.backoffBase = defaultBackoffBase
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Units returns all units for a project, retrying transient failures with
// exponential backoff. On exhaustion it returns an empty slice and the last error.
func (c *Client) Units(ctx context.Context, projectID string) ([]Unit, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return []Unit{}, fmt.Errorf("project_id is required")
	}

	if units, ok := c.cached(projectID); ok {
		return units, nil
	}

	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewExponential(c.backoffBase))

	var units []Unit
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		fetched, err := c.fetch(ctx, projectID)
		if err != nil {
			if retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		units = fetched
		return nil
	})
	if err != nil {
		return []Unit{}, fmt.Errorf("fetch units for %q: %w", projectID, err)
	}

	c.mu.Lock()
	c.cache[projectID] = cacheEntry{units: units, fetchedAt: c.now()}
	c.mu.Unlock()
	return units, nil
}

func (c *Client) cached(projectID string) ([]Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[projectID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) >= c.ttl {
		delete(c.cache, projectID)
		return nil, false
	}
	return entry.units, true
}

func (c *Client) fetch(ctx context.Context, projectID string) ([]Unit, error) {
	endpoint := c.baseURL + "/api/v1/companies/" + url.PathEscape(projectID) + "/units"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var decoded struct {
		Data struct {
			Units []Unit `json:"units"`
		} `json:"data"`
	}
	if err := safety.DecodeJSONLimited(resp.Body, maxResponseBytes, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Data.Units == nil {
		return []Unit{}, nil
	}
	return decoded.Data.Units, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return true
}
