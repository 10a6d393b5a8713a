package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout bounds one dataset request.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultFetchAttempts is how often a transient failure is tried.
	DefaultFetchAttempts = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxDatasetBytes caps a fetched body at 64 MB.
	maxDatasetBytes = 64 << 20
)

// FetchOption configures FetchDataset.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	attempts    int
	baseBackoff time.Duration
	client      *http.Client
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.timeout = d }
}

// WithAttempts sets how many times a transient failure is tried.
func WithAttempts(n int) FetchOption {
	return func(c *fetchConfig) { c.attempts = n }
}

// WithBaseBackoff sets the first retry delay; later delays double.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.baseBackoff = d }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) { c.client = client }
}

// IsRemote reports whether location is an http(s) URL.
func IsRemote(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Open loads a dataset from a file path or an http(s) URL.
func Open(ctx context.Context, location string, opts ...FetchOption) (*Dataset, error) {
	if IsRemote(location) {
		return FetchDataset(ctx, location, opts...)
	}
	return LoadDataset(location)
}

// FetchDataset downloads and validates a dataset. Network errors and non-200
// responses are retried with exponential backoff; invalid datasets are not.
func FetchDataset(ctx context.Context, url string, opts ...FetchOption) (*Dataset, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch dataset: URL is empty")
	}

	cfg := fetchConfig{
		timeout:     DefaultFetchTimeout,
		attempts:    DefaultFetchAttempts,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.attempts < 1 {
		cfg.attempts = 1
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.attempts {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch dataset: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := get(ctx, client, url)
		if err != nil {
			lastErr = err
			continue
		}
		d, err := ReadDataset(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("fetch dataset: %w", err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("fetch dataset: all %d attempts failed: %w", cfg.attempts, lastErr)
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDatasetBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
