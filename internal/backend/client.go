package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/policy"
	"github.com/ent0n29/scenecast/internal/reliability"
)

// Options are shared by every HTTP backend.
type Options struct {
	Timeout time.Duration
	// RequestsPerMinute <= 0 disables client-side rate limiting.
	RequestsPerMinute int
	Logger            *log.Logger
	Metrics           *observability.Metrics
	HTTPClient        *http.Client
}

// httpClient is a bearer-authenticated JSON client for one backend.
type httpClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
	metrics *observability.Metrics
}

func newHTTPClient(name, baseURL, apiKey string, opts Options) *httpClient {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &httpClient{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		client:  client,
		limiter: limiter,
		logger:  logger.WithPrefix(name),
		metrics: opts.Metrics,
	}
}

func (c *httpClient) postJSON(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *httpClient) do(ctx context.Context, method, path string, in, out any) (err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s rate limit: %w", c.name, err)
		}
	}

	started := time.Now()
	defer func() {
		c.metrics.ObserveBackendRequest(c.name, time.Since(started), err)
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.name, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &HTTPError{
			Backend:    c.name,
			StatusCode: res.StatusCode,
			Body:       policy.Redact(strings.TrimSpace(string(raw))),
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%s read response: %w", c.name, err)
	}
	c.logger.Debug("backend response", "method", method, "path", path, "status", res.StatusCode,
		"size", humanize.Bytes(uint64(len(raw))), "took", time.Since(started).Round(time.Millisecond))
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s decode response: %w", c.name, err)
	}
	return nil
}
