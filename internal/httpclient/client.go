// Package httpclient performs the authenticated REST calls behind both
// the telemetry batch sends and the notification operations. The retry
// contract is asymmetric on purpose: 401 is terminal, 429 gets exactly
// one deferred retry honoring Retry-After, other HTTP failures surface
// immediately, and only transport-level errors are retried with
// exponential backoff.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenProvider resolves the current bearer token; "" means the call
// goes out unauthenticated.
type TokenProvider func(ctx context.Context) string

type Options struct {
	BaseURL        string
	TokenProvider  TokenProvider
	HTTPClient     *http.Client
	MaxRetries     int
	BackoffBase    time.Duration
	RateLimitDelay time.Duration
	Logger         zerolog.Logger
}

type Client struct {
	baseURL        string
	tokenProvider  TokenProvider
	httpClient     *http.Client
	maxRetries     int
	backoffBase    time.Duration
	rateLimitDelay time.Duration
	logger         zerolog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	rateLimitDelay := opts.RateLimitDelay
	if rateLimitDelay <= 0 {
		rateLimitDelay = 60 * time.Second
	}
	return &Client{
		baseURL:        baseURL,
		tokenProvider:  opts.TokenProvider,
		httpClient:     httpClient,
		maxRetries:     maxRetries,
		backoffBase:    backoffBase,
		rateLimitDelay: rateLimitDelay,
		logger:         opts.Logger,
	}
}

// Do issues one JSON request against the configured base URL. body is
// marshaled when non-nil; a 2xx response body is unmarshaled into out
// when out is non-nil and the body is non-empty.
func (c *Client) Do(ctx context.Context, method, requestPath string, headers map[string]string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		resp, respBody, err := c.send(ctx, method, requestPath, headers, bodyBytes, correlationID)
		if err != nil {
			if attempt < c.maxRetries {
				delay := c.backoffDelay(attempt)
				c.logger.Debug().Err(err).
					Str("path", requestPath).
					Str("correlation_id", correlationID).
					Int("attempt", attempt+1).
					Dur("delay", delay).
					Msg("transport error, backing off")
				if waitErr := sleepContext(ctx, delay); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return decodeBody(respBody, out)
		case resp.StatusCode == http.StatusUnauthorized:
			return &AuthError{Path: requestPath}
		case resp.StatusCode == http.StatusTooManyRequests:
			return c.retryAfterRateLimit(ctx, method, requestPath, headers, bodyBytes, correlationID, resp, out)
		default:
			return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		}
	}
}

// retryAfterRateLimit waits out the Retry-After window and performs the
// single extra attempt the 429 contract allows, outside the normal
// retry-count loop.
func (c *Client) retryAfterRateLimit(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	bodyBytes []byte,
	correlationID string,
	resp *http.Response,
	out any,
) error {
	// An explicit Retry-After of zero means retry immediately; only a
	// missing or unparseable header falls back to the default window.
	delay, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
	if !ok {
		delay = c.rateLimitDelay
	}
	c.logger.Info().
		Str("path", requestPath).
		Str("correlation_id", correlationID).
		Dur("delay", delay).
		Msg("rate limited, deferring one retry")
	if err := sleepContext(ctx, delay); err != nil {
		return err
	}

	retryResp, retryBody, err := c.send(ctx, method, requestPath, headers, bodyBytes, correlationID)
	if err != nil {
		return err
	}
	if retryResp.StatusCode >= 200 && retryResp.StatusCode <= 299 {
		return decodeBody(retryBody, out)
	}
	if retryResp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Path: requestPath}
	}
	return &RateLimitError{
		Path:        requestPath,
		RetryStatus: retryResp.StatusCode,
		Body:        strings.TrimSpace(string(retryBody)),
	}
}

func (c *Client) send(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	bodyBytes []byte,
	correlationID string,
) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID)
	if c.tokenProvider != nil {
		if token := strings.TrimSpace(c.tokenProvider(ctx)); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, nil, readErr
	}
	return resp, respBody, nil
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// RawBody captures the response body verbatim when passed as the out
// argument of Do, skipping JSON decoding. Callers that must tolerate
// non-JSON bodies decode themselves.
type RawBody struct {
	Bytes []byte
}

func decodeBody(respBody []byte, out any) error {
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if raw, ok := out.(*RawBody); ok {
		raw.Bytes = append(raw.Bytes[:0], respBody...)
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func parseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		// A date already in the past still counts as a parsed value:
		// the server is permitting an immediate retry.
		if delta := time.Until(ts); delta > 0 {
			return delta, true
		}
		return 0, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
