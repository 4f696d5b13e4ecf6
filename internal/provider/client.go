package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openlot/lotsync/pkg/logger"
	"github.com/openlot/lotsync/pkg/metrics"
)

// Error represents a non-2xx response from the provider.
type Error struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider: status %d", e.StatusCode)
}

// IsRateLimited reports whether err is the provider's throttle response.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests
}

// RetryAfterHint returns the cooldown announced with a rate-limit response, zero otherwise.
func RetryAfterHint(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests {
		return pe.RetryAfter
	}
	return 0
}

// IsAuthFailure reports whether err indicates an expired or rejected credential.
func IsAuthFailure(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized
}

// IsConfigError reports whether err is a terminal client-side error: a bad
// account id, conflicting identifiers, or a constraint violation. These are
// never retried and never counted against the circuit breaker.
func IsConfigError(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.StatusCode {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth counting toward breaker failures:
// network errors and 5xx responses after transport retries exhausted.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500
	}
	// Network-level failure with no HTTP status.
	return !errors.Is(err, context.Canceled)
}

// ClientConfig tunes a single remote call.
type ClientConfig struct {
	BaseURL     string
	CallTimeout time.Duration // hard per-call timeout, the request is aborted when exceeded
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // first backoff step
	MaxDelay    time.Duration // backoff cap
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	return c
}

// Client performs single authenticated calls against the provider's paginated
// listing endpoint with timeout and bounded exponential backoff. Only network
// errors and 5xx responses are retried; 4xx responses are terminal and
// surfaced for the caller to classify.
type Client struct {
	http *http.Client
	cfg  ClientConfig
	log  *zap.Logger
}

// NewClient constructs a provider client. A nil httpClient falls back to a
// default client; the per-call timeout always comes from the config.
func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http: httpClient,
		cfg:  cfg.withDefaults(),
		log:  logger.WithModule("provider"),
	}
}

// FetchPage retrieves one page of listings for the account.
func (c *Client) FetchPage(ctx context.Context, token, accountID string, page, pageSize int, include []string) (*PageResponse, error) {
	var lastErr error

	delay := c.cfg.BaseDelay
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			if delay *= 2; delay > c.cfg.MaxDelay {
				delay = c.cfg.MaxDelay
			}
		}

		resp, err := c.doPage(ctx, token, accountID, page, pageSize, include)
		if err == nil {
			return resp, nil
		}

		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode < 500 {
			// Terminal client error: never retried here.
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		lastErr = err
		c.log.Warn("page fetch failed, retrying",
			zap.String("account_id", accountID),
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return nil, fmt.Errorf("provider: fetch page %d after %d attempts: %w", page, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) doPage(ctx context.Context, token, accountID string, page, pageSize int, include []string) (*PageResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/accounts/%s/listings", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(accountID))

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}

	q := req.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	if len(include) > 0 {
		q.Set("include", strings.Join(include, ","))
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RemoteCallDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	metrics.RemoteCallDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.responseError(resp)
	}

	var body PageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("provider: decode page response: %w", err)
	}
	return &body, nil
}

func (c *Client) responseError(resp *http.Response) error {
	pe := &Error{StatusCode: resp.StatusCode}

	var errBody struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil {
		pe.Message = errBody.Message
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return pe
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
