package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/logging"
	"github.com/kjannette/crypto-pipeline/internal/metrics"
)

var (
	// ErrRateLimited is returned once the configured number of 429 waits is exceeded.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient tags network-level failures (no HTTP response received).
	ErrTransient = errors.New("transient network error")
	// ErrPermanent is returned after the bounded attempt budget is exhausted.
	ErrPermanent = errors.New("permanent request error")
)

// StatusError is a non-2xx response that was not a rate limit.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// RequestError is the terminal failure returned by Do. Kind is one of
// ErrRateLimited or ErrPermanent; Err is the last underlying cause.
type RequestError struct {
	Kind     error
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", e.Kind, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() []error { return []error{e.Kind, e.Err} }

type RetryConfig struct {
	// MaxAttempts bounds attempts that end in a non-429 failure.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay enables doubling backoff when greater than BaseDelay.
	MaxDelay time.Duration
	// RateLimitDelay is used when a 429 carries no usable Retry-After.
	RateLimitDelay time.Duration
	// MaxRateLimitWaits caps consecutive 429 waits; any other outcome resets
	// the streak. Zero means unbounded.
	MaxRateLimitWaits int
	// SkipMetrics keeps the calls out of the fetch metrics.
	SkipMetrics bool
	// Sleep replaces the context-aware timer, mainly for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	BaseDelay:      2 * time.Second,
	MaxDelay:       2 * time.Second,
	RateLimitDelay: 2 * time.Second,
}

const maxErrorBody = 512

// Do executes an HTTP request under the retry policy and returns the
// response only when its status is 2xx.
//
// A 429 is waited out for the server-directed delay and does not consume the
// attempt budget. Any other non-2xx status or transport error consumes one
// attempt and is retried after BaseDelay until MaxAttempts is reached.
// buildReq is called on each attempt because request bodies are consumed.
func Do(ctx context.Context, client *http.Client, cfg RetryConfig, buildReq func() (*http.Request, error)) (*http.Response, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = DefaultRetry.RateLimitDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	log := logging.OrNop(cfg.Logger)

	var (
		lastErr  error
		failures int
		waits    int
		streak   int
		delay    = cfg.BaseDelay
		m        = recorder{off: cfg.SkipMetrics}
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req = req.WithContext(ctx)

		resp, err := client.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.attempt(metrics.OutcomeNetworkError)
			lastErr = fmt.Errorf("%w: %w", ErrTransient, err)

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			m.attempt(metrics.OutcomeOK)
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			m.attempt(metrics.OutcomeRateLimited)
			wait := RetryAfter(resp.Header.Get("Retry-After"), time.Now(), cfg.RateLimitDelay)
			drain(resp)
			waits++
			streak++
			if cfg.MaxRateLimitWaits > 0 && streak > cfg.MaxRateLimitWaits {
				m.failure("rate_limited")
				return nil, &RequestError{
					Kind:     ErrRateLimited,
					Attempts: failures + waits,
					Err:      &StatusError{StatusCode: http.StatusTooManyRequests},
				}
			}
			log.Warn("rate limited, waiting",
				zap.String("url", req.URL.Path),
				zap.Duration("retry_after", wait),
				zap.Int("waits", streak))
			m.wait(wait)
			if err := cfg.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		default:
			m.attempt(metrics.OutcomeHTTPError)
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		streak = 0
		failures++
		if failures >= cfg.MaxAttempts {
			m.failure("permanent")
			return nil, &RequestError{Kind: ErrPermanent, Attempts: failures + waits, Err: lastErr}
		}

		log.Warn("request failed, retrying",
			zap.String("url", req.URL.Path),
			zap.Int("attempt", failures),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		if err := cfg.Sleep(ctx, delay); err != nil {
			return nil, err
		}

		if cfg.MaxDelay > cfg.BaseDelay {
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
}

// RetryAfter parses a Retry-After header value given either as delta-seconds
// or as an HTTP-date. Missing, unparsable or negative values yield fallback.
func RetryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

type recorder struct {
	off bool
}

func (r recorder) attempt(outcome string) {
	if !r.off {
		metrics.RecordFetchAttempt(outcome)
	}
}

func (r recorder) wait(d time.Duration) {
	if !r.off {
		metrics.RecordRateLimitWait(d)
	}
}

func (r recorder) failure(kind string) {
	if !r.off {
		metrics.RecordFetchFailure(kind)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
