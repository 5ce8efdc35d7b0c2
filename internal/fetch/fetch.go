// Package fetch defines how raw dataset payloads are obtained. Agency clients
// plug in behind Fetcher; this package supplies the retry and rate-limit
// decorators and a fetcher for payloads already on disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"circularity-platform/internal/codes"
	"circularity-platform/internal/models"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

// ErrNotPublished means the dataset has no payload for the request. It is
// never retried.
var ErrNotPublished = errors.New("payload not published")

// Request identifies one dataset and year.
type Request struct {
	Source    models.Source
	DatasetID string
	Year      int
}

// Table returns the raw table the payload is stored in.
func (r Request) Table() (string, error) {
	return codes.TableName(string(r.Source), r.DatasetID, r.Year)
}

func (r Request) String() string {
	return fmt.Sprintf("%s/%s/%d", r.Source, r.DatasetID, r.Year)
}

// Fetcher returns a CSV payload for a request. Callers close the reader.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (io.ReadCloser, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

// GapError reports a payload that could not be obtained. The year proceeds
// with partial data.
type GapError struct {
	Request  Request
	Attempts int
	Err      error
}

func (e *GapError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.Request, e.Attempts, e.Err)
}

func (e *GapError) Unwrap() error {
	return e.Err
}

// IsTransient returns false; retries are already exhausted.
func (e *GapError) IsTransient() bool {
	return false
}

// RetryPolicy bounds attempts with exponential backoff and proportional
// jitter.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter in [0, 1] spreads each delay uniformly over ±Jitter of itself.
	Jitter float64
	// Rand returns a value in [0, 1); nil uses math/rand.
	Rand func() float64
}

// Backoff returns the delay before attempt n+1 after n failed attempts.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(2, float64(n-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d *= 1 + p.Jitter*(2*r()-1)
	}
	return time.Duration(d)
}

type transient interface {
	IsTransient() bool
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotPublished) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t transient
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return true
}

// Retrying retries a Fetcher under a RetryPolicy.
type Retrying struct {
	next    Fetcher
	policy  RetryPolicy
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next with policy.
func NewRetrying(next Fetcher, policy RetryPolicy, logger *logging.StructuredLogger, m *metrics.Collector) *Retrying {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrying{next: next, policy: policy, logger: logger, metrics: m, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fetch tries up to MaxAttempts times and returns a *GapError when every
// attempt failed.
func (r *Retrying) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	var lastErr error
	attempt := 0
	for attempt < r.policy.MaxAttempts {
		attempt++
		body, err := r.next.Fetch(ctx, req)
		if err == nil {
			r.metrics.RecordFetchAttempt("success")
			return body, nil
		}
		lastErr = err

		if !retryable(err) {
			r.metrics.RecordFetchAttempt("permanent")
			break
		}
		r.metrics.RecordFetchAttempt("retry")
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Backoff(attempt)
		r.logger.Warn(ctx, "[FETCH_RETRY] Fetch failed, backing off", logging.Fields{
			"request":  req.String(),
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	r.metrics.RecordFetchAttempt("gap")
	r.logger.Warn(ctx, "[FETCH_GAP] Payload unavailable; continuing with partial data", logging.Fields{
		"request":  req.String(),
		"attempts": attempt,
		"error":    lastErr.Error(),
	})
	return nil, &GapError{Request: req, Attempts: attempt, Err: lastErr}
}

// Limited shares one token bucket across every caller.
type Limited struct {
	next    Fetcher
	limiter *rate.Limiter
}

// NewLimited wraps next with a token bucket of perSecond tokens and burst.
func NewLimited(next Fetcher, perSecond float64, burst int) *Limited {
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Fetch waits for a token, then delegates.
func (l *Limited) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return l.next.Fetch(ctx, req)
}

// DirFetcher serves payloads stored as <dir>/<raw table name>.csv.
type DirFetcher struct {
	Dir string
}

// Fetch opens the payload file for req.
func (d DirFetcher) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	table, err := req.Table()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.Dir, table+".csv"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", req, ErrNotPublished)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return f, nil
}

// NewPolicy builds the default decorator stack. Every attempt, retries
// included, waits for a token.
func NewPolicy(next Fetcher, policy RetryPolicy, perSecond float64, burst int, logger *logging.StructuredLogger, m *metrics.Collector) Fetcher {
	return NewRetrying(NewLimited(next, perSecond, burst), policy, logger, m)
}
