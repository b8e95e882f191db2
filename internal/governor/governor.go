// Package governor wraps one-shot outbound HTTP calls with admission control
// and retry. It bounds concurrency with a FIFO queue, holds calls back while
// the host surface is hidden, coalesces calls sharing a lock key and retries
// retryable statuses with jittered backoff. Nothing is persisted.
package governor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"gestor360/internal/backoff"
	"gestor360/internal/log"
	"gestor360/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultConcurrencyCap = 6
	DefaultRetries        = 2
	DefaultBackoffBase    = 300 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
	DefaultTimeout        = 10 * time.Second
)

var DefaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type Config struct {
	ConcurrencyCap int
	Retries        int
	Backoff        backoff.Policy
	Timeout        time.Duration
	RetryStatuses  []int
}

func DefaultConfig() Config {
	return Config{
		ConcurrencyCap: DefaultConcurrencyCap,
		Retries:        DefaultRetries,
		Backoff:        backoff.New(DefaultBackoffBase, DefaultBackoffMax),
		Timeout:        DefaultTimeout,
		RetryStatuses:  DefaultRetryStatuses,
	}
}

// CallOptions tune a single call. Zero values take the governor's defaults.
type CallOptions struct {
	// LockKey coalesces concurrent calls: while one call with the key is in
	// flight, later callers receive its outcome instead of calling again.
	LockKey string
	// BypassPause admits the call even while the host surface is hidden.
	BypassPause bool
	// Retries overrides the retry count; negative disables retries.
	Retries       int
	Timeout       time.Duration
	RetryStatuses []int
}

// Visibility reports whether the host surface is visible and blocks until it is.
type Visibility interface {
	Get() bool
	Wait(ctx context.Context) error
}

// Stats counts calls by admission state. Paused is the pausable call at the
// head of the line waiting for visibility; the ones queued behind it count as
// Waiting.
type Stats struct {
	InFlight int
	Waiting  int
	Paused   int
}

type Governor struct {
	cfg       Config
	client    *http.Client
	visible   Visibility
	sem       *semaphore.Weighted
	turnstile *semaphore.Weighted
	group     singleflight.Group
	metrics   *metrics.Metrics
	logger    *log.Logger

	inFlight atomic.Int64
	waiting  atomic.Int64
	paused   atomic.Int64
}

type Option func(*Governor)

func WithClient(c *http.Client) Option {
	return func(g *Governor) { g.client = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

func New(cfg Config, visible Visibility, logger *log.Logger, opts ...Option) *Governor {
	def := DefaultConfig()
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = def.ConcurrencyCap
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.RetryStatuses) == 0 {
		cfg.RetryStatuses = def.RetryStatuses
	}
	g := &Governor{
		cfg:       cfg,
		client:    http.DefaultClient,
		visible:   visible,
		sem:       semaphore.NewWeighted(int64(cfg.ConcurrencyCap)),
		turnstile: semaphore.NewWeighted(1),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) Stats() Stats {
	return Stats{
		InFlight: int(g.inFlight.Load()),
		Waiting:  int(g.waiting.Load()),
		Paused:   int(g.paused.Load()),
	}
}

// Do sends req under the governor's policy. After retries are exhausted the
// last response or error is returned. The caller must close the body.
func (g *Governor) Do(ctx context.Context, req *http.Request, opts CallOptions) (*http.Response, error) {
	if opts.LockKey == "" {
		return g.call(ctx, req, opts)
	}

	ch := g.group.DoChan(opts.LockKey, func() (interface{}, error) {
		resp, err := g.call(ctx, req, opts)
		if err != nil {
			return nil, err
		}
		return bufferResponse(resp)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			g.logger.Debug("Coalesced outbound call", zap.String("lock_key", opts.LockKey))
		}
		return res.Val.(*sharedResponse).response(req), nil
	}
}

func (g *Governor) call(ctx context.Context, req *http.Request, opts CallOptions) (*http.Response, error) {
	if err := g.admit(ctx, opts.BypassPause); err != nil {
		return nil, err
	}
	defer func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
		g.report()
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := g.attempt(ctx, req, opts)
	if err != nil {
		cancel()
		return nil, err
	}
	// the timeout has to outlive this call until the body is consumed
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// admit blocks until the call holds a concurrency slot. Pausable calls pass
// through the turnstile one at a time in arrival order; the head of that line
// waits for visibility, takes a slot and gives it back if the surface was
// hidden meanwhile.
func (g *Governor) admit(ctx context.Context, bypassPause bool) error {
	g.waiting.Add(1)
	g.report()
	defer func() {
		g.waiting.Add(-1)
		g.report()
	}()

	if bypassPause || g.visible == nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.inFlight.Add(1)
		return nil
	}

	if err := g.turnstile.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.turnstile.Release(1)
	for {
		if !g.visible.Get() {
			g.waiting.Add(-1)
			g.paused.Add(1)
			err := g.visible.Wait(ctx)
			g.paused.Add(-1)
			g.waiting.Add(1)
			if err != nil {
				return err
			}
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		if g.visible.Get() {
			g.inFlight.Add(1)
			return nil
		}
		g.sem.Release(1)
	}
}

func (g *Governor) attempt(ctx context.Context, req *http.Request, opts CallOptions) (*http.Response, error) {
	retries := g.cfg.Retries
	if opts.Retries > 0 {
		retries = opts.Retries
	} else if opts.Retries < 0 {
		retries = 0
	}
	statuses := opts.RetryStatuses
	if len(statuses) == 0 {
		statuses = g.cfg.RetryStatuses
	}

	for n := 0; ; n++ {
		r := req.Clone(ctx)
		if n > 0 && req.Body != nil && req.Body != http.NoBody {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			r.Body = body
		}

		resp, err := g.client.Do(r)
		if ctx.Err() != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, ctx.Err()
		}
		retryable := err != nil || containsStatus(statuses, resp.StatusCode)
		canRewind := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
		if !retryable || n >= retries || !canRewind {
			return resp, err
		}

		delay := g.cfg.Backoff.Delay(n)
		if resp != nil {
			if ra := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ra > delay {
				delay = ra
			}
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
		}
		g.logger.Info("Retrying outbound call",
			zap.String("url", req.URL.Redacted()), zap.Int("attempt", n+1),
			zap.Duration("backoff", delay), zap.Error(err), zap.Int("status", statusOf(resp)))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Governor) report() {
	g.metrics.SetGovernor(int(g.inFlight.Load()), int(g.waiting.Load()))
}

func containsStatus(statuses []int, code int) bool {
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// sharedResponse is a fully read response that every coalesced caller gets
// its own copy of.
type sharedResponse struct {
	resp *http.Response
	body []byte
}

const maxSharedBody = 8 << 20

var errBodyTooLarge = errors.New("coalesced response body exceeds limit")

func bufferResponse(resp *http.Response) (*sharedResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSharedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxSharedBody {
		return nil, errBodyTooLarge
	}
	return &sharedResponse{resp: resp, body: body}, nil
}

func (s *sharedResponse) response(req *http.Request) *http.Response {
	r := *s.resp
	r.Header = s.resp.Header.Clone()
	r.Body = io.NopCloser(bytes.NewReader(s.body))
	r.ContentLength = int64(len(s.body))
	r.Request = req
	return &r
}
