// Package syncworker drains the sync queue against the remote store. Each
// cycle walks the ready entries in scheduledAt order, one at a time, and moves
// every entry toward COMPLETED or FAILED with exponential backoff in between.
package syncworker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gestor360/internal/backoff"
	"gestor360/internal/log"
	"gestor360/internal/metrics"
	"gestor360/internal/remote"
	"gestor360/internal/store"

	"go.uber.org/zap"
)

const (
	DefaultMaxRetries     = 5
	DefaultBackoffBase    = 2 * time.Second
	DefaultBackoffMax     = 5 * time.Minute
	DefaultAttemptTimeout = 15 * time.Second
	DefaultInterval       = 5 * time.Second
)

// Queue is the slice of the local store the worker reads and mutates.
type Queue interface {
	ListPending(ctx context.Context) ([]store.QueueEntry, error)
	UpdateEntry(ctx context.Context, e store.QueueEntry) error
	Restore(ctx context.Context, entries []store.QueueEntry) ([]store.QueueEntry, error)
}

// Journal holds entries the gateway could not enqueue.
type Journal interface {
	Size() int64
	Drain(restore func([]store.QueueEntry) error) (int, error)
}

type Connectivity interface {
	Get() bool
	Subscribe(fn func(bool)) (cancel func())
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Config struct {
	MaxRetries     int
	Backoff        backoff.Policy
	AttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		Backoff:        backoff.New(DefaultBackoffBase, DefaultBackoffMax),
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

type StartOptions struct {
	// InitialDelay defers the first cycle.
	InitialDelay time.Duration
	Interval     time.Duration
}

type Worker struct {
	queue   Queue
	remote  remote.Store
	online  Connectivity
	journal Journal
	metrics *metrics.Metrics
	logger  *log.Logger
	clock   Clock
	cfg     Config

	running atomic.Bool
	trigger chan struct{}

	mu   sync.Mutex
	stop func()
}

type Option func(*Worker)

func WithClock(c Clock) Option {
	return func(w *Worker) { w.clock = c }
}

func WithJournal(j Journal) Option {
	return func(w *Worker) { w.journal = j }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func New(queue Queue, rs remote.Store, online Connectivity, cfg Config, logger *log.Logger, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	w := &Worker{
		queue:   queue,
		remote:  rs,
		online:  online,
		logger:  logger,
		clock:   systemClock{},
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the periodic loop and returns its stop function. Starting a
// running worker returns the existing stop function.
func (w *Worker) Start(ctx context.Context, opts StartOptions) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return w.stop
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	unsubscribe := w.online.Subscribe(func(online bool) {
		if online {
			w.Trigger()
		}
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(loopCtx, opts)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsubscribe()
			cancel()
			<-done
			w.mu.Lock()
			w.stop = nil
			w.mu.Unlock()
			w.logger.Info("Sync worker stopped")
		})
	}
	w.stop = stop
	w.logger.Info("Sync worker started", zap.Duration("interval", opts.Interval), zap.Duration("initial_delay", opts.InitialDelay))
	return stop
}

// Stop halts a started worker and waits for an in-progress cycle. It is a
// no-op when the worker is not running.
func (w *Worker) Stop() {
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Trigger requests an out-of-band cycle. It never blocks; repeated triggers
// before the loop wakes collapse into one.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context, opts StartOptions) {
	if opts.InitialDelay > 0 {
		timer := time.NewTimer(opts.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	w.RunCycle(ctx)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		case <-w.trigger:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle processes every ready entry once. It returns false without doing
// anything when offline or when another cycle is already running.
func (w *Worker) RunCycle(ctx context.Context) bool {
	if !w.online.Get() {
		return false
	}
	if !w.running.CompareAndSwap(false, true) {
		return false
	}
	defer w.running.Store(false)

	if w.journal != nil && w.journal.Size() > 0 {
		// a failed restore leaves the journal intact for the next cycle
		w.Recover(ctx)
	}

	entries, err := w.queue.ListPending(ctx)
	if err != nil {
		w.logger.Error("Failed to list pending entries", zap.Error(err))
		return true
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, e)
	}
	return true
}

func (w *Worker) process(ctx context.Context, e store.QueueEntry) {
	if e.ScheduledAt > w.clock.Now().UnixMilli() {
		return
	}
	if e.RetryCount >= w.cfg.MaxRetries {
		e.Status = store.StatusFailed
		if w.update(ctx, e) {
			w.metrics.Failed(e.Table)
			w.logger.Warn("Entry exhausted retries", zap.Int64("entry_id", e.ID), zap.Int("retry_count", e.RetryCount))
		}
		return
	}

	e.Status = store.StatusSyncing
	if !w.update(ctx, e) {
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	err := w.replay(attemptCtx, e)
	cancel()

	if err == nil {
		e.Status = store.StatusCompleted
		if w.update(context.WithoutCancel(ctx), e) {
			w.metrics.Completed(e.Table)
		}
		return
	}
	if ctx.Err() != nil {
		// shutdown, not a failure of the entry; the next cycle picks it up again
		w.logger.Info("Replay interrupted", zap.Int64("entry_id", e.ID))
		return
	}

	kind := remote.Classify(err)
	attempt := e.RetryCount
	e.RetryCount++
	if kind.Transient() {
		delay := w.cfg.Backoff.Delay(attempt)
		e.Status = store.StatusPending
		e.ScheduledAt = w.clock.Now().Add(delay).UnixMilli()
		if w.update(ctx, e) {
			w.metrics.Retried(e.Table)
		}
		w.logger.Info("Replay failed, rescheduled",
			zap.Int64("entry_id", e.ID), zap.String("kind", kind.String()),
			zap.Int("retry_count", e.RetryCount), zap.Duration("backoff", delay), zap.Error(err))
		return
	}
	e.Status = store.StatusFailed
	if w.update(ctx, e) {
		w.metrics.Failed(e.Table)
	}
	w.logger.Error("Replay failed permanently",
		zap.Int64("entry_id", e.ID), zap.String("kind", kind.String()), zap.Error(err))
}

func (w *Worker) update(ctx context.Context, e store.QueueEntry) bool {
	err := w.queue.UpdateEntry(ctx, e)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrTerminal) {
		w.logger.Warn("Entry already terminal", zap.Int64("entry_id", e.ID))
	} else {
		w.logger.Error("Failed to update entry", zap.Error(err), zap.Int64("entry_id", e.ID), zap.String("status", string(e.Status)))
	}
	return false
}

func (w *Worker) replay(ctx context.Context, e store.QueueEntry) error {
	if e.Operation == store.OpDelete {
		return w.remote.Delete(ctx, e.Table, e.RowID)
	}
	doc := remote.Document{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &doc); err != nil {
			return &remote.Error{Kind: remote.KindInvalidArgument, Code: "invalid-argument", Message: "queued payload is not a JSON object", Err: err}
		}
	}
	if e.Merge {
		return w.remote.UpsertMerge(ctx, e.Table, e.RowID, doc)
	}
	return w.remote.Set(ctx, e.Table, e.RowID, doc)
}

// Recover moves journaled entries back into the queue. It returns how many
// entries were restored. RunCycle calls it whenever the journal is not empty.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	if w.journal == nil {
		return 0, nil
	}
	n, err := w.journal.Drain(func(entries []store.QueueEntry) error {
		_, err := w.queue.Restore(ctx, entries)
		return err
	})
	if err != nil {
		w.logger.Error("Failed to restore journaled entries", zap.Error(err))
		return n, err
	}
	if n > 0 {
		w.logger.Info("Recovered journaled entries", zap.Int("count", n))
	}
	return n, nil
}
