// Package gateway is the online-first, offline-safe write primitive. A write
// goes straight to the remote store when the device is online and lands in
// the durable sync queue when it is offline or the remote failure is
// transient. Callers only ever see acceptance or a permanent error.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gestor360/internal/log"
	"gestor360/internal/metrics"
	"gestor360/internal/remote"
	"gestor360/internal/store"

	"go.uber.org/zap"
)

// ErrUnresolvedPlaceholder rejects queue payloads that still carry
// remote-computed values; queued payloads are replayed verbatim.
var ErrUnresolvedPlaceholder = errors.New("queue payload contains an unresolved server placeholder")

type Outcome int

const (
	// OutcomeConfirmed means the remote store acknowledged the write.
	OutcomeConfirmed Outcome = iota + 1
	// OutcomeQueued means the write was accepted and will be replayed by the sync worker.
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeQueued:
		return "queued"
	}
	return "unknown"
}

type WriteRequest struct {
	Table string
	ID    string
	// CloudPayload is sent to the remote store and may contain remote.ServerTimestamp.
	CloudPayload remote.Document
	// QueuePayload is what gets persisted for replay. When nil, CloudPayload
	// is queued with its placeholders resolved against the local clock; an
	// explicit QueuePayload holding a placeholder is rejected.
	QueuePayload remote.Document
	Op           store.Operation
	// Merge selects field merge instead of full replacement, both for the
	// direct write and for the replay of a queued one.
	Merge bool
}

// Queue is the enqueue path of the local store.
type Queue interface {
	Enqueue(ctx context.Context, e store.NewEntry) (store.QueueEntry, error)
}

// Spill takes entries when the queue itself cannot be written.
type Spill interface {
	Append(e store.QueueEntry) error
}

type Validator interface {
	Validate(table string, doc remote.Document) error
}

type Connectivity interface {
	Get() bool
}

type Gateway struct {
	remote  remote.Store
	queue   Queue
	online  Connectivity
	journal Spill
	schemas Validator
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
}

type Option func(*Gateway)

func WithJournal(j Spill) Option {
	return func(g *Gateway) { g.journal = j }
}

func WithSchemas(v Validator) Option {
	return func(g *Gateway) { g.schemas = v }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func New(rs remote.Store, queue Queue, online Connectivity, logger *log.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		remote: rs,
		queue:  queue,
		online: online,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Write performs req against the remote store or queues it for replay.
// A non-nil error is always permanent and no queue entry exists for it.
func (g *Gateway) Write(ctx context.Context, req WriteRequest) (Outcome, error) {
	if req.Table == "" || req.ID == "" {
		return 0, fmt.Errorf("table and id are required")
	}
	if req.Op == "" {
		req.Op = store.OpUpdate
	}
	if !req.Op.Valid() {
		return 0, fmt.Errorf("invalid operation %q", req.Op)
	}

	var queued json.RawMessage
	if req.Op != store.OpDelete {
		qp := req.QueuePayload
		if qp == nil {
			qp, _ = req.CloudPayload.Resolve(ctx, func(context.Context) (time.Time, error) {
				return g.now(), nil
			})
		}
		if qp.HasPlaceholder() {
			g.metrics.ObserveWrite(req.Table, "rejected")
			return 0, ErrUnresolvedPlaceholder
		}
		data, err := json.Marshal(qp)
		if err != nil {
			g.metrics.ObserveWrite(req.Table, "rejected")
			return 0, fmt.Errorf("encode queue payload: %w", err)
		}
		queued = data

		if g.schemas != nil {
			if err := g.schemas.Validate(req.Table, req.CloudPayload); err != nil {
				g.metrics.ObserveWrite(req.Table, "rejected")
				return 0, err
			}
		}
	}

	if !g.online.Get() {
		return g.enqueue(ctx, req, queued)
	}

	err := g.direct(ctx, req)
	if err == nil {
		g.metrics.ObserveWrite(req.Table, OutcomeConfirmed.String())
		return OutcomeConfirmed, nil
	}
	kind := remote.Classify(err)
	if !kind.Transient() {
		g.logger.Warn("Remote write rejected",
			zap.Error(err), zap.String("kind", kind.String()),
			zap.String("table", req.Table), zap.String("id", req.ID))
		g.metrics.ObserveWrite(req.Table, "rejected")
		return 0, err
	}
	g.logger.Info("Remote write deferred",
		zap.String("kind", kind.String()), zap.String("table", req.Table), zap.String("id", req.ID))
	// the caller's context may be what failed; the enqueue must still land
	return g.enqueue(context.WithoutCancel(ctx), req, queued)
}

// Delete removes a document under the same contract as Write.
func (g *Gateway) Delete(ctx context.Context, table, id string) (Outcome, error) {
	return g.Write(ctx, WriteRequest{Table: table, ID: id, Op: store.OpDelete})
}

func (g *Gateway) direct(ctx context.Context, req WriteRequest) error {
	switch {
	case req.Op == store.OpDelete:
		return g.remote.Delete(ctx, req.Table, req.ID)
	case req.Merge:
		return g.remote.UpsertMerge(ctx, req.Table, req.ID, req.CloudPayload)
	default:
		return g.remote.Set(ctx, req.Table, req.ID, req.CloudPayload)
	}
}

func (g *Gateway) enqueue(ctx context.Context, req WriteRequest, payload json.RawMessage) (Outcome, error) {
	ne := store.NewEntry{
		Table:     req.Table,
		RowID:     req.ID,
		Operation: req.Op,
		Payload:   payload,
		Merge:     req.Merge,
	}
	entry, err := g.queue.Enqueue(ctx, ne)
	if err == nil {
		g.metrics.Enqueued(req.Table)
		g.metrics.ObserveWrite(req.Table, OutcomeQueued.String())
		g.logger.Debug("Write queued", zap.Int64("entry_id", entry.ID), zap.String("table", req.Table), zap.String("id", req.ID))
		return OutcomeQueued, nil
	}
	if g.journal == nil {
		return 0, fmt.Errorf("enqueue write: %w", err)
	}

	g.logger.Error("Failed to enqueue write, spilling to journal", zap.Error(err), zap.String("table", req.Table), zap.String("id", req.ID))
	spill := store.QueueEntry{
		Table:       req.Table,
		RowID:       req.ID,
		Operation:   req.Op,
		Payload:     payload,
		Status:      store.StatusPending,
		ScheduledAt: g.now().UnixMilli(),
		Merge:       req.Merge,
	}
	if jerr := g.journal.Append(spill); jerr != nil {
		return 0, fmt.Errorf("enqueue write: %w", errors.Join(err, jerr))
	}
	g.metrics.Spilled(req.Table)
	g.metrics.ObserveWrite(req.Table, OutcomeQueued.String())
	return OutcomeQueued, nil
}
