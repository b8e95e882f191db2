package remote

import (
	"context"
	"time"

	"gestor360/internal/log"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker wraps a Store with a circuit breaker. While open, calls fail fast
// with gobreaker.ErrOpenState, which Classify reports as KindUnavailable.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, next Store, logger *log.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		// Permanent errors say nothing about the health of the remote.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) UpsertMerge(ctx context.Context, table, id string, doc Document) error {
	return b.run(func() error { return b.next.UpsertMerge(ctx, table, id, doc) })
}

func (b *Breaker) Set(ctx context.Context, table, id string, doc Document) error {
	return b.run(func() error { return b.next.Set(ctx, table, id, doc) })
}

func (b *Breaker) Delete(ctx context.Context, table, id string) error {
	return b.run(func() error { return b.next.Delete(ctx, table, id) })
}

// Get reads through the breaker when the wrapped store can read.
func (b *Breaker) Get(ctx context.Context, table, id string) (Document, error) {
	r, ok := b.next.(Reader)
	if !ok {
		return nil, &Error{Kind: KindFailedPrecondition, Code: KindFailedPrecondition.String(), Message: "remote store cannot read"}
	}
	v, err := b.cb.Execute(func() (interface{}, error) {
		return r.Get(ctx, table, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(Document), nil
}

// Ping bypasses the breaker so reachability probes see the real remote.
func (b *Breaker) Ping(ctx context.Context) error {
	if p, ok := b.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) run(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
