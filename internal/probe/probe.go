package probe

import (
	"context"
	"time"

	"gestor360/internal/log"
	"gestor360/internal/remote"

	"go.uber.org/zap"
)

// Flag receives the probe verdict.
type Flag interface {
	Set(v bool) bool
}

// Prober pings the remote store on a fixed period and publishes reachability
// to the connectivity flag.
type Prober struct {
	target  remote.Pinger
	flag    Flag
	period  time.Duration
	timeout time.Duration
	logger  *log.Logger
}

func NewProber(target remote.Pinger, flag Flag, period time.Duration, logger *log.Logger) *Prober {
	if period <= 0 {
		period = 10 * time.Second
	}
	timeout := period / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		target:  target,
		flag:    flag,
		period:  period,
		timeout: timeout,
		logger:  logger,
	}
}

func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Connectivity prober shutting down")
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check runs one probe and returns the observed state.
func (p *Prober) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.target.Ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}
	online := err == nil
	if p.flag.Set(online) {
		if online {
			p.logger.Info("Remote store reachable")
		} else {
			p.logger.Warn("Remote store unreachable", zap.Error(err))
		}
	}
	return online
}
