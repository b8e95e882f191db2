package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"time"

	"gestor360/internal/log"
	"gestor360/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// QueueStatser is the part of the local store the depth collector polls.
type QueueStatser interface {
	QueueStats(ctx context.Context) (map[store.Status]int, error)
}

// Metrics methods are safe on a nil receiver so components can run without them.
type Metrics struct {
	WritesTotal      *prometheus.CounterVec
	EnqueueTotal     *prometheus.CounterVec
	SpillTotal       *prometheus.CounterVec
	CompletedTotal   *prometheus.CounterVec
	FailedTotal      *prometheus.CounterVec
	RetryTotal       *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	GovernorInFlight prometheus.Gauge
	GovernorWaiting  prometheus.Gauge

	gatherer prometheus.Gatherer
	logger   *log.Logger
}

// New registers all collectors with reg. Passing a prometheus.Registry gives
// tests an isolated set; the default registerer is used when reg is nil.
func New(reg prometheus.Registerer, logger *log.Logger) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gestor360_gateway_writes_total",
				Help: "Gateway writes by table and outcome (confirmed, queued, rejected)",
			},
			[]string{"table", "outcome"},
		),
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gestor360_queue_enqueued_total",
				Help: "Total number of sync queue entries created",
			},
			[]string{"table"},
		),
		SpillTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gestor360_journal_spilled_total",
				Help: "Entries written to the spill journal because the local store was unavailable",
			},
			[]string{"table"},
		),
		CompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gestor360_queue_completed_total",
				Help: "Total number of entries replayed successfully",
			},
			[]string{"table"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gestor360_queue_failed_total",
				Help: "Total number of entries that reached FAILED",
			},
			[]string{"table"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gestor360_queue_retried_total",
				Help: "Total number of entries rescheduled after a transient failure",
			},
			[]string{"table"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gestor360_queue_depth",
				Help: "Number of sync queue entries per status",
			},
			[]string{"status"},
		),
		GovernorInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gestor360_governor_in_flight",
			Help: "Outbound requests currently holding a governor slot",
		}),
		GovernorWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gestor360_governor_waiting",
			Help: "Outbound requests waiting for a governor slot",
		}),
		logger: logger,
	}

	reg.MustRegister(
		m.WritesTotal,
		m.EnqueueTotal,
		m.SpillTotal,
		m.CompletedTotal,
		m.FailedTotal,
		m.RetryTotal,
		m.QueueDepth,
		m.GovernorInFlight,
		m.GovernorWaiting,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

func (m *Metrics) ObserveWrite(table, outcome string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(table, outcome).Inc()
}

func (m *Metrics) Enqueued(table string) {
	if m == nil {
		return
	}
	m.EnqueueTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) Spilled(table string) {
	if m == nil {
		return
	}
	m.SpillTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) Completed(table string) {
	if m == nil {
		return
	}
	m.CompletedTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) Failed(table string) {
	if m == nil {
		return
	}
	m.FailedTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) Retried(table string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) SetGovernor(inFlight, waiting int) {
	if m == nil {
		return
	}
	m.GovernorInFlight.Set(float64(inFlight))
	m.GovernorWaiting.Set(float64(waiting))
}

// Handler serves the registry this Metrics was registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Run serves /metrics on addr and refreshes queue depth every interval until
// ctx is done.
func (m *Metrics) Run(ctx context.Context, addr string, src QueueStatser, interval time.Duration) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Error("Failed to load TLS certificates for metrics, using HTTP", zap.Error(err))
		} else {
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}

	go m.collect(ctx, src, interval)

	go func() {
		var err error
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting with TLS", zap.String("addr", addr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Metrics server starting", zap.String("addr", addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *Metrics) collect(ctx context.Context, src QueueStatser, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			m.RefreshDepth(ctx, src)
		}
	}
}

// RefreshDepth copies the current per-status counts into the depth gauge.
func (m *Metrics) RefreshDepth(ctx context.Context, src QueueStatser) {
	stats, err := src.QueueStats(ctx)
	if err != nil {
		m.logger.Error("Failed to read queue stats for metrics", zap.Error(err))
		return
	}
	for status, n := range stats {
		m.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
