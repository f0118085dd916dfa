package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeBusy     = "busy"
	OutcomeError    = "error"
)

// MetricsCollector owns a private registry. All methods are safe on a nil receiver
// so callers can run without metrics.
type MetricsCollector struct {
	registry                *prometheus.Registry
	transfers               *prometheus.CounterVec
	transferDuration        *prometheus.HistogramVec
	conversions             *prometheus.CounterVec
	busy                    prometheus.Counter
	requestTransitions      *prometheus.CounterVec
	accountBalance          *prometheus.GaugeVec
	notificationsDispatched *prometheus.CounterVec
	logger                  *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()

	collector := &MetricsCollector{
		registry: registry,
		transfers: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Total number of transfer attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		transferDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Time taken to settle a transfer",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		conversions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_conversions_total",
			Help: "Currency conversions by outcome",
		}, []string{"outcome"}),
		busy: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ledger_busy_total",
			Help: "Units of work that gave up waiting for a lock",
		}),
		requestTransitions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_requests_total",
			Help: "Payment request transitions",
		}, []string{"transition"}),
		accountBalance: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_account_balance",
			Help: "Last committed account balance",
		}, []string{"account_id", "currency"}),
		notificationsDispatched: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_notifications_dispatched_total",
			Help: "Notifications handed to delivery sinks",
		}, []string{"outcome"}),
		logger: logger,
	}

	return collector
}

func (m *MetricsCollector) RecordTransfer(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(kind, outcome).Inc()
	if outcome == OutcomeSuccess {
		m.transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func (m *MetricsCollector) RecordConversion(outcome string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(outcome).Inc()
}

func (m *MetricsCollector) RecordBusy() {
	if m == nil {
		return
	}
	m.busy.Inc()
}

func (m *MetricsCollector) RecordRequestTransition(transition string) {
	if m == nil {
		return
	}
	m.requestTransitions.WithLabelValues(transition).Inc()
}

func (m *MetricsCollector) UpdateAccountBalance(accountID, currency string, balance float64) {
	if m == nil {
		return
	}
	m.accountBalance.WithLabelValues(accountID, currency).Set(balance)
}

func (m *MetricsCollector) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notificationsDispatched.WithLabelValues(outcome).Inc()
}

func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.GetHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

func (m *MetricsCollector) Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	m.logger.Info("Metrics server shutdown complete")
	return nil
}
