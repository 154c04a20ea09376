// Package metrics tracks trading counters and latency distributions, both
// as Prometheus collectors for scraping and as a JSON snapshot for the
// control API.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Snapshot is the JSON view served by the control API.
type Snapshot struct {
	OrdersSubmitted int64   `json:"orders_submitted"`
	OrdersFilled    int64   `json:"orders_filled"`
	OrdersRejected  int64   `json:"orders_rejected"`
	EntriesAccepted int64   `json:"entries_accepted"`
	EntriesRejected int64   `json:"entries_rejected"`
	PartialExits    int64   `json:"partial_exits"`
	StopUpdates     int64   `json:"stop_updates"`
	SequenceFails   int64   `json:"sequence_failures"`
	TradesToday     int64   `json:"trades_today"`
	RealizedPL      float64 `json:"realized_pl"`
	Equity          float64 `json:"equity"`
	OpenPositions   int64   `json:"open_positions"`
	QueueDepth      int64   `json:"queue_depth"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TradeSource supplies historical trades for bootstrap.
type TradeSource interface {
	RecentTrades(ctx context.Context, limit int) ([]TradeSample, error)
}

// TradeSample is the slice of a trade record metrics care about.
type TradeSample struct {
	Event      string
	Profit     float64
	RMultiple  float64
	OccurredAt time.Time
}

// Metrics owns the collectors and the snapshot.
type Metrics struct {
	registry *prometheus.Registry
	logger   zerolog.Logger

	ordersSubmitted *prometheus.CounterVec
	ordersFilled    prometheus.Counter
	ordersRejected  prometheus.Counter
	entriesAccepted prometheus.Counter
	entriesRejected *prometheus.CounterVec
	partialExits    prometheus.Counter
	stopUpdates     prometheus.Counter
	sequenceFails   prometheus.Counter

	fillLatency prometheus.Histogram
	seqDuration prometheus.Histogram
	rMultiples  prometheus.Histogram

	equity        prometheus.Gauge
	openPositions prometheus.Gauge
	queueDepth    prometheus.Gauge

	mu   sync.Mutex
	snap Snapshot
}

// New registers the collectors on a private registry.
func New(logger zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logger:   logger.With().Str("component", "Metrics").Logger(),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders submitted to the broker, by side.",
		}, []string{"side"}),
		ordersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_filled_total",
			Help: "Orders confirmed filled.",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected by the broker.",
		}),
		entriesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_entries_accepted_total",
			Help: "Entry signals that passed the admission gauntlet.",
		}),
		entriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_entries_rejected_total",
			Help: "Entry signals rejected, by gauntlet stage.",
		}, []string{"stage"}),
		partialExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_partial_exits_total",
			Help: "Milestone partial exits executed.",
		}),
		stopUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_stop_updates_total",
			Help: "Trailing-stop replacements executed.",
		}),
		sequenceFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_sequence_failures_total",
			Help: "Order sequences that finished unsuccessfully.",
		}),
		fillLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_fill_detection_seconds",
			Help:    "Time from submission to confirmed fill.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		seqDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_sequence_duration_seconds",
			Help:    "Order sequence wall time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		rMultiples: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_trade_r_multiple",
			Help:    "Realized R-multiple distribution.",
			Buckets: []float64{-2, -1, -0.5, 0, 0.5, 1, 1.5, 2, 3, 4, 6},
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_account_equity",
			Help: "Latest account equity.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently tracked positions.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_offline_queue_depth",
			Help: "Deferred operations awaiting replay.",
		}),
	}
	reg.MustRegister(
		m.ordersSubmitted, m.ordersFilled, m.ordersRejected,
		m.entriesAccepted, m.entriesRejected,
		m.partialExits, m.stopUpdates, m.sequenceFails,
		m.fillLatency, m.seqDuration, m.rMultiples,
		m.equity, m.openPositions, m.queueDepth,
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Bootstrap seeds today's counters from persisted trades.
func (m *Metrics) Bootstrap(ctx context.Context, src TradeSource, limit int) {
	trades, err := src.RecentTrades(ctx, limit)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Metrics bootstrap skipped")
		return
	}
	today := time.Now().Truncate(24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range trades {
		if tr.OccurredAt.Before(today) {
			continue
		}
		m.snap.TradesToday++
		m.snap.RealizedPL += tr.Profit
		if tr.Event == "exit" || tr.Event == "partial_exit" {
			m.rMultiples.Observe(tr.RMultiple)
		}
	}
	m.snap.UpdatedAt = time.Now()
	m.logger.Info().Int64("trades_today", m.snap.TradesToday).Msg("Metrics bootstrapped")
}

func (m *Metrics) touch(update func(*Snapshot)) {
	m.mu.Lock()
	update(&m.snap)
	m.snap.UpdatedAt = time.Now()
	m.mu.Unlock()
}

// OrderSubmitted counts a submission.
func (m *Metrics) OrderSubmitted(side string) {
	m.ordersSubmitted.WithLabelValues(side).Inc()
	m.touch(func(s *Snapshot) { s.OrdersSubmitted++ })
}

// OrderFilled counts a confirmed fill and its detection latency.
func (m *Metrics) OrderFilled(latency time.Duration) {
	m.ordersFilled.Inc()
	m.fillLatency.Observe(latency.Seconds())
	m.touch(func(s *Snapshot) { s.OrdersFilled++ })
}

// OrderRejected counts a broker rejection.
func (m *Metrics) OrderRejected() {
	m.ordersRejected.Inc()
	m.touch(func(s *Snapshot) { s.OrdersRejected++ })
}

// EntryAccepted counts an admitted entry.
func (m *Metrics) EntryAccepted() {
	m.entriesAccepted.Inc()
	m.touch(func(s *Snapshot) { s.EntriesAccepted++ })
}

// EntryRejected counts a gauntlet rejection by stage.
func (m *Metrics) EntryRejected(stage string) {
	m.entriesRejected.WithLabelValues(stage).Inc()
	m.touch(func(s *Snapshot) { s.EntriesRejected++ })
}

// PartialExit counts a milestone exit and its realized numbers.
func (m *Metrics) PartialExit(profit, rMultiple float64) {
	m.partialExits.Inc()
	m.rMultiples.Observe(rMultiple)
	m.touch(func(s *Snapshot) {
		s.PartialExits++
		s.TradesToday++
		s.RealizedPL += profit
	})
}

// StopUpdated counts a trailing-stop replacement.
func (m *Metrics) StopUpdated() {
	m.stopUpdates.Inc()
	m.touch(func(s *Snapshot) { s.StopUpdates++ })
}

// SequenceFinished records a sequence outcome and duration.
func (m *Metrics) SequenceFinished(success bool, duration time.Duration) {
	m.seqDuration.Observe(duration.Seconds())
	if !success {
		m.sequenceFails.Inc()
		m.touch(func(s *Snapshot) { s.SequenceFails++ })
	}
}

// SetEquity updates the account equity gauge.
func (m *Metrics) SetEquity(v float64) {
	m.equity.Set(v)
	m.touch(func(s *Snapshot) { s.Equity = v })
}

// SetOpenPositions updates the tracked-position gauge.
func (m *Metrics) SetOpenPositions(n int) {
	m.openPositions.Set(float64(n))
	m.touch(func(s *Snapshot) { s.OpenPositions = int64(n) })
}

// SetQueueDepth updates the offline-queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
	m.touch(func(s *Snapshot) { s.QueueDepth = int64(n) })
}

// Snapshot returns a copy of the JSON snapshot.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}
