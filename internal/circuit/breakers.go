// Package circuit guards broker operations with independent per-operation
// circuit breakers and drives the engine's RECOVERY mode. Breakers are keyed
// by operation name so a storm on one endpoint never hides another's health.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/events"
)

// Broker operation names. One breaker per name.
const (
	OpGetClock       = "get_clock"
	OpGetAccount     = "get_account"
	OpListPositions  = "list_positions"
	OpGetPosition    = "get_position"
	OpListOrders     = "list_orders"
	OpGetOrder       = "get_order"
	OpSubmitOrder    = "submit_order"
	OpCancelOrder    = "cancel_order"
	OpGetBars        = "get_bars"
	OpGetLatestTrade = "get_latest_trade"
)

// criticalOps are operations whose breaker tripping drops the engine into
// RECOVERY: losing any of them means positions can no longer be protected.
var criticalOps = map[string]bool{
	OpSubmitOrder:   true,
	OpCancelOrder:   true,
	OpGetOrder:      true,
	OpListPositions: true,
}

// BreakerConfig tunes every per-operation breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures to trip
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`  // OPEN duration before a half-open probe
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// BreakerSet owns the per-operation breakers, created lazily and kept for
// process lifetime.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
	bus      *events.EventBus
	onTrip   func(op string)
}

// NewBreakerSet creates a breaker set. bus may be nil in tests.
func NewBreakerSet(config BreakerConfig, bus *events.EventBus, logger zerolog.Logger) *BreakerSet {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.With().Str("component", "BreakerSet").Logger(),
		bus:      bus,
	}
}

// OnTrip registers a callback invoked whenever any breaker opens. Used by
// the recovery manager; must be set before the first Execute.
func (s *BreakerSet) OnTrip(fn func(op string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrip = fn
}

func (s *BreakerSet) breaker(op string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[op]; ok {
		return cb
	}
	threshold := uint32(s.config.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        op,
		MaxRequests: 1, // half-open admits a single probe
		Timeout:     s.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: s.stateChanged,
		IsSuccessful:  breakerSuccess,
	})
	s.breakers[op] = cb
	return cb
}

// breakerSuccess decides which errors count against endpoint health.
// Permanent errors are deterministic caller mistakes (bad ID, bad params) and
// business outcomes like a cancel racing a fill; they must not open the
// breaker. Transient and ambiguous errors count.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if broker.IsAlreadyFilled(err) {
		return true
	}
	return broker.Classify(err) == broker.ErrorClassPermanent
}

func (s *BreakerSet) stateChanged(name string, from, to gobreaker.State) {
	s.logger.Warn().
		Str("operation", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")

	switch to {
	case gobreaker.StateOpen:
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type: events.EventBreakerTripped,
				Data: map[string]interface{}{"operation": name, "from": from.String()},
			})
		}
		s.mu.Lock()
		onTrip := s.onTrip
		s.mu.Unlock()
		if onTrip != nil {
			onTrip(name)
		}
	case gobreaker.StateClosed:
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type: events.EventBreakerReset,
				Data: map[string]interface{}{"operation": name},
			})
		}
	}
}

// Execute runs fn behind the operation's breaker. When the breaker is open
// the call is rejected locally without touching the broker.
func (s *BreakerSet) Execute(op string, fn func() error) error {
	_, err := s.breaker(op).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsCritical reports whether the operation is protection-critical.
func IsCritical(op string) bool {
	return criticalOps[op]
}

// State returns the breaker state name for an operation ("closed" when the
// breaker has never been exercised).
func (s *BreakerSet) State(op string) string {
	s.mu.Lock()
	cb, ok := s.breakers[op]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Stats returns a snapshot of every instantiated breaker.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BreakerStats, 0, len(s.breakers))
	for name, cb := range s.breakers {
		counts := cb.Counts()
		out = append(out, BreakerStats{
			Name:                name,
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	return out
}

// ForceReset discards an operation's breaker so the next call starts from a
// fresh closed state. Operator escape hatch.
func (s *BreakerSet) ForceReset(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, op)
	s.logger.Info().Str("operation", op).Msg("Circuit breaker force-reset")
}

// AnyOpen reports whether any breaker is currently open.
func (s *BreakerSet) AnyOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cb := range s.breakers {
		if cb.State() == gobreaker.StateOpen {
			return true
		}
	}
	return false
}
