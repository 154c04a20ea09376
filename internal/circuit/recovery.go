package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/events"
)

// RecoveryConfig tunes entry into and exit from RECOVERY mode.
type RecoveryConfig struct {
	StateErrorThreshold int           `json:"state_error_threshold"`
	ValidationInterval  time.Duration `json:"validation_interval"`
}

// DefaultRecoveryConfig returns the production defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		StateErrorThreshold: 3,
		ValidationInterval:  30 * time.Second,
	}
}

// RecoveryManager tracks whether the engine is in RECOVERY mode. In
// RECOVERY no new entries are admitted; protection of existing positions
// continues and deferred mutations queue for replay. Exit happens by
// operator command or a timed validation pass.
type RecoveryManager struct {
	mu          sync.RWMutex
	active      bool
	reason      string
	enteredAt   time.Time
	stateErrors int

	config   RecoveryConfig
	breakers *BreakerSet
	bus      *events.EventBus
	logger   zerolog.Logger
	probe    func(ctx context.Context) error
}

// NewRecoveryManager wires the manager to the breaker set: any critical
// breaker trip drops the engine into RECOVERY.
func NewRecoveryManager(config RecoveryConfig, breakers *BreakerSet, bus *events.EventBus, logger zerolog.Logger) *RecoveryManager {
	if config.StateErrorThreshold <= 0 {
		config.StateErrorThreshold = 3
	}
	if config.ValidationInterval <= 0 {
		config.ValidationInterval = 30 * time.Second
	}
	rm := &RecoveryManager{
		config:   config,
		breakers: breakers,
		bus:      bus,
		logger:   logger.With().Str("component", "RecoveryManager").Logger(),
	}
	if breakers != nil {
		breakers.OnTrip(func(op string) {
			if IsCritical(op) {
				rm.Enter("circuit breaker open on critical operation: " + op)
			}
		})
	}
	return rm
}

// SetProbe installs the validation probe used by the timed exit path,
// typically a broker clock fetch.
func (rm *RecoveryManager) SetProbe(probe func(ctx context.Context) error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.probe = probe
}

// Active reports whether the engine is in RECOVERY.
func (rm *RecoveryManager) Active() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.active
}

// Info returns the current reason and entry time (zero values when not
// active).
func (rm *RecoveryManager) Info() (reason string, since time.Time) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if !rm.active {
		return "", time.Time{}
	}
	return rm.reason, rm.enteredAt
}

// Enter puts the engine into RECOVERY. Idempotent.
func (rm *RecoveryManager) Enter(reason string) {
	rm.mu.Lock()
	if rm.active {
		rm.mu.Unlock()
		return
	}
	rm.active = true
	rm.reason = reason
	rm.enteredAt = time.Now()
	rm.mu.Unlock()

	rm.logger.Error().Str("reason", reason).Msg("Entering RECOVERY mode: new entries suspended")
	if rm.bus != nil {
		rm.bus.Publish(events.Event{
			Type: events.EventRecoveryEntered,
			Data: map[string]interface{}{"reason": reason},
		})
		rm.bus.PublishAlert("CRITICAL", "engine entered RECOVERY mode", map[string]interface{}{
			"reason": reason,
		})
	}
}

// Exit leaves RECOVERY. Idempotent.
func (rm *RecoveryManager) Exit(reason string) {
	rm.mu.Lock()
	if !rm.active {
		rm.mu.Unlock()
		return
	}
	duration := time.Since(rm.enteredAt)
	rm.active = false
	rm.reason = ""
	rm.stateErrors = 0
	rm.mu.Unlock()

	rm.logger.Info().
		Str("reason", reason).
		Dur("duration", duration).
		Msg("Exiting RECOVERY mode")
	if rm.bus != nil {
		rm.bus.Publish(events.Event{
			Type: events.EventRecoveryExited,
			Data: map[string]interface{}{"reason": reason, "duration_ms": duration.Milliseconds()},
		})
	}
}

// RecordStateError counts an invariant violation; repeated violations force
// RECOVERY.
func (rm *RecoveryManager) RecordStateError(component string) {
	rm.mu.Lock()
	rm.stateErrors++
	count := rm.stateErrors
	threshold := rm.config.StateErrorThreshold
	rm.mu.Unlock()

	rm.logger.Error().
		Str("source", component).
		Int("count", count).
		Msg("State error recorded")

	if count >= threshold {
		rm.Enter("repeated state errors")
	}
}

// Validate runs one validation pass: the probe must succeed and no breaker
// may be open. On success the manager exits RECOVERY.
func (rm *RecoveryManager) Validate(ctx context.Context) bool {
	if !rm.Active() {
		return true
	}
	rm.mu.RLock()
	probe := rm.probe
	rm.mu.RUnlock()

	if probe != nil {
		if err := probe(ctx); err != nil {
			rm.logger.Warn().Err(err).Msg("Recovery validation probe failed")
			return false
		}
	}
	if rm.breakers != nil && rm.breakers.AnyOpen() {
		rm.logger.Warn().Msg("Recovery validation blocked: breaker still open")
		return false
	}
	rm.Exit("validation pass succeeded")
	return true
}

// ValidationLoop runs Validate on the configured interval until ctx ends.
func (rm *RecoveryManager) ValidationLoop(ctx context.Context) {
	ticker := time.NewTicker(rm.config.ValidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.Validate(ctx)
		}
	}
}
