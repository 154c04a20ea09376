// Package engine is the top-level controller. It owns the component
// lifecycle, the watchlist evaluation loop, offline-queue replay, and the
// periodic snapshot published for operators.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/cache"
	"alpaca-trading-engine/internal/circuit"
	"alpaca-trading-engine/internal/database"
	"alpaca-trading-engine/internal/events"
	"alpaca-trading-engine/internal/metrics"
	"alpaca-trading-engine/internal/orders"
	"alpaca-trading-engine/internal/position"
	"alpaca-trading-engine/internal/protection"
	"alpaca-trading-engine/internal/strategy"
)

// Config controls the engine loops.
type Config struct {
	Watchlist         []string      `json:"watchlist"`
	EvalInterval      time.Duration `json:"eval_interval"`
	DrainInterval     time.Duration `json:"drain_interval"`
	SnapshotInterval  time.Duration `json:"snapshot_interval"`
	BootstrapTrades   int           `json:"bootstrap_trades"`
	FlattenOnShutdown bool          `json:"flatten_on_shutdown"`
	StartEnabled      bool          `json:"start_enabled"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EvalInterval:     15 * time.Second,
		DrainInterval:    10 * time.Second,
		SnapshotInterval: 10 * time.Second,
		BootstrapTrades:  500,
		StartEnabled:     true,
	}
}

// Deps collects the wired components. Store, Journal, Cache and Metrics may
// be nil; the engine degrades to in-memory operation without them.
type Deps struct {
	Broker     broker.Broker
	Tracker    *position.Tracker
	Sequencer  *orders.Sequencer
	Queue      *orders.OfflineQueue
	Protection *protection.Manager
	Evaluator  *strategy.Evaluator
	Breakers   *circuit.BreakerSet
	Recovery   *circuit.RecoveryManager
	Store      *database.Store
	Journal    *database.AsyncJournal
	Cache      *cache.Service
	Metrics    *metrics.Metrics
	Bus        *events.EventBus
}

// Engine coordinates the trading components.
type Engine struct {
	deps   Deps
	config Config
	logger zerolog.Logger

	mu             sync.Mutex
	running        bool
	tradingEnabled bool
	startedAt      time.Time
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// New creates the engine. Call Start to launch the loops.
func New(deps Deps, config Config, logger zerolog.Logger) *Engine {
	if config.EvalInterval <= 0 {
		config.EvalInterval = 15 * time.Second
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = 10 * time.Second
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = 10 * time.Second
	}
	return &Engine{
		deps:           deps,
		config:         config,
		logger:         logger.With().Str("component", "Engine").Logger(),
		tradingEnabled: config.StartEnabled,
	}
}

// Start reconciles broker state, then launches the protection, evaluation,
// drain and snapshot loops. It is an error to start a running engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	adopted, err := e.deps.Protection.SyncFromBroker(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Startup position sync incomplete")
	} else if adopted > 0 {
		e.logger.Info().Int("adopted", adopted).Msg("Adopted broker positions on startup")
	}

	if e.deps.Metrics != nil && e.deps.Store != nil {
		e.deps.Metrics.Bootstrap(ctx, storeTradeSource{e.deps.Store}, e.config.BootstrapTrades)
	}
	if e.deps.Journal != nil && e.deps.Bus != nil {
		e.attachPersistence(e.deps.Bus)
	}

	// Breaker trips on critical operations already push the recovery
	// manager into RECOVERY; the engine only supplies the exit probe.
	if e.deps.Recovery != nil {
		e.deps.Recovery.SetProbe(e.probe)
		e.spawn(func() { e.deps.Recovery.ValidationLoop(runCtx) })
	}

	e.spawn(func() { e.deps.Protection.Run(runCtx) })
	e.spawn(func() { e.evalLoop(runCtx) })
	e.spawn(func() { e.drainLoop(runCtx) })
	e.spawn(func() { e.snapshotLoop(runCtx) })

	if e.deps.Bus != nil {
		e.deps.Bus.Publish(events.Event{
			Type: events.EventEngineStarted,
			Data: map[string]interface{}{
				"watchlist":       e.config.Watchlist,
				"trading_enabled": e.TradingEnabled(),
			},
		})
	}
	e.logger.Info().
		Strs("watchlist", e.config.Watchlist).
		Bool("trading_enabled", e.TradingEnabled()).
		Msg("Engine started")
	return nil
}

// Stop cancels the loops and waits for them, bounded by ctx. With
// FlattenOnShutdown set, every tracked position is closed first.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.mu.Unlock()

	if e.config.FlattenOnShutdown {
		if _, err := e.FlattenAll(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Flatten on shutdown incomplete")
		}
	}

	cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn().Msg("Engine stop timed out waiting for loops")
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	if e.deps.Bus != nil {
		e.deps.Bus.Publish(events.Event{Type: events.EventEngineStopped})
	}
	e.logger.Info().Msg("Engine stopped")
	return ctx.Err()
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// probe is the recovery health check: clock and account must both answer.
func (e *Engine) probe(ctx context.Context) error {
	if _, err := e.deps.Broker.GetClock(ctx); err != nil {
		return err
	}
	_, err := e.deps.Broker.GetAccount(ctx)
	return err
}

func (e *Engine) evalLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evalPass(ctx)
		}
	}
}

func (e *Engine) evalPass(ctx context.Context) {
	if !e.TradingEnabled() {
		return
	}
	if e.deps.Recovery != nil && e.deps.Recovery.Active() {
		return
	}
	for _, symbol := range e.config.Watchlist {
		if ctx.Err() != nil {
			return
		}
		d, err := e.deps.Evaluator.EvaluateSymbol(ctx, symbol)
		if err != nil {
			e.logger.Warn().Str("symbol", symbol).Err(err).Msg("Evaluation failed")
			continue
		}
		if e.deps.Metrics != nil {
			if d.Accepted {
				e.deps.Metrics.EntryAccepted()
				if d.Sized != nil {
					e.deps.Metrics.OrderSubmitted(d.Sized.Side)
				}
				if d.Fill != nil && d.Fill.Filled {
					e.deps.Metrics.OrderFilled(d.Fill.ElapsedTime)
				}
			} else if d.Signal != nil {
				// Only admission rejections of a live signal are
				// interesting; quiet symbols would swamp the counter.
				e.deps.Metrics.EntryRejected(d.Stage)
			}
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainPass(ctx)
		}
	}
}

func (e *Engine) drainPass(ctx context.Context) {
	if e.deps.Queue.Depth() == 0 {
		return
	}
	if e.deps.Recovery != nil && e.deps.Recovery.Active() {
		return
	}
	if err := e.probe(ctx); err != nil {
		return
	}
	replayed := e.deps.Queue.Drain(ctx, e.replayOp)
	if replayed > 0 {
		e.logger.Info().Int("replayed", replayed).Msg("Offline queue drained")
	}
}

// replayOp re-executes one deferred order mutation through the sequencer.
func (e *Engine) replayOp(ctx context.Context, op orders.DeferredOp) error {
	if _, tracked := e.deps.Tracker.Get(op.Symbol); !tracked && op.Kind != orders.OpTypeFlatten {
		e.logger.Info().Str("symbol", op.Symbol).Str("kind", op.Kind).
			Msg("Dropping deferred op for untracked position")
		return nil
	}
	var r *orders.SequenceResult
	switch op.Kind {
	case orders.OpTypeStopUpdate:
		r = e.deps.Sequencer.ExecuteStopUpdate(ctx, op.Symbol, op.Price)
	case orders.OpTypePartialExit:
		r = e.deps.Sequencer.ExecutePartialExitWithStopUpdate(ctx, op.Symbol, op.Qty, op.Price)
	case orders.OpTypeFlatten:
		r = e.deps.Sequencer.ExecuteFullExit(ctx, op.Symbol, "deferred flatten")
	default:
		e.logger.Warn().Str("kind", op.Kind).Msg("Unknown deferred op kind, dropping")
		return nil
	}
	if !r.Success {
		return fmt.Errorf("replay %s %s: %s", op.Kind, op.Symbol, r.Message)
	}
	if op.Kind == orders.OpTypeStopUpdate {
		e.deps.Tracker.UpdateStopLoss(op.Symbol, op.Price)
	}
	return nil
}
