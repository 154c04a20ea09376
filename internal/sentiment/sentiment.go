// Package sentiment supplies the market sentiment score the entry pipeline
// consults for its adaptive thresholds. The provider is asynchronous by
// contract: the strategy only ever reads the last cached value, so a slow or
// failing sentiment source can never block an evaluation.
package sentiment

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/cache"
)

// Classification bands over the 0–100 score.
const (
	ClassExtremeFear  = "extreme_fear"
	ClassFear         = "fear"
	ClassNeutral      = "neutral"
	ClassGreed        = "greed"
	ClassExtremeGreed = "extreme_greed"
)

// Snapshot is one sentiment reading. Score ∈ [0,100]: 0 is panic, 100 is
// euphoria.
type Snapshot struct {
	Score          float64   `json:"score"`
	Classification string    `json:"classification"`
	Timestamp      time.Time `json:"timestamp"`
}

// Classify maps a score onto its band.
func Classify(score float64) string {
	switch {
	case score < 20:
		return ClassExtremeFear
	case score < 40:
		return ClassFear
	case score < 60:
		return ClassNeutral
	case score < 80:
		return ClassGreed
	default:
		return ClassExtremeGreed
	}
}

// Provider yields the last known sentiment without blocking.
type Provider interface {
	GetSentiment() Snapshot
}

// Config tunes the cached provider.
type Config struct {
	RefreshInterval time.Duration `json:"refresh_interval"`
	CacheTTL        time.Duration `json:"cache_ttl"`

	// Proxies are the breadth basket the default source scores: the index
	// proxy plus a handful of sector leaders.
	Proxies []string `json:"proxies"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 2 * time.Minute,
		CacheTTL:        10 * time.Minute,
		Proxies:         []string{"SPY", "QQQ", "IWM", "XLF", "XLK"},
	}
}

// CachedProvider refreshes sentiment on a background loop and serves the
// last value from memory, seeding from Redis across restarts. It defaults to
// a neutral 50 until the first successful refresh.
type CachedProvider struct {
	broker broker.Broker
	cache  *cache.Service
	config Config
	logger zerolog.Logger

	mu   sync.RWMutex
	last Snapshot
}

// NewCachedProvider creates the provider. cache may be nil.
func NewCachedProvider(b broker.Broker, c *cache.Service, config Config, logger zerolog.Logger) *CachedProvider {
	if config.RefreshInterval <= 0 {
		config = DefaultConfig()
	}
	p := &CachedProvider{
		broker: b,
		cache:  c,
		config: config,
		logger: logger.With().Str("component", "Sentiment").Logger(),
		last: Snapshot{
			Score:          50,
			Classification: ClassNeutral,
			Timestamp:      time.Now(),
		},
	}

	// Seed from Redis so a restart does not reset to neutral.
	var cached Snapshot
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if found, err := c.GetSentiment(ctx, &cached); err == nil && found {
		p.last = cached
	}
	return p
}

// GetSentiment returns the last cached reading. Never blocks.
func (p *CachedProvider) GetSentiment() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Run refreshes sentiment on the configured interval until ctx ends.
func (p *CachedProvider) Run(ctx context.Context) {
	p.refresh(ctx)
	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

// refresh recomputes sentiment with a short retry schedule; failures keep
// the previous value.
func (p *CachedProvider) refresh(ctx context.Context) {
	var snap Snapshot
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 20 * time.Second
	err := backoff.Retry(func() error {
		var rerr error
		snap, rerr = p.compute(ctx)
		return rerr
	}, backoff.WithContext(b, ctx))
	if err != nil {
		p.logger.Warn().Err(err).Msg("Sentiment refresh failed, keeping previous value")
		return
	}

	p.mu.Lock()
	p.last = snap
	p.mu.Unlock()

	if p.cache != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.cache.SetSentiment(cctx, snap, p.config.CacheTTL)
	}
	p.logger.Debug().
		Float64("score", snap.Score).
		Str("classification", snap.Classification).
		Msg("Sentiment refreshed")
}

// compute scores market breadth: for each proxy, where the last trade sits
// inside the day's bar range. All proxies near their highs reads greedy, all
// near their lows reads fearful.
func (p *CachedProvider) compute(ctx context.Context) (Snapshot, error) {
	bars, err := p.broker.GetLatestBars(ctx, p.config.Proxies)
	if err != nil {
		return Snapshot{}, err
	}

	var total float64
	var n int
	for _, bar := range bars {
		span := bar.High - bar.Low
		if span <= 0 {
			continue
		}
		total += (bar.Close - bar.Low) / span * 100
		n++
	}
	if n == 0 {
		return Snapshot{Score: 50, Classification: ClassNeutral, Timestamp: time.Now()}, nil
	}
	score := total / float64(n)
	return Snapshot{
		Score:          score,
		Classification: Classify(score),
		Timestamp:      time.Now(),
	}, nil
}

// Static is a fixed-score provider for tests and paper runs.
type Static struct {
	Score float64
}

// GetSentiment implements Provider.
func (s Static) GetSentiment() Snapshot {
	return Snapshot{Score: s.Score, Classification: Classify(s.Score), Timestamp: time.Now()}
}

var (
	_ Provider = (*CachedProvider)(nil)
	_ Provider = Static{}
)
