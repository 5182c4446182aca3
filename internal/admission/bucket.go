package admission

import (
	"errors"
	"math"
	"sync"
	"time"
)

var ErrUnavailableTokens = errors.New("admission: no tokens available")

// BucketConfig tunes an adaptive token bucket.
//
// Zero values fall back to defaults (see DefaultBucketConfig).
type BucketConfig struct {
	// InitialRate is the starting request rate in tokens per second.
	InitialRate float64
	// EnforcementWindow bounds the burst: max tokens = rate * window.
	// It also floors the rate at one token per window.
	EnforcementWindow time.Duration
	// ReductionFactor multiplies the rate on every rate-limit error (0 < f < 1).
	ReductionFactor float64
	// IncreaseFactor is the per-second recovery multiplier (f >= 1).
	IncreaseFactor float64
	// MaxRate caps recovery. Zero means DefaultMaxRateMultiple * InitialRate.
	MaxRate float64
	// Cooldown suspends recovery after a rate-limit error. Zero disables it.
	Cooldown time.Duration

	Now func() time.Time
}

// DefaultMaxRateMultiple caps recovery relative to InitialRate when MaxRate is unset.
const DefaultMaxRateMultiple = 10

func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		InitialRate:       5,
		EnforcementWindow: time.Minute,
		ReductionFactor:   0.5,
		IncreaseFactor:    1.01,
	}
}

func (c BucketConfig) withDefaults() BucketConfig {
	d := DefaultBucketConfig()
	if c.InitialRate <= 0 {
		c.InitialRate = d.InitialRate
	}
	if c.EnforcementWindow <= 0 {
		c.EnforcementWindow = d.EnforcementWindow
	}
	if c.ReductionFactor <= 0 || c.ReductionFactor >= 1 {
		c.ReductionFactor = d.ReductionFactor
	}
	if c.IncreaseFactor < 1 {
		c.IncreaseFactor = d.IncreaseFactor
	}
	if !(c.MaxRate > 0) || math.IsInf(c.MaxRate, 0) {
		c.MaxRate = c.InitialRate * DefaultMaxRateMultiple
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Bucket is a token bucket whose rate decays geometrically on rate-limit errors
// and recovers exponentially with time.
type Bucket struct {
	mu  sync.Mutex
	cfg BucketConfig

	rate           float64
	tokens         float64
	lastChecked    time.Time
	lastRateUpdate time.Time
	lastLimitedAt  time.Time

	rateLimitErrors int64
	taken           int64
}

func NewBucket(cfg BucketConfig) *Bucket {
	cfg = cfg.withDefaults()
	now := cfg.Now()
	b := &Bucket{
		cfg:            cfg,
		rate:           cfg.InitialRate,
		lastChecked:    now,
		lastRateUpdate: now,
	}
	b.clampRate()
	b.tokens = math.Min(1, b.maxTokens())
	return b
}

func (b *Bucket) minRate() float64 { return 1 / b.cfg.EnforcementWindow.Seconds() }

func (b *Bucket) maxTokens() float64 { return b.rate * b.cfg.EnforcementWindow.Seconds() }

// Available refills lazily and returns the current token count.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.cfg.Now())
	return b.tokens
}

// TryTake consumes one token when available, otherwise returns ErrUnavailableTokens.
func (b *Bucket) TryTake() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.cfg.Now())
	if b.tokens < 1 {
		return ErrUnavailableTokens
	}
	b.tokens--
	b.taken++
	return nil
}

// OnRateLimitError decays the rate, never below one token per enforcement window.
func (b *Bucket) OnRateLimitError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Now()
	b.refill(now)
	b.rate *= b.cfg.ReductionFactor
	b.clampRate()
	b.tokens = 0
	b.lastLimitedAt = now
	b.lastRateUpdate = now
	b.rateLimitErrors++
}

// WaitTime estimates how long until one token is available.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.cfg.Now())
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Rate reports the current rate with recovery applied, as Snapshot does.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.cfg.Now())
	return b.rate
}

func (b *Bucket) refill(now time.Time) {
	b.recover(now)
	if elapsed := now.Sub(b.lastChecked).Seconds(); elapsed > 0 {
		b.tokens += b.rate * elapsed
	}
	b.lastChecked = now
	if m := b.maxTokens(); b.tokens > m {
		b.tokens = m
	}
}

func (b *Bucket) recover(now time.Time) {
	elapsed := now.Sub(b.lastRateUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRateUpdate = now
	if b.cfg.Cooldown > 0 && !b.lastLimitedAt.IsZero() && now.Sub(b.lastLimitedAt) < b.cfg.Cooldown {
		return
	}
	b.rate *= math.Pow(b.cfg.IncreaseFactor, elapsed)
	b.clampRate()
}

// clampRate keeps rate within [1/window, max(MaxRate, 1/window)]. A non-finite
// rate (overflow in Pow) lands on the cap.
func (b *Bucket) clampRate() {
	ceil := math.Max(b.cfg.MaxRate, b.minRate())
	if !(b.rate <= ceil) {
		b.rate = ceil
	}
	if b.rate < b.minRate() {
		b.rate = b.minRate()
	}
}

type BucketSnapshot struct {
	Rate            float64 `json:"rate"`
	Tokens          float64 `json:"tokens"`
	MaxTokens       float64 `json:"max_tokens"`
	RateLimitErrors int64   `json:"rate_limit_errors"`
	Taken           int64   `json:"taken"`
}

func (b *Bucket) Snapshot() BucketSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.cfg.Now())
	return BucketSnapshot{
		Rate:            b.rate,
		Tokens:          b.tokens,
		MaxTokens:       b.maxTokens(),
		RateLimitErrors: b.rateLimitErrors,
		Taken:           b.taken,
	}
}
