package admission

import (
	"math"
	"sync"
	"time"
)

// Signal is what a finished job tells the concurrency controller.
type Signal int

const (
	SignalSuccess Signal = iota
	SignalError
	SignalTimeout
)

func (s Signal) String() string {
	switch s {
	case SignalSuccess:
		return "success"
	case SignalError:
		return "error"
	case SignalTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ControllerConfig tunes one AIMD controller.
//
// Zero values fall back to defaults (see DefaultControllerConfig).
type ControllerConfig struct {
	InitialTarget  float64
	MaxConcurrency int

	Window        time.Duration
	IncreaseStep  float64
	DecreaseRatio float64

	// InactiveCheckInterval is how often Poll is expected to be called by the owner.
	InactiveCheckInterval time.Duration
	// SmoothingFactor weights the latency moving average (reporting only).
	SmoothingFactor float64

	CollapseWindow         time.Duration
	CollapseErrorThreshold int

	// Now is used for tests; defaults to time.Now.
	Now func() time.Time
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		InitialTarget:          2,
		MaxConcurrency:         20,
		Window:                 5 * time.Second,
		IncreaseStep:           1,
		DecreaseRatio:          0.5,
		InactiveCheckInterval:  10 * time.Second,
		SmoothingFactor:        0.2,
		CollapseWindow:         10 * time.Second,
		CollapseErrorThreshold: 5,
	}
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	d := DefaultControllerConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.InitialTarget <= 0 {
		c.InitialTarget = d.InitialTarget
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.IncreaseStep <= 0 {
		c.IncreaseStep = d.IncreaseStep
	}
	if c.DecreaseRatio <= 0 || c.DecreaseRatio >= 1 {
		c.DecreaseRatio = d.DecreaseRatio
	}
	if c.InactiveCheckInterval <= 0 {
		c.InactiveCheckInterval = d.InactiveCheckInterval
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor > 1 {
		c.SmoothingFactor = d.SmoothingFactor
	}
	if c.CollapseWindow <= 0 {
		c.CollapseWindow = d.CollapseWindow
	}
	if c.CollapseErrorThreshold <= 0 {
		c.CollapseErrorThreshold = d.CollapseErrorThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Controller is an AIMD admission controller evaluated over fixed time windows.
//
// It never fails; Target is advisory and enforced by the caller.
type Controller struct {
	mu  sync.Mutex
	cfg ControllerConfig

	raw float64

	windowStart time.Time
	successes   int
	errors      int
	timeouts    int
	// prevActive reports whether the last evaluated window saw any event.
	prevActive bool

	// recent error timestamps, oldest first, bounded by CollapseWindow.
	recentErrors []time.Time

	latencyEWMA time.Duration

	increases int64
	decreases int64
	collapses int64
}

func NewController(cfg ControllerConfig) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:         cfg,
		windowStart: cfg.Now(),
	}
	c.raw = clampRaw(cfg.InitialTarget, cfg.MaxConcurrency)
	return c
}

func clampRaw(v float64, maxConc int) float64 {
	if v < 1 {
		return 1
	}
	if m := float64(maxConc); v > m {
		return m
	}
	return v
}

// Target returns the admission limit, always within [1, MaxConcurrency].
func (c *Controller) Target() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetLocked()
}

func (c *Controller) targetLocked() int {
	t := int(math.Floor(c.raw))
	if t < 1 {
		t = 1
	}
	if t > c.cfg.MaxConcurrency {
		t = c.cfg.MaxConcurrency
	}
	return t
}

func (c *Controller) RecordSuccess(latency time.Duration) { c.Record(SignalSuccess, latency) }
func (c *Controller) RecordError()                        { c.Record(SignalError, 0) }
func (c *Controller) RecordTimeout()                      { c.Record(SignalTimeout, 0) }

// Record appends one outcome to the current window and evaluates the window if it has elapsed.
func (c *Controller) Record(sig Signal, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	switch sig {
	case SignalSuccess:
		c.successes++
		c.observeLatency(latency)
	case SignalTimeout:
		c.timeouts++
	case SignalError:
		c.errors++
		c.noteError(now)
	}

	if now.Sub(c.windowStart) >= c.cfg.Window {
		c.evaluate(now)
	}
}

// Poll evaluates a window that elapsed without any new events.
func (c *Controller) Poll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	if now.Sub(c.windowStart) < c.cfg.Window {
		return
	}
	if c.successes+c.errors+c.timeouts > 0 {
		c.evaluate(now)
		return
	}
	// quiet window after an active one: the gate was probably holding work back.
	if c.prevActive {
		c.increase()
	}
	c.prevActive = false
	c.windowStart = now
}

func (c *Controller) evaluate(now time.Time) {
	if c.errors > 0 || c.timeouts > 0 {
		c.raw = math.Max(1, c.raw*c.cfg.DecreaseRatio)
		c.decreases++
	} else {
		c.increase()
	}
	c.prevActive = c.successes+c.errors+c.timeouts > 0
	c.successes, c.errors, c.timeouts = 0, 0, 0
	c.windowStart = now
}

func (c *Controller) increase() {
	c.raw = math.Min(float64(c.cfg.MaxConcurrency), c.raw+c.cfg.IncreaseStep)
	c.increases++
}

func (c *Controller) noteError(now time.Time) {
	cutoff := now.Add(-c.cfg.CollapseWindow)
	i := 0
	for i < len(c.recentErrors) && !c.recentErrors[i].After(cutoff) {
		i++
	}
	c.recentErrors = append(c.recentErrors[i:], now)

	if len(c.recentErrors) >= c.cfg.CollapseErrorThreshold {
		c.raw = 1
		c.recentErrors = c.recentErrors[:0]
		c.collapses++
	}
}

func (c *Controller) observeLatency(d time.Duration) {
	if d <= 0 {
		return
	}
	if c.latencyEWMA == 0 {
		c.latencyEWMA = d
		return
	}
	a := c.cfg.SmoothingFactor
	c.latencyEWMA = time.Duration(a*float64(d) + (1-a)*float64(c.latencyEWMA))
}

// Apply swaps tunables in place. raw_target is re-clamped to the new bounds.
func (c *Controller) Apply(cfg ControllerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Now == nil {
		cfg.Now = c.cfg.Now
	}
	c.cfg = cfg.withDefaults()
	c.raw = clampRaw(c.raw, c.cfg.MaxConcurrency)
}

type ControllerSnapshot struct {
	Target        int           `json:"target"`
	RawTarget     float64       `json:"raw_target"`
	Max           int           `json:"max"`
	WindowSuccess int           `json:"window_success"`
	WindowError   int           `json:"window_error"`
	WindowTimeout int           `json:"window_timeout"`
	RecentErrors  int           `json:"recent_errors"`
	LatencyEWMA   time.Duration `json:"latency_ewma"`
	Increases     int64         `json:"increases"`
	Decreases     int64         `json:"decreases"`
	Collapses     int64         `json:"collapses"`
}

func (c *Controller) Snapshot() ControllerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerSnapshot{
		Target:        c.targetLocked(),
		RawTarget:     c.raw,
		Max:           c.cfg.MaxConcurrency,
		WindowSuccess: c.successes,
		WindowError:   c.errors,
		WindowTimeout: c.timeouts,
		RecentErrors:  len(c.recentErrors),
		LatencyEWMA:   c.latencyEWMA,
		Increases:     c.increases,
		Decreases:     c.decreases,
		Collapses:     c.collapses,
	}
}
