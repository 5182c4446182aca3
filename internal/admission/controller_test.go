package admission

import (
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestController(clk *fakeClock, mutate func(*ControllerConfig)) *Controller {
	cfg := ControllerConfig{
		InitialTarget:          1,
		MaxConcurrency:         10,
		Window:                 100 * time.Millisecond,
		IncreaseStep:           1,
		DecreaseRatio:          0.5,
		CollapseWindow:         10 * time.Second,
		CollapseErrorThreshold: 100,
		Now:                    clk.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewController(cfg)
}

func TestControllerCleanWindowIncreases(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, nil)

	c.RecordSuccess(10 * time.Millisecond)
	if got := c.Target(); got != 1 {
		t.Fatalf("target before window end=%d want 1", got)
	}
	clk.Advance(100 * time.Millisecond)
	c.RecordSuccess(10 * time.Millisecond)
	if got := c.Target(); got != 2 {
		t.Fatalf("target after clean window=%d want 2", got)
	}
}

func TestControllerTimeoutWindowDecreases(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, func(cfg *ControllerConfig) { cfg.InitialTarget = 4 })

	c.RecordTimeout()
	clk.Advance(100 * time.Millisecond)
	c.RecordSuccess(time.Millisecond)
	if got := c.Target(); got != 2 {
		t.Fatalf("target=%d want 2", got)
	}
}

func TestControllerIncreaseIsCapped(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, func(cfg *ControllerConfig) {
		cfg.InitialTarget = 2
		cfg.MaxConcurrency = 3
		cfg.IncreaseStep = 2
	})

	c.RecordSuccess(time.Millisecond)
	clk.Advance(100 * time.Millisecond)
	c.RecordSuccess(time.Millisecond)
	if got := c.Target(); got != 3 {
		t.Fatalf("target=%d want 3", got)
	}
}

func TestControllerNoEvaluationMidWindow(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, nil)

	for i := 0; i < 5; i++ {
		c.RecordSuccess(time.Millisecond)
		clk.Advance(10 * time.Millisecond)
	}
	snap := c.Snapshot()
	if snap.Target != 1 || snap.Increases != 0 {
		t.Fatalf("unexpected mid-window evaluation: %+v", snap)
	}
	if snap.WindowSuccess != 5 {
		t.Fatalf("window successes=%d want 5", snap.WindowSuccess)
	}
}

func TestControllerFractionalDecay(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, func(cfg *ControllerConfig) { cfg.InitialTarget = 3 })

	c.RecordError()
	clk.Advance(100 * time.Millisecond)
	c.RecordError()
	snap := c.Snapshot()
	if snap.RawTarget != 1.5 || snap.Target != 1 {
		t.Fatalf("after first error window: raw=%v target=%d want 1.5/1", snap.RawTarget, snap.Target)
	}

	clk.Advance(100 * time.Millisecond)
	c.RecordError()
	snap = c.Snapshot()
	if snap.RawTarget != 1.0 || snap.Target != 1 {
		t.Fatalf("after second error window: raw=%v target=%d want 1.0/1", snap.RawTarget, snap.Target)
	}
}

func TestControllerCollapse(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, func(cfg *ControllerConfig) {
		cfg.InitialTarget = 10
		cfg.MaxConcurrency = 20
		cfg.Window = 5 * time.Second
		cfg.CollapseErrorThreshold = 2
	})

	c.RecordError()
	if got := c.Target(); got != 10 {
		t.Fatalf("target after one error=%d want 10", got)
	}
	c.RecordError()
	if got := c.Target(); got != 1 {
		t.Fatalf("target after collapse=%d want 1", got)
	}
	if got := c.Snapshot().Collapses; got != 1 {
		t.Fatalf("collapses=%d want 1", got)
	}
}

func TestControllerCollapseIgnoresOldErrors(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, func(cfg *ControllerConfig) {
		cfg.InitialTarget = 10
		cfg.Window = time.Hour
		cfg.CollapseWindow = time.Second
		cfg.CollapseErrorThreshold = 2
	})

	c.RecordError()
	clk.Advance(2 * time.Second)
	c.RecordError()
	if got := c.Target(); got != 10 {
		t.Fatalf("target=%d want 10 (errors outside collapse window)", got)
	}
}

func TestControllerPollRecoversIdleWindow(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, func(cfg *ControllerConfig) { cfg.InitialTarget = 2 })

	c.RecordSuccess(time.Millisecond)
	c.Poll()
	if got := c.Target(); got != 2 {
		t.Fatalf("poll before window end changed target to %d", got)
	}

	clk.Advance(100 * time.Millisecond)
	c.Poll()
	if got := c.Target(); got != 3 {
		t.Fatalf("poll of elapsed active window: target=%d want 3", got)
	}

	clk.Advance(100 * time.Millisecond)
	c.Poll()
	if got := c.Target(); got != 4 {
		t.Fatalf("quiet window after active one: target=%d want 4", got)
	}

	clk.Advance(100 * time.Millisecond)
	c.Poll()
	if got := c.Target(); got != 4 {
		t.Fatalf("idle tenant should not keep growing: target=%d want 4", got)
	}
}

func TestControllerApplyClamps(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestController(clk, func(cfg *ControllerConfig) { cfg.InitialTarget = 10 })
	c.Apply(ControllerConfig{MaxConcurrency: 4})
	if got := c.Target(); got != 4 {
		t.Fatalf("target=%d want 4", got)
	}
}

func TestControllerDefaults(t *testing.T) {
	t.Parallel()

	c := NewController(ControllerConfig{})
	if got := c.Target(); got != 2 {
		t.Fatalf("default target=%d want 2", got)
	}
	if got := c.Snapshot().Max; got != 20 {
		t.Fatalf("default max=%d want 20", got)
	}
}

func TestControllerTargetAlwaysInBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clk := newFakeClock()
		maxConc := rapid.IntRange(1, 50).Draw(rt, "max")
		c := NewController(ControllerConfig{
			InitialTarget:          rapid.Float64Range(0.1, 80).Draw(rt, "initial"),
			MaxConcurrency:         maxConc,
			Window:                 time.Duration(rapid.IntRange(1, 1000).Draw(rt, "window_ms")) * time.Millisecond,
			IncreaseStep:           rapid.Float64Range(0.1, 10).Draw(rt, "step"),
			DecreaseRatio:          rapid.Float64Range(0.05, 0.95).Draw(rt, "ratio"),
			CollapseWindow:         time.Duration(rapid.IntRange(1, 2000).Draw(rt, "collapse_ms")) * time.Millisecond,
			CollapseErrorThreshold: rapid.IntRange(1, 10).Draw(rt, "threshold"),
			Now:                    clk.Now,
		})

		ops := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 200).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				c.RecordSuccess(time.Millisecond)
			case 1:
				c.RecordError()
			case 2:
				c.RecordTimeout()
			case 3:
				clk.Advance(time.Duration(rapid.IntRange(0, 1500).Draw(rt, "advance_ms")) * time.Millisecond)
			case 4:
				c.Poll()
			}
			snap := c.Snapshot()
			if snap.Target < 1 || snap.Target > maxConc {
				rt.Fatalf("target %d out of [1,%d]", snap.Target, maxConc)
			}
			if snap.RawTarget < 1 || snap.RawTarget > float64(maxConc) {
				rt.Fatalf("raw target %v out of [1,%d]", snap.RawTarget, maxConc)
			}
		}
	})
}
