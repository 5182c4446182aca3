package admission

import (
	"testing"
	"time"
)

func TestRegistryReusesBuckets(t *testing.T) {
	t.Parallel()

	r := NewRegistry(BucketConfig{InitialRate: 3}, nil)
	a := r.Get("openai:gpt-4o")
	b := r.Get(" openai:gpt-4o ")
	if a != b {
		t.Fatalf("same key should return the same bucket")
	}
	if r.Get("") != r.Get("default") {
		t.Fatalf("empty key should map to default")
	}
	if got := len(r.Keys()); got != 2 {
		t.Fatalf("keys=%d want 2", got)
	}
}

func TestRegistryOverrides(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(
		BucketConfig{InitialRate: 3, Now: clk.Now},
		map[string]BucketConfig{"slow": {InitialRate: 0.5, EnforcementWindow: 10 * time.Second}},
	)
	if got := r.Get("slow").Rate(); got != 0.5 {
		t.Fatalf("override rate=%v want 0.5", got)
	}
	if got := r.Get("fast").Rate(); got != 3 {
		t.Fatalf("default rate=%v want 3", got)
	}

	// learned state survives Apply; new keys pick up new defaults
	r.Get("fast").OnRateLimitError()
	r.Apply(BucketConfig{InitialRate: 7, Now: clk.Now}, nil)
	if got := r.Get("fast").Rate(); got != 1.5 {
		t.Fatalf("existing bucket rate=%v want 1.5", got)
	}
	if got := r.Get("new").Rate(); got != 7 {
		t.Fatalf("new bucket rate=%v want 7", got)
	}
	if snap := r.Snapshot(); len(snap) != 3 {
		t.Fatalf("snapshot size=%d want 3", len(snap))
	}
}
