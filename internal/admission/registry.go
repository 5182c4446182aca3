package admission

import (
	"sort"
	"strings"
	"sync"
)

// Registry hands out one Bucket per resource key (e.g. "openai:gpt-4o").
//
// It is constructed once at startup and injected into the runner; its lifetime
// is the process lifetime. Buckets are created lazily on first use.
type Registry struct {
	mu        sync.Mutex
	def       BucketConfig
	overrides map[string]BucketConfig
	buckets   map[string]*Bucket
}

func NewRegistry(def BucketConfig, overrides map[string]BucketConfig) *Registry {
	r := &Registry{buckets: map[string]*Bucket{}}
	r.Apply(def, overrides)
	return r
}

// Apply replaces the configuration used for buckets created from now on.
// Existing buckets keep their learned rate.
func (r *Registry) Apply(def BucketConfig, overrides map[string]BucketConfig) {
	cp := make(map[string]BucketConfig, len(overrides))
	for k, v := range overrides {
		cp[normalizeKey(k)] = v
	}
	r.mu.Lock()
	r.def = def
	r.overrides = cp
	r.mu.Unlock()
}

func normalizeKey(k string) string {
	k = strings.TrimSpace(k)
	if k == "" {
		return "default"
	}
	return k
}

// Get returns the bucket for key, creating it on first use.
func (r *Registry) Get(key string) *Bucket {
	key = normalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}
	cfg := r.def
	if o, ok := r.overrides[key]; ok {
		cfg = mergeBucketConfig(r.def, o)
	}
	b := NewBucket(cfg)
	r.buckets[key] = b
	return b
}

func mergeBucketConfig(def, o BucketConfig) BucketConfig {
	if o.InitialRate > 0 {
		def.InitialRate = o.InitialRate
	}
	if o.EnforcementWindow > 0 {
		def.EnforcementWindow = o.EnforcementWindow
	}
	if o.ReductionFactor > 0 {
		def.ReductionFactor = o.ReductionFactor
	}
	if o.IncreaseFactor > 0 {
		def.IncreaseFactor = o.IncreaseFactor
	}
	if o.MaxRate > 0 {
		def.MaxRate = o.MaxRate
	}
	if o.Cooldown > 0 {
		def.Cooldown = o.Cooldown
	}
	if o.Now != nil {
		def.Now = o.Now
	}
	return def
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.buckets))
	for k := range r.buckets {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Snapshot() map[string]BucketSnapshot {
	r.mu.Lock()
	bs := make(map[string]*Bucket, len(r.buckets))
	for k, b := range r.buckets {
		bs[k] = b
	}
	r.mu.Unlock()

	out := make(map[string]BucketSnapshot, len(bs))
	for k, b := range bs {
		out[k] = b.Snapshot()
	}
	return out
}
