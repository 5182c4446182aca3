package runner

import (
	"math/rand"
	"time"

	"experimentd/internal/job"
)

type retryPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter float64
}

func policyFrom(cfg Config) retryPolicy {
	return retryPolicy{base: cfg.RetryBase, max: cfg.RetryMaxDelay, jitter: cfg.RetryJitter}
}

// backoffDelayWithHint honors an explicit retry-after hint carried by err and
// otherwise falls back to exponential backoff for the given retry number.
func backoffDelayWithHint(p retryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	maxD := p.max
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	if d, ok := job.RetryHint(err); ok {
		if d > maxD {
			d = maxD
		}
		return applyJitter(d, p.jitter, maxD, rng)
	}
	return backoffDelay(p, retry, rng)
}

func backoffDelay(p retryPolicy, retry int, rng *rand.Rand) time.Duration {
	base := p.base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.max
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return applyJitter(d, p.jitter, maxD, rng)
}

func applyJitter(d time.Duration, j float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
