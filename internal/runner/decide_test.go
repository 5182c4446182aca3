package runner

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"experimentd/internal/job"
)

func TestDecide(t *testing.T) {
	t.Parallel()
	b := budgets{retryMax: 2, transientMax: 3, internalMax: 1}
	fresh := &job.Job{}
	spent := &job.Job{Retries: 2, Transient: 3, InternalRetries: 1}

	cases := []struct {
		name     string
		j        *job.Job
		kind     job.Kind
		lost     bool
		stopping bool
		want     verdict
	}{
		{"success", fresh, job.Success, false, false, verdictDone},
		{"success after claim loss", fresh, job.Success, true, false, verdictDrop},
		{"error retries", fresh, job.Failed, false, false, verdictRetry},
		{"error budget spent", spent, job.Failed, false, false, verdictFail},
		{"rate limit retries", fresh, job.RateLimited, false, false, verdictRetry},
		{"rate limit budget spent", spent, job.RateLimited, false, false, verdictFail},
		{"timeout retries", fresh, job.TimedOut, false, false, verdictRetry},
		{"permanent", fresh, job.Permanent, false, false, verdictFail},
		{"internal requeues once", fresh, job.Internal, false, false, verdictRetry},
		{"internal budget spent", spent, job.Internal, false, false, verdictFail},
		{"canceled on shutdown", fresh, job.Canceled, false, true, verdictRelease},
		{"canceled by collaborator", fresh, job.Canceled, false, false, verdictRetry},
		{"canceled after claim loss", fresh, job.Canceled, true, false, verdictDrop},
		{"retry while stopping releases", fresh, job.Failed, false, true, verdictRelease},
		{"fail while stopping still fails", fresh, job.Permanent, false, true, verdictFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decide(tc.j, job.Outcome{Kind: tc.kind}, b, tc.lost, tc.stopping)
			assert.Equal(t, tc.want, got, "got %s want %s", got, tc.want)
		})
	}
}

func TestChargedRetries(t *testing.T) {
	t.Parallel()
	j := &job.Job{Retries: 1, Transient: 4, InternalRetries: 0}
	assert.Equal(t, 2, chargedRetries(j, job.Failed))
	assert.Equal(t, 5, chargedRetries(j, job.RateLimited))
	assert.Equal(t, 5, chargedRetries(j, job.TimedOut))
	assert.Equal(t, 1, chargedRetries(j, job.Internal))
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	p := retryPolicy{base: 100 * time.Millisecond, max: time.Second}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 1, nil))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(p, 2, nil))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(p, 3, nil))
	assert.Equal(t, time.Second, backoffDelay(p, 10, nil))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	t.Parallel()
	p := retryPolicy{base: 100 * time.Millisecond, max: time.Second, jitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		d := backoffDelay(p, 2, rng)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestBackoffHonorsRetryHint(t *testing.T) {
	t.Parallel()
	p := retryPolicy{base: 100 * time.Millisecond, max: time.Second}

	err := job.RateLimit(errors.New("429"), 300*time.Millisecond)
	assert.Equal(t, 300*time.Millisecond, backoffDelayWithHint(p, 1, err, nil))

	err = job.RateLimit(errors.New("429"), time.Minute)
	assert.Equal(t, time.Second, backoffDelayWithHint(p, 1, err, nil), "hint is capped")

	assert.Equal(t, 200*time.Millisecond, backoffDelayWithHint(p, 2, errors.New("boom"), nil))
}

func TestVerdictString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "retry", verdictRetry.String())
	assert.Equal(t, "release", verdictRelease.String())
	assert.Equal(t, "unknown", verdict(42).String())
}
