// Package runner executes experiments.
//
// A Runner claims runs from the store in batches (bounded by Prefetch per
// experiment) and turns each claim into jobs: one task job, then one eval job
// per evaluator. Jobs sit in a per-experiment queue ordered by their earliest
// start time. A single dispatch loop walks the experiments round-robin and
// admits at most one job per experiment per pass when:
//
//   - the job is eligible (NotBefore has passed),
//   - the experiment is under its AIMD controller target,
//   - the resource's token bucket yields a token.
//
// Capacity is checked before the bucket so a full experiment never burns a
// token. Job outcomes feed the controller and (for rate limits) the bucket,
// then decide whether the job is retried with backoff, the run advances or the
// run fails.
//
// Every store write is guarded by the claim token. A periodic sweep renews the
// leases of held claims, drops runs whose claim was lost and hands stale claims
// of dead workers back to PENDING. Stop drains in-flight jobs and releases the
// claims of unfinished runs.
package runner
