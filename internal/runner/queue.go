package runner

import (
	"container/heap"

	"experimentd/internal/job"
)

type queuedJob struct {
	job *job.Job
	seq uint64
}

// jobQueue is a min-heap ordered by (NotBefore, enqueue seq).
type jobQueue []queuedJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i].job.NotBefore, q[j].job.NotBefore
	if !a.Equal(b) {
		return a.Before(b)
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(queuedJob)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = queuedJob{}
	*q = old[:n-1]
	return it
}

func (q *jobQueue) head() *job.Job {
	if len(*q) == 0 {
		return nil
	}
	return (*q)[0].job
}

// removeRun drops every queued job of runID and returns how many were removed.
func (q *jobQueue) removeRun(runID string) int {
	kept := (*q)[:0]
	removed := 0
	for _, it := range *q {
		if it.job.RunID() == runID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = queuedJob{}
	}
	*q = kept
	if removed > 0 {
		heap.Init(q)
	}
	return removed
}
