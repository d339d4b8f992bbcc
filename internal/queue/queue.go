// Package queue holds admitted-but-not-running jobs ordered by
// (priority rank desc, deadline asc, id asc).
//
// Queue is not safe for concurrent use; the scheduler guards it with its own
// mutex so that admission decisions and queue mutations share one critical
// section.
package queue

import (
	"container/heap"
	"math"
	"sort"
	"time"

	"jobsched/internal/job"
)

// maxDeadline stands in for a missing deadline so it sorts after any real one.
var maxDeadline = time.Unix(math.MaxInt64/2, 0)

type entry struct {
	job      job.Job
	rank     int
	deadline time.Time
	index    int
}

func newEntry(j job.Job) *entry {
	e := &entry{job: j, rank: j.Priority.Rank(), deadline: maxDeadline}
	if j.Deadline != nil {
		e.deadline = *j.Deadline
	}
	return e
}

// less is the dispatch order: higher rank first, then earlier deadline,
// then lower id.
func less(a, b *entry) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.job.ID < b.job.ID
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type Queue struct {
	heap  entryHeap
	index map[int64]*entry
}

func New() *Queue {
	return &Queue{index: make(map[int64]*entry)}
}

// Push inserts j, or replaces the queued entry with the same id and restores
// heap order. Jobs that are not PENDING are refused.
func (q *Queue) Push(j job.Job) bool {
	if j.Status != job.StatusPending {
		return false
	}
	if e, ok := q.index[j.ID]; ok {
		repl := newEntry(j.Clone())
		e.job, e.rank, e.deadline = repl.job, repl.rank, repl.deadline
		heap.Fix(&q.heap, e.index)
		return true
	}
	e := newEntry(j.Clone())
	heap.Push(&q.heap, e)
	q.index[j.ID] = e
	return true
}

// PopHighest removes and returns the next job to dispatch.
func (q *Queue) PopHighest() (job.Job, bool) {
	if len(q.heap) == 0 {
		return job.Job{}, false
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.index, e.job.ID)
	return e.job, true
}

// Peek returns the next job without removing it.
func (q *Queue) Peek() (job.Job, bool) {
	if len(q.heap) == 0 {
		return job.Job{}, false
	}
	return q.heap[0].job, true
}

func (q *Queue) Remove(id int64) bool {
	e, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.index, id)
	return true
}

// RemoveIf drops every queued job matching pred and returns how many went.
func (q *Queue) RemoveIf(pred func(job.Job) bool) int {
	kept := q.heap[:0]
	removed := 0
	for _, e := range q.heap {
		if pred(e.job) {
			delete(q.index, e.job.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	for i, e := range q.heap {
		e.index = i
	}
	heap.Init(&q.heap)
	return removed
}

func (q *Queue) Contains(id int64) bool {
	_, ok := q.index[id]
	return ok
}

func (q *Queue) Clear() {
	for i := range q.heap {
		q.heap[i] = nil
	}
	q.heap = q.heap[:0]
	q.index = make(map[int64]*entry)
}

func (q *Queue) Len() int { return len(q.heap) }

// Snapshot returns the queued jobs in dispatch order without mutating q.
func (q *Queue) Snapshot() []job.Job {
	es := make([]*entry, len(q.heap))
	copy(es, q.heap)
	sort.Slice(es, func(i, j int) bool { return less(es[i], es[j]) })
	out := make([]job.Job, len(es))
	for i, e := range es {
		out[i] = e.job.Clone()
	}
	return out
}
