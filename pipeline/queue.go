package pipeline

import (
	"container/heap"
	"time"
)

// jobHeap orders jobs by priority descending, then by ULID ascending.
// ULIDs are time-ordered, so equal priorities drain in submission order.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.heapIndex = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.heapIndex = -1
	*h = old[:n-1]
	return job
}

// queueState holds the runtime state of one queue. All fields are
// guarded by the pipeline's per-queue mutex in Pipeline.queues.
type queueState struct {
	name Queue
	cfg  QueueConfig

	ready   jobHeap
	delayed []*Job // waiting for readyAt, unsorted
	active  map[string]*Job

	// wake has capacity 1; a send that would block is dropped because
	// a wakeup is already pending
	wake chan struct{}

	completed int64
	failed    int64
	cancelled int64
}

func newQueueState(name Queue, cfg QueueConfig) *queueState {
	return &queueState{
		name:   name,
		cfg:    cfg,
		active: make(map[string]*Job),
		wake:   make(chan struct{}, 1),
	}
}

// push adds a job to the ready heap or the delayed set. Caller holds the
// queue lock.
func (q *queueState) push(job *Job, now time.Time) {
	job.State = StateQueued
	if job.readyAt.After(now) {
		q.delayed = append(q.delayed, job)
		return
	}
	heap.Push(&q.ready, job)
}

// promoteDelayed moves due delayed jobs onto the ready heap. Caller
// holds the queue lock.
func (q *queueState) promoteDelayed(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	remaining := q.delayed[:0]
	for _, job := range q.delayed {
		if job.readyAt.After(now) {
			remaining = append(remaining, job)
			continue
		}
		heap.Push(&q.ready, job)
	}
	q.delayed = remaining
}

// pop removes the highest-priority ready job, promoting due delayed jobs
// first. Returns nil when nothing is ready. Caller holds the queue lock.
func (q *queueState) pop(now time.Time) *Job {
	q.promoteDelayed(now)
	if q.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*Job)
}

// remove takes a queued job out of the ready heap or delayed set.
// Returns false if the job is not queued here. Caller holds the queue
// lock.
func (q *queueState) remove(job *Job) bool {
	if job.heapIndex >= 0 && job.heapIndex < q.ready.Len() && q.ready[job.heapIndex] == job {
		heap.Remove(&q.ready, job.heapIndex)
		return true
	}
	for i, d := range q.delayed {
		if d == job {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return true
		}
	}
	return false
}

// notify wakes one idle worker if any is parked
func (q *queueState) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// waiting returns the number of immediately dequeueable jobs. Caller
// holds the queue lock.
func (q *queueState) waiting() int {
	return q.ready.Len()
}

// QueueStats is a point-in-time snapshot of one queue's counters
type QueueStats struct {
	Waiting   int   `json:"waiting"`
	Delayed   int   `json:"delayed"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}
