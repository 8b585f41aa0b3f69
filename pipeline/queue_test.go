package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(priority int) *Job {
	now := time.Now()
	return &Job{
		ID:          newJobID(now),
		Queue:       QueueSingle,
		Priority:    priority,
		SubmittedAt: now,
		State:       StateQueued,
	}
}

func TestQueueState_PriorityThenFIFO(t *testing.T) {
	q := newQueueState(QueueSingle, DefaultConfig().Queues[QueueSingle])
	now := time.Now()

	p3a := testJob(3)
	pNeg := testJob(-1)
	p3b := testJob(3)
	p0 := testJob(0)

	for _, j := range []*Job{p3a, pNeg, p3b, p0} {
		q.push(j, now)
	}

	var got []*Job
	for {
		j := q.pop(now)
		if j == nil {
			break
		}
		got = append(got, j)
	}

	require.Len(t, got, 4)
	assert.Equal(t, []*Job{p3a, p3b, p0, pNeg}, got)
}

func TestQueueState_DelayedPromotion(t *testing.T) {
	q := newQueueState(QueueSingle, DefaultConfig().Queues[QueueSingle])
	now := time.Now()

	delayed := testJob(5)
	delayed.readyAt = now.Add(time.Minute)
	immediate := testJob(0)

	q.push(delayed, now)
	q.push(immediate, now)

	assert.Equal(t, 1, q.waiting())
	assert.Len(t, q.delayed, 1)

	// Before readyAt the lower-priority immediate job dequeues first
	assert.Equal(t, immediate, q.pop(now))
	assert.Nil(t, q.pop(now))

	// Once due, the delayed job is promoted
	assert.Equal(t, delayed, q.pop(now.Add(2*time.Minute)))
}

func TestQueueState_Remove(t *testing.T) {
	q := newQueueState(QueueSingle, DefaultConfig().Queues[QueueSingle])
	now := time.Now()

	a := testJob(1)
	b := testJob(2)
	delayed := testJob(0)
	delayed.readyAt = now.Add(time.Minute)

	q.push(a, now)
	q.push(b, now)
	q.push(delayed, now)

	assert.True(t, q.remove(a))
	assert.False(t, q.remove(a), "second remove is a no-op")
	assert.True(t, q.remove(delayed))

	assert.Equal(t, b, q.pop(now))
	assert.Nil(t, q.pop(now.Add(2*time.Minute)))
}

func TestQueueState_NotifyNonBlocking(t *testing.T) {
	q := newQueueState(QueueSingle, DefaultConfig().Queues[QueueSingle])

	// A burst of notifications never blocks even with no listener
	for i := 0; i < 10; i++ {
		q.notify()
	}

	select {
	case <-q.wake:
	default:
		t.Fatal("expected a pending wakeup")
	}
}
