package download

import (
	"container/heap"
	"time"
)

// Task is one queued download.
type Task struct {
	ID         string
	Key        string
	Priority   int // higher runs sooner
	OnComplete func(ok bool)
	EnqueuedAt time.Time
	StartedAt  time.Time // zero while queued

	seq      uint64
	admitted uint64
	index    int
}

// TaskInfo is the JSON view of a task.
type TaskInfo struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	Priority int       `json:"priority"`
	Since    time.Time `json:"since"`
	Started  time.Time `json:"startedAt,omitzero"`
}

func (t *Task) info() TaskInfo {
	return TaskInfo{ID: t.ID, Key: t.Key, Priority: t.Priority, Since: t.EnqueuedAt, Started: t.StartedAt}
}

// taskQueue orders by descending priority, then by insertion sequence.
type taskQueue []*Task

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
