package schedule

import (
	"container/heap"
	"time"
)

// queueItem is an armed firing. Items are invalidated lazily: an item whose gen
// no longer matches its task's gen is discarded when it reaches the head.
type queueItem struct {
	id  string
	at  time.Time
	gen uint64
}

type timerQueue []queueItem

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].id < q[j].id
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *timerQueue) push(item queueItem) { heap.Push(q, item) }

func (q *timerQueue) pop() queueItem { return heap.Pop(q).(queueItem) }

func (q timerQueue) peek() (queueItem, bool) {
	if len(q) == 0 {
		return queueItem{}, false
	}
	return q[0], true
}
