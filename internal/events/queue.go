package events

import (
	"container/heap"
	"time"
)

// item is one undelivered or in-flight message. An in-flight item has a non-zero token and
// becomes claimable again when visibleAt passes.
type item struct {
	id        string
	visibleAt time.Time
	seq       uint64
	token     uint64
	index     int
}

// itemHeap orders items by visibility time, then enqueue order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if !h[i].visibleAt.Equal(h[j].visibleAt) {
		return h[i].visibleAt.Before(h[j].visibleAt)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type queue struct {
	name     string
	patterns []string
	heap     itemHeap
	items    map[string]*item
	dead     int
	// wake is closed and replaced whenever a message may have become claimable.
	wake chan struct{}
}

func newQueue(name string) *queue {
	return &queue{
		name:  name,
		items: make(map[string]*item),
		wake:  make(chan struct{}),
	}
}

func (q *queue) add(it *item) {
	q.items[it.id] = it
	heap.Push(&q.heap, it)
}

func (q *queue) remove(it *item) {
	if it.index >= 0 {
		heap.Remove(&q.heap, it.index)
	}
	delete(q.items, it.id)
}

func (q *queue) reschedule(it *item, at time.Time) {
	it.visibleAt = at
	heap.Fix(&q.heap, it.index)
}

func (q *queue) peek() *item {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

func (q *queue) notify() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *queue) matches(eventType string) bool {
	for _, p := range q.patterns {
		if Match(p, eventType) {
			return true
		}
	}
	return false
}

func (q *queue) stats(now time.Time) QueueStats {
	s := QueueStats{Patterns: append([]string(nil), q.patterns...), DeadLettered: q.dead}
	for _, it := range q.items {
		switch {
		case it.visibleAt.After(now) && it.token != 0:
			s.InFlight++
		case it.visibleAt.After(now):
			s.Delayed++
		default:
			s.Ready++
		}
	}
	return s
}
