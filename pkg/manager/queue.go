package manager

import (
	"container/heap"
)

// queueItem is one queued submission with its completion promise
type queueItem struct {
	req     *Request
	payload []byte
	// arrival order, breaks ties within a priority tier
	fifo uint64
	// resolved exactly once with the final outcome
	promise chan submitResult
	index   int
}

// submitResult is the outcome delivered to a waiting submitter
type submitResult struct {
	success bool
	err     error
}

// requestHeap orders items by priority tier, then FIFO within the tier
type requestHeap []*queueItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	ri, rj := priorityRank[h[i].req.Priority], priorityRank[h[j].req.Priority]
	if ri != rj {
		return ri < rj
	}
	return h[i].fifo < h[j].fifo
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// submitQueue is the bounded priority queue feeding the dispatcher
type submitQueue struct {
	heap     requestHeap
	maxDepth int
	nextFifo uint64
}

func newSubmitQueue(maxDepth int) *submitQueue {
	q := &submitQueue{maxDepth: maxDepth}
	heap.Init(&q.heap)
	return q
}

// push enqueues an item, reporting false when the queue is full
func (q *submitQueue) push(item *queueItem) bool {
	if q.maxDepth > 0 && q.heap.Len() >= q.maxDepth {
		return false
	}
	item.fifo = q.nextFifo
	q.nextFifo++
	heap.Push(&q.heap, item)
	return true
}

// pop removes the highest-priority item, nil when empty
func (q *submitQueue) pop() *queueItem {
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*queueItem)
}

// drain empties the queue and returns everything that was waiting
func (q *submitQueue) drain() []*queueItem {
	out := make([]*queueItem, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		out = append(out, heap.Pop(&q.heap).(*queueItem))
	}
	return out
}

func (q *submitQueue) len() int { return q.heap.Len() }
