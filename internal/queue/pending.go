package queue

import "container/heap"

// pending holds ids of tasks waiting for dispatch
type pending interface {
	Push(id string, priority int)
	Pop() (string, bool)
	// PopFirst removes and returns the first id in dispatch order for
	// which ok reports true. Skipped ids keep their place.
	PopFirst(ok func(id string) bool) (string, bool)
	Remove(id string) bool
	Contains(id string) bool
	Len() int
}

// fifo dispatches in enqueue order and ignores priority
type fifo struct {
	ids []string
}

func (q *fifo) Push(id string, _ int) { q.ids = append(q.ids, id) }

func (q *fifo) Pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids[0] = ""
	q.ids = q.ids[1:]
	return id, true
}

func (q *fifo) PopFirst(ok func(string) bool) (string, bool) {
	for i, id := range q.ids {
		if ok(id) {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return id, true
		}
	}
	return "", false
}

func (q *fifo) Remove(id string) bool {
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifo) Contains(id string) bool {
	for _, v := range q.ids {
		if v == id {
			return true
		}
	}
	return false
}

func (q *fifo) Len() int { return len(q.ids) }

type item struct {
	id       string
	priority int
	seq      uint64
	index    int
}

// itemHeap orders by priority, lower first, then by enqueue sequence
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
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

// priorityQueue dispatches the lowest priority value first. Equal values
// keep enqueue order.
type priorityQueue struct {
	items itemHeap
	byID  map[string]*item
	seq   uint64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{byID: make(map[string]*item)}
}

func (q *priorityQueue) Push(id string, priority int) {
	q.seq++
	it := &item{id: id, priority: priority, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[id] = it
}

func (q *priorityQueue) Pop() (string, bool) {
	if q.items.Len() == 0 {
		return "", false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.byID, it.id)
	return it.id, true
}

func (q *priorityQueue) PopFirst(ok func(string) bool) (string, bool) {
	var skipped []*item
	defer func() {
		for _, it := range skipped {
			heap.Push(&q.items, it)
		}
	}()
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*item)
		if ok(it.id) {
			delete(q.byID, it.id)
			return it.id, true
		}
		skipped = append(skipped, it)
	}
	return "", false
}

func (q *priorityQueue) Remove(id string) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	return true
}

func (q *priorityQueue) Contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *priorityQueue) Len() int { return q.items.Len() }
