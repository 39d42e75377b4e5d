package scheduler

import "container/heap"

// oneOff is a future event. Exactly one of name or fn identifies the handler:
// named events survive snapshots, anonymous ones do not.
type oneOff struct {
	target uint64
	seq    uint64
	name   string
	fn     HandlerFunc
}

// oneOffQueue orders by target tick, then by scheduling order.
type oneOffQueue []*oneOff

func (q oneOffQueue) Len() int { return len(q) }
func (q oneOffQueue) Less(i, j int) bool {
	if q[i].target != q[j].target {
		return q[i].target < q[j].target
	}
	return q[i].seq < q[j].seq
}
func (q oneOffQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *oneOffQueue) Push(x any)   { *q = append(*q, x.(*oneOff)) }
func (q *oneOffQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

func (q *oneOffQueue) push(e *oneOff) { heap.Push(q, e) }

// popDue removes the earliest event if it is due at or before tick.
func (q *oneOffQueue) popDue(tick uint64) (*oneOff, bool) {
	if q.Len() == 0 || (*q)[0].target > tick {
		return nil, false
	}
	return heap.Pop(q).(*oneOff), true
}
