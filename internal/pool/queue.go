package pool

import "time"

// Priority orders outbound messages within one connection's queue.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// SendCallback reports the final delivery outcome of a queued message.
type SendCallback func(success bool, err error)

// queuedMessage is one outbound payload awaiting delivery.
type queuedMessage struct {
	payload  []byte
	priority Priority
	enqueued time.Time
	seq      uint64
	retries  int
	callback SendCallback
}

// messageQueue is a max-heap ordered by (priority descending, enqueue
// sequence ascending). It is the single synchronization point for outbound
// order on a connection; the owning Connection's mutex guards it.
type messageQueue []*queuedMessage

func (q messageQueue) Len() int { return len(q) }

func (q messageQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q messageQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *messageQueue) Push(x interface{}) {
	*q = append(*q, x.(*queuedMessage))
}

func (q *messageQueue) Pop() interface{} {
	old := *q
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return msg
}
