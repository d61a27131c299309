package pool

import (
	"container/heap"
	"testing"
)

func TestQueueOrdersByPriority(t *testing.T) {
	q := messageQueue{}
	heap.Push(&q, &queuedMessage{payload: []byte("low"), priority: PriorityLow, seq: 1})
	heap.Push(&q, &queuedMessage{payload: []byte("critical"), priority: PriorityCritical, seq: 2})
	heap.Push(&q, &queuedMessage{payload: []byte("normal"), priority: PriorityNormal, seq: 3})
	heap.Push(&q, &queuedMessage{payload: []byte("high"), priority: PriorityHigh, seq: 4})

	want := []string{"critical", "high", "normal", "low"}
	for i, expected := range want {
		msg := heap.Pop(&q).(*queuedMessage)
		if string(msg.payload) != expected {
			t.Errorf("pop %d: got %s, want %s", i, msg.payload, expected)
		}
	}
}

func TestQueuePreservesFIFOWithinPriority(t *testing.T) {
	q := messageQueue{}
	heap.Push(&q, &queuedMessage{payload: []byte("first"), priority: PriorityNormal, seq: 1})
	heap.Push(&q, &queuedMessage{payload: []byte("second"), priority: PriorityNormal, seq: 2})
	heap.Push(&q, &queuedMessage{payload: []byte("third"), priority: PriorityNormal, seq: 3})

	want := []string{"first", "second", "third"}
	for i, expected := range want {
		msg := heap.Pop(&q).(*queuedMessage)
		if string(msg.payload) != expected {
			t.Errorf("pop %d: got %s, want %s", i, msg.payload, expected)
		}
	}
}

func TestQueueHighPriorityJumpsQueue(t *testing.T) {
	q := messageQueue{}
	for i := uint64(1); i <= 5; i++ {
		heap.Push(&q, &queuedMessage{payload: []byte("bulk"), priority: PriorityNormal, seq: i})
	}
	heap.Push(&q, &queuedMessage{payload: []byte("heartbeat"), priority: PriorityHigh, seq: 6})

	msg := heap.Pop(&q).(*queuedMessage)
	if string(msg.payload) != "heartbeat" {
		t.Errorf("got %s first, want heartbeat", msg.payload)
	}
}
