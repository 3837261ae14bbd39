package containers

import (
	"errors"
	"testing"
)

func TestRingQueueFIFOOrder(t *testing.T) {
	rq := NewRingQueue[int](3)
	for i := 1; i <= 3; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 1; i <= 3; i++ {
		got, err := rq.Dequeue()
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if got != i {
			t.Errorf("expected %d, got %d", i, got)
		}
	}
	if !rq.IsEmpty() {
		t.Error("queue should be empty after draining")
	}
}

func TestRingQueueFullAndEmpty(t *testing.T) {
	rq := NewRingQueue[string](1)
	if _, err := rq.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
	if err := rq.Enqueue("a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := rq.Enqueue("b"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if v, err := rq.Peek(); err != nil || v != "a" {
		t.Errorf("peek = %q, %v", v, err)
	}
	if rq.Len() != 1 {
		t.Errorf("expected length 1, got %d", rq.Len())
	}
}

func TestRingQueueWrapsAround(t *testing.T) {
	rq := NewRingQueue[int](2)
	rq.Enqueue(1)
	rq.Enqueue(2)
	rq.Dequeue()
	if err := rq.Enqueue(3); err != nil {
		t.Fatalf("enqueue after dequeue: %v", err)
	}
	if got, _ := rq.Dequeue(); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got, _ := rq.Dequeue(); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}
