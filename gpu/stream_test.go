package gpu

import (
	"sync"
	"testing"
)

func TestStreamFlushOrdering(t *testing.T) {
	s := NewStream(1, nil)
	defer s.Destroy()

	var mu sync.Mutex
	var order []int

	const n = 1000
	for i := 0; i < n; i++ {
		i := i
		s.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	s.Flush()

	if len(order) != n {
		t.Fatalf("got %d entries, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestStreamCompletedNeverExceedsEnqueued(t *testing.T) {
	s := NewStream(1, nil)
	defer s.Destroy()

	for i := 0; i < 500; i++ {
		s.Enqueue(func() {})
		if s.Completed() > s.Enqueued() {
			t.Fatal("completed exceeded enqueued")
		}
	}
	s.Flush()
	if s.Completed() != s.Enqueued() {
		t.Fatalf("after flush: completed=%d enqueued=%d", s.Completed(), s.Enqueued())
	}
}

func TestBorrowedStreamDoesNotDestroy(t *testing.T) {
	destroyed := false
	s := NewStream(1, func() { destroyed = true })
	s.owned = false // simulate a borrowed construction path
	s.Destroy()
	if destroyed {
		t.Error("borrowed stream must not invoke the native destroy callback")
	}
}
