package gpu

import (
	"sync"
	"time"
	"unsafe"
)

// eventState is the shared mutable record behind every Event handle.
// Events are reference-counted copy-semantics handles over this record
// (spec §3 "Event" and Design Notes "Event copy semantics"): copying an
// Event copies the pointer, so signaling any copy signals all of them.
type eventState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	signaled  bool
	timestamp int64 // monotonic nanoseconds, captured at Record
}

// Event is a completion marker with a strictly-monotone timestamp
// captured at signal time.
type Event struct {
	s *eventState
}

// NewEvent creates a fresh, unsignaled Event.
func NewEvent() Event {
	st := &eventState{}
	st.cond = sync.NewCond(&st.mu)
	return Event{s: st}
}

// Record signals the event on stream s: in this host-side model signaling
// happens synchronously with respect to the stream's FIFO order, since
// it is enqueued as a task like any other piece of work.
func (e Event) Record(s *Stream) {
	record := func() {
		e.s.mu.Lock()
		e.s.signaled = true
		e.s.timestamp = time.Now().UnixNano()
		e.s.mu.Unlock()
		e.s.cond.Broadcast()
	}
	if s == nil || s.IsNull() {
		record()
		return
	}
	s.Enqueue(record)
}

// Wait blocks the caller until the event is signaled.
func (e Event) Wait() {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	for !e.s.signaled {
		e.s.cond.Wait()
	}
}

// IsComplete reports whether the event has been signaled, without
// blocking.
func (e Event) IsComplete() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.signaled
}

// ElapsedNS returns the nanoseconds between a and b's signal timestamps,
// or 0 if either is incomplete. The two underlying locks are acquired in
// a stable order (by pointer address) so that computing elapsed time
// between events signaled concurrently from different threads never
// deadlocks (spec §3, §5).
func ElapsedNS(a, b Event) int64 {
	first, second := a.s, b.s
	if ptrLess(second, first) {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	if !a.s.signaled || !b.s.signaled {
		return 0
	}
	return b.s.timestamp - a.s.timestamp
}

// ptrLess orders two event-state pointers by address, giving a stable
// global lock order independent of call-site argument order.
func ptrLess(a, b *eventState) bool {
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}
