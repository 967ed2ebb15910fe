package gpu

import (
	"runtime"
	"sync/atomic"
)

// Task is one unit of work submitted to a Stream.
type Task func()

// Stream is an ordered queue of work items; everything submitted to a
// Stream executes in FIFO order on a single dedicated worker goroutine
// (spec §5 "Scheduling"). A Stream owns its native handle unless
// constructed over a borrowed one, in which case Destroy does not
// release anything underneath it (spec §3 "Stream").
type Stream struct {
	handle  uint64
	owned   bool
	tasks   chan Task
	done    chan struct{}
	enq     atomic.Uint64
	comp    atomic.Uint64
	destroy func()
}

const streamQueueDepth = 1024

// NewStream creates a Stream that owns handle; destroy is invoked once
// when the stream is destroyed.
func NewStream(handle uint64, destroy func()) *Stream {
	s := &Stream{handle: handle, owned: true, tasks: make(chan Task, streamQueueDepth), done: make(chan struct{}), destroy: destroy}
	go s.run()
	return s
}

// Borrowed wraps a native stream handle this Stream does not own; Destroy
// is a no-op.
func Borrowed(handle uint64) *Stream {
	s := &Stream{handle: handle, owned: false, tasks: make(chan Task, streamQueueDepth), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *Stream) run() {
	for t := range s.tasks {
		t()
		s.comp.Add(1)
	}
	close(s.done)
}

// Handle returns the native stream handle (0 for a null/dry-run stream).
func (s *Stream) Handle() uint64 { return s.handle }

// IsNull reports whether this Stream is a dry-run sentinel (spec §4.9
// "If the stream handle is null ... return success without issuing any
// work").
func (s *Stream) IsNull() bool { return s == nil || s.handle == 0 }

// Enqueue submits a task to run on this stream's worker goroutine.
// Enqueue itself never blocks on the task's execution, only on handing
// it to the channel (wait-free once the channel has room, per spec §5).
func (s *Stream) Enqueue(t Task) {
	if s == nil {
		return
	}
	s.enq.Add(1)
	s.tasks <- t
}

// Flush busy-waits until every enqueued task has completed.
func (s *Stream) Flush() {
	if s == nil {
		return
	}
	for s.comp.Load() != s.enq.Load() {
		// Bounded spin; the task queue is FIFO and finite so this
		// converges as soon as the worker goroutine drains it.
		runtime.Gosched()
	}
}

// Enqueued returns the number of tasks submitted so far.
func (s *Stream) Enqueued() uint64 { return s.enq.Load() }

// Completed returns the number of tasks that have finished executing.
func (s *Stream) Completed() uint64 { return s.comp.Load() }

// Destroy stops the worker goroutine and, if this Stream owns its native
// handle, releases it.
func (s *Stream) Destroy() {
	if s == nil {
		return
	}
	close(s.tasks)
	<-s.done
	if s.owned && s.destroy != nil {
		s.destroy()
	}
}
