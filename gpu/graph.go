package gpu

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// ErrGraphNotCaptured is returned by Instantiate when no dispatches were
// recorded.
var ErrGraphNotCaptured = errors.New("gpu: graph capture recorded no dispatches")

// GraphCommand is one recorded dispatch, serialized as an opaque byte
// record (a real backend would encode the descriptor/push-constant
// bytes here; we keep an index tag plus the replay closure itself,
// mirroring how the teacher's ringbuffer is used as an append/replay
// byte channel rather than a typed queue).
type GraphCommand struct {
	Tag    uint32
	Replay Task
}

// Graph records a capture region on a Stream and can later replay it.
//
// capture.log backs the serialized tag stream with a
// smallnest/ringbuffer.RingBuffer: the teacher uses that type to stream
// bytes off an HTTP response body; here it plays the same "append
// now, drain later" role for the sequence of dispatch tags recorded
// during capture, which is what makes a captured Graph replayable
// without re-walking the call sequence that produced it.
type Graph struct {
	mu        sync.Mutex
	commands  []GraphCommand
	log       *ringbuffer.RingBuffer
	capturing bool
}

// NewGraph returns an empty, uncaptured Graph.
func NewGraph() *Graph {
	return &Graph{log: ringbuffer.New(4096)}
}

// BeginCapture starts recording dispatches issued through Record.
func (g *Graph) BeginCapture() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capturing = true
	g.commands = g.commands[:0]
}

// EndCapture stops recording.
func (g *Graph) EndCapture() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capturing = false
}

// Record appends one dispatch to the capture region. Called by the
// compute façade instead of issuing work directly while capturing.
func (g *Graph) Record(tag uint32, replay Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.capturing {
		return
	}
	g.commands = append(g.commands, GraphCommand{Tag: tag, Replay: replay})
	var tagBytes [4]byte
	tagBytes[0] = byte(tag)
	tagBytes[1] = byte(tag >> 8)
	tagBytes[2] = byte(tag >> 16)
	tagBytes[3] = byte(tag >> 24)
	_, _ = g.log.Write(tagBytes[:])
}

// Instantiate compiles the captured region. With a host-side replay
// model there is no separate compilation step beyond validating that
// something was captured; a real backend would build a command buffer
// here once and reuse it on every Launch.
func (g *Graph) Instantiate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.commands) == 0 {
		return ErrGraphNotCaptured
	}
	return nil
}

// Launch replays every recorded dispatch, in order, onto s.
func (g *Graph) Launch(s *Stream) {
	g.mu.Lock()
	cmds := make([]GraphCommand, len(g.commands))
	copy(cmds, g.commands)
	g.mu.Unlock()

	for _, c := range cmds {
		s.Enqueue(c.Replay)
	}
}

// TagSequence drains the recorded tag log (for tests/introspection),
// returning the sequence of dispatch tags exactly as they were appended.
func (g *Graph) TagSequence() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.log.Length()
	buf := make([]byte, n)
	_, _ = g.log.Read(buf)

	tags := make([]uint32, 0, len(buf)/4)
	for i := 0; i+4 <= len(buf); i += 4 {
		tags = append(tags, uint32(buf[i])|uint32(buf[i+1])<<8|uint32(buf[i+2])<<16|uint32(buf[i+3])<<24)
	}
	return tags
}
