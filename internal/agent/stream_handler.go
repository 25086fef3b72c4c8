package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamEvent is one event on a StreamHandler bus: a free-form type tag, an
// arbitrary data payload, and free-form metadata.
type StreamEvent struct {
	Type     string
	Data     any
	Metadata map[string]any
	Seq      uint64
	Time     time.Time
}

// Terminal lifecycle event types. Events observes these to know a run's
// stream has ended.
const (
	StreamEventCompleted = "completed"
	StreamEventError     = "error"
	StreamEventCancelled = "cancelled"
	StreamEventChunk     = "chunk"
)

// IsTerminal reports whether this event ends the run's lifecycle: no
// further events will follow it for the same run.
func (e StreamEvent) IsTerminal() bool {
	switch e.Type {
	case StreamEventCompleted, StreamEventError, StreamEventCancelled:
		return true
	default:
		return false
	}
}

// StreamHandlerConfig bounds a StreamHandler's per-subscriber ring buffer.
type StreamHandlerConfig struct {
	// BufferSize is the per-subscriber ring buffer capacity. Default: 256.
	BufferSize int
}

// DefaultStreamHandlerConfig returns sensible defaults.
func DefaultStreamHandlerConfig() StreamHandlerConfig {
	return StreamHandlerConfig{BufferSize: 256}
}

// streamRing is a fixed-capacity, concurrency-safe ring buffer of
// StreamEvents feeding one subscriber. Once full, the oldest unread entry
// is overwritten and DroppedCount is incremented, mirroring
// RunResultBuffer's overwrite-oldest policy but counting the loss.
type streamRing struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []StreamEvent
	next    int
	count   int
	dropped uint64
	closed  bool
}

func newStreamRing(capacity int) *streamRing {
	if capacity <= 0 {
		capacity = 1
	}
	r := &streamRing{entries: make([]StreamEvent, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *streamRing) push(e StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.count == len(r.entries) {
		atomic.AddUint64(&r.dropped, 1)
		r.next = (r.next + 1) % len(r.entries)
		r.count--
	}
	idx := (r.next + r.count) % len(r.entries)
	r.entries[idx] = e
	r.count++
	r.cond.Signal()
}

// pop blocks until an event is available, the ring is closed, or ctx is
// done. ok is false once the ring is closed and drained.
func (r *streamRing) pop(ctx context.Context) (StreamEvent, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == 0 && !r.closed {
		if ctx.Err() != nil {
			return StreamEvent{}, false
		}
		r.cond.Wait()
	}
	if r.count == 0 {
		return StreamEvent{}, false
	}
	e := r.entries[r.next]
	r.next = (r.next + 1) % len(r.entries)
	r.count--
	return e, true
}

func (r *streamRing) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cond.Broadcast()
}

func (r *streamRing) droppedCount() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// StreamHandler is a generic emit/subscribe event bus for one run. emit
// fans an event out to every current subscriber's bounded ring buffer; a
// full buffer overwrites its oldest unread entry and increments that
// subscriber's dropped-events counter rather than blocking the emitter.
type StreamHandler struct {
	mu       sync.RWMutex
	subs     map[string]*streamRing
	sequence uint64
	bufSize  int
}

// NewStreamHandler creates a StreamHandler with the given buffer config.
func NewStreamHandler(config StreamHandlerConfig) *StreamHandler {
	if config.BufferSize <= 0 {
		config = DefaultStreamHandlerConfig()
	}
	return &StreamHandler{
		subs:    make(map[string]*streamRing),
		bufSize: config.BufferSize,
	}
}

// Subscribe registers a new subscriber and returns its id. Use Events to
// consume events for that id, and Unsubscribe to release it.
func (h *StreamHandler) Subscribe() string {
	id := uuid.NewString()
	h.mu.Lock()
	h.subs[id] = newStreamRing(h.bufSize)
	h.mu.Unlock()
	return id
}

// Unsubscribe releases a subscriber and unblocks any in-flight Events call
// for it. Safe to call more than once or with an unknown id.
func (h *StreamHandler) Unsubscribe(id string) {
	h.mu.Lock()
	ring, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		ring.close()
	}
}

// Emit dispatches an event to every current subscriber.
func (h *StreamHandler) Emit(eventType string, data any, metadata map[string]any) StreamEvent {
	event := StreamEvent{
		Type:     eventType,
		Data:     data,
		Metadata: metadata,
		Seq:      atomic.AddUint64(&h.sequence, 1),
		Time:     time.Now(),
	}

	h.mu.RLock()
	for _, ring := range h.subs {
		ring.push(event)
	}
	h.mu.RUnlock()
	return event
}

// DroppedCount returns the number of events dropped for id due to a full
// ring buffer going unread. Returns 0 for an unknown id.
func (h *StreamHandler) DroppedCount(id string) uint64 {
	h.mu.RLock()
	ring, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return ring.droppedCount()
}

// Events yields events for subscriber id until a terminal lifecycle event
// (completed/error/cancelled) is observed, id is unsubscribed, or ctx is
// done — whichever comes first. Range over the returned channel to consume
// it; the channel always closes.
func (h *StreamHandler) Events(ctx context.Context, id string) <-chan StreamEvent {
	h.mu.RLock()
	ring, ok := h.subs[id]
	h.mu.RUnlock()

	out := make(chan StreamEvent)
	if !ok {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for {
			event, ok := ring.pop(ctx)
			if !ok {
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.IsTerminal() {
				return
			}
		}
	}()
	return out
}

// TextChunker buffers streaming text deltas and flushes complete chunks at
// paragraph or, failing that, sentence boundaries rather than splitting
// text mid-sentence. Flushed chunks are emitted on handler as
// StreamEventChunk events.
type TextChunker struct {
	handler *StreamHandler
	buf     strings.Builder
	minSize int
}

// NewTextChunker creates a chunker that flushes onto handler. minSize
// gates how large the buffer must grow before a sentence-boundary flush is
// considered; a paragraph break always flushes immediately regardless of
// size.
func NewTextChunker(handler *StreamHandler, minSize int) *TextChunker {
	if minSize <= 0 {
		minSize = 80
	}
	return &TextChunker{handler: handler, minSize: minSize}
}

// Write appends delta to the buffer, emitting any complete chunks it finds.
func (c *TextChunker) Write(delta string) {
	if delta == "" {
		return
	}
	c.buf.WriteString(delta)
	for {
		text := c.buf.String()
		cut, ok := findChunkBoundary(text, c.minSize)
		if !ok {
			return
		}
		chunk := text[:cut]
		rest := text[cut:]
		c.buf.Reset()
		c.buf.WriteString(rest)
		if c.handler != nil {
			c.handler.Emit(StreamEventChunk, chunk, nil)
		}
	}
}

// Flush emits any remaining buffered text as a final chunk.
func (c *TextChunker) Flush() {
	if c.buf.Len() == 0 {
		return
	}
	if c.handler != nil {
		c.handler.Emit(StreamEventChunk, c.buf.String(), nil)
	}
	c.buf.Reset()
}

// findChunkBoundary looks for a paragraph break ("\n\n") anywhere in text,
// or, once text has grown past minSize, the last sentence terminator
// (./!/?) followed by whitespace. Returns the cut position (exclusive end
// of the chunk) and whether a boundary was found.
func findChunkBoundary(text string, minSize int) (int, bool) {
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		return idx + 2, true
	}
	if len(text) < minSize {
		return 0, false
	}
	for i := len(text) - 1; i >= 1; i-- {
		if (text[i] == ' ' || text[i] == '\n' || text[i] == '\t') && strings.ContainsRune(".!?", rune(text[i-1])) {
			return i + 1, true
		}
	}
	return 0, false
}
