package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StubEngine is a scripted engine for tests and keyless development. It
// accounts for every acquire and release, streams configurable chunk and
// audio events, and can inject acquire or generate failures.
type StubEngine struct {
	mu            sync.Mutex
	capacity      int
	active        map[*StubHandle]struct{}
	handles       []*StubHandle
	acquires      int
	releases      int
	failGenerates int
	acquireErr    error
	chunks        []string
	audio         [][]byte
}

func NewStubEngine(capacity int) *StubEngine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &StubEngine{
		capacity: capacity,
		active:   make(map[*StubHandle]struct{}),
	}
}

// SetChunks scripts the chunk events of every following generation. Without a
// script, generations echo the request text.
func (e *StubEngine) SetChunks(chunks ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chunks = chunks
}

// SetAudio scripts audio events emitted after the chunks.
func (e *StubEngine) SetAudio(frames ...[]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audio = frames
}

// FailAcquire makes every following Acquire return err until reset with nil.
func (e *StubEngine) FailAcquire(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquireErr = err
}

// FailNextGenerates makes the next n Generate calls fail.
func (e *StubEngine) FailNextGenerates(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failGenerates = n
}

func (e *StubEngine) Acquires() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquires
}

func (e *StubEngine) Releases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releases
}

func (e *StubEngine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Handles returns every handle granted so far, released ones included.
func (e *StubEngine) Handles() []*StubHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*StubHandle(nil), e.handles...)
}

func (e *StubEngine) Acquire(ctx context.Context, kind string, sc SessionContext) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	if len(e.active) >= e.capacity {
		return nil, ErrUnavailable
	}

	e.acquires++
	h := &StubHandle{engine: e, Kind: kind, Context: sc}
	e.active[h] = struct{}{}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *StubEngine) Release(h Handle) error {
	sh, ok := h.(*StubHandle)
	if !ok {
		return ErrReleased
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[sh]; !ok {
		return ErrReleased
	}
	delete(e.active, sh)
	sh.released = true
	e.releases++
	return nil
}

// StubHandle records everything submitted through it.
type StubHandle struct {
	engine  *StubEngine
	Kind    string
	Context SessionContext

	mu       sync.Mutex
	released bool
	requests []Request
	frames   []Frame
}

func (h *StubHandle) Generate(ctx context.Context, req Request, onEvent func(Event) error) (*Result, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrReleased
	}
	h.requests = append(h.requests, req)
	h.mu.Unlock()

	h.engine.mu.Lock()
	if h.engine.failGenerates > 0 {
		h.engine.failGenerates--
		h.engine.mu.Unlock()
		return nil, fmt.Errorf("engine generate: injected failure")
	}
	chunks := h.engine.chunks
	audio := h.engine.audio
	h.engine.mu.Unlock()

	if len(chunks) == 0 {
		chunks = strings.SplitAfter(fmt.Sprintf("Here is my take on %q.", req.Text), " ")
	}

	var content strings.Builder
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content.WriteString(chunk)
		if err := onEvent(Event{Type: EventChunk, Text: chunk}); err != nil {
			return nil, err
		}
	}
	for _, data := range audio {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onEvent(Event{Type: EventAudio, Data: data}); err != nil {
			return nil, err
		}
	}

	return &Result{Content: content.String()}, nil
}

func (h *StubHandle) SubmitMedia(frame Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	h.frames = append(h.frames, frame)
	return nil
}

// Requests returns the generate requests seen so far.
func (h *StubHandle) Requests() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Request(nil), h.requests...)
}

// Frames returns the media frames seen so far.
func (h *StubHandle) Frames() []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Frame(nil), h.frames...)
}

var _ Engine = (*StubEngine)(nil)
