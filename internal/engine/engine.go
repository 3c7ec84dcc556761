// Package engine defines the boundary between the gateway and the agent
// backends that generate responses. Sessions acquire a Handle, stream one or
// more generations through it, and release it on teardown.
package engine

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/aria/internal/provider"
)

var (
	// ErrUnavailable means no engine capacity could be acquired.
	ErrUnavailable = errors.New("agent engine unavailable")
	// ErrReleased means the handle is no longer active.
	ErrReleased = errors.New("engine handle released")
)

// Session kinds.
const (
	KindVoice = "voice"
	KindText  = "text"
)

// SessionContext identifies who a handle generates for.
type SessionContext struct {
	SubjectID    string
	Tier         string
	SessionID    string
	ConnectionID string
}

// Request is one generation request.
type Request struct {
	// Action names a prompt-catalog action (explain, rewrite, chat).
	Action string
	// Text is the user's query or instruction.
	Text string
	// Selected is the text the action operates on, may be empty.
	Selected string
	// Memories are recalled facts about the subject, injected into the
	// system prompt for this generation.
	Memories []string
}

// Result is the completed generation.
type Result struct {
	Content string
	Usage   provider.Usage
}

// EventType discriminates streamed events.
type EventType string

const (
	EventChunk EventType = "chunk"
	EventAudio EventType = "audio"
)

// Event is one streamed increment of a generation, delivered in production
// order.
type Event struct {
	Type EventType
	// Text carries chunk payloads.
	Text string
	// Data carries audio payloads.
	Data []byte
}

// FrameKind discriminates inbound media.
type FrameKind string

const (
	FrameAudio FrameKind = "audio"
	FrameVideo FrameKind = "video"
)

// Frame is one inbound media frame.
type Frame struct {
	Kind FrameKind
	Seq  int64
	Data []byte
}

// Handle is an active engine grant bound to one session.
type Handle interface {
	// Generate runs one request, delivering increments to onEvent as they are
	// produced. An error from onEvent aborts the generation.
	Generate(ctx context.Context, req Request, onEvent func(Event) error) (*Result, error)

	// SubmitMedia delivers an inbound media frame to the agent.
	SubmitMedia(frame Frame) error
}

// Engine grants and reclaims handles.
type Engine interface {
	// Acquire grants a handle for a session, or ErrUnavailable when capacity
	// is exhausted.
	Acquire(ctx context.Context, kind string, sc SessionContext) (Handle, error)

	// Release reclaims a handle. Further use of it returns ErrReleased.
	Release(h Handle) error
}
