// Package session owns the per-connection session lifecycle. A connection
// holds at most one voice and one text session (policy caps); each session
// moves Idle → Starting → Active → Stopping → Closed and is driven by a
// single goroutine that serializes engine work and outbound delivery, so a
// session's messages reach the client in production order.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felixgeelhaar/aria/internal/engine"
	"github.com/felixgeelhaar/aria/internal/events"
	"github.com/felixgeelhaar/aria/internal/throttle"
)

var (
	// ErrDuplicateSession means a non-terminal session of the same kind
	// already exists on the connection.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrSessionClosed means the target session is closed or absent.
	ErrSessionClosed = errors.New("session closed")
	// ErrAgentUnavailable means the engine could not grant a handle.
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// State is a session lifecycle state. Closed is terminal.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateClosed   State = "closed"
)

// Outbound message kinds produced by sessions. Started and ended kinds are
// composed from the session kind (voice_session_started, text_session_ended).
const (
	MsgChunk             = "chunk"
	MsgTextSessionResult = "text_session_result"
	MsgAudio             = "audio"
	MsgStatus            = "status"
	MsgError             = "error"
)

// Outbound is one message bound for the client. Messages from the same
// session arrive in production order; interleaving across sessions is
// arbitrary.
type Outbound struct {
	Kind        string
	SessionID   string
	SessionKind string
	Text        string
	Data        []byte
	Fields      map[string]interface{}
}

// Sink delivers outbound messages to the client connection. Implementations
// must be safe for concurrent use; sessions preserve their own ordering by
// sending from a single goroutine.
type Sink func(msg Outbound) error

// actionQueueDepth bounds pending actions per session. An interactive client
// rarely has more than one in flight.
const actionQueueDepth = 8

// Session is one voice or text session bound to a connection.
type Session struct {
	ID   string
	Kind string

	mgr      *Manager
	handle   engine.Handle
	throttle *throttle.MediaThrottle

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	reason string

	actions  chan engine.Request
	stopped  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) terminal() bool {
	return s.State() == StateClosed
}

// enqueue hands an action to the session goroutine. It blocks only when the
// queue is full, and stays cancellable through ctx.
func (s *Session) enqueue(ctx context.Context, req engine.Request) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	select {
	case s.actions <- req:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop requests a graceful close: queued actions finish, then the session
// closes. When ctx expires first, in-flight work is aborted.
func (s *Session) stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateStopping {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateStopping
	s.reason = reason
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopped) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

// teardown aborts the session without draining. Safe to call at any state.
func (s *Session) teardown(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()

	s.cancel()
	s.stopOnce.Do(func() { close(s.stopped) })

	// A session still in Starting has no run goroutine yet; the start path
	// observes the closed manager and closes it, releasing this wait.
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// abort closes a session whose run goroutine never started.
func (s *Session) abort(reason string) {
	s.mu.Lock()
	s.state = StateClosed
	if s.reason == "" {
		s.reason = reason
	}
	reason = s.reason
	s.mu.Unlock()

	s.cancel()
	close(s.done)

	s.mgr.bus.PublishWithData(events.SessionClosed, s.mgr.connID, s.ID, map[string]interface{}{"reason": reason})
	s.mgr.obs.Log().Info().
		Str("session", s.ID).
		Str("kind", s.Kind).
		Str("reason", reason).
		Msg("session closed before activation")
}

// run is the session goroutine. It executes actions in arrival order, pumps
// throttled media to the engine, and performs the final teardown when asked
// to stop.
func (s *Session) run() {
	defer close(s.done)
	defer s.finish()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopped:
			s.drainActions()
			return
		case req := <-s.actions:
			s.runAction(req)
		case frame := <-s.throttle.Video():
			s.submit(frame)
		case frame := <-s.throttle.Audio():
			s.submit(frame)
		}
	}
}

// drainActions finishes actions that were queued before the stop request.
func (s *Session) drainActions() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.actions:
			s.runAction(req)
		default:
			return
		}
	}
}

func (s *Session) submit(frame engine.Frame) {
	if err := s.handle.SubmitMedia(frame); err != nil {
		s.mgr.obs.Log().Debug().
			Str("session", s.ID).
			Str("frameKind", string(frame.Kind)).
			Err(err).
			Msg("media frame not delivered")
	}
}

// runAction executes one generation turn: recall memories, stream the
// generation to the client, then reinforce and record. Memory failures
// degrade to warnings; the turn still completes.
func (s *Session) runAction(req engine.Request) {
	ctx, span := s.mgr.obs.StartSpan(s.ctx, "session.action")
	defer span.End()

	log := s.mgr.obs.Log().With().
		Str("session", s.ID).
		Str("kind", s.Kind).
		Str("action", req.Action).
		Logger()

	items, degraded := s.mgr.recall(ctx, req.Text)
	for _, item := range items {
		req.Memories = append(req.Memories, item.Text)
	}
	if degraded {
		_ = s.send(Outbound{
			Kind:        MsgStatus,
			SessionID:   s.ID,
			SessionKind: s.Kind,
			Fields:      map[string]interface{}{"status": "memory_degraded"},
		})
	}

	emitted := 0
	onEvent := func(ev engine.Event) error {
		emitted++
		switch ev.Type {
		case engine.EventChunk:
			return s.send(Outbound{Kind: MsgChunk, SessionID: s.ID, SessionKind: s.Kind, Text: ev.Text})
		case engine.EventAudio:
			return s.send(Outbound{Kind: MsgAudio, SessionID: s.ID, SessionKind: s.Kind, Data: ev.Data})
		}
		return nil
	}

	result, err := s.handle.Generate(ctx, req, onEvent)
	if err != nil && emitted == 0 && ctx.Err() == nil {
		// One retry after a short pause. Once chunks have been streamed the
		// turn cannot be replayed, so only clean failures are retried.
		log.Warn().Err(err).Msg("generation failed, retrying once")
		timer := time.NewTimer(s.mgr.retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		result, err = s.handle.Generate(ctx, req, onEvent)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("generation failed")
		_ = s.send(Outbound{
			Kind:        MsgError,
			SessionID:   s.ID,
			SessionKind: s.Kind,
			Fields:      map[string]interface{}{"kind": "generation_failed", "detail": err.Error()},
		})
		return
	}

	if s.Kind == engine.KindText {
		_ = s.send(Outbound{
			Kind:        MsgTextSessionResult,
			SessionID:   s.ID,
			SessionKind: s.Kind,
			Text:        result.Content,
			Fields:      map[string]interface{}{"usage": result.Usage},
		})
	}

	log.Info().
		Int("memories", len(items)).
		Int("totalTokens", result.Usage.TotalTokens).
		Msg("turn completed")

	s.mgr.reinforce(ctx, items)
	s.mgr.record(ctx, req)
}

// finish runs exactly once from the session goroutine when it exits.
func (s *Session) finish() {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = "canceled"
	}
	reason := s.reason
	s.state = StateClosed
	s.mu.Unlock()

	discarded := s.throttle.Drain()
	_ = s.mgr.engine.Release(s.handle)
	_ = s.send(Outbound{
		Kind:        s.Kind + "_session_ended",
		SessionID:   s.ID,
		SessionKind: s.Kind,
		Fields:      map[string]interface{}{"reason": reason},
	})

	s.mgr.bus.PublishWithData(events.SessionClosed, s.mgr.connID, s.ID, map[string]interface{}{"reason": reason})
	s.mgr.obs.Log().Info().
		Str("session", s.ID).
		Str("kind", s.Kind).
		Str("reason", reason).
		Int("mediaDiscarded", discarded).
		Msg("session closed")
}

func (s *Session) send(msg Outbound) error {
	return s.mgr.send(msg)
}
