package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/aria/internal/engine"
	"github.com/felixgeelhaar/aria/internal/events"
	"github.com/felixgeelhaar/aria/internal/memory"
	"github.com/felixgeelhaar/aria/internal/observe"
	"github.com/felixgeelhaar/aria/internal/policy"
	"github.com/felixgeelhaar/aria/internal/throttle"
)

// defaultRetryBackoff is the pause before the single retry of a failed
// engine acquire or generation.
const defaultRetryBackoff = 100 * time.Millisecond

// turnConfidence is the initial confidence for memories recorded from
// completed turns.
const turnConfidence = 0.5

// Info describes one session for status surfaces.
type Info struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State State  `json:"state"`
}

// Manager owns the sessions of one connection. All session mutations go
// through it; the gateway read loop is its only caller for inbound traffic.
type Manager struct {
	connID    string
	subjectID string
	tier      string

	limits *policy.Limits
	engine engine.Engine
	memory memory.Store
	bus    *events.Bus
	obs    *observe.Observer
	sink   Sink

	detector     Detector
	retryBackoff time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(connID, subjectID, tier string, limits *policy.Limits, eng engine.Engine, mem memory.Store, bus *events.Bus, obs *observe.Observer, sink Sink) *Manager {
	if limits == nil {
		limits = policy.New(policy.ForTier(tier))
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if obs == nil {
		obs = observe.New(io.Discard, false)
	}
	return &Manager{
		connID:       connID,
		subjectID:    subjectID,
		tier:         tier,
		limits:       limits,
		engine:       eng,
		memory:       mem,
		bus:          bus,
		obs:          obs,
		sink:         sink,
		detector:     NewEnergyDetector(),
		retryBackoff: defaultRetryBackoff,
		sessions:     make(map[string]*Session),
	}
}

// SetDetector replaces the wake detector.
func (m *Manager) SetDetector(d Detector) {
	if d != nil {
		m.detector = d
	}
}

// SetRetryBackoff overrides the retry pause.
func (m *Manager) SetRetryBackoff(d time.Duration) {
	m.retryBackoff = d
}

// ConnectionID returns the owning connection id.
func (m *Manager) ConnectionID() string { return m.connID }

// SubjectID returns the authenticated subject.
func (m *Manager) SubjectID() string { return m.subjectID }

// Tier returns the subject's tier.
func (m *Manager) Tier() string { return m.tier }

// Start brings up a session of the given kind and returns its id. A
// non-terminal session of the same kind rejects with ErrDuplicateSession;
// an engine that will not grant a handle rejects with ErrAgentUnavailable.
func (m *Manager) Start(ctx context.Context, kind string) (string, error) {
	if kind != engine.KindVoice && kind != engine.KindText {
		return "", fmt.Errorf("unknown session kind: %s", kind)
	}

	p := m.limits.Policy()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrSessionClosed
	}
	active := 0
	if existing := m.sessions[kind]; existing != nil && !existing.terminal() {
		active = 1
	}
	if v := m.limits.CheckSessionStart(kind, active); v != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, kind)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       uuid.NewString(),
		Kind:     kind,
		mgr:      m,
		throttle: throttle.New(p.VideoFrameRate, p.AudioQueueDepth),
		ctx:      sctx,
		cancel:   cancel,
		state:    StateStarting,
		actions:  make(chan engine.Request, actionQueueDepth),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.sessions[kind] = s
	m.mu.Unlock()

	m.bus.PublishSimple(events.SessionStarting, m.connID, s.ID)
	m.obs.Log().Info().
		Str("connection", m.connID).
		Str("session", s.ID).
		Str("kind", kind).
		Msg("session starting")

	h, err := m.acquire(ctx, kind, s)
	if err != nil {
		s.abort("agent_unavailable")
		return "", fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	s.mu.Lock()
	if closed || s.state != StateStarting {
		s.mu.Unlock()
		_ = m.engine.Release(h)
		s.abort("connection_closed")
		return "", ErrSessionClosed
	}
	s.handle = h
	s.state = StateActive
	s.mu.Unlock()

	go s.run()

	m.bus.PublishSimple(events.SessionActive, m.connID, s.ID)
	m.obs.Log().Info().
		Str("session", s.ID).
		Str("kind", kind).
		Msg("session active")
	_ = m.send(Outbound{
		Kind:        kind + "_session_started",
		SessionID:   s.ID,
		SessionKind: kind,
	})
	return s.ID, nil
}

// acquire grants an engine handle, retrying once after a short pause.
func (m *Manager) acquire(ctx context.Context, kind string, s *Session) (engine.Handle, error) {
	sc := engine.SessionContext{
		SubjectID:    m.subjectID,
		Tier:         m.tier,
		SessionID:    s.ID,
		ConnectionID: m.connID,
	}
	h, err := m.engine.Acquire(ctx, kind, sc)
	if err == nil || ctx.Err() != nil {
		return h, err
	}

	m.obs.Log().Warn().
		Err(err).
		Str("session", s.ID).
		Msg("engine acquire failed, retrying once")
	timer := time.NewTimer(m.retryBackoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}
	return m.engine.Acquire(ctx, kind, sc)
}

// Stop gracefully closes the session of the given kind.
func (m *Manager) Stop(ctx context.Context, kind, reason string) error {
	s := m.sessionFor(kind)
	if s == nil {
		return ErrSessionClosed
	}
	return s.stop(ctx, reason)
}

// Submit queues a generation request on the active session of the given
// kind.
func (m *Manager) Submit(ctx context.Context, kind string, req engine.Request) error {
	s := m.sessionFor(kind)
	if s == nil {
		return ErrSessionClosed
	}
	return s.enqueue(ctx, req)
}

// TextAction runs a catalog action on the text session.
func (m *Manager) TextAction(ctx context.Context, action, text, selected string) error {
	return m.Submit(ctx, engine.KindText, engine.Request{Action: action, Text: text, Selected: selected})
}

// VoiceContent runs a transcribed utterance through the voice session.
func (m *Manager) VoiceContent(ctx context.Context, text string) error {
	return m.Submit(ctx, engine.KindVoice, engine.Request{Action: "chat", Text: text})
}

// SubmitAudio routes an audio frame. With an active voice session the frame
// enters the session's bounded queue, blocking for backpressure when full.
// Without one, the frame feeds the wake detector.
func (m *Manager) SubmitAudio(ctx context.Context, frame engine.Frame) error {
	s := m.sessionFor(engine.KindVoice)
	if s == nil {
		if m.detector != nil && m.detector.Feed(frame.Data) {
			m.bus.PublishSimple(events.WakeDetected, m.connID, "")
			m.obs.Log().Info().Str("connection", m.connID).Msg("wake detected")
			_ = m.send(Outbound{
				Kind:   MsgStatus,
				Fields: map[string]interface{}{"status": "wake_detected"},
			})
		}
		return nil
	}

	if err := s.throttle.TryEnqueueAudio(frame); err == nil {
		return nil
	}
	m.bus.PublishWithData(events.AudioBackpressure, m.connID, s.ID, map[string]interface{}{
		"seq": frame.Seq,
	})
	return s.throttle.EnqueueAudio(ctx, frame)
}

// SubmitVideo routes a video frame through the voice session's throttle.
// Frames with no session to consume them are dropped.
func (m *Manager) SubmitVideo(frame engine.Frame) {
	s := m.sessionFor(engine.KindVoice)
	if s == nil {
		m.obs.Log().Debug().
			Str("connection", m.connID).
			Int64("seq", frame.Seq).
			Msg("video frame with no voice session dropped")
		return
	}
	if !s.throttle.OfferFrame(frame) {
		m.bus.PublishWithData(events.MediaFrameDropped, m.connID, s.ID, map[string]interface{}{
			"seq":     frame.Seq,
			"dropped": s.throttle.Stats().VideoDropped,
		})
	}
}

// TeardownAll closes every session concurrently and waits for them. The
// manager accepts no new sessions afterwards.
func (m *Manager) TeardownAll(ctx context.Context, reason string) {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil && !s.terminal() {
			open = append(open, s)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range open {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.teardown(ctx, reason)
		}(s)
	}
	wg.Wait()
}

// ActiveSessions recounts non-terminal sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s != nil && !s.terminal() {
			n++
		}
	}
	return n
}

// Snapshot lists non-terminal sessions in a fixed kind order.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, kind := range []string{engine.KindVoice, engine.KindText} {
		s := m.sessions[kind]
		if s == nil || s.terminal() {
			continue
		}
		infos = append(infos, Info{ID: s.ID, Kind: s.Kind, State: s.State()})
	}
	return infos
}

// SessionState reports the lifecycle state of the current session of a kind,
// or StateIdle when none exists.
func (m *Manager) SessionState(kind string) State {
	m.mu.Lock()
	s := m.sessions[kind]
	m.mu.Unlock()
	if s == nil {
		return StateIdle
	}
	return s.State()
}

func (m *Manager) sessionFor(kind string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[kind]
	if s == nil || s.terminal() {
		return nil
	}
	return s
}

// recall searches the subject's memories for a query. Failures degrade: the
// caller gets no memories and a degraded flag.
func (m *Manager) recall(ctx context.Context, query string) ([]memory.Item, bool) {
	if m.memory == nil {
		return nil, false
	}
	items, err := m.memory.Search(ctx, m.subjectID, query, memory.DefaultMinConfidence, memory.DefaultTopK)
	if err != nil {
		m.obs.Log().Warn().
			Err(err).
			Str("subject", m.subjectID).
			Msg("memory recall failed")
		return nil, true
	}
	return items, false
}

// reinforce bumps the memories that informed a completed turn.
func (m *Manager) reinforce(ctx context.Context, items []memory.Item) {
	if m.memory == nil {
		return
	}
	for _, item := range items {
		if _, err := m.memory.Reinforce(ctx, item.ID); err != nil {
			m.obs.Log().Warn().
				Err(err).
				Str("memory", item.ID).
				Msg("memory reinforce failed")
		}
	}
}

// record stores the completed turn as a new memory, within the tier's item
// budget.
func (m *Manager) record(ctx context.Context, req engine.Request) {
	if m.memory == nil {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return
	}

	count, err := m.memory.Count(ctx, m.subjectID)
	if err != nil {
		m.obs.Log().Warn().
			Err(err).
			Str("subject", m.subjectID).
			Msg("memory count failed, turn not recorded")
		return
	}
	if v := m.limits.CheckMemoryBudget(count); v != nil {
		m.obs.Log().Debug().
			Str("subject", m.subjectID).
			Str("rule", v.Rule).
			Msg("memory budget reached, turn not recorded")
		return
	}

	if _, err := m.memory.Remember(ctx, m.subjectID, text, "turns/"+req.Action, turnConfidence); err != nil {
		m.obs.Log().Warn().
			Err(err).
			Str("subject", m.subjectID).
			Msg("turn not recorded")
	}
}

func (m *Manager) send(msg Outbound) error {
	if m.sink == nil {
		return nil
	}
	return m.sink(msg)
}
