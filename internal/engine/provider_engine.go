package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/felixgeelhaar/aria/internal/observe"
	"github.com/felixgeelhaar/aria/internal/prompt"
	"github.com/felixgeelhaar/aria/internal/provider"
)

// DefaultCapacity bounds concurrent handles when no explicit capacity is set.
const DefaultCapacity = 64

// ProviderEngine generates through an LLM provider. It renders prompts from
// the action catalog, streams deltas as chunk events, and bounds the number
// of concurrently held handles. Text-only: it emits no audio events and
// accepts media frames without consuming them.
type ProviderEngine struct {
	provider provider.Provider
	catalog  *prompt.Catalog
	obs      *observe.Observer
	capacity int

	mu     sync.Mutex
	active map[*providerHandle]struct{}
}

func NewProviderEngine(p provider.Provider, catalog *prompt.Catalog, obs *observe.Observer, capacity int) *ProviderEngine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if catalog == nil {
		catalog = prompt.NewCatalog()
	}
	return &ProviderEngine{
		provider: p,
		catalog:  catalog,
		obs:      obs,
		capacity: capacity,
		active:   make(map[*providerHandle]struct{}),
	}
}

func (e *ProviderEngine) Acquire(ctx context.Context, kind string, sc SessionContext) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.active) >= e.capacity {
		e.obs.Log().Warn().
			Str("session", sc.SessionID).
			Int("capacity", e.capacity).
			Msg("engine capacity exhausted")
		return nil, ErrUnavailable
	}

	h := &providerHandle{engine: e, kind: kind, sc: sc}
	e.active[h] = struct{}{}

	e.obs.Log().Debug().
		Str("session", sc.SessionID).
		Str("kind", kind).
		Str("provider", e.provider.Name()).
		Msg("engine handle acquired")
	return h, nil
}

func (e *ProviderEngine) Release(h Handle) error {
	ph, ok := h.(*providerHandle)
	if !ok {
		return ErrReleased
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[ph]; !ok {
		return ErrReleased
	}
	delete(e.active, ph)
	ph.released.Store(true)

	e.obs.Log().Debug().
		Str("session", ph.sc.SessionID).
		Msg("engine handle released")
	return nil
}

// Active returns the number of held handles.
func (e *ProviderEngine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

type providerHandle struct {
	engine   *ProviderEngine
	kind     string
	sc       SessionContext
	released atomic.Bool
	frames   atomic.Int64
}

func (h *providerHandle) Generate(ctx context.Context, req Request, onEvent func(Event) error) (*Result, error) {
	if h.released.Load() {
		return nil, ErrReleased
	}

	ctx, span := h.engine.obs.StartSpan(ctx, "engine.generate")
	defer span.End()

	system, user, err := h.engine.catalog.Render(req.Action, req.Text, req.Selected, req.Memories)
	if err != nil {
		return nil, err
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: user},
	}

	resp, err := h.engine.provider.ChatStream(ctx, messages, func(delta string) error {
		return onEvent(Event{Type: EventChunk, Text: delta})
	})
	if err != nil {
		return nil, fmt.Errorf("engine generate: %w", err)
	}

	return &Result{Content: resp.Content, Usage: resp.Usage}, nil
}

func (h *providerHandle) SubmitMedia(frame Frame) error {
	if h.released.Load() {
		return ErrReleased
	}
	// A text provider consumes no media; frames are counted and dropped.
	h.frames.Add(1)
	return nil
}

var _ Engine = (*ProviderEngine)(nil)
