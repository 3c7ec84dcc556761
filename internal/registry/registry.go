// Package registry tracks admitted connections. Every WebSocket client maps
// to one Connection carrying its verified identity and its session manager;
// eviction is the single teardown path shared by transport close, auth
// failure and server shutdown.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/aria/internal/engine"
	"github.com/felixgeelhaar/aria/internal/events"
	"github.com/felixgeelhaar/aria/internal/identity"
	"github.com/felixgeelhaar/aria/internal/memory"
	"github.com/felixgeelhaar/aria/internal/observe"
	"github.com/felixgeelhaar/aria/internal/policy"
	"github.com/felixgeelhaar/aria/internal/session"
)

// Connection is one admitted client.
type Connection struct {
	ID          string
	SubjectID   string
	Tier        string
	ConnectedAt time.Time
	Manager     *session.Manager
}

// Info describes one connection for status surfaces.
type Info struct {
	ID          string         `json:"id"`
	SubjectID   string         `json:"subject_id"`
	Tier        string         `json:"tier"`
	ConnectedAt time.Time      `json:"connected_at"`
	Sessions    []session.Info `json:"sessions"`
}

// Registry admits, looks up and evicts connections.
type Registry struct {
	gate   *identity.Gate
	engine engine.Engine
	memory memory.Store
	bus    *events.Bus
	obs    *observe.Observer

	clock func() time.Time

	mu    sync.Mutex
	conns map[string]*Connection
}

func New(gate *identity.Gate, eng engine.Engine, mem memory.Store, bus *events.Bus, obs *observe.Observer) *Registry {
	return &Registry{
		gate:   gate,
		engine: eng,
		memory: mem,
		bus:    bus,
		obs:    obs,
		clock:  time.Now,
		conns:  make(map[string]*Connection),
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.clock = now
	}
}

// Admit verifies a bearer token and registers a connection for its subject.
// Auth failures reject before any session machinery is touched; the identity
// error comes back unwrapped for the transport to map.
func (r *Registry) Admit(token string, sink session.Sink) (*Connection, error) {
	ident, err := r.gate.Verify(token)
	if err != nil {
		r.obs.Log().Warn().Err(err).Msg("connection rejected")
		return nil, err
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		SubjectID:   ident.SubjectID,
		Tier:        ident.Tier,
		ConnectedAt: r.clock(),
	}
	limits := policy.New(policy.ForTier(ident.Tier))
	conn.Manager = session.NewManager(conn.ID, ident.SubjectID, ident.Tier, limits, r.engine, r.memory, r.bus, r.obs, sink)

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.bus.PublishWithData(events.ConnectionAdmitted, conn.ID, "", map[string]interface{}{
		"subject": conn.SubjectID,
		"tier":    conn.Tier,
	})
	r.obs.Log().Info().
		Str("connection", conn.ID).
		Str("subject", conn.SubjectID).
		Str("tier", conn.Tier).
		Msg("connection admitted")
	return conn, nil
}

// Lookup returns a registered connection.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Evict deregisters a connection and tears down all of its sessions,
// reporting whether this call performed the eviction. Concurrent and
// repeated evictions of the same id are no-ops: exactly one caller claims
// the entry, so the teardown and the evicted event happen once.
func (r *Registry) Evict(ctx context.Context, id, reason string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	conn.Manager.TeardownAll(ctx, reason)

	r.bus.PublishWithData(events.ConnectionEvicted, id, "", map[string]interface{}{
		"reason": reason,
	})
	r.obs.Log().Info().
		Str("connection", id).
		Str("subject", conn.SubjectID).
		Str("reason", reason).
		Msg("connection evicted")
	return true
}

// EvictAll evicts every registered connection concurrently and returns how
// many were evicted. Used on shutdown.
func (r *Registry) EvictAll(ctx context.Context, reason string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	evicted := 0
	var mu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if r.Evict(ctx, id, reason) {
				mu.Lock()
				evicted++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return evicted
}

// ActiveConnections recounts registered connections.
func (r *Registry) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ActiveSessions recounts non-terminal sessions across all connections.
func (r *Registry) ActiveSessions() int {
	n := 0
	for _, conn := range r.connections() {
		n += conn.Manager.ActiveSessions()
	}
	return n
}

// Snapshot lists registered connections ordered by admission time.
func (r *Registry) Snapshot() []Info {
	conns := r.connections()
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})

	infos := make([]Info, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, Info{
			ID:          conn.ID,
			SubjectID:   conn.SubjectID,
			Tier:        conn.Tier,
			ConnectedAt: conn.ConnectedAt,
			Sessions:    conn.Manager.Snapshot(),
		})
	}
	return infos
}

func (r *Registry) connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
