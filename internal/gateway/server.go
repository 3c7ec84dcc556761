// Package gateway is the composition root of the realtime surface: the
// WebSocket endpoint clients stream over, plus the HTTP side-channel for
// registration, token lifecycle and status.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/aria/internal/engine"
	"github.com/felixgeelhaar/aria/internal/events"
	"github.com/felixgeelhaar/aria/internal/identity"
	"github.com/felixgeelhaar/aria/internal/observe"
	"github.com/felixgeelhaar/aria/internal/policy"
	"github.com/felixgeelhaar/aria/internal/registry"
	"github.com/felixgeelhaar/aria/internal/session"
	"github.com/felixgeelhaar/aria/internal/store"
)

// shutdownGrace bounds the drain when Start's context is canceled.
const shutdownGrace = 5 * time.Second

// minPasswordLen applies at registration time only; existing hashes verify
// regardless.
const minPasswordLen = 8

// Server serves the streaming endpoint and the auth/status side-channel.
type Server struct {
	addr     string
	gate     *identity.Gate
	registry *registry.Registry
	users    store.Storage
	bus      *events.Bus
	obs      *observe.Observer

	router   chi.Router
	upgrader websocket.Upgrader
	http     *http.Server
	started  time.Time

	mu      sync.Mutex
	clients map[string]*wsClient
}

// New wires the route tree and the event subscriptions.
func New(addr string, gate *identity.Gate, reg *registry.Registry, users store.Storage, bus *events.Bus, obs *observe.Observer) *Server {
	s := &Server{
		addr:     addr,
		gate:     gate,
		registry: reg,
		users:    users,
		bus:      bus,
		obs:      obs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The bearer token gates the handshake, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
		clients: make(map[string]*wsClient),
	}
	s.routes()
	s.subscribe()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/statusz", s.handleStatus)
	r.Get("/ws", s.handleWS)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Get("/verify", s.handleVerify)
		r.Get("/check-refresh", s.handleCheckRefresh)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	s.router = r
}

// logRequests traces the side-channel. The WebSocket endpoint logs through
// its own lifecycle messages once hijacked.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.obs.Log().Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("elapsed_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}

// subscribe logs the event stream and relays audio backpressure to the
// affected client as a status message. Bus handlers run on the publisher's
// goroutine, so the relay must not block.
func (s *Server) subscribe() {
	if s.bus == nil {
		return
	}
	s.bus.SubscribeAll(func(ev events.Event) {
		s.obs.Log().Debug().
			Str("event", string(ev.Type)).
			Str("connection", ev.ConnectionID).
			Str("session", ev.SessionID).
			Msg("gateway event")
	})
	s.bus.Subscribe(events.AudioBackpressure, func(ev events.Event) {
		c := s.client(ev.ConnectionID)
		if c == nil {
			return
		}
		status := map[string]interface{}{
			"type":   session.MsgStatus,
			"status": "queue_full",
		}
		if seq, ok := ev.Data["seq"]; ok {
			status["seq"] = seq
		}
		c.trySend(status)
	})
}

func (s *Server) client(id string) *wsClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

// handleWS authenticates, upgrades and runs one client connection. The token
// travels in the token query parameter or an Authorization bearer header and
// is verified before the upgrade, so failures stay plain HTTP 401s.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if _, err := s.gate.Verify(token); err != nil {
		writeError(w, http.StatusUnauthorized, errorKind(err), "authentication failed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.obs.Log().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newWSClient(conn)
	entry, err := s.registry.Admit(token, c.sink())
	if err != nil {
		// Revocation can land between the pre-upgrade check and admission.
		b, _ := json.Marshal(map[string]interface{}{
			"type":   session.MsgError,
			"kind":   errorKind(err),
			"detail": "authentication failed",
		})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, b)
		conn.Close()
		return
	}
	c.id = entry.ID

	s.mu.Lock()
	s.clients[entry.ID] = c
	s.mu.Unlock()

	go c.writePump()
	_ = c.sendMessage(map[string]interface{}{
		"type":          "client_registered",
		"connection_id": entry.ID,
		"subject_id":    entry.SubjectID,
		"tier":          entry.Tier,
	})

	s.readPump(c, entry)

	s.registry.Evict(context.Background(), entry.ID, "connection_closed")
	s.mu.Lock()
	delete(s.clients, entry.ID)
	s.mu.Unlock()
	c.close()
}

// readPump dispatches inbound frames until the transport dies. Blocking
// session operations run on this goroutine, so a full action or audio queue
// backpressures the socket itself.
func (s *Server) readPump(c *wsClient, conn *registry.Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.obs.Log().Debug().Err(err).Str("connection", c.id).Msg("websocket read ended")
			}
			return
		}
		s.dispatch(ctx, c, conn.Manager, raw)
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsClient, mgr *session.Manager, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(kindMalformedMessage, "frame is not valid JSON")
		return
	}

	switch msg.Type {
	case msgStartVoiceSession:
		s.startSession(ctx, c, mgr, engine.KindVoice)
	case msgStartTextSession:
		s.startSession(ctx, c, mgr, engine.KindText)
	case msgStopVoiceSession:
		s.stopSession(ctx, c, mgr, engine.KindVoice)
	case msgStopTextSession:
		s.stopSession(ctx, c, mgr, engine.KindText)
	case msgTextAction:
		if err := mgr.TextAction(ctx, msg.Action, msg.Text, msg.Selected); err != nil {
			c.sendError(errorKind(err), err.Error())
		}
	case msgVoiceContent:
		if err := mgr.VoiceContent(ctx, msg.Text); err != nil {
			c.sendError(errorKind(err), err.Error())
		}
	case msgAudio:
		frame, err := decodeFrame(engine.FrameAudio, msg)
		if err != nil {
			c.sendError(kindMalformedMessage, err.Error())
			return
		}
		if err := mgr.SubmitAudio(ctx, frame); err != nil && ctx.Err() == nil {
			c.sendError(errorKind(err), err.Error())
		}
	case msgVideo:
		frame, err := decodeFrame(engine.FrameVideo, msg)
		if err != nil {
			c.sendError(kindMalformedMessage, err.Error())
			return
		}
		mgr.SubmitVideo(frame)
	default:
		c.sendError(kindUnknownMessage, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (s *Server) startSession(ctx context.Context, c *wsClient, mgr *session.Manager, kind string) {
	if _, err := mgr.Start(ctx, kind); err != nil {
		c.sendError(errorKind(err), err.Error())
	}
}

func (s *Server) stopSession(ctx context.Context, c *wsClient, mgr *session.Manager, kind string) {
	if err := mgr.Stop(ctx, kind, "client_request"); err != nil {
		c.sendError(errorKind(err), err.Error())
	}
}

// tokenResponse is the success payload of the auth side-channel.
type tokenResponse struct {
	SubjectID string    `json:"subject_id"`
	Tier      string    `json:"tier"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister creates an account and issues its first token. Accounts
// always start on the free tier; upgrades are an operator concern.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "body is not valid JSON")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "invalid_credentials",
			fmt.Sprintf("username and a password of at least %d characters are required", minPasswordLen))
		return
	}

	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		s.obs.Log().Error().Err(err).Msg("password hashing failed")
		writeError(w, http.StatusInternalServerError, kindInternal, "could not create user")
		return
	}
	user := &store.User{
		SubjectID:    uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		Tier:         policy.FreePolicy.Tier,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			writeError(w, http.StatusConflict, "user_exists", "username is taken")
			return
		}
		s.obs.Log().Error().Err(err).Msg("user creation failed")
		writeError(w, http.StatusInternalServerError, kindInternal, "could not create user")
		return
	}
	s.obs.Log().Info().Str("subject", user.SubjectID).Msg("user registered")
	s.issueFor(w, user, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "body is not valid JSON")
		return
	}
	user, err := s.users.GetUser(strings.TrimSpace(req.Username))
	// One failure shape regardless of which check failed.
	if err != nil || !user.Active || !identity.VerifyPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "username or password is wrong")
		return
	}
	s.issueFor(w, user, http.StatusOK)
}

func (s *Server) issueFor(w http.ResponseWriter, user *store.User, status int) {
	token, exp, err := s.gate.Issue(user.SubjectID, user.Tier)
	if err != nil {
		s.obs.Log().Error().Err(err).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, kindInternal, "could not issue token")
		return
	}
	writeJSON(w, status, tokenResponse{
		SubjectID: user.SubjectID,
		Tier:      user.Tier,
		Token:     token,
		ExpiresAt: exp,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ident, err := s.gate.Verify(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, errorKind(err), "token rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": ident.SubjectID,
		"tier":       ident.Tier,
		"issued_at":  ident.IssuedAt,
		"expires_at": ident.ExpiresAt,
	})
}

func (s *Server) handleCheckRefresh(w http.ResponseWriter, r *http.Request) {
	needs, reason := s.gate.NeedsRefresh(bearerToken(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"needs_refresh": needs,
		"reason":        reason,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, _, err := s.gate.Refresh(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, errorKind(err), "refresh rejected")
		return
	}
	ident, err := s.gate.Verify(token)
	if err != nil {
		s.obs.Log().Error().Err(err).Msg("refreshed token failed verification")
		writeError(w, http.StatusInternalServerError, kindInternal, "could not refresh token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		SubjectID: ident.SubjectID,
		Tier:      ident.Tier,
		Token:     token,
		ExpiresAt: ident.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Revoke(bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, errorKind(err), "logout rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports live totals, recomputed from the registry on every
// request.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.Snapshot()
	byKind := map[string]int{engine.KindVoice: 0, engine.KindText: 0}
	for _, conn := range conns {
		for _, sess := range conn.Sessions {
			byKind[sess.Kind]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"active_connections": s.registry.ActiveConnections(),
		"active_sessions":    s.registry.ActiveSessions(),
		"sessions_by_kind":   byKind,
		"connections":        conns,
	})
}

// Handler exposes the route tree for tests that mount it on their own
// listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is canceled, then drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Streamed responses hold the connection open; WebSocket writes carry
		// their own per-frame deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.http = srv

	errCh := make(chan error, 1)
	go func() {
		s.obs.Log().Info().Str("addr", s.addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown evicts every connection, closes their transports and stops the
// HTTP server. WebSocket connections are hijacked, so the registry drain has
// to happen here; http.Server.Shutdown does not wait for them.
func (s *Server) Shutdown(ctx context.Context) error {
	if n := s.registry.EvictAll(ctx, "server_shutdown"); n > 0 {
		s.obs.Log().Info().Int("connections", n).Msg("connections evicted for shutdown")
	}

	s.mu.Lock()
	open := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.close()
	}

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// bearerToken pulls the token from the Authorization header or the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]string{"error_kind": kind, "detail": detail})
}
