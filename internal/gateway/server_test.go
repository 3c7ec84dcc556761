package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/felixgeelhaar/aria/internal/identity"
	"github.com/felixgeelhaar/aria/internal/memory"
	"github.com/felixgeelhaar/aria/internal/session"
	"github.com/felixgeelhaar/aria/internal/throttle"
)

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestAuth_RegisterAndLogin(t *testing.T) {
	g := newTestGateway(t)
	base := g.ts.URL + "/v1/auth"

	resp := postJSON(t, base+"/register", map[string]string{
		"username": "ada",
		"password": "correct-horse-battery",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	if created["tier"] != "free" {
		t.Errorf("tier = %v, want free", created["tier"])
	}
	subject, _ := created["subject_id"].(string)
	token, _ := created["token"].(string)
	if subject == "" || token == "" {
		t.Fatalf("register payload incomplete: %v", created)
	}
	if _, ok := created["expires_at"]; !ok {
		t.Error("register payload missing expires_at")
	}
	if ident, err := g.gate.Verify(token); err != nil || ident.SubjectID != subject {
		t.Errorf("registered token did not verify: %v", err)
	}

	t.Run("duplicate username", func(t *testing.T) {
		resp := postJSON(t, base+"/register", map[string]string{
			"username": "ada",
			"password": "another-long-password",
		})
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
		if body := decodeBody(t, resp); body["error_kind"] != "user_exists" {
			t.Errorf("error_kind = %v, want user_exists", body["error_kind"])
		}
	})

	t.Run("short password", func(t *testing.T) {
		resp := postJSON(t, base+"/register", map[string]string{
			"username": "bob",
			"password": "short",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("login", func(t *testing.T) {
		resp := postJSON(t, base+"/login", map[string]string{
			"username": "ada",
			"password": "correct-horse-battery",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("login status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body["subject_id"] != subject {
			t.Errorf("subject_id = %v, want %v", body["subject_id"], subject)
		}
		if tok, _ := body["token"].(string); tok == "" {
			t.Error("login returned no token")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := postJSON(t, base+"/login", map[string]string{
			"username": "ada",
			"password": "not-the-password",
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		if body := decodeBody(t, resp); body["error_kind"] != "invalid_credentials" {
			t.Errorf("error_kind = %v, want invalid_credentials", body["error_kind"])
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		resp := postJSON(t, base+"/login", map[string]string{
			"username": "nobody",
			"password": "whatever-it-is",
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})
}

func TestAuth_VerifyAndCheckRefresh(t *testing.T) {
	g := newTestGateway(t)
	base := g.ts.URL + "/v1/auth"
	token := g.issue(t, "subj-verify")

	resp := getWithToken(t, base+"/verify", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["subject_id"] != "subj-verify" || body["tier"] != "free" {
		t.Errorf("verify payload = %v", body)
	}

	resp = getWithToken(t, base+"/verify", "garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("verify garbage status = %d, want 401", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error_kind"] != "auth_malformed" {
		t.Errorf("error_kind = %v, want auth_malformed", body["error_kind"])
	}

	t.Run("check-refresh", func(t *testing.T) {
		resp := getWithToken(t, base+"/check-refresh", token)
		body := decodeBody(t, resp)
		if body["needs_refresh"] != false || body["reason"] != "valid" {
			t.Errorf("fresh token: %v, want needs_refresh=false reason=valid", body)
		}

		resp = getWithToken(t, base+"/check-refresh", "garbage")
		body = decodeBody(t, resp)
		if body["needs_refresh"] != true || body["reason"] != "invalid_token" {
			t.Errorf("garbage token: %v, want needs_refresh=true reason=invalid_token", body)
		}

		// Move into the final fifth of the token's lifetime.
		g.gate.SetClock(func() time.Time { return time.Now().Add(11 * time.Hour) })
		defer g.gate.SetClock(time.Now)
		resp = getWithToken(t, base+"/check-refresh", token)
		body = decodeBody(t, resp)
		if body["needs_refresh"] != true || body["reason"] != "expiring_soon" {
			t.Errorf("aging token: %v, want needs_refresh=true reason=expiring_soon", body)
		}
	})
}

func TestAuth_RefreshAndLogout(t *testing.T) {
	g := newTestGateway(t)
	base := g.ts.URL + "/v1/auth"
	token := g.issue(t, "subj-refresh")

	resp := postJSON(t, base+"/refresh", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh without token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	refreshed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	defer refreshed.Body.Close()
	if refreshed.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", refreshed.StatusCode)
	}
	var body struct {
		SubjectID string    `json:"subject_id"`
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(refreshed.Body).Decode(&body); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if body.SubjectID != "subj-refresh" || body.Token == "" {
		t.Fatalf("refresh payload incomplete: %+v", body)
	}

	old, err := g.gate.Verify(token)
	if err != nil {
		t.Fatalf("old token should stay valid until expiry: %v", err)
	}
	if !body.ExpiresAt.After(old.ExpiresAt) {
		t.Errorf("refreshed expiry %v not after original %v", body.ExpiresAt, old.ExpiresAt)
	}

	t.Run("logout revokes", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, base+"/logout", nil)
		req.Header.Set("Authorization", "Bearer "+body.Token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("logout: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("logout status = %d, want 200", resp.StatusCode)
		}

		check := getWithToken(t, g.ts.URL+"/v1/auth/verify", body.Token)
		if check.StatusCode != http.StatusUnauthorized {
			t.Fatalf("verify after logout status = %d, want 401", check.StatusCode)
		}
		if b := decodeBody(t, check); b["error_kind"] != "auth_revoked" {
			t.Errorf("error_kind = %v, want auth_revoked", b["error_kind"])
		}
	})
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusz_RecountsLiveState(t *testing.T) {
	g := newTestGateway(t)

	first := g.dial(t, g.issue(t, "subj-a"))
	readWire(t, first)
	second := g.dial(t, g.issue(t, "subj-b"))
	readWire(t, second)

	sendWire(t, first, map[string]interface{}{"type": "start_text_session"})
	readWire(t, first)

	resp, err := http.Get(g.ts.URL + "/statusz")
	if err != nil {
		t.Fatalf("GET /statusz: %v", err)
	}
	defer resp.Body.Close()
	var st struct {
		Status            string         `json:"status"`
		ActiveConnections int            `json:"active_connections"`
		ActiveSessions    int            `json:"active_sessions"`
		SessionsByKind    map[string]int `json:"sessions_by_kind"`
		Connections       []struct {
			SubjectID string `json:"subject_id"`
			Sessions  []struct {
				Kind  string `json:"kind"`
				State string `json:"state"`
			} `json:"sessions"`
		} `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode statusz: %v", err)
	}
	if st.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", st.ActiveConnections)
	}
	if st.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", st.ActiveSessions)
	}
	if st.SessionsByKind["text"] != 1 || st.SessionsByKind["voice"] != 0 {
		t.Errorf("sessions_by_kind = %v", st.SessionsByKind)
	}
	if len(st.Connections) != 2 {
		t.Fatalf("connections = %d, want 2", len(st.Connections))
	}

	first.Close()
	second.Close()
	waitFor(t, "recount after disconnect", func() bool {
		return g.reg.ActiveConnections() == 0
	})
}

func TestBearerToken(t *testing.T) {
	mk := func(header, query string) *http.Request {
		url := "http://gateway.local/ws"
		if query != "" {
			url += "?token=" + query
		}
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		return req
	}

	cases := []struct {
		name   string
		req    *http.Request
		expect string
	}{
		{"bearer header", mk("Bearer abc", ""), "abc"},
		{"lowercase scheme", mk("bearer abc", ""), "abc"},
		{"query param", mk("", "xyz"), "xyz"},
		{"header wins over query", mk("Bearer abc", "xyz"), "abc"},
		{"wrong scheme falls back", mk("Basic abc", "xyz"), "xyz"},
		{"empty", mk("", ""), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := bearerToken(tc.req); got != tc.expect {
				t.Errorf("bearerToken = %q, want %q", got, tc.expect)
			}
		})
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err    error
		expect string
	}{
		{identity.ErrExpired, "auth_expired"},
		{identity.ErrMalformed, "auth_malformed"},
		{identity.ErrRevoked, "auth_revoked"},
		{session.ErrDuplicateSession, "duplicate_session"},
		{fmt.Errorf("%w: text", session.ErrDuplicateSession), "duplicate_session"},
		{session.ErrSessionClosed, "session_closed"},
		{session.ErrAgentUnavailable, "agent_unavailable"},
		{throttle.ErrQueueFull, "queue_full"},
		{memory.ErrNotFound, "memory_not_found"},
		{memory.ErrUnavailable, "memory_unavailable"},
		{errors.New("anything else"), "internal"},
	}
	for _, tc := range cases {
		if got := errorKind(tc.err); got != tc.expect {
			t.Errorf("errorKind(%v) = %q, want %q", tc.err, got, tc.expect)
		}
	}
}

func TestEncodeOutbound(t *testing.T) {
	msg := session.Outbound{
		Kind:        session.MsgAudio,
		SessionID:   "sess-1",
		SessionKind: "voice",
		Data:        []byte{0x01, 0x02},
		Fields:      map[string]interface{}{"reason": "client_request"},
	}
	out := encodeOutbound(msg)
	if out["type"] != "audio" || out["session_id"] != "sess-1" || out["session_kind"] != "voice" {
		t.Errorf("envelope = %v", out)
	}
	if out["data"] != "AQI=" {
		t.Errorf("data = %v, want base64 AQI=", out["data"])
	}
	if out["reason"] != "client_request" {
		t.Errorf("fields not flattened: %v", out)
	}
}
