package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/aria/internal/engine"
	"github.com/felixgeelhaar/aria/internal/identity"
	"github.com/felixgeelhaar/aria/internal/memory"
	"github.com/felixgeelhaar/aria/internal/session"
	"github.com/felixgeelhaar/aria/internal/throttle"
)

// Inbound message types.
const (
	msgStartVoiceSession = "start_voice_session"
	msgStartTextSession  = "start_text_session"
	msgTextAction        = "text_action"
	msgVoiceContent      = "voice_content"
	msgAudio             = "audio"
	msgVideo             = "video"
	msgStopVoiceSession  = "stop_voice_session"
	msgStopTextSession   = "stop_text_session"
)

// clientMessage is one inbound frame. Binary payloads ride base64 in Data.
type clientMessage struct {
	Type     string `json:"type"`
	Action   string `json:"action,omitempty"`
	Text     string `json:"text,omitempty"`
	Selected string `json:"selected,omitempty"`
	Data     string `json:"data,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
}

// decodeFrame turns an inbound media message into an engine frame.
func decodeFrame(kind engine.FrameKind, msg clientMessage) (engine.Frame, error) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return engine.Frame{}, fmt.Errorf("%s payload is not base64", kind)
	}
	return engine.Frame{Kind: kind, Seq: msg.Seq, Data: data}, nil
}

// encodeOutbound flattens a session message into the wire envelope. Fields
// merge into the top level, so an error carries {type, kind, detail} and a
// text result carries {type, usage}.
func encodeOutbound(msg session.Outbound) map[string]interface{} {
	out := map[string]interface{}{"type": msg.Kind}
	if msg.SessionID != "" {
		out["session_id"] = msg.SessionID
	}
	if msg.SessionKind != "" {
		out["session_kind"] = msg.SessionKind
	}
	if msg.Text != "" {
		out["text"] = msg.Text
	}
	if len(msg.Data) > 0 {
		out["data"] = base64.StdEncoding.EncodeToString(msg.Data)
	}
	for k, v := range msg.Fields {
		out[k] = v
	}
	return out
}

// Wire error kinds with no sentinel behind them.
const (
	kindMalformedMessage = "malformed_message"
	kindUnknownMessage   = "unknown_message"
	kindInternal         = "internal"
)

// errorKind maps sentinel errors onto wire error kinds.
func errorKind(err error) string {
	switch {
	case errors.Is(err, identity.ErrExpired):
		return "auth_expired"
	case errors.Is(err, identity.ErrMalformed):
		return "auth_malformed"
	case errors.Is(err, identity.ErrRevoked):
		return "auth_revoked"
	case errors.Is(err, session.ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, session.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, session.ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, throttle.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, memory.ErrNotFound):
		return "memory_not_found"
	case errors.Is(err, memory.ErrUnavailable):
		return "memory_unavailable"
	default:
		return kindInternal
	}
}
