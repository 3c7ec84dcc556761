package policy

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines the per-connection limits applied based on the subject's tier.
type Policy struct {
	Tier             string   `json:"tier"`
	MaxVoiceSessions int      `json:"max_voice_sessions"`
	MaxTextSessions  int      `json:"max_text_sessions"`
	VideoFrameRate   int      `json:"video_frame_rate"`
	AudioQueueDepth  int      `json:"audio_queue_depth"`
	MaxMemoryItems   int      `json:"max_memory_items"`
	DecayExempt      []string `json:"decay_exempt"`
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

// Tier policies. Free is the fallback for unknown tiers.
var (
	FreePolicy = Policy{
		Tier:             "free",
		MaxVoiceSessions: 1,
		MaxTextSessions:  1,
		VideoFrameRate:   5,
		AudioQueueDepth:  32,
		MaxMemoryItems:   200,
	}

	PremiumPolicy = Policy{
		Tier:             "premium",
		MaxVoiceSessions: 1,
		MaxTextSessions:  1,
		VideoFrameRate:   15,
		AudioQueueDepth:  64,
		MaxMemoryItems:   2000,
		DecayExempt:      []string{"profile/**"},
	}

	EnterprisePolicy = Policy{
		Tier:             "enterprise",
		MaxVoiceSessions: 1,
		MaxTextSessions:  1,
		VideoFrameRate:   30,
		AudioQueueDepth:  128,
		MaxMemoryItems:   10000,
		DecayExempt:      []string{"profile/**", "pinned/**"},
	}
)

// ForTier returns the policy for a tier name. Unknown tiers get FreePolicy.
func ForTier(tier string) Policy {
	switch tier {
	case "premium":
		return PremiumPolicy
	case "enterprise":
		return EnterprisePolicy
	default:
		return FreePolicy
	}
}

// Limits enforces a policy.
type Limits struct {
	policy Policy
}

func New(p Policy) *Limits {
	return &Limits{policy: p}
}

// Policy returns the current policy configuration.
func (l *Limits) Policy() Policy {
	return l.policy
}

// MaxSessions returns the concurrent session cap for a session kind.
// Unknown kinds get zero, which rejects the start.
func (l *Limits) MaxSessions(kind string) int {
	switch kind {
	case "voice":
		return l.policy.MaxVoiceSessions
	case "text":
		return l.policy.MaxTextSessions
	}
	return 0
}

// CheckSessionStart verifies that starting another session of the given kind
// stays within the tier cap. active is the number of non-terminal sessions of
// that kind already owned by the connection.
func (l *Limits) CheckSessionStart(kind string, active int) *Violation {
	if active >= l.MaxSessions(kind) {
		return &Violation{Rule: "max_" + kind + "_sessions", Message: "Session limit reached for kind: " + kind, Fatal: false}
	}
	return nil
}

// CheckMemoryBudget verifies that the subject can store another memory item.
func (l *Limits) CheckMemoryBudget(count int) *Violation {
	if l.policy.MaxMemoryItems > 0 && count >= l.policy.MaxMemoryItems {
		return &Violation{Rule: "max_memory_items", Message: "Memory item budget exceeded", Fatal: false}
	}
	return nil
}

// DecayExempt reports whether a memory category is excluded from confidence
// decay under this policy.
func (l *Limits) DecayExempt(category string) bool {
	for _, pattern := range l.policy.DecayExempt {
		match, err := doublestar.Match(pattern, category)
		if err == nil && match {
			return true
		}
	}
	return false
}
