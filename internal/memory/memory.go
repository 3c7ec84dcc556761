// Package memory implements long-term memory for subjects. Items carry an
// embedding and a confidence score that strengthens when reinforced and
// decays with time since the last reinforcement. Items falling below the
// prune floor are deactivated and, after a grace period, deleted.
package memory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("memory item not found")
	ErrUnavailable = errors.New("memory store unavailable")
)

const (
	// DefaultInitialConfidence is used when a caller does not provide one.
	DefaultInitialConfidence = 0.5
	// DefaultReinforceRate is the fraction of remaining headroom gained per
	// reinforcement.
	DefaultReinforceRate = 0.1
	// DefaultHalfLife halves confidence every thirty days without
	// reinforcement.
	DefaultHalfLife = 30 * 24 * time.Hour
	// DefaultPruneFloor deactivates items once effective confidence drops
	// below it.
	DefaultPruneFloor = 0.1
	// DefaultPruneGrace is how long a deactivated item can still be revived
	// by reinforcement before it is deleted for good.
	DefaultPruneGrace = 7 * 24 * time.Hour
	// DefaultMinConfidence filters search results.
	DefaultMinConfidence = 0.3
	// DefaultTopK caps search results.
	DefaultTopK = 5
)

// Item is one remembered fact belonging to a subject.
//
// Confidence is reported as the effective value at read time: the stored
// value anchored at LastReinforcedAt, decayed for the time elapsed since.
type Item struct {
	ID               string
	SubjectID        string
	Text             string
	Category         string
	Vector           []float32
	Confidence       float64
	CreatedAt        time.Time
	LastReinforcedAt time.Time
	AccessCount      int
	Active           bool
	PrunedAt         time.Time
	Similarity       float32
}

// Store is the long-term memory interface. Implementations serialize writes
// per item; reads may run concurrently.
type Store interface {
	// Remember stores a new item and returns its id. A confidence of zero
	// selects DefaultInitialConfidence; out-of-range values are clamped.
	Remember(ctx context.Context, subjectID, text, category string, confidence float64) (string, error)

	// Search returns up to topK active items of the subject ranked by cosine
	// similarity to the query, best first. Items below minConfidence are
	// excluded. Ties in similarity order more recently reinforced items
	// first. topK <= 0 selects DefaultTopK.
	Search(ctx context.Context, subjectID, query string, minConfidence float64, topK int) ([]Item, error)

	// Reinforce strengthens an item and resets its decay anchor. A
	// deactivated item still inside the grace period is revived. Returns the
	// new confidence.
	Reinforce(ctx context.Context, id string) (float64, error)

	// Decay deactivates the subject's items whose effective confidence has
	// fallen below the prune floor. Returns the number deactivated.
	Decay(ctx context.Context, subjectID string) (int, error)

	// Get returns an item by id, including deactivated ones still inside the
	// grace period.
	Get(ctx context.Context, id string) (*Item, error)

	// Forget removes an item immediately.
	Forget(ctx context.Context, id string) error

	// Count returns the number of active items the subject holds.
	Count(ctx context.Context, subjectID string) (int, error)

	// Sweep runs a global maintenance pass: decay across all subjects plus
	// deletion of deactivated items past the grace period. Returns the total
	// number of items affected.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// Embedder produces vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Params tunes the confidence lifecycle. Zero values select the defaults.
type Params struct {
	ReinforceRate float64
	HalfLife      time.Duration
	PruneFloor    float64
	PruneGrace    time.Duration

	// Exempt reports whether a category is excluded from decay.
	Exempt func(category string) bool
}

func (p Params) withDefaults() Params {
	if p.ReinforceRate <= 0 {
		p.ReinforceRate = DefaultReinforceRate
	}
	if p.HalfLife <= 0 {
		p.HalfLife = DefaultHalfLife
	}
	if p.PruneFloor <= 0 {
		p.PruneFloor = DefaultPruneFloor
	}
	if p.PruneGrace <= 0 {
		p.PruneGrace = DefaultPruneGrace
	}
	if p.Exempt == nil {
		p.Exempt = func(string) bool { return false }
	}
	return p
}
