package memory

import (
	"math"
	"time"
)

// ClampConfidence bounds a confidence value to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ReinforceConfidence strengthens a confidence value by the given rate of its
// remaining headroom: c' = c + (1-c)*rate. The result never decreases and
// saturates at 1.
func ReinforceConfidence(c, rate float64) float64 {
	c = ClampConfidence(c)
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return ClampConfidence(c + (1-c)*rate)
}

// DecayConfidence applies exponential half-life decay over the elapsed
// duration. The exponentiation happens in Go because the sqlite driver ships
// no pow() function.
func DecayConfidence(c float64, elapsed, halfLife time.Duration) float64 {
	c = ClampConfidence(c)
	if elapsed <= 0 || halfLife <= 0 {
		return c
	}
	return ClampConfidence(c * math.Pow(0.5, elapsed.Hours()/halfLife.Hours()))
}

// effectiveAt is the confidence of a value anchored at the last
// reinforcement, observed at now.
func effectiveAt(stored float64, anchor, now time.Time, halfLife time.Duration) float64 {
	if now.Before(anchor) {
		return ClampConfidence(stored)
	}
	return DecayConfidence(stored, now.Sub(anchor), halfLife)
}

// effectiveConfidence is effectiveAt with the category exemption applied:
// exempt categories hold their stored confidence indefinitely.
func (p Params) effectiveConfidence(category string, stored float64, anchor, now time.Time) float64 {
	if p.Exempt(category) {
		return ClampConfidence(stored)
	}
	return effectiveAt(stored, anchor, now, p.HalfLife)
}
