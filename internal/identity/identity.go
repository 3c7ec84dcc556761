// Package identity issues and verifies the bearer tokens that gate access to
// the gateway. Tokens are HS256 JWTs carrying the subject id and tier. A
// revocation list keyed by subject and issuance time supports logout without
// invalidating the subject's other tokens.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTTL is the lifetime of an issued token.
	DefaultTTL = 12 * time.Hour
	// DefaultGrace is how long past expiry a token may still be refreshed.
	DefaultGrace = time.Hour
)

var (
	ErrExpired   = errors.New("token expired")
	ErrMalformed = errors.New("token malformed")
	ErrRevoked   = errors.New("token revoked")
)

// Identity is the verified subject carried by a token.
type Identity struct {
	SubjectID string
	Tier      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claims is the JWT payload. Tier rides alongside the registered claims.
type Claims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Gate issues, verifies, refreshes and revokes bearer tokens.
type Gate struct {
	secret []byte
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewGate creates a gate signing with the given secret.
func NewGate(secret []byte) *Gate {
	return &Gate{
		secret:  secret,
		ttl:     DefaultTTL,
		grace:   DefaultGrace,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// SetTTL overrides the token lifetime.
func (g *Gate) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		g.ttl = ttl
	}
}

// SetGrace overrides the post-expiry refresh window.
func (g *Gate) SetGrace(grace time.Duration) {
	if grace >= 0 {
		g.grace = grace
	}
}

// SetClock overrides the time source (for testing purposes).
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// TTL returns the configured token lifetime.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// Issue creates a new token for a subject. Issuing does not invalidate any
// token the subject already holds.
func (g *Gate) Issue(subjectID, tier string) (string, time.Time, error) {
	if subjectID == "" {
		return "", time.Time{}, fmt.Errorf("subject id required")
	}
	now := g.now()
	return g.issueAt(subjectID, tier, now, now.Add(g.ttl))
}

func (g *Gate) issueAt(subjectID, tier string, now, exp time.Time) (string, time.Time, error) {
	claims := &Claims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks a raw token and returns the identity it carries.
// Returns ErrExpired strictly after the expiry instant, ErrMalformed for
// anything unparseable or tampered, and ErrRevoked for logged-out tokens.
func (g *Gate) Verify(raw string) (*Identity, error) {
	claims, err := g.parse(raw, false)
	if err != nil {
		return nil, err
	}
	if g.isRevoked(claims) {
		return nil, ErrRevoked
	}
	return &Identity{
		SubjectID: claims.Subject,
		Tier:      claims.Tier,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// NeedsRefresh reports whether a token is inside the final fifth of its
// lifetime. The reason is one of "invalid_token", "expiring_soon" or "valid".
func (g *Gate) NeedsRefresh(raw string) (bool, string) {
	id, err := g.Verify(raw)
	if err != nil {
		return true, "invalid_token"
	}

	lifetime := id.ExpiresAt.Sub(id.IssuedAt)
	remaining := id.ExpiresAt.Sub(g.now())
	if remaining < lifetime/5 {
		return true, "expiring_soon"
	}
	return false, "valid"
}

// Refresh exchanges a token for a fresh one. The old token is accepted while
// valid and for the grace window after expiry; beyond that the subject must
// authenticate again. The old token is not revoked and stays usable until its
// own expiry. The new expiry is always strictly later than the old one.
func (g *Gate) Refresh(raw string) (string, time.Time, error) {
	claims, err := g.parse(raw, true)
	if err != nil {
		return "", time.Time{}, err
	}

	now := g.now()
	if now.After(claims.ExpiresAt.Time.Add(g.grace)) {
		return "", time.Time{}, ErrExpired
	}
	if g.isRevoked(claims) {
		return "", time.Time{}, ErrRevoked
	}

	exp := now.Add(g.ttl)
	if !exp.Truncate(time.Second).After(claims.ExpiresAt.Time) {
		exp = claims.ExpiresAt.Time.Add(time.Second)
	}
	return g.issueAt(claims.Subject, claims.Tier, now, exp)
}

// Revoke invalidates a specific token (logout). Other tokens held by the same
// subject are unaffected unless they share the issuance instant.
func (g *Gate) Revoke(raw string) error {
	claims, err := g.parse(raw, true)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.revoked[revocationKey(claims)] = claims.ExpiresAt.Time.Add(g.grace)
	g.mu.Unlock()
	return nil
}

// SweepRevoked drops revocation entries whose tokens can no longer be used or
// refreshed. Returns the number of entries removed.
func (g *Gate) SweepRevoked() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, until := range g.revoked {
		if now.After(until) {
			delete(g.revoked, key)
			removed++
		}
	}
	return removed
}

// parse validates signature and shape. With skipExpiry the expiry claim is not
// enforced, which the refresh and revoke paths need.
func (g *Gate) parse(raw string, skipExpiry bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return g.now() }),
	}
	if skipExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (g *Gate) isRevoked(claims *Claims) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.revoked[revocationKey(claims)]
	return ok
}

func revocationKey(claims *Claims) string {
	return claims.Subject + "|" + strconv.FormatInt(claims.IssuedAt.Unix(), 10)
}
