// Package auth resolves the identity behind a realtime connection from a
// signed, time-limited HS256 token.
//
// Two kinds of token share one secret and are told apart by their audience.
// Session tokens authenticate the REST surface and can be exchanged for a
// realtime token. Realtime tokens only open websocket connections.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for a missing, expired, malformed or
// wrongly signed credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Token audiences.
const (
	AudienceSession  = "session"
	AudienceRealtime = "realtime"
)

// SessionTTL is the lifetime of a session token.
const SessionTTL = 7 * 24 * time.Hour

// Identity is the authenticated principal of a connection. It is resolved
// once at handshake time and never changes afterwards.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
}

// Claims is the token payload shared with the REST layer's session cookie.
type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	jwtlib.RegisteredClaims
}

// Authenticator issues and verifies tokens with one HMAC secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. A non-positive ttl falls back to
// one hour.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a realtime token for the identity that expires after the
// configured TTL.
func (a *Authenticator) Issue(id Identity) (string, time.Time, error) {
	return a.issue(id, AudienceRealtime, a.ttl)
}

// IssueSession signs a session token for the identity, valid for SessionTTL.
func (a *Authenticator) IssueSession(id Identity) (string, time.Time, error) {
	return a.issue(id, AudienceSession, SessionTTL)
}

func (a *Authenticator) issue(id Identity, audience string, ttl time.Duration) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(ttl)

	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Audience:  jwtlib.ClaimStrings{audience},
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature, expiry and realtime audience of a token and
// returns the identity it carries. Every failure is reported as
// ErrUnauthenticated.
func (a *Authenticator) Verify(token string) (Identity, error) {
	return a.verify(token, AudienceRealtime)
}

// VerifySession is Verify for session tokens.
func (a *Authenticator) VerifySession(token string) (Identity, error) {
	return a.verify(token, AudienceSession)
}

func (a *Authenticator) verify(token, audience string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	var claims Claims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		// Only the HMAC family is accepted.
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwtlib.WithExpirationRequired(), jwtlib.WithAudience(audience), jwtlib.WithTimeFunc(a.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}

	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
