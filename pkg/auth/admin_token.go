// Package auth issues and validates the bearer tokens of the admin API.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	ScopeEvents  = "events"
	ScopeDigests = "digests"
	ScopeReports = "reports"
	ScopeStats   = "stats"
)

// AllScopes is granted when a token is issued without explicit scopes.
var AllScopes = []string{ScopeEvents, ScopeDigests, ScopeReports, ScopeStats}

type AdminClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	now        func() time.Time
}

func NewTokenManager(signingKey []byte, ttl time.Duration, issuer string) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if issuer == "" {
		issuer = "pathfinder"
	}
	return &TokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer, now: time.Now}
}

func (m *TokenManager) Generate(subject string, scopes ...string) (string, error) {
	if len(m.signingKey) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	if len(scopes) == 0 {
		scopes = AllScopes
	}
	now := m.now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   subject,
			Issuer:    m.issuer,
		},
		Scope: strings.Join(scopes, ","),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Validate(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (c *AdminClaims) HasScope(required string) bool {
	scopes := strings.Split(c.Scope, ",")
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}
