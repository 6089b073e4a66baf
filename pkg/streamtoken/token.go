// Package streamtoken mints and verifies the short-lived capability
// tokens that authenticate streaming GET connections. Streaming
// endpoints cannot carry bearer headers, so the token travels in the
// query string; binding it to one scope and one resource id keeps the
// blast radius of a leaked token to a single stream for a short window.
package streamtoken

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid stream token")
	ErrExpiredToken  = errors.New("stream token has expired")
	ErrScopeMismatch = errors.New("stream token scope or resource mismatch")
)

// Scope identifies the single purpose a token is valid for.
type Scope string

const (
	ScopeProjectEvents Scope = "project-events"
	ScopeTestRunEvents Scope = "test-run-events"
	ScopeTestCaseFiles Scope = "test-case-files"
)

// DefaultTTL is the default token lifetime.
const DefaultTTL = 60 * time.Second

// Claims binds a user to exactly one scope and one resource id.
type Claims struct {
	UserID     string `json:"user_id"`
	Scope      Scope  `json:"scope"`
	ResourceID string `json:"resource_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies stream tokens with an HMAC secret.
type Issuer struct {
	secretKey []byte
}

// NewIssuer creates an Issuer with the given signing secret.
func NewIssuer(secretKey string) *Issuer {
	return &Issuer{secretKey: []byte(secretKey)}
}

// NewIssuerWithRandomKey creates an Issuer with an ephemeral secret.
// Tokens do not survive restarts, which matches their short lifetime.
func NewIssuerWithRandomKey() (*Issuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Issuer{secretKey: key}, nil
}

// Issue produces a signed token binding user, scope, resource and expiry.
// A non-positive ttl falls back to DefaultTTL.
func (i *Issuer) Issue(userID string, scope Scope, resourceID string, ttl time.Duration) (string, error) {
	if userID == "" || scope == "" || resourceID == "" {
		return "", fmt.Errorf("user, scope and resource are all required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	tokenID, err := generateTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		UserID:     userID,
		Scope:      scope,
		ResourceID: resourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Verify validates signature and expiry, then requires the embedded
// scope and resource id to exactly equal the expected ones. A token
// valid for one resource is rejected for any other, even before expiry.
// Returns the subject user id on success.
func (i *Issuer) Verify(tokenString string, expectedScope Scope, expectedResourceID string) (string, error) {
	claims, err := i.parseClaims(tokenString)
	if err != nil {
		return "", err
	}

	if claims.Scope != expectedScope || claims.ResourceID != expectedResourceID {
		return "", ErrScopeMismatch
	}
	if claims.UserID == "" {
		return "", ErrInvalidToken
	}

	return claims.UserID, nil
}

// parseClaims validates the signature and registered claims.
func (i *Issuer) parseClaims(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// generateTokenID generates a cryptographically random token ID
func generateTokenID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
