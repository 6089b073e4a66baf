package streamtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	issuer, err := NewIssuerWithRandomKey()
	require.NoError(t, err, "failed to create issuer")
	return issuer
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue("user-1", ScopeProjectEvents, "proj-42", 0)
	require.NoError(t, err)

	userID, err := issuer.Verify(token, ScopeProjectEvents, "proj-42")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifyRejectsScopeMismatch(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue("user-1", ScopeProjectEvents, "proj-42", time.Minute)
	require.NoError(t, err)

	// Same resource, wrong scope
	_, err = issuer.Verify(token, ScopeTestRunEvents, "proj-42")
	assert.ErrorIs(t, err, ErrScopeMismatch)

	// Same scope, wrong resource
	_, err = issuer.Verify(token, ScopeProjectEvents, "proj-43")
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue("user-1", ScopeTestRunEvents, "run-7", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = issuer.Verify(token, ScopeTestRunEvents, "run-7")
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t)
	other := newTestIssuer(t)

	token, err := other.Issue("user-1", ScopeTestCaseFiles, "case-9", time.Minute)
	require.NoError(t, err)

	_, err = issuer.Verify(token, ScopeTestCaseFiles, "case-9")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t)
	_, err := issuer.Verify("not-a-jwt", ScopeProjectEvents, "proj-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueRequiresAllBindings(t *testing.T) {
	issuer := newTestIssuer(t)

	_, err := issuer.Issue("", ScopeProjectEvents, "proj-1", 0)
	assert.Error(t, err, "empty user must be rejected")

	_, err = issuer.Issue("user-1", "", "proj-1", 0)
	assert.Error(t, err, "empty scope must be rejected")

	_, err = issuer.Issue("user-1", ScopeProjectEvents, "", 0)
	assert.Error(t, err, "empty resource must be rejected")
}

func TestDefaultTTLApplied(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue("user-1", ScopeProjectEvents, "proj-1", 0)
	require.NoError(t, err)

	claims, err := issuer.parseClaims(token)
	require.NoError(t, err)
	ttl := time.Until(claims.ExpiresAt.Time)
	assert.Greater(t, ttl, 55*time.Second)
	assert.LessOrEqual(t, ttl, DefaultTTL)
}
