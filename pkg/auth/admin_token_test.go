package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewTokenManager([]byte("secret"), time.Hour, "pathfinder")

	token, err := m.Generate("ops@example.com", ScopeStats)
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.True(t, claims.HasScope(ScopeStats))
	assert.False(t, claims.HasScope(ScopeReports))
}

func TestGenerateDefaultsToAllScopes(t *testing.T) {
	m := NewTokenManager([]byte("secret"), time.Hour, "")
	token, err := m.Generate("ops")
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	for _, scope := range AllScopes {
		assert.True(t, claims.HasScope(scope), scope)
	}
}

func TestValidateRejects(t *testing.T) {
	m := NewTokenManager([]byte("secret"), time.Hour, "pathfinder")
	token, err := m.Generate("ops")
	require.NoError(t, err)

	_, err = NewTokenManager([]byte("other"), time.Hour, "pathfinder").Validate(token)
	require.Error(t, err)

	_, err = NewTokenManager([]byte("secret"), time.Hour, "someone-else").Validate(token)
	require.Error(t, err)

	expired := NewTokenManager([]byte("secret"), time.Minute, "pathfinder")
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Generate("ops")
	require.NoError(t, err)
	_, err = m.Validate(old)
	require.Error(t, err)

	_, err = m.Validate("not-a-token")
	require.Error(t, err)

	_, err = NewTokenManager(nil, time.Hour, "").Generate("ops")
	require.Error(t, err)
}
