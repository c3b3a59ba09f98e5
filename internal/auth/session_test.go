package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	m, err := New("secret", time.Hour)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	id, token := m.NewSession(now)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	got, err := m.Parse(token, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseRejects(t *testing.T) {
	m, err := New("secret", time.Hour)
	require.NoError(t, err)
	other, err := New("other", time.Hour)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	id := uuid.NewString()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"not base64", "***", ErrInvalidToken},
		{"wrong shape", base64.RawURLEncoding.EncodeToString([]byte("a|b")), ErrInvalidToken},
		{"other secret", other.Issue(id, now), ErrInvalidToken},
		{"not a uuid", m.Issue("someone@example.com", now), ErrInvalidToken},
		{"expired", m.Issue(id, now.Add(-2*time.Hour)), ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Parse(tt.token, now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGeneratedSecret(t *testing.T) {
	a, err := New("", time.Hour)
	require.NoError(t, err)
	b, err := New("  ", time.Hour)
	require.NoError(t, err)
	now := time.Now()

	_, token := a.NewSession(now)
	_, err = b.Parse(token, now)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "inboxsort_session", a.CookieName())
	assert.Equal(t, time.Hour, a.MaxAge())
}
