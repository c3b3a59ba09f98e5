// Package auth signs the session cookie. The cookie carries only an opaque
// session ID; credentials live server side.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	cookieName = "inboxsort_session"
)

var (
	ErrMissingToken = errors.New("missing session token")
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpired      = errors.New("session expired")
)

type Manager struct {
	secret []byte
	maxAge time.Duration
}

func New(secret string, maxAge time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Manager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *Manager) CookieName() string {
	return cookieName
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// NewSession returns a fresh session ID and its signed token.
func (m *Manager) NewSession(now time.Time) (string, string) {
	id := uuid.NewString()
	return id, m.Issue(id, now)
}

// Issue signs id with the issue time.
func (m *Manager) Issue(id string, now time.Time) string {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	payload := id + "|" + timestamp
	sig := m.sign(payload)
	token := payload + "|" + sig
	return base64.RawURLEncoding.EncodeToString([]byte(token))
}

// Parse verifies token and returns the session ID it carries.
func (m *Manager) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	payload := parts[0] + "|" + parts[1]
	if !m.verify(payload, parts[2]) {
		return "", ErrInvalidToken
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	issuedAt := time.Unix(timestamp, 0)
	if m.maxAge > 0 && now.Sub(issuedAt) > m.maxAge {
		return "", ErrExpired
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	return id.String(), nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
