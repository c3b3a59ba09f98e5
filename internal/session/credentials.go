package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// APIKeyPrefix is the prefix every classification API credential carries.
const APIKeyPrefix = "sk-"

var (
	ErrEmptyAPIKey     = errors.New("api key is empty")
	ErrAPIKeyPrefix    = errors.New("api key must start with " + APIKeyPrefix)
	ErrMalformedTokens = errors.New("malformed token bundle")
)

// ValidateAPIKey checks a credential typed at login.
func ValidateAPIKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyAPIKey
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return ErrAPIKeyPrefix
	}
	return nil
}

// TokenBundle is the OAuth payload handed over by the provider redirect. Raw
// keeps the JSON exactly as received so fields oauth2.Token does not model
// (scope, id_token) survive storage.
type TokenBundle struct {
	Raw   json.RawMessage
	Token *oauth2.Token
}

func (b TokenBundle) AccessToken() string {
	if b.Token == nil {
		return ""
	}
	return b.Token.AccessToken
}

// Expired reports whether the bundle carries an expiry that has passed. The
// backend stays the authority; an expired bundle is still sent.
func (b TokenBundle) Expired() bool {
	return b.Token != nil && b.Token.AccessToken != "" && !b.Token.Valid()
}

// ParseTokenBundle decodes a stored or redirected bundle. The bundle must be a
// JSON object with a non-empty access_token.
func ParseTokenBundle(raw string) (TokenBundle, error) {
	data := []byte(strings.TrimSpace(raw))
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return TokenBundle{}, fmt.Errorf("%w: %v", ErrMalformedTokens, err)
	}
	var access string
	if v, ok := fields["access_token"]; ok {
		if err := json.Unmarshal(v, &access); err != nil {
			return TokenBundle{}, fmt.Errorf("%w: access_token: %v", ErrMalformedTokens, err)
		}
	}
	if access == "" {
		return TokenBundle{}, fmt.Errorf("%w: missing access_token", ErrMalformedTokens)
	}

	tok := &oauth2.Token{AccessToken: access}
	// expiry_date is milliseconds since the epoch.
	if v, ok := fields["expiry_date"]; ok {
		var ms float64
		if err := json.Unmarshal(v, &ms); err == nil && ms > 0 {
			tok.Expiry = time.UnixMilli(int64(ms))
		}
	}
	return TokenBundle{Raw: json.RawMessage(data), Token: tok}, nil
}

// ParseRedirectTokens decodes the value of the redirect's tokens parameter.
// The query layer has already unescaped it once; the provider escapes the
// JSON before putting it in the URL, so it is unescaped a second time.
func ParseRedirectTokens(param string) (TokenBundle, error) {
	decoded, err := url.PathUnescape(param)
	if err != nil {
		return TokenBundle{}, fmt.Errorf("%w: %v", ErrMalformedTokens, err)
	}
	return ParseTokenBundle(decoded)
}
