package secret

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoTokens is returned when sealing an empty token set.
var ErrNoTokens = errors.New("no access token present")

// AuthTokens holds the gateway session tokens.
type AuthTokens struct {
	Access    *String   `json:"access_token" yaml:"access_token"`
	Refresh   *String   `json:"refresh_token" yaml:"refresh_token"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// NewAuthTokens builds a token set from plaintext values.
func NewAuthTokens(access, refresh string, expiresAt time.Time) *AuthTokens {
	return &AuthTokens{
		Access:    New(access),
		Refresh:   New(refresh),
		ExpiresAt: expiresAt,
	}
}

// Expired reports whether the access token is past its expiry at now.
// A zero expiry never expires.
func (t *AuthTokens) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// Wipe wipes both tokens.
func (t *AuthTokens) Wipe() {
	if t == nil {
		return
	}
	t.Access.Wipe()
	t.Refresh.Wipe()
}

// sealedTokens is the plaintext record that only ever exists inside the
// secret store's encryption boundary.
type sealedTokens struct {
	Access    string    `json:"a"`
	Refresh   string    `json:"r"`
	ExpiresAt time.Time `json:"e"`
}

// MarshalSealed serializes the tokens with plaintext contents. The result
// must be encrypted immediately and then zeroed with Zero.
func (t *AuthTokens) MarshalSealed() ([]byte, error) {
	if t == nil || t.Access.IsEmpty() {
		return nil, ErrNoTokens
	}
	return json.Marshal(sealedTokens{
		Access:    t.Access.Reveal(),
		Refresh:   t.Refresh.Reveal(),
		ExpiresAt: t.ExpiresAt.UTC(),
	})
}

// UnmarshalSealed is the inverse of MarshalSealed.
func UnmarshalSealed(data []byte) (*AuthTokens, error) {
	var rec sealedTokens
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	if rec.Access == "" {
		return nil, ErrNoTokens
	}
	return NewAuthTokens(rec.Access, rec.Refresh, rec.ExpiresAt), nil
}
