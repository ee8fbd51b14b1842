// Package secret provides in-memory handling for sensitive values such as
// knock keys, VPN passwords and session tokens.
//
// A String never prints, logs or serializes its contents through the default
// paths (fmt verbs, slog, encoding/json). The backing buffer is locked in RAM
// where the platform allows it and is zero-filled by Wipe.
package secret

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Redacted is the placeholder emitted instead of secret contents.
const Redacted = "[REDACTED]"

// String is a wipeable secret value. The zero value is an empty secret.
// A String must not be copied after first use; pass *String around.
type String struct {
	mu     sync.RWMutex
	buf    []byte
	locked bool
	wiped  bool
}

// New copies s into a new secret buffer.
// The caller's string cannot be wiped, so prefer FromBytes when the source
// is already a byte slice.
func New(s string) *String {
	return FromBytes([]byte(s))
}

// FromBytes takes ownership of b. The caller must not retain or modify b.
func FromBytes(b []byte) *String {
	s := &String{buf: b}
	if len(b) > 0 {
		// mlock is best-effort: it fails without CAP_IPC_LOCK once
		// RLIMIT_MEMLOCK is exhausted, and the value is still usable.
		if err := unix.Mlock(b); err == nil {
			s.locked = true
		}
	}
	return s
}

// Reveal returns the plaintext. Every call creates a new Go string that
// cannot be wiped, so keep its lifetime short.
func (s *String) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.buf)
}

// Bytes returns a copy of the plaintext. The caller should zero it when done.
func (s *String) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// Use calls fn with the backing buffer. fn must not retain the slice.
func (s *String) Use(fn func(b []byte) error) error {
	if s == nil {
		return fn(nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.buf)
}

// Len returns the length of the secret in bytes.
func (s *String) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

// IsEmpty reports whether the secret has no content.
func (s *String) IsEmpty() bool {
	return s.Len() == 0
}

// IsBlank reports whether the secret is empty or only whitespace.
func (s *String) IsBlank() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(bytes.TrimSpace(s.buf)) == 0
}

// Equal compares two secrets in constant time with respect to content.
func (s *String) Equal(other *String) bool {
	a, b := s.Bytes(), other.Bytes()
	defer Zero(a)
	defer Zero(b)
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// Clone returns an independent copy with its own wipeable buffer.
func (s *String) Clone() *String {
	return FromBytes(s.Bytes())
}

// Wipe zero-fills the backing buffer and releases it. Wipe is idempotent and
// safe to call on a nil receiver.
func (s *String) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}
	Zero(s.buf)
	if s.locked {
		_ = unix.Munlock(s.buf)
		s.locked = false
	}
	s.buf = nil
	s.wiped = true
}

// Wiped reports whether Wipe has been called.
func (s *String) Wiped() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wiped
}

// String implements fmt.Stringer and never reveals content.
func (s *String) String() string {
	return Redacted
}

// GoString implements fmt.GoStringer for %#v.
func (s *String) GoString() string {
	return "secret.String(" + Redacted + ")"
}

// Format keeps every fmt verb, including %x and %q, redacted.
func (s *String) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte(Redacted))
}

// LogValue implements slog.LogValuer.
func (s *String) LogValue() slog.Value {
	return slog.StringValue(Redacted)
}

// MarshalJSON emits the redaction placeholder. Secrets cross serialization
// boundaries only through explicit Reveal calls.
func (s *String) MarshalJSON() ([]byte, error) {
	return json.Marshal(Redacted)
}

// UnmarshalJSON accepts a plaintext JSON string, which is how user-supplied
// connection files and bootstrap bundles carry secrets.
func (s *String) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("secret must be a JSON string: %w", err)
	}
	return s.set([]byte(raw))
}

// UnmarshalYAML accepts a plaintext YAML scalar.
func (s *String) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return s.set([]byte(raw))
}

// MarshalYAML emits the redaction placeholder.
func (s *String) MarshalYAML() (any, error) {
	return Redacted, nil
}

func (s *String) set(b []byte) error {
	if strings.TrimSpace(string(b)) == Redacted {
		return fmt.Errorf("refusing to load redacted placeholder as a secret")
	}
	fresh := FromBytes(b)
	s.Wipe()
	s.mu.Lock()
	s.buf, s.locked, s.wiped = fresh.buf, fresh.locked, false
	s.mu.Unlock()
	return nil
}

// WithSecret runs fn and wipes s on every exit path, including panics.
func WithSecret(s *String, fn func(*String) error) error {
	defer s.Wipe()
	return fn(s)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
