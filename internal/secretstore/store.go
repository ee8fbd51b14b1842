// Package secretstore persists session tokens in a single encrypted file
// bound to the current machine.
//
// File layout:
//
//	magic "KGSS" | version (1 byte) | key ID (16 bytes) | nonce (24 bytes) | ciphertext
//
// The key ID names the master key entry in the system keyring. The file key
// is HKDF-SHA256(master key, salt = machine ID, info = "knockgate session v1"),
// and the header is authenticated as additional data.
package secretstore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/fileutil"
	"github.com/shini4i/knockgate/internal/keyring"
	"github.com/shini4i/knockgate/internal/secret"
)

const (
	formatVersion byte = 1
	hkdfInfo           = "knockgate session v1"
	keyIDSize          = 16
	headerSize         = len(magic) + 1 + keyIDSize
)

const magic = "KGSS"

var (
	// ErrNoSession is returned by LoadStrict when no session file exists.
	ErrNoSession = errors.New("no saved session")
	// ErrCorrupt is returned when the session file is malformed or fails
	// authentication.
	ErrCorrupt = errors.New("session file is corrupt")
	// ErrNoMachineID is returned when no machine identifier is available.
	ErrNoMachineID = errors.New("machine ID unavailable")
)

// MachineIDFiles are read in order for the machine binding salt.
var MachineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Store is the encrypted token store.
type Store struct {
	path      string
	keys      keyring.Store
	machineID func() ([]byte, error)
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMachineID overrides the machine ID source.
func WithMachineID(fn func() ([]byte, error)) Option {
	return func(s *Store) { s.machineID = fn }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store writing to path with master keys kept in keys.
func New(path string, keys keyring.Store, opts ...Option) *Store {
	s := &Store{
		path:      path,
		keys:      keys,
		machineID: readMachineID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the session file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a session file is present.
func (s *Store) Exists() bool {
	_, err := os.Lstat(s.path)
	return err == nil
}

func readMachineID() ([]byte, error) {
	for _, path := range MachineIDFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return []byte(id), nil
		}
	}
	return nil, ErrNoMachineID
}

func (s *Store) deriveKey(master *secret.String) ([]byte, error) {
	salt, err := s.machineID()
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	err = master.Use(func(b []byte) error {
		_, err := io.ReadFull(hkdf.New(sha256.New, b, salt, []byte(hkdfInfo)), key)
		return err
	})
	if err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("derive file key: %w", err)
	}
	return key, nil
}

// Store encrypts tokens and replaces the session file. Each call rotates the
// master key. Errors are classified as apperr.KindStorage.
func (s *Store) Store(tokens *secret.AuthTokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := tokens.MarshalSealed()
	if err != nil {
		return apperr.Storage("store session", err)
	}
	defer secret.Zero(plaintext)

	previous, _ := s.readKeyID()

	id, master, err := keyring.NewMasterKey(s.keys)
	if err != nil {
		return apperr.Storage("store session", fmt.Errorf("create master key: %w", err))
	}
	defer master.Wipe()

	blob, err := s.seal(id, master, plaintext)
	if err != nil {
		_ = s.keys.Delete(id.String())
		return apperr.Storage("store session", err)
	}
	if err := fileutil.AtomicWrite(s.path, blob, 0600); err != nil {
		_ = s.keys.Delete(id.String())
		return apperr.Storage("store session", fmt.Errorf("write session file: %w", err))
	}

	if previous != uuid.Nil && previous != id {
		if err := s.keys.Delete(previous.String()); err != nil {
			slog.Warn("Failed to delete previous session key", "error", err)
		}
	}
	slog.Debug("Session stored", "path", s.path)
	return nil
}

func (s *Store) seal(id uuid.UUID, master *secret.String, plaintext []byte) ([]byte, error) {
	key, err := s.deriveKey(master)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	header := make([]byte, 0, headerSize)
	header = append(header, magic...)
	header = append(header, formatVersion)
	header = append(header, id[:]...)

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, header), nil
}

// LoadStrict decrypts the session file and reports every failure.
// Expired tokens are returned as ErrNoSession.
func (s *Store) LoadStrict() (*secret.AuthTokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, apperr.Storage("load session", fmt.Errorf("read session file: %w", err))
	}

	id, err := parseHeader(blob)
	if err != nil {
		return nil, apperr.Storage("load session", err)
	}
	master, err := keyring.MasterKey(s.keys, id)
	if err != nil {
		return nil, apperr.Storage("load session", fmt.Errorf("load master key: %w", err))
	}
	defer master.Wipe()

	plaintext, err := s.open(master, blob)
	if err != nil {
		return nil, apperr.Storage("load session", err)
	}
	defer secret.Zero(plaintext)

	tokens, err := secret.UnmarshalSealed(plaintext)
	if err != nil {
		return nil, apperr.Storage("load session", fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	if tokens.Expired(s.now()) {
		tokens.Wipe()
		return nil, ErrNoSession
	}
	return tokens, nil
}

// Load returns the saved tokens, or nil when there is no usable session.
// Read, decrypt and decode failures are logged and reported as no session
// so that a damaged file forces re-authentication instead of blocking
// startup.
func (s *Store) Load() (*secret.AuthTokens, error) {
	tokens, err := s.LoadStrict()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			slog.Warn("Saved session is unusable, re-authentication required", "error", err)
		}
		return nil, nil
	}
	return tokens, nil
}

func (s *Store) open(master *secret.String, blob []byte) ([]byte, error) {
	key, err := s.deriveKey(master)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(blob) < headerSize+aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorrupt
	}
	header := blob[:headerSize]
	nonce := blob[headerSize : headerSize+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, blob[headerSize+aead.NonceSize():], header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}

func parseHeader(blob []byte) (uuid.UUID, error) {
	if len(blob) < headerSize || !bytes.Equal(blob[:len(magic)], []byte(magic)) {
		return uuid.Nil, ErrCorrupt
	}
	if v := blob[len(magic)]; v != formatVersion {
		return uuid.Nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	id, err := uuid.FromBytes(blob[len(magic)+1 : headerSize])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return id, nil
}

func (s *Store) readKeyID() (uuid.UUID, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return uuid.Nil, err
	}
	return parseHeader(header)
}

// Clear overwrites the session file with zeros, removes it and deletes the
// master key from the keyring. Clearing an absent session is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := s.readKeyID()

	if err := fileutil.Shred(s.path); err != nil {
		return apperr.Storage("clear session", err)
	}
	if id != uuid.Nil {
		if err := s.keys.Delete(id.String()); err != nil {
			return apperr.Storage("clear session", fmt.Errorf("delete master key: %w", err))
		}
	}
	slog.Debug("Session cleared", "path", s.path)
	return nil
}
