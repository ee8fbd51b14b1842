// Package keyring stores the session master key in the system keyring.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	zkeyring "github.com/zalando/go-keyring"

	"github.com/shini4i/knockgate/internal/secret"
)

// ServiceName is the identifier used for entries in the system keyring.
const ServiceName = "knockgate"

// MasterKeySize is the length of a generated master key in bytes.
const MasterKeySize = 32

var (
	// ErrCredentialNotFound is returned when an entry does not exist in the keyring.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrInvalidKeyID is returned when a key ID is not a valid UUID.
	ErrInvalidKeyID = errors.New("invalid key ID: must be a valid UUID")
	// ErrMalformedKey is returned when a stored master key cannot be decoded.
	ErrMalformedKey = errors.New("malformed master key")
)

// Store defines the interface for keyring operations.
type Store interface {
	// Save stores value under keyID.
	Save(keyID string, value *secret.String) error
	// Get retrieves the value stored under keyID.
	Get(keyID string) (*secret.String, error)
	// Delete removes the value stored under keyID.
	Delete(keyID string) error
}

// SystemKeyring implements Store using the system keyring.
type SystemKeyring struct{}

// NewSystemKeyring creates a new SystemKeyring instance.
func NewSystemKeyring() *SystemKeyring {
	return &SystemKeyring{}
}

// Save stores value for keyID in the system keyring.
func (s *SystemKeyring) Save(keyID string, value *secret.String) error {
	if err := validateKeyID(keyID); err != nil {
		return err
	}
	if err := zkeyring.Set(ServiceName, keyID, value.Reveal()); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get retrieves the value for keyID from the system keyring.
// Returns ErrCredentialNotFound if nothing is stored.
func (s *SystemKeyring) Get(keyID string) (*secret.String, error) {
	if err := validateKeyID(keyID); err != nil {
		return nil, err
	}
	value, err := zkeyring.Get(ServiceName, keyID)
	if err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to retrieve credential: %w", err)
	}
	return secret.New(value), nil
}

// Delete removes the value for keyID from the system keyring.
// This operation is idempotent.
func (s *SystemKeyring) Delete(keyID string) error {
	if err := validateKeyID(keyID); err != nil {
		return err
	}
	if err := zkeyring.Delete(ServiceName, keyID); err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func validateKeyID(keyID string) error {
	if _, err := uuid.Parse(keyID); err != nil {
		return ErrInvalidKeyID
	}
	return nil
}

// NewMasterKey generates a random master key, stores it under a fresh key
// ID and returns both. The caller owns the returned secret.
func NewMasterKey(store Store) (uuid.UUID, *secret.String, error) {
	raw := make([]byte, MasterKeySize)
	if _, err := rand.Read(raw); err != nil {
		return uuid.Nil, nil, fmt.Errorf("generate master key: %w", err)
	}
	key := secret.FromBytes(raw)

	encoded := make([]byte, base64.StdEncoding.EncodedLen(MasterKeySize))
	_ = key.Use(func(b []byte) error {
		base64.StdEncoding.Encode(encoded, b)
		return nil
	})
	enc := secret.FromBytes(encoded)
	defer enc.Wipe()

	id := uuid.New()
	if err := store.Save(id.String(), enc); err != nil {
		key.Wipe()
		return uuid.Nil, nil, err
	}
	return id, key, nil
}

// MasterKey loads the master key stored under id.
func MasterKey(store Store, id uuid.UUID) (*secret.String, error) {
	enc, err := store.Get(id.String())
	if err != nil {
		return nil, err
	}
	defer enc.Wipe()

	var key *secret.String
	err = enc.Use(func(b []byte) error {
		raw := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
		n, err := base64.StdEncoding.Decode(raw, b)
		if err != nil || n != MasterKeySize {
			secret.Zero(raw)
			return ErrMalformedKey
		}
		key = secret.FromBytes(raw[:n])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}
