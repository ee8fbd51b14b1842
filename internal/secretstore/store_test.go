package secretstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zkeyring "github.com/zalando/go-keyring"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/keyring"
	"github.com/shini4i/knockgate/internal/secret"
)

const (
	accessToken  = "access-token-0123456789"
	refreshToken = "refresh-token-9876543210"
)

// memKeys is an in-memory keyring.Store.
type memKeys struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newMemKeys() *memKeys {
	return &memKeys{values: make(map[string]string)}
}

func (m *memKeys) Save(id string, v *secret.String) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[id] = v.Reveal()
	return nil
}

func (m *memKeys) Get(id string) (*secret.String, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.values[id]
	if !ok {
		return nil, keyring.ErrCredentialNotFound
	}
	return secret.New(v), nil
}

func (m *memKeys) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, id)
	return nil
}

func (m *memKeys) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

func fixedMachineID(id string) Option {
	return WithMachineID(func() ([]byte, error) { return []byte(id), nil })
}

func newTestStore(t *testing.T, keys keyring.Store, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knockgate", "session.bin")
	return New(path, keys, append([]Option{fixedMachineID("machine-a")}, opts...)...)
}

func testTokens() *secret.AuthTokens {
	return secret.NewAuthTokens(accessToken, refreshToken, time.Now().Add(time.Hour))
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t, newMemKeys())
	require.NoError(t, s.Store(testTokens()))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, accessToken, loaded.Access.Reveal())
	assert.Equal(t, refreshToken, loaded.Refresh.Reveal())
}

func TestStore_FileIsEncryptedAndPrivate(t *testing.T) {
	s := newTestStore(t, newMemKeys())
	require.NoError(t, s.Store(testTokens()))

	blob, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(blob, []byte(magic)))
	assert.NotContains(t, string(blob), accessToken)
	assert.NotContains(t, string(blob), refreshToken)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStore_RotatesMasterKey(t *testing.T) {
	keys := newMemKeys()
	s := newTestStore(t, keys)

	require.NoError(t, s.Store(testTokens()))
	first, err := s.readKeyID()
	require.NoError(t, err)

	require.NoError(t, s.Store(testTokens()))
	second, err := s.readKeyID()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, keys.len(), "previous master key is deleted")
}

func TestStore_EmptyTokens(t *testing.T) {
	s := newTestStore(t, newMemKeys())

	err := s.Store(&secret.AuthTokens{})
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.False(t, s.Exists())
}

func TestClear_LeavesNoRecoverablePlaintext(t *testing.T) {
	keys := newMemKeys()
	s := newTestStore(t, keys)
	require.NoError(t, s.Store(testTokens()))

	// A hard link keeps the inode reachable so the overwrite can be observed.
	link := s.Path() + ".link"
	require.NoError(t, os.Link(s.Path(), link))
	size := fileSize(t, link)

	require.NoError(t, s.Clear())

	assert.False(t, s.Exists())
	assert.Zero(t, keys.len(), "master key is deleted")

	after, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, size), after, "file contents are zeroed before removal")

	loaded, err := s.Load()
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestClear_Absent(t *testing.T) {
	s := newTestStore(t, newMemKeys())
	assert.NoError(t, s.Clear())
}

func TestLoad_NoSession(t *testing.T) {
	s := newTestStore(t, newMemKeys())

	loaded, err := s.Load()
	assert.NoError(t, err)
	assert.Nil(t, loaded)

	_, err = s.LoadStrict()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLoad_FailuresDegradeToNoSession(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, s *Store, keys *memKeys)
		want   error
	}{
		{
			name: "tampered ciphertext",
			mutate: func(t *testing.T, s *Store, _ *memKeys) {
				blob, err := os.ReadFile(s.Path())
				require.NoError(t, err)
				blob[len(blob)-1] ^= 0xff
				require.NoError(t, os.WriteFile(s.Path(), blob, 0600))
			},
			want: ErrCorrupt,
		},
		{
			name: "tampered header",
			mutate: func(t *testing.T, s *Store, keys *memKeys) {
				blob, err := os.ReadFile(s.Path())
				require.NoError(t, err)
				blob[len(magic)] = 9
				require.NoError(t, os.WriteFile(s.Path(), blob, 0600))
			},
			want: ErrCorrupt,
		},
		{
			name: "truncated",
			mutate: func(t *testing.T, s *Store, _ *memKeys) {
				require.NoError(t, os.WriteFile(s.Path(), []byte("KG"), 0600))
			},
			want: ErrCorrupt,
		},
		{
			name: "master key missing",
			mutate: func(t *testing.T, _ *Store, keys *memKeys) {
				keys.mu.Lock()
				keys.values = map[string]string{}
				keys.mu.Unlock()
			},
			want: keyring.ErrCredentialNotFound,
		},
		{
			name: "keyring unavailable",
			mutate: func(t *testing.T, _ *Store, keys *memKeys) {
				keys.getErr = errors.New("dbus: no session bus")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := newMemKeys()
			s := newTestStore(t, keys)
			require.NoError(t, s.Store(testTokens()))

			tt.mutate(t, s, keys)

			_, err := s.LoadStrict()
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindStorage))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}

			loaded, err := s.Load()
			assert.NoError(t, err)
			assert.Nil(t, loaded)
		})
	}
}

func TestLoad_BoundToMachine(t *testing.T) {
	keys := newMemKeys()
	path := filepath.Join(t.TempDir(), "session.bin")

	require.NoError(t, New(path, keys, fixedMachineID("machine-a")).Store(testTokens()))

	_, err := New(path, keys, fixedMachineID("machine-b")).LoadStrict()
	assert.ErrorIs(t, err, ErrCorrupt)

	loaded, err := New(path, keys, fixedMachineID("machine-a")).Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded)
}

func TestLoad_ExpiredIsNoSession(t *testing.T) {
	s := newTestStore(t, newMemKeys(), WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) }))
	require.NoError(t, s.Store(testTokens()))

	_, err := s.LoadStrict()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStore_NoMachineID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.bin")
	s := New(path, newMemKeys(), WithMachineID(func() ([]byte, error) { return nil, ErrNoMachineID }))

	err := s.Store(testTokens())
	assert.ErrorIs(t, err, ErrNoMachineID)
	assert.False(t, s.Exists())
}

func TestStore_SystemKeyring(t *testing.T) {
	zkeyring.MockInit()

	s := newTestStore(t, keyring.NewSystemKeyring())
	require.NoError(t, s.Store(testTokens()))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, accessToken, loaded.Access.Reveal())

	id, err := s.readKeyID()
	require.NoError(t, err)
	require.NoError(t, s.Clear())

	_, err = keyring.MasterKey(keyring.NewSystemKeyring(), id)
	assert.ErrorIs(t, err, keyring.ErrCredentialNotFound)
}

func TestParseHeader(t *testing.T) {
	id := uuid.New()
	header := append([]byte(magic), formatVersion)
	header = append(header, id[:]...)

	got, err := parseHeader(header)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseHeader([]byte("XXXX"))
	assert.ErrorIs(t, err, ErrCorrupt)
}
