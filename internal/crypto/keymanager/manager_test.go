package keymanager

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/repository"
)

// fakeKeyStore mirrors the repository semantics: one active row per
// organization, rows never deleted.
type fakeKeyStore struct {
	rows []*repository.EncryptionKey
}

func (s *fakeKeyStore) Insert(_ context.Context, key *repository.EncryptionKey) error {
	for _, row := range s.rows {
		if row.OrganizationID == key.OrganizationID && row.IsActive {
			return apperrors.Conflict("organization already has an active encryption key")
		}
	}
	key.ID = fmt.Sprintf("key-%d", len(s.rows)+1)
	key.CreatedAt = time.Now().UTC()
	s.rows = append(s.rows, key)
	return nil
}

func (s *fakeKeyStore) Rotate(_ context.Context, next *repository.EncryptionKey) error {
	var active *repository.EncryptionKey
	for _, row := range s.rows {
		if row.OrganizationID == next.OrganizationID && row.IsActive {
			active = row
		}
	}
	if active == nil {
		return apperrors.NotFound("encryption_key", next.OrganizationID)
	}
	now := time.Now().UTC()
	active.IsActive = false
	active.RotatedAt = &now
	next.ID = fmt.Sprintf("key-%d", len(s.rows)+1)
	next.CreatedAt = now
	s.rows = append(s.rows, next)
	return nil
}

func (s *fakeKeyStore) GetActive(_ context.Context, organizationID string) (*repository.EncryptionKey, error) {
	for _, row := range s.rows {
		if row.OrganizationID == organizationID && row.IsActive {
			copy := *row
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *fakeKeyStore) GetByVersion(_ context.Context, organizationID string, version int) (*repository.EncryptionKey, error) {
	for _, row := range s.rows {
		if row.OrganizationID == organizationID && row.KeyVersion == version {
			copy := *row
			return &copy, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrCodeNotFound, "encryption key version unavailable")
}

// testParams keeps PBKDF2 cheap in tests; production iterations live in config.
var testParams = Params{Iterations: 1000, KeyLength: 32}

func newTestManager() (*Manager, *fakeKeyStore) {
	store := &fakeKeyStore{}
	return NewManager(store, testParams, zerolog.Nop()), store
}

func TestEnable(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	key, err := m.Enable(ctx, "org-1", []byte("correct horse battery staple"))
	require.NoError(t, err)

	assert.Equal(t, 1, key.KeyVersion)
	assert.True(t, key.IsActive)
	assert.Len(t, key.Salt, saltLength)
	assert.Len(t, key.IV, aeadNonceSize)
	assert.Equal(t, testParams.Iterations, key.Iterations)
	assert.Equal(t, "sha256", key.Hash)

	// The wrapped key holds only key material plus the GCM tag; the nonce
	// lives in the IV column.
	wrapped, err := base64.StdEncoding.DecodeString(key.WrappedKey)
	require.NoError(t, err)
	assert.Len(t, wrapped, orgKeyLength+16)
}

func TestEnable_AlreadyEnabled(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Enable(ctx, "org-1", []byte("passphrase one"))
	require.NoError(t, err)

	_, err = m.Enable(ctx, "org-1", []byte("passphrase two"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestEnable_RequiresMaterial(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Enable(context.Background(), "org-1", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestUnwrap_RoundTrip(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	material := []byte("a long organization passphrase")

	_, err := m.Enable(ctx, "org-1", material)
	require.NoError(t, err)

	key, version, err := m.Unwrap(ctx, "org-1", material)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Len(t, key, orgKeyLength)

	again, _, err := m.Unwrap(ctx, "org-1", material)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestUnwrap_WrongPassphrase(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Enable(ctx, "org-1", []byte("right passphrase"))
	require.NoError(t, err)

	_, _, err = m.Unwrap(ctx, "org-1", []byte("wrong passphrase"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthFailed))
}

func TestUnwrap_NotEnabled(t *testing.T) {
	m, _ := newTestManager()

	_, _, err := m.Unwrap(context.Background(), "org-1", []byte("whatever"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestRotate(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	material := []byte("organization passphrase")

	_, err := m.Enable(ctx, "org-1", material)
	require.NoError(t, err)
	v1Key, _, err := m.Unwrap(ctx, "org-1", material)
	require.NoError(t, err)

	next, err := m.Rotate(ctx, "org-1", material)
	require.NoError(t, err)
	assert.Equal(t, 2, next.KeyVersion)
	assert.True(t, next.IsActive)

	// The active key is now a fresh one.
	v2Key, version, err := m.Unwrap(ctx, "org-1", material)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.NotEqual(t, v1Key, v2Key)

	// The old version stays resolvable and yields the original content key.
	oldKey, err := m.UnwrapVersion(ctx, "org-1", 1, material)
	require.NoError(t, err)
	assert.Equal(t, v1Key, oldKey)

	require.Len(t, store.rows, 2)
	assert.False(t, store.rows[0].IsActive)
	assert.NotNil(t, store.rows[0].RotatedAt)
}

func TestRotate_WrongPassphrase(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Enable(ctx, "org-1", []byte("right passphrase"))
	require.NoError(t, err)

	_, err = m.Rotate(ctx, "org-1", []byte("wrong passphrase"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthFailed))

	// The failed rotation left version 1 active.
	status, err := m.GetStatus(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ActiveVersion)
}

func TestRotate_NotEnabled(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Rotate(context.Background(), "org-1", []byte("whatever"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestUnwrap_TamperedCiphertext(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	material := []byte("organization passphrase")

	_, err := m.Enable(ctx, "org-1", material)
	require.NoError(t, err)

	// Corrupt the stored wrapped key.
	store.rows[0].WrappedKey = "bm90IGEgcmVhbCB3cmFwcGVkIGtleQ=="

	_, _, err = m.Unwrap(ctx, "org-1", material)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthFailed))
}

func TestUnwrap_CorruptedIV(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	material := []byte("organization passphrase")

	_, err := m.Enable(ctx, "org-1", material)
	require.NoError(t, err)

	store.rows[0].IV[0] ^= 0xff

	_, _, err = m.Unwrap(ctx, "org-1", material)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthFailed))
}

func TestGetStatus(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	status, err := m.GetStatus(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Zero(t, status.ActiveVersion)

	_, err = m.Enable(ctx, "org-1", []byte("passphrase"))
	require.NoError(t, err)

	status, err = m.GetStatus(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, 1, status.ActiveVersion)
}
