// Package keymanager owns the organization content-key lifecycle: a random
// 256-bit key per organization, wrapped at rest under a passphrase-derived
// KEK. Rotation inserts a new version and keeps prior versions resolvable so
// files encrypted under them stay decryptable.
package keymanager

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	kmsaead "github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/repository"
)

const (
	hashSHA256    = "sha256"
	saltLength    = 32
	orgKeyLength  = 32
	aeadNonceSize = 12

	// DefaultIterations is the PBKDF2 work factor for newly created keys.
	DefaultIterations = 600_000
	// DefaultKeyLength is the derived KEK length in bytes (AES-256).
	DefaultKeyLength = 32
)

// KeyStore is the persistence surface the manager needs. Implemented by
// repository.EncryptionKeyRepository.
type KeyStore interface {
	Insert(ctx context.Context, key *repository.EncryptionKey) error
	Rotate(ctx context.Context, next *repository.EncryptionKey) error
	GetActive(ctx context.Context, organizationID string) (*repository.EncryptionKey, error)
	GetByVersion(ctx context.Context, organizationID string, version int) (*repository.EncryptionKey, error)
}

// Params are the key-derivation parameters for newly created key versions.
// Existing versions always unwrap with the parameters stored on their row.
type Params struct {
	Iterations int
	KeyLength  int
}

// Status describes an organization's encryption state.
type Status struct {
	Enabled       bool       `json:"enabled"`
	ActiveVersion int        `json:"active_version,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	RotatedFrom   *time.Time `json:"rotated_from,omitempty"`
}

// Manager derives, wraps and unwraps organization content keys.
type Manager struct {
	store  KeyStore
	params Params
	log    zerolog.Logger
}

// NewManager creates a key manager. Zero-valued params fall back to the
// defaults; values below the defaults are intended for tests only.
func NewManager(store KeyStore, params Params, log zerolog.Logger) *Manager {
	if params.Iterations <= 0 {
		params.Iterations = DefaultIterations
	}
	if params.KeyLength <= 0 {
		params.KeyLength = DefaultKeyLength
	}
	return &Manager{store: store, params: params, log: log}
}

// Enable turns on encryption for an organization: derives a KEK from the
// passphrase material, generates a fresh content key, and persists the
// wrapped key as version 1. Fails with Conflict when encryption is already
// enabled. The material itself is never persisted.
func (m *Manager) Enable(ctx context.Context, organizationID string, material []byte) (*repository.EncryptionKey, error) {
	if len(material) == 0 {
		return nil, apperrors.InvalidInput("material", "passphrase material is required")
	}

	active, err := m.store.GetActive(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.Conflict("encryption is already enabled for organization")
	}

	key, err := m.newKeyVersion(ctx, organizationID, material, 1)
	if err != nil {
		return nil, err
	}
	if err := m.store.Insert(ctx, key); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("organization_id", organizationID).
		Int("key_version", key.KeyVersion).
		Msg("Encryption enabled for organization")
	return key, nil
}

// Rotate generates a new content key version and deactivates the current
// one. The material is verified against the current version first, so a
// wrong passphrase cannot strand an organization on an unopenable key.
// Existing files stay decryptable via their recorded key version; rotation
// never re-encrypts them.
func (m *Manager) Rotate(ctx context.Context, organizationID string, material []byte) (*repository.EncryptionKey, error) {
	active, err := m.store.GetActive(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, apperrors.NotFound("encryption_key", organizationID)
	}

	if _, err := m.unwrap(ctx, active, material); err != nil {
		return nil, err
	}

	next, err := m.newKeyVersion(ctx, organizationID, material, active.KeyVersion+1)
	if err != nil {
		return nil, err
	}
	if err := m.store.Rotate(ctx, next); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("organization_id", organizationID).
		Int("key_version", next.KeyVersion).
		Msg("Organization key rotated")
	return next, nil
}

// Unwrap returns the organization's active content key and its version.
func (m *Manager) Unwrap(ctx context.Context, organizationID string, material []byte) ([]byte, int, error) {
	active, err := m.store.GetActive(ctx, organizationID)
	if err != nil {
		return nil, 0, err
	}
	if active == nil {
		return nil, 0, apperrors.NotFound("encryption_key", organizationID)
	}

	key, err := m.unwrap(ctx, active, material)
	if err != nil {
		return nil, 0, err
	}
	return key, active.KeyVersion, nil
}

// UnwrapVersion returns a specific key version's content key, active or not.
// A hard-deleted version surfaces as the store's "key version unavailable"
// not-found error.
func (m *Manager) UnwrapVersion(ctx context.Context, organizationID string, version int, material []byte) ([]byte, error) {
	row, err := m.store.GetByVersion(ctx, organizationID, version)
	if err != nil {
		return nil, err
	}
	return m.unwrap(ctx, row, material)
}

// GetStatus reports whether encryption is enabled and which version is active.
func (m *Manager) GetStatus(ctx context.Context, organizationID string) (*Status, error) {
	active, err := m.store.GetActive(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return &Status{Enabled: false}, nil
	}
	return &Status{
		Enabled:       true,
		ActiveVersion: active.KeyVersion,
		CreatedAt:     active.CreatedAt,
	}, nil
}

// ── internals ────────────────────────────────────────────────────────────────

// newKeyVersion generates and wraps a fresh content key row. Each version
// gets its own salt, so a KEK never spans versions.
func (m *Manager) newKeyVersion(ctx context.Context, organizationID string, material []byte, version int) (*repository.EncryptionKey, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to generate salt")
	}
	contentKey := make([]byte, orgKeyLength)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to generate content key")
	}

	kek := pbkdf2.Key(material, salt, m.params.Iterations, m.params.KeyLength, sha256.New)

	wrapper, err := m.wrapper(ctx, kek, keyID(organizationID, version))
	if err != nil {
		return nil, err
	}
	blob, err := wrapper.Encrypt(ctx, contentKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to wrap content key")
	}
	// The aead wrapper prepends the nonce to BlobInfo.Ciphertext and leaves
	// BlobInfo.Iv unset. Split the sealed blob so the IV column holds the
	// actual nonce.
	if len(blob.Ciphertext) <= aeadNonceSize {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "wrapped content key is too short")
	}

	return &repository.EncryptionKey{
		OrganizationID: organizationID,
		WrappedKey:     base64.StdEncoding.EncodeToString(blob.Ciphertext[aeadNonceSize:]),
		Salt:           salt,
		IV:             blob.Ciphertext[:aeadNonceSize],
		Iterations:     m.params.Iterations,
		Hash:           hashSHA256,
		KeyLength:      m.params.KeyLength,
		KeyVersion:     version,
		IsActive:       true,
	}, nil
}

// unwrap re-derives the KEK from the row's stored parameters and decrypts
// the wrapped content key. Every failure mode past parameter validation maps
// to the same AuthenticationFailed error: the caller must not be able to
// tell a wrong passphrase from tampered ciphertext.
func (m *Manager) unwrap(ctx context.Context, row *repository.EncryptionKey, material []byte) ([]byte, error) {
	if row.Hash != hashSHA256 {
		return nil, apperrors.Wrap(nil, apperrors.ErrCodeInternal,
			fmt.Sprintf("unsupported derivation hash %q", row.Hash))
	}

	kek := pbkdf2.Key(material, row.Salt, row.Iterations, row.KeyLength, sha256.New)

	ciphertext, err := base64.StdEncoding.DecodeString(row.WrappedKey)
	if err != nil {
		return nil, apperrors.AuthenticationFailed()
	}
	if len(row.IV) != aeadNonceSize {
		return nil, apperrors.AuthenticationFailed()
	}

	wrapper, err := m.wrapper(ctx, kek, keyID(row.OrganizationID, row.KeyVersion))
	if err != nil {
		return nil, err
	}
	// The aead wrapper expects the nonce back as a ciphertext prefix, so the
	// stored IV and wrapped key are rejoined before decryption.
	sealed := make([]byte, 0, len(row.IV)+len(ciphertext))
	sealed = append(sealed, row.IV...)
	sealed = append(sealed, ciphertext...)
	key, err := wrapper.Decrypt(ctx, &wrapping.BlobInfo{
		Ciphertext: sealed,
		KeyInfo:    &wrapping.KeyInfo{KeyId: keyID(row.OrganizationID, row.KeyVersion)},
	})
	if err != nil {
		return nil, apperrors.AuthenticationFailed()
	}
	return key, nil
}

func (m *Manager) wrapper(ctx context.Context, kek []byte, id string) (*kmsaead.Wrapper, error) {
	wrapper := kmsaead.NewWrapper()
	_, err := wrapper.SetConfig(ctx,
		kmsaead.WithKey(kek),
		wrapping.WithKeyId(id),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to configure key wrapper")
	}
	return wrapper, nil
}

func keyID(organizationID string, version int) string {
	return fmt.Sprintf("org/%s/v%d", organizationID, version)
}
