// Package fileenc encrypts document payloads with the organization content
// key. Payloads are sealed in fixed-size AES-256-GCM chunks so memory use
// stays bounded on large files; the ciphertext goes to the object-storage
// collaborator while only the envelope metadata is persisted here.
package fileenc

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"

	"github.com/rs/zerolog"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/repository"
)

const (
	// DefaultChunkSize bounds per-chunk memory during encryption.
	DefaultChunkSize = 128 * 1024

	nonceSize = 12
	tagSize   = 16
	algorithm = "aes-256-gcm"
)

// MetadataStore persists per-file envelope records. Implemented by
// repository.FileMetadataRepository.
type MetadataStore interface {
	Insert(ctx context.Context, meta *repository.FileEncryptionMetadata) error
	GetByFileID(ctx context.Context, fileID string) (*repository.FileEncryptionMetadata, error)
	ListByKeyVersion(ctx context.Context, organizationID string, keyVersion int) ([]*repository.FileEncryptionMetadata, error)
}

// KeyProvider unwraps organization content keys. Implemented by
// keymanager.Manager.
type KeyProvider interface {
	Unwrap(ctx context.Context, organizationID string, material []byte) ([]byte, int, error)
	UnwrapVersion(ctx context.Context, organizationID string, version int, material []byte) ([]byte, error)
}

// Service is the file encryption service. It is storage-agnostic: callers
// hand it plaintext and receive ciphertext to persist wherever they like.
type Service struct {
	meta      MetadataStore
	keys      KeyProvider
	chunkSize int
	log       zerolog.Logger
}

// NewService creates a file encryption service. A non-positive chunkSize
// falls back to DefaultChunkSize.
func NewService(meta MetadataStore, keys KeyProvider, chunkSize int, log zerolog.Logger) *Service {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Service{meta: meta, keys: keys, chunkSize: chunkSize, log: log}
}

// EncryptFile seals plaintext under the organization's active content key
// and records the envelope metadata. The metadata pins the key version, so
// a later rotation never affects this file's decryptability.
func (s *Service) EncryptFile(
	ctx context.Context,
	organizationID, fileID string,
	plaintext []byte,
	actingUserID string,
	material []byte,
) ([]byte, *repository.FileEncryptionMetadata, error) {
	contentKey, keyVersion, err := s.keys.Unwrap(ctx, organizationID, material)
	if err != nil {
		return nil, nil, err
	}

	baseIV := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, baseIV); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to generate IV")
	}

	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err := sealChunks(gcm, baseIV, plaintext, s.chunkSize)
	if err != nil {
		return nil, nil, err
	}

	meta := &repository.FileEncryptionMetadata{
		FileID:         fileID,
		OrganizationID: organizationID,
		KeyVersion:     keyVersion,
		IV:             baseIV,
		AuthTag:        ciphertext[len(ciphertext)-tagSize:],
		ChunkSize:      s.chunkSize,
		Algorithm:      algorithm,
		CreatedBy:      actingUserID,
	}
	if err := s.meta.Insert(ctx, meta); err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("file_id", fileID).
		Str("organization_id", organizationID).
		Int("key_version", keyVersion).
		Int("plaintext_bytes", len(plaintext)).
		Msg("File encrypted")

	return ciphertext, meta, nil
}

// DecryptFile opens a file's ciphertext using the key version recorded in
// its envelope metadata, which resolves even after the key has been rotated
// out of active service.
func (s *Service) DecryptFile(ctx context.Context, fileID string, ciphertext, material []byte) ([]byte, error) {
	meta, err := s.meta.GetByFileID(ctx, fileID)
	if err != nil {
		return nil, err
	}

	contentKey, err := s.keys.UnwrapVersion(ctx, meta.OrganizationID, meta.KeyVersion, material)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := openChunks(gcm, meta.IV, ciphertext, meta.ChunkSize)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// FilesByKeyVersion lists the envelopes still pinned to a given key version.
// Lets the document service find files to re-encrypt after a rotation.
func (s *Service) FilesByKeyVersion(ctx context.Context, organizationID string, keyVersion int) ([]*repository.FileEncryptionMetadata, error) {
	return s.meta.ListByKeyVersion(ctx, organizationID, keyVersion)
}

// ── chunked AEAD framing ─────────────────────────────────────────────────────

// sealChunks encrypts plaintext in chunkSize slices. Each chunk gets its own
// nonce derived from the base IV and the chunk index, so no nonce repeats
// under one key/IV pair and chunks cannot be reordered undetected.
func sealChunks(gcm cipher.AEAD, baseIV, plaintext []byte, chunkSize int) ([]byte, error) {
	chunks := len(plaintext) / chunkSize
	if len(plaintext)%chunkSize != 0 || len(plaintext) == 0 {
		chunks++
	}
	if chunks > math.MaxUint32 {
		return nil, apperrors.InvalidInput("plaintext", "file exceeds maximum encryptable size")
	}

	out := make([]byte, 0, len(plaintext)+chunks*tagSize)
	for i := 0; i < chunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		out = gcm.Seal(out, chunkNonce(baseIV, uint32(i)), plaintext[start:end], nil)
	}
	return out, nil
}

// openChunks reverses sealChunks. Any tag failure, truncation, or framing
// mismatch surfaces as the same authentication error.
func openChunks(gcm cipher.AEAD, baseIV, ciphertext []byte, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 || len(ciphertext) < tagSize {
		return nil, apperrors.AuthenticationFailed()
	}

	sealedSize := chunkSize + tagSize
	// Allocated up front so a zero-byte file decrypts to an empty slice,
	// matching what sealChunks was given.
	out := make([]byte, 0, len(ciphertext))
	for i := 0; len(ciphertext) > 0; i++ {
		if i > math.MaxUint32 {
			return nil, apperrors.AuthenticationFailed()
		}
		end := sealedSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		if end < tagSize {
			return nil, apperrors.AuthenticationFailed()
		}

		chunk, err := gcm.Open(nil, chunkNonce(baseIV, uint32(i)), ciphertext[:end], nil)
		if err != nil {
			return nil, apperrors.AuthenticationFailed()
		}
		out = append(out, chunk...)
		ciphertext = ciphertext[end:]
	}
	return out, nil
}

// chunkNonce XORs the big-endian chunk index into the base IV's trailing
// bytes.
func chunkNonce(baseIV []byte, index uint32) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, baseIV)
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], index)
	for j := 0; j < 4; j++ {
		nonce[nonceSize-4+j] ^= ctr[j]
	}
	return nonce
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, apperrors.Wrap(nil, apperrors.ErrCodeInternal, "content key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create GCM")
	}
	return gcm, nil
}
