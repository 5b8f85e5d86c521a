package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/database"
)

// FileMetadataRepository stores per-file envelope records. Rows are immutable
// once written; re-encrypting a file produces a logically new file entry.
type FileMetadataRepository struct {
	db *database.DB
}

// NewFileMetadataRepository creates a new FileMetadataRepository.
func NewFileMetadataRepository(db *database.DB) *FileMetadataRepository {
	return &FileMetadataRepository{db: db}
}

// Insert persists the envelope record for a newly encrypted file.
func (r *FileMetadataRepository) Insert(ctx context.Context, meta *FileEncryptionMetadata) error {
	meta.ID = uuid.NewString()

	query := `
		INSERT INTO file_encryption_metadata
		    (id, file_id, organization_id, key_version,
		     iv, auth_tag, chunk_size, algorithm, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		meta.ID,
		meta.FileID,
		meta.OrganizationID,
		meta.KeyVersion,
		meta.IV,
		meta.AuthTag,
		meta.ChunkSize,
		meta.Algorithm,
		meta.CreatedBy,
	).Scan(&meta.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("file already has encryption metadata")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert file encryption metadata")
	}
	return nil
}

// GetByFileID returns the envelope record for a file.
func (r *FileMetadataRepository) GetByFileID(ctx context.Context, fileID string) (*FileEncryptionMetadata, error) {
	query := `
		SELECT id, file_id, organization_id, key_version,
		       iv, auth_tag, chunk_size, algorithm, created_by, created_at
		FROM file_encryption_metadata
		WHERE file_id = $1
	`

	meta := &FileEncryptionMetadata{}
	err := r.db.QueryRow(ctx, query, fileID).Scan(
		&meta.ID,
		&meta.FileID,
		&meta.OrganizationID,
		&meta.KeyVersion,
		&meta.IV,
		&meta.AuthTag,
		&meta.ChunkSize,
		&meta.Algorithm,
		&meta.CreatedBy,
		&meta.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("file_encryption_metadata", fileID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get file encryption metadata")
	}
	return meta, nil
}

// ListByKeyVersion returns all files encrypted under a given key version.
// Used by the out-of-process re-encryption job after a rotation.
func (r *FileMetadataRepository) ListByKeyVersion(ctx context.Context, organizationID string, keyVersion int) ([]*FileEncryptionMetadata, error) {
	query := `
		SELECT id, file_id, organization_id, key_version,
		       iv, auth_tag, chunk_size, algorithm, created_by, created_at
		FROM file_encryption_metadata
		WHERE organization_id = $1 AND key_version = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID, keyVersion)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list file encryption metadata")
	}
	defer rows.Close()

	var metas []*FileEncryptionMetadata
	for rows.Next() {
		meta := &FileEncryptionMetadata{}
		err := rows.Scan(
			&meta.ID,
			&meta.FileID,
			&meta.OrganizationID,
			&meta.KeyVersion,
			&meta.IV,
			&meta.AuthTag,
			&meta.ChunkSize,
			&meta.Algorithm,
			&meta.CreatedBy,
			&meta.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan file encryption metadata")
		}
		metas = append(metas, meta)
	}
	return metas, nil
}
