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

// EncryptionKeyRepository stores wrapped organization keys. Rows are never
// deleted: rotation deactivates the old version and inserts the next, so
// every key version remains resolvable for files encrypted under it.
type EncryptionKeyRepository struct {
	db *database.DB
}

// NewEncryptionKeyRepository creates a new EncryptionKeyRepository.
func NewEncryptionKeyRepository(db *database.DB) *EncryptionKeyRepository {
	return &EncryptionKeyRepository{db: db}
}

// Insert persists version 1 for an organization. A unique index on
// (organization_id, key_version) rejects a concurrent double-enable.
func (r *EncryptionKeyRepository) Insert(ctx context.Context, key *EncryptionKey) error {
	key.ID = uuid.NewString()

	query := `
		INSERT INTO encryption_keys
		    (id, organization_id, wrapped_key, salt, iv,
		     iterations, hash, key_length, key_version, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		key.ID,
		key.OrganizationID,
		key.WrappedKey,
		key.Salt,
		key.IV,
		key.Iterations,
		key.Hash,
		key.KeyLength,
		key.KeyVersion,
		key.IsActive,
	).Scan(&key.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("encryption key version already exists for organization")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert encryption key")
	}
	return nil
}

// Rotate deactivates the current active key and inserts the next version in
// one transaction. The new row's KeyVersion must be exactly previous + 1;
// a concurrent rotation loses on the unique (organization_id, key_version)
// index and gets Conflict.
func (r *EncryptionKeyRepository) Rotate(ctx context.Context, next *EncryptionKey) error {
	next.ID = uuid.NewString()

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		deactivate := `
			UPDATE encryption_keys
			SET is_active  = FALSE,
			    rotated_at = NOW()
			WHERE organization_id = $1
			  AND is_active = TRUE
			RETURNING id
		`
		var oldID string
		if err := tx.QueryRow(ctx, deactivate, next.OrganizationID).Scan(&oldID); err != nil {
			if err == pgx.ErrNoRows {
				return apperrors.NotFound("encryption_key", next.OrganizationID)
			}
			return err
		}

		insert := `
			INSERT INTO encryption_keys
			    (id, organization_id, wrapped_key, salt, iv,
			     iterations, hash, key_length, key_version, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
			RETURNING created_at
		`
		return tx.QueryRow(ctx, insert,
			next.ID,
			next.OrganizationID,
			next.WrappedKey,
			next.Salt,
			next.IV,
			next.Iterations,
			next.Hash,
			next.KeyLength,
			next.KeyVersion,
		).Scan(&next.CreatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("concurrent key rotation detected")
		}
		return err
	}
	return nil
}

// GetActive returns the organization's active key, or nil when encryption is
// not enabled.
func (r *EncryptionKeyRepository) GetActive(ctx context.Context, organizationID string) (*EncryptionKey, error) {
	query := r.keySelect() + ` WHERE organization_id = $1 AND is_active = TRUE`

	key, err := r.scanKey(r.db.QueryRow(ctx, query, organizationID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return key, err
}

// GetByVersion returns a specific key version, active or not.
func (r *EncryptionKeyRepository) GetByVersion(ctx context.Context, organizationID string, version int) (*EncryptionKey, error) {
	query := r.keySelect() + ` WHERE organization_id = $1 AND key_version = $2`

	key, err := r.scanKey(r.db.QueryRow(ctx, query, organizationID, version))
	if err == pgx.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "encryption key version unavailable")
	}
	return key, err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *EncryptionKeyRepository) keySelect() string {
	return `
		SELECT id, organization_id, wrapped_key, salt, iv,
		       iterations, hash, key_length, key_version, is_active,
		       created_at, rotated_at
		FROM encryption_keys`
}

type keyScanner interface {
	Scan(dest ...any) error
}

func (r *EncryptionKeyRepository) scanKey(row keyScanner) (*EncryptionKey, error) {
	key := &EncryptionKey{}
	err := row.Scan(
		&key.ID,
		&key.OrganizationID,
		&key.WrappedKey,
		&key.Salt,
		&key.IV,
		&key.Iterations,
		&key.Hash,
		&key.KeyLength,
		&key.KeyVersion,
		&key.IsActive,
		&key.CreatedAt,
		&key.RotatedAt,
	)
	if err != nil {
		return nil, err
	}
	return key, nil
}
