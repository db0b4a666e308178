// Package repository wraps all SQL used by the coordinator, the worker and
// the admin CLI. The records.version column backs optimistic concurrency:
// every ACL or status mutation bumps it and fails with a conflict when the
// row moved underneath the writer.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recordvault/recordvault/internal/errs"
	"github.com/recordvault/recordvault/internal/model"
)

// RecordRepository provides access to the records, record_access and
// record_keys tables.
type RecordRepository struct {
	pool *pgxpool.Pool
}

// NewRecordRepository constructs a repository.
func NewRecordRepository(pool *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

// Exists reports whether a record row is present, used for the recordId
// collision check before any side effect of a create.
func (r *RecordRepository) Exists(ctx context.Context, recordID string) (bool, error) {
	var found bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM records WHERE record_id=$1)`, recordID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("record exists: %w", err)
	}
	return found, nil
}

// Create commits the metadata row together with the owners' wrapped content
// keys in one transaction. This write is the commit point of a create: until
// it succeeds the record is invisible to every reader.
func (r *RecordRepository) Create(ctx context.Context, rec *model.Record, wrappedKeys map[string][]byte) error {
	now := time.Now().UTC()
	rec.Status = model.StatusActive
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO records (record_id, patient_id, creator_id, file_type, title, content_hash, cid, tx_id, status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.RecordID, rec.PatientID, rec.CreatorID, rec.FileType, rec.Title, rec.ContentHash, rec.CID, rec.TxID, rec.Status, rec.Version, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	for granteeID, wrapped := range wrappedKeys {
		if _, err := tx.Exec(ctx, `
			INSERT INTO record_keys (record_id, grantee_id, wrapped_key) VALUES ($1,$2,$3)
			ON CONFLICT (record_id, grantee_id) DO UPDATE SET wrapped_key=EXCLUDED.wrapped_key
		`, rec.RecordID, granteeID, wrapped); err != nil {
			return fmt.Errorf("insert record key: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (r *RecordRepository) Get(ctx context.Context, recordID string) (*model.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT record_id, patient_id, creator_id, file_type, title, content_hash, cid, tx_id, status, version, created_at, updated_at
		FROM records WHERE record_id=$1
	`, recordID)
	var rec model.Record
	err := row.Scan(&rec.RecordID, &rec.PatientID, &rec.CreatorID, &rec.FileType, &rec.Title,
		&rec.ContentHash, &rec.CID, &rec.TxID, &rec.Status, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Errorf(errs.KindNotFound, "repository.Get", "record %s", recordID)
		}
		return nil, fmt.Errorf("select record: %w", err)
	}
	return &rec, nil
}

// ListByPatient returns all records for a patient, newest first.
func (r *RecordRepository) ListByPatient(ctx context.Context, patientID string) ([]model.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_id, patient_id, creator_id, file_type, title, content_hash, cid, tx_id, status, version, created_at, updated_at
		FROM records WHERE patient_id=$1 ORDER BY created_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("select patient records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListActive returns every active record, used by the reindex pass.
func (r *RecordRepository) ListActive(ctx context.Context) ([]model.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_id, patient_id, creator_id, file_type, title, content_hash, cid, tx_id, status, version, created_at, updated_at
		FROM records WHERE status=$1 ORDER BY created_at
	`, model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("select active records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		var rec model.Record
		if err := rows.Scan(&rec.RecordID, &rec.PatientID, &rec.CreatorID, &rec.FileType, &rec.Title,
			&rec.ContentHash, &rec.CID, &rec.TxID, &rec.Status, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// UpdateStatus transitions a record's status, guarded by the version the
// caller read.
func (r *RecordRepository) UpdateStatus(ctx context.Context, recordID string, status model.RecordStatus, version int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE records SET status=$1, version=version+1, updated_at=$2
		WHERE record_id=$3 AND version=$4
	`, status, time.Now().UTC(), recordID, version)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(errs.KindConflict, "repository.UpdateStatus", "record %s version %d", recordID, version)
	}
	return nil
}

// ListAccess returns every ACL entry for a record including revocation
// markers, ordered oldest first. The policy evaluator and the permission
// history view both consume the full list.
func (r *RecordRepository) ListAccess(ctx context.Context, recordID string) ([]model.AccessEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_id, grantee_id, permission, granted_by, granted_at, expires_at, revoked
		FROM record_access WHERE record_id=$1 ORDER BY granted_at
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("select access entries: %w", err)
	}
	defer rows.Close()
	var out []model.AccessEntry
	for rows.Next() {
		var entry model.AccessEntry
		if err := rows.Scan(&entry.RecordID, &entry.GranteeID, &entry.Permission, &entry.GrantedBy,
			&entry.GrantedAt, &entry.ExpiresAt, &entry.Revoked); err != nil {
			return nil, fmt.Errorf("scan access entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access entries: %w", err)
	}
	return out, nil
}

// ApplyGrant inserts a grant entry and the grantee's wrapped key, retiring
// any previous active entry for the same (grantee, permission) so at most
// one stays active. The whole mutation is serialized per record via the
// version check.
func (r *RecordRepository) ApplyGrant(ctx context.Context, rec *model.Record, entry model.AccessEntry, wrappedKey []byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := bumpVersion(ctx, tx, rec); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE record_access SET revoked=TRUE
		WHERE record_id=$1 AND grantee_id=$2 AND permission=$3 AND revoked=FALSE
	`, rec.RecordID, entry.GranteeID, entry.Permission)
	if err != nil {
		return fmt.Errorf("retire prior grants: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO record_access (record_id, grantee_id, permission, granted_by, granted_at, expires_at, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,FALSE)
	`, rec.RecordID, entry.GranteeID, entry.Permission, entry.GrantedBy, entry.GrantedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO record_keys (record_id, grantee_id, wrapped_key) VALUES ($1,$2,$3)
		ON CONFLICT (record_id, grantee_id) DO UPDATE SET wrapped_key=EXCLUDED.wrapped_key
	`, rec.RecordID, entry.GranteeID, wrappedKey)
	if err != nil {
		return fmt.Errorf("insert wrapped key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit grant: %w", err)
	}
	return nil
}

// ApplyRevoke retires the grantee's active entries for the permission and
// appends a revocation marker. The grantee's wrapped key is removed once no
// active grant remains; a content key unwrapped before revocation stays
// usable until key rotation, which the ACL check alone cannot prevent.
func (r *RecordRepository) ApplyRevoke(ctx context.Context, rec *model.Record, granteeID string, permission model.Permission, revokedBy string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revoke: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := bumpVersion(ctx, tx, rec); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE record_access SET revoked=TRUE
		WHERE record_id=$1 AND grantee_id=$2 AND permission=$3 AND revoked=FALSE
	`, rec.RecordID, granteeID, permission)
	if err != nil {
		return fmt.Errorf("retire grants: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO record_access (record_id, grantee_id, permission, granted_by, granted_at, expires_at, revoked)
		VALUES ($1,$2,$3,$4,$5,NULL,TRUE)
	`, rec.RecordID, granteeID, permission, revokedBy, at)
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	var remaining int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM record_access
		WHERE record_id=$1 AND grantee_id=$2 AND revoked=FALSE AND (expires_at IS NULL OR expires_at > $3)
	`, rec.RecordID, granteeID, at).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("count remaining grants: %w", err)
	}
	if remaining == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM record_keys WHERE record_id=$1 AND grantee_id=$2`, rec.RecordID, granteeID); err != nil {
			return fmt.Errorf("delete wrapped key: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit revoke: %w", err)
	}
	return nil
}

// GetWrappedKey returns the wrapped content key stored for a grantee.
func (r *RecordRepository) GetWrappedKey(ctx context.Context, recordID, granteeID string) ([]byte, error) {
	var wrapped []byte
	err := r.pool.QueryRow(ctx, `
		SELECT wrapped_key FROM record_keys WHERE record_id=$1 AND grantee_id=$2
	`, recordID, granteeID).Scan(&wrapped)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Errorf(errs.KindNotFound, "repository.GetWrappedKey", "no key for %s on %s", granteeID, recordID)
		}
		return nil, fmt.Errorf("select wrapped key: %w", err)
	}
	return wrapped, nil
}

func bumpVersion(ctx context.Context, tx pgx.Tx, rec *model.Record) error {
	tag, err := tx.Exec(ctx, `
		UPDATE records SET version=version+1, updated_at=$1 WHERE record_id=$2 AND version=$3
	`, time.Now().UTC(), rec.RecordID, rec.Version)
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(errs.KindConflict, "repository", "record %s version %d", rec.RecordID, rec.Version)
	}
	return nil
}
