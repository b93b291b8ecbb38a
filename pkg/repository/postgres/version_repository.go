// Package postgres implements the storage contracts on PostgreSQL via
// sqlx. All CAS semantics are expressed as conditional single-row
// statements so they hold across engine replicas.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/pkg/collaboration/crdt"
	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/repository/interfaces"
)

// uniqueViolation is the postgres error code for duplicate keys.
const uniqueViolation = "23505"

// VersionRepository persists the content-version DAG in postgres.
type VersionRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewVersionRepository creates a postgres-backed version repository.
func NewVersionRepository(db *sqlx.DB, logger observability.Logger) *VersionRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &VersionRepository{db: db, logger: logger.WithPrefix("repository.versions")}
}

// versionRow is the flat database shape of a ContentVersion. The vector
// clock travels as jsonb.
type versionRow struct {
	ID              uuid.UUID     `db:"id"`
	ContentID       uuid.UUID     `db:"content_id"`
	Content         string        `db:"content"`
	ContentHash     string        `db:"content_hash"`
	ContentType     string        `db:"content_type"`
	UserID          string        `db:"user_id"`
	SessionID       uuid.UUID     `db:"session_id"`
	VectorClock     []byte        `db:"vector_clock"`
	ParentVersionID uuid.NullUUID `db:"parent_version_id"`
	CreatedAt       time.Time     `db:"created_at"`
}

func (r *versionRow) toModel() (*models.ContentVersion, error) {
	clock := crdt.NewVectorClock()
	if len(r.VectorClock) > 0 {
		if err := json.Unmarshal(r.VectorClock, &clock); err != nil {
			return nil, errors.Wrap(err, "failed to decode vector clock")
		}
	}
	v := &models.ContentVersion{
		ID:          r.ID,
		ContentID:   r.ContentID,
		Content:     r.Content,
		ContentHash: r.ContentHash,
		ContentType: r.ContentType,
		UserID:      r.UserID,
		SessionID:   r.SessionID,
		VectorClock: clock,
		CreatedAt:   r.CreatedAt,
	}
	if r.ParentVersionID.Valid {
		parent := r.ParentVersionID.UUID
		v.ParentVersionID = &parent
	}
	return v, nil
}

func (r *VersionRepository) CreateVersion(ctx context.Context, version *models.ContentVersion) error {
	if err := version.Validate(); err != nil {
		return err
	}
	clockJSON, err := json.Marshal(version.VectorClock)
	if err != nil {
		return errors.Wrap(err, "failed to encode vector clock")
	}
	var parent uuid.NullUUID
	if version.ParentVersionID != nil {
		parent = uuid.NullUUID{UUID: *version.ParentVersionID, Valid: true}
	}
	query := `
		INSERT INTO content_versions
			(id, content_id, content, content_hash, content_type,
			 user_id, session_id, vector_clock, parent_version_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.ExecContext(ctx, query,
		version.ID, version.ContentID, version.Content, version.ContentHash,
		version.ContentType, version.UserID, version.SessionID,
		clockJSON, parent, version.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return interfaces.ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert content version")
	}
	r.logger.Debug("created content version", map[string]interface{}{
		"version_id": version.ID.String(),
		"content_id": version.ContentID.String(),
	})
	return nil
}

func (r *VersionRepository) GetVersion(ctx context.Context, id uuid.UUID) (*models.ContentVersion, error) {
	var row versionRow
	query := `
		SELECT id, content_id, content, content_hash, content_type,
		       user_id, session_id, vector_clock, parent_version_id, created_at
		FROM content_versions WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to query content version")
	}
	return row.toModel()
}

func (r *VersionRepository) ListVersions(ctx context.Context, contentID uuid.UUID) ([]*models.ContentVersion, error) {
	var rows []versionRow
	query := `
		SELECT id, content_id, content, content_hash, content_type,
		       user_id, session_id, vector_clock, parent_version_id, created_at
		FROM content_versions WHERE content_id = $1
		ORDER BY created_at ASC`
	if err := r.db.SelectContext(ctx, &rows, query, contentID); err != nil {
		return nil, errors.Wrap(err, "failed to list content versions")
	}
	out := make([]*models.ContentVersion, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *VersionRepository) ListOperations(ctx context.Context, versionID uuid.UUID) ([]models.Operation, error) {
	var ops []models.Operation
	query := `
		SELECT id, type, position, length, content, user_id, session_id, timestamp
		FROM version_operations WHERE version_id = $1
		ORDER BY timestamp ASC, user_id ASC`
	if err := r.db.SelectContext(ctx, &ops, query, versionID); err != nil {
		return nil, errors.Wrap(err, "failed to list operations")
	}
	return ops, nil
}

func (r *VersionRepository) RecordOperation(ctx context.Context, versionID uuid.UUID, op *models.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO version_operations
			(id, version_id, type, position, length, content, user_id, session_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, query,
		op.ID, versionID, op.Type, op.Position, op.Length,
		op.Content, op.UserID, op.SessionID, op.Timestamp)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return interfaces.ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert operation")
	}
	return nil
}

var _ interfaces.VersionRepository = (*VersionRepository)(nil)
