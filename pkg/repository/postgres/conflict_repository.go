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

	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/repository/interfaces"
)

// ConflictRepository persists detections, merge results and resolution
// sessions in postgres.
type ConflictRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewConflictRepository creates a postgres-backed conflict repository.
func NewConflictRepository(db *sqlx.DB, logger observability.Logger) *ConflictRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ConflictRepository{db: db, logger: logger.WithPrefix("repository.conflicts")}
}

type conflictRow struct {
	ID           uuid.UUID `db:"id"`
	ContentID    uuid.UUID `db:"content_id"`
	SessionID    uuid.UUID `db:"session_id"`
	ConflictType string    `db:"conflict_type"`
	Severity     string    `db:"severity"`
	Status       string    `db:"status"`
	BaseVersion  uuid.UUID `db:"base_version"`
	VersionA     uuid.UUID `db:"version_a"`
	VersionB     uuid.UUID `db:"version_b"`
	Regions      []byte    `db:"conflict_regions"`
	DetectedAt   time.Time `db:"detected_at"`
}

func (r *conflictRow) toModel() (*models.ConflictDetection, error) {
	c := &models.ConflictDetection{
		ID:           r.ID,
		ContentID:    r.ContentID,
		SessionID:    r.SessionID,
		ConflictType: models.ConflictType(r.ConflictType),
		Severity:     models.ConflictSeverity(r.Severity),
		Status:       models.ConflictStatus(r.Status),
		BaseVersion:  r.BaseVersion,
		VersionA:     r.VersionA,
		VersionB:     r.VersionB,
		DetectedAt:   r.DetectedAt,
	}
	if len(r.Regions) > 0 {
		if err := json.Unmarshal(r.Regions, &c.ConflictRegions); err != nil {
			return nil, errors.Wrap(err, "failed to decode conflict regions")
		}
	}
	return c, nil
}

func (r *ConflictRepository) RecordConflict(ctx context.Context, conflict *models.ConflictDetection) error {
	regions, err := json.Marshal(conflict.ConflictRegions)
	if err != nil {
		return errors.Wrap(err, "failed to encode conflict regions")
	}
	query := `
		INSERT INTO conflict_detections
			(id, content_id, session_id, conflict_type, severity, status,
			 base_version, version_a, version_b, conflict_regions, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.db.ExecContext(ctx, query,
		conflict.ID, conflict.ContentID, conflict.SessionID,
		conflict.ConflictType, conflict.Severity, conflict.Status,
		conflict.BaseVersion, conflict.VersionA, conflict.VersionB,
		regions, conflict.DetectedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return interfaces.ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert conflict detection")
	}
	return nil
}

func (r *ConflictRepository) GetConflict(ctx context.Context, id uuid.UUID) (*models.ConflictDetection, error) {
	var row conflictRow
	query := `
		SELECT id, content_id, session_id, conflict_type, severity, status,
		       base_version, version_a, version_b, conflict_regions, detected_at
		FROM conflict_detections WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to query conflict detection")
	}
	return row.toModel()
}

// TrySetResolving claims a conflict with a single conditional UPDATE.
// The WHERE clause makes the row transition atomic across replicas:
// the one statement that matches flips the row, everyone else matches
// zero rows and reports false.
func (r *ConflictRepository) TrySetResolving(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE conflict_detections SET status = $1
		WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query,
		models.StatusResolving, id, models.StatusDetected)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim conflict")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read claim result")
	}
	if affected == 0 {
		// Distinguish lost race from missing row.
		var status string
		err := r.db.GetContext(ctx, &status,
			`SELECT status FROM conflict_detections WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return false, interfaces.ErrNotFound
		}
		if err != nil {
			return false, errors.Wrap(err, "failed to query conflict status")
		}
		return false, nil
	}
	return true, nil
}

func (r *ConflictRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.ConflictStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conflict_detections SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return errors.Wrap(err, "failed to update conflict status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read status update result")
	}
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *ConflictRepository) SaveResult(ctx context.Context, conflictID uuid.UUID, result *models.MergeResult) error {
	applied, err := json.Marshal(result.AppliedOperations)
	if err != nil {
		return errors.Wrap(err, "failed to encode applied operations")
	}
	rejected, err := json.Marshal(result.RejectedOperations)
	if err != nil {
		return errors.Wrap(err, "failed to encode rejected operations")
	}
	query := `
		INSERT INTO merge_results
			(conflict_id, strategy, merged_content, confidence_score,
			 applied_operations, rejected_operations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conflict_id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			merged_content = EXCLUDED.merged_content,
			confidence_score = EXCLUDED.confidence_score,
			applied_operations = EXCLUDED.applied_operations,
			rejected_operations = EXCLUDED.rejected_operations`
	_, err = r.db.ExecContext(ctx, query,
		conflictID, result.Strategy, result.MergedContent,
		result.ConfidenceScore, applied, rejected, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to save merge result")
	}
	return nil
}

type resultRow struct {
	Strategy        string  `db:"strategy"`
	MergedContent   string  `db:"merged_content"`
	ConfidenceScore float64 `db:"confidence_score"`
	Applied         []byte  `db:"applied_operations"`
	Rejected        []byte  `db:"rejected_operations"`
}

func (r *ConflictRepository) GetResult(ctx context.Context, conflictID uuid.UUID) (*models.MergeResult, error) {
	var row resultRow
	query := `
		SELECT strategy, merged_content, confidence_score,
		       applied_operations, rejected_operations
		FROM merge_results WHERE conflict_id = $1`
	if err := r.db.GetContext(ctx, &row, query, conflictID); err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to query merge result")
	}
	result := &models.MergeResult{
		Strategy:        models.MergeStrategy(row.Strategy),
		MergedContent:   row.MergedContent,
		ConfidenceScore: row.ConfidenceScore,
	}
	if len(row.Applied) > 0 {
		if err := json.Unmarshal(row.Applied, &result.AppliedOperations); err != nil {
			return nil, errors.Wrap(err, "failed to decode applied operations")
		}
	}
	if len(row.Rejected) > 0 {
		if err := json.Unmarshal(row.Rejected, &result.RejectedOperations); err != nil {
			return nil, errors.Wrap(err, "failed to decode rejected operations")
		}
	}
	return result, nil
}

func (r *ConflictRepository) AppendToSession(ctx context.Context, contentID, sessionID, conflictID uuid.UUID, resolved bool) error {
	resolvedDelta, unresolvedDelta := 0, 1
	if resolved {
		resolvedDelta, unresolvedDelta = 1, 0
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO resolution_sessions
			(id, content_id, session_id, conflict_ids,
			 resolved_count, unresolved_count, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (content_id, session_id) DO UPDATE SET
			conflict_ids = resolution_sessions.conflict_ids || EXCLUDED.conflict_ids,
			resolved_count = resolution_sessions.resolved_count + EXCLUDED.resolved_count,
			unresolved_count = resolution_sessions.unresolved_count + EXCLUDED.unresolved_count,
			updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query,
		uuid.New(), contentID, sessionID,
		pq.Array([]uuid.UUID{conflictID}),
		resolvedDelta, unresolvedDelta, now)
	if err != nil {
		return errors.Wrap(err, "failed to append to resolution session")
	}
	return nil
}

type sessionRow struct {
	ID              uuid.UUID      `db:"id"`
	ContentID       uuid.UUID      `db:"content_id"`
	SessionID       uuid.UUID      `db:"session_id"`
	ConflictIDs     pq.StringArray `db:"conflict_ids"`
	ResolvedCount   int            `db:"resolved_count"`
	UnresolvedCount int            `db:"unresolved_count"`
	OperationCount  int64          `db:"operation_count"`
	StartedAt       time.Time      `db:"started_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *ConflictRepository) GetSession(ctx context.Context, contentID, sessionID uuid.UUID) (*models.ConflictResolutionSession, error) {
	var row sessionRow
	query := `
		SELECT id, content_id, session_id, conflict_ids,
		       resolved_count, unresolved_count, operation_count,
		       started_at, updated_at
		FROM resolution_sessions
		WHERE content_id = $1 AND session_id = $2`
	if err := r.db.GetContext(ctx, &row, query, contentID, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to query resolution session")
	}
	session := &models.ConflictResolutionSession{
		ID:              row.ID,
		ContentID:       row.ContentID,
		SessionID:       row.SessionID,
		ResolvedCount:   row.ResolvedCount,
		UnresolvedCount: row.UnresolvedCount,
		OperationCount:  row.OperationCount,
		StartedAt:       row.StartedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	for _, raw := range row.ConflictIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode conflict id")
		}
		session.ConflictIDs = append(session.ConflictIDs, id)
	}
	return session, nil
}

var _ interfaces.ConflictRepository = (*ConflictRepository)(nil)
