// Package interfaces defines the narrow storage contracts the engine
// depends on. The engine never issues raw queries.
package interfaces

import (
	"context"

	"github.com/google/uuid"

	"github.com/meshsync/meshsync/pkg/models"
)

// VersionRepository persists the immutable content-version DAG.
type VersionRepository interface {
	CreateVersion(ctx context.Context, version *models.ContentVersion) error
	GetVersion(ctx context.Context, id uuid.UUID) (*models.ContentVersion, error)
	// ListVersions returns every version for the content, parents
	// included, so ancestor walks stay in-process.
	ListVersions(ctx context.Context, contentID uuid.UUID) ([]*models.ContentVersion, error)
	// ListOperations returns the fine-grained operation log behind a
	// version, when the session recorded one.
	ListOperations(ctx context.Context, versionID uuid.UUID) ([]models.Operation, error)
	RecordOperation(ctx context.Context, versionID uuid.UUID, op *models.Operation) error
}

// ConflictRepository persists detections, results and resolution sessions.
type ConflictRepository interface {
	RecordConflict(ctx context.Context, conflict *models.ConflictDetection) error
	GetConflict(ctx context.Context, id uuid.UUID) (*models.ConflictDetection, error)
	// TrySetResolving atomically transitions detected -> resolving.
	// Exactly one concurrent caller observes true; everyone else false.
	TrySetResolving(ctx context.Context, id uuid.UUID) (bool, error)
	// SetStatus records a terminal transition (resolved or conflict).
	SetStatus(ctx context.Context, id uuid.UUID, status models.ConflictStatus) error
	SaveResult(ctx context.Context, conflictID uuid.UUID, result *models.MergeResult) error
	GetResult(ctx context.Context, conflictID uuid.UUID) (*models.MergeResult, error)

	// Resolution session bookkeeping, append-only.
	AppendToSession(ctx context.Context, contentID, sessionID, conflictID uuid.UUID, resolved bool) error
	GetSession(ctx context.Context, contentID, sessionID uuid.UUID) (*models.ConflictResolutionSession, error)
}
