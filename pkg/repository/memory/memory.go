// Package memory provides in-memory repository implementations with the
// same atomicity guarantees as the postgres ones. Used by tests and
// single-node deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/repository/interfaces"
)

// VersionRepository is an in-memory interfaces.VersionRepository.
type VersionRepository struct {
	mu         sync.RWMutex
	versions   map[uuid.UUID]*models.ContentVersion
	byContent  map[uuid.UUID][]uuid.UUID
	operations map[uuid.UUID][]models.Operation
}

// NewVersionRepository creates an empty in-memory version store.
func NewVersionRepository() *VersionRepository {
	return &VersionRepository{
		versions:   make(map[uuid.UUID]*models.ContentVersion),
		byContent:  make(map[uuid.UUID][]uuid.UUID),
		operations: make(map[uuid.UUID][]models.Operation),
	}
}

func (r *VersionRepository) CreateVersion(ctx context.Context, version *models.ContentVersion) error {
	if err := version.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[version.ID]; ok {
		return interfaces.ErrDuplicate
	}
	clone := *version
	r.versions[version.ID] = &clone
	r.byContent[version.ContentID] = append(r.byContent[version.ContentID], version.ID)
	return nil
}

func (r *VersionRepository) GetVersion(ctx context.Context, id uuid.UUID) (*models.ContentVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *v
	return &clone, nil
}

func (r *VersionRepository) ListVersions(ctx context.Context, contentID uuid.UUID) ([]*models.ContentVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byContent[contentID]
	out := make([]*models.ContentVersion, 0, len(ids))
	for _, id := range ids {
		clone := *r.versions[id]
		out = append(out, &clone)
	}
	return out, nil
}

func (r *VersionRepository) ListOperations(ctx context.Context, versionID uuid.UUID) ([]models.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := r.operations[versionID]
	out := make([]models.Operation, len(ops))
	copy(out, ops)
	return out, nil
}

func (r *VersionRepository) RecordOperation(ctx context.Context, versionID uuid.UUID, op *models.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[versionID] = append(r.operations[versionID], *op)
	return nil
}

// ConflictRepository is an in-memory interfaces.ConflictRepository. The
// TrySetResolving CAS runs under one mutex, giving the same
// exactly-one-winner guarantee as the conditional UPDATE in postgres.
type ConflictRepository struct {
	mu        sync.Mutex
	conflicts map[uuid.UUID]*models.ConflictDetection
	results   map[uuid.UUID]*models.MergeResult
	sessions  map[sessionKey]*models.ConflictResolutionSession
}

type sessionKey struct {
	contentID uuid.UUID
	sessionID uuid.UUID
}

// NewConflictRepository creates an empty in-memory conflict store.
func NewConflictRepository() *ConflictRepository {
	return &ConflictRepository{
		conflicts: make(map[uuid.UUID]*models.ConflictDetection),
		results:   make(map[uuid.UUID]*models.MergeResult),
		sessions:  make(map[sessionKey]*models.ConflictResolutionSession),
	}
}

func (r *ConflictRepository) RecordConflict(ctx context.Context, conflict *models.ConflictDetection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conflicts[conflict.ID]; ok {
		return interfaces.ErrDuplicate
	}
	clone := *conflict
	r.conflicts[conflict.ID] = &clone
	return nil
}

func (r *ConflictRepository) GetConflict(ctx context.Context, id uuid.UUID) (*models.ConflictDetection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (r *ConflictRepository) TrySetResolving(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	if c.Status != models.StatusDetected {
		return false, nil
	}
	c.Status = models.StatusResolving
	return true, nil
}

func (r *ConflictRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.ConflictStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	c.Status = status
	return nil
}

func (r *ConflictRepository) SaveResult(ctx context.Context, conflictID uuid.UUID, result *models.MergeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conflicts[conflictID]; !ok {
		return interfaces.ErrNotFound
	}
	clone := *result
	r.results[conflictID] = &clone
	return nil
}

func (r *ConflictRepository) GetResult(ctx context.Context, conflictID uuid.UUID) (*models.MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[conflictID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *res
	return &clone, nil
}

func (r *ConflictRepository) AppendToSession(ctx context.Context, contentID, sessionID, conflictID uuid.UUID, resolved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{contentID: contentID, sessionID: sessionID}
	s, ok := r.sessions[key]
	if !ok {
		s = &models.ConflictResolutionSession{
			ID:        uuid.New(),
			ContentID: contentID,
			SessionID: sessionID,
			StartedAt: time.Now().UTC(),
		}
		r.sessions[key] = s
	}
	s.ConflictIDs = append(s.ConflictIDs, conflictID)
	if resolved {
		s.ResolvedCount++
	} else {
		s.UnresolvedCount++
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ConflictRepository) GetSession(ctx context.Context, contentID, sessionID uuid.UUID) (*models.ConflictResolutionSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey{contentID: contentID, sessionID: sessionID}]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *s
	clone.ConflictIDs = append([]uuid.UUID(nil), s.ConflictIDs...)
	return &clone, nil
}

var (
	_ interfaces.VersionRepository  = (*VersionRepository)(nil)
	_ interfaces.ConflictRepository = (*ConflictRepository)(nil)
)
