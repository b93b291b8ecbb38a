package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshsync/meshsync/pkg/collaboration"
	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/ratelimit"
	"github.com/meshsync/meshsync/pkg/repository/interfaces"
)

const detectionCacheSize = 1024

// DetectionService runs conflict detection over a content's version DAG
// and persists what it finds. Detection over an unchanged DAG is pure,
// so results are cached keyed on the DAG shape.
type DetectionService struct {
	BaseService
	detector  *collaboration.Detector
	versions  interfaces.VersionRepository
	conflicts interfaces.ConflictRepository
	limiter   *ratelimit.SessionLimiter
	cache     *lru.Cache[string, []*models.ConflictDetection]
}

// NewDetectionService creates a detection service. limiter may be nil.
func NewDetectionService(cfg ServiceConfig, detector *collaboration.Detector, versions interfaces.VersionRepository, conflicts interfaces.ConflictRepository, limiter *ratelimit.SessionLimiter) (*DetectionService, error) {
	cache, err := lru.New[string, []*models.ConflictDetection](detectionCacheSize)
	if err != nil {
		return nil, err
	}
	return &DetectionService{
		BaseService: NewBaseService(cfg),
		detector:    detector,
		versions:    versions,
		conflicts:   conflicts,
		limiter:     limiter,
		cache:       cache,
	}, nil
}

// DetectConflicts inspects the version DAG for contentID and records
// every newly found conflict. Cached per DAG shape; adding a version
// changes the key and forces a fresh pass.
func (s *DetectionService) DetectConflicts(ctx context.Context, contentID, sessionID uuid.UUID) ([]*models.ConflictDetection, error) {
	ctx, span := s.startSpan(ctx, "detection.detect_conflicts")
	defer span.End()
	start := time.Now()

	versions, err := s.versions.ListVersions(ctx, contentID)
	if err != nil {
		return nil, s.sanitizeErr(err)
	}
	if len(versions) == 0 {
		return nil, engerrors.NewValidation("content has no versions")
	}

	key := cacheKey(contentID, sessionID, versions)
	if cached, ok := s.cache.Get(key); ok {
		s.metrics.RecordCounter("detection_cache_hits", 1, nil)
		return cloneDetections(cached), nil
	}

	detections, err := s.detector.DetectConflicts(versions, contentID, sessionID)
	if err != nil {
		s.metrics.RecordOperation(observability.CategoryConflictDetection, "detect", false, time.Since(start), nil)
		return nil, s.sanitizeErr(err)
	}

	for _, d := range detections {
		if err := s.conflicts.RecordConflict(ctx, d); err != nil {
			if err == interfaces.ErrDuplicate {
				continue
			}
			return nil, s.sanitizeErr(err)
		}
	}

	s.cache.Add(key, cloneDetections(detections))
	s.metrics.RecordOperation(observability.CategoryConflictDetection, "detect", true, time.Since(start), map[string]string{
		"conflicts": fmt.Sprintf("%d", len(detections)),
	})
	s.logger.Info("conflict detection complete", map[string]interface{}{
		"content_id": contentID.String(),
		"versions":   len(versions),
		"conflicts":  len(detections),
	})
	return detections, nil
}

// cloneDetections deep-copies a detection slice. The cache never shares
// pointers with callers or the repository, so a cached hit cannot leak
// later status mutations.
func cloneDetections(detections []*models.ConflictDetection) []*models.ConflictDetection {
	out := make([]*models.ConflictDetection, len(detections))
	for i, d := range detections {
		c := *d
		if d.ConflictRegions != nil {
			c.ConflictRegions = append([]models.ConflictRegion(nil), d.ConflictRegions...)
		}
		out[i] = &c
	}
	return out
}

// cacheKey fingerprints the DAG shape: the set of version ids is enough
// because versions are immutable.
func cacheKey(contentID, sessionID uuid.UUID, versions []*models.ContentVersion) string {
	var b strings.Builder
	b.WriteString(contentID.String())
	b.WriteString(sessionID.String())
	for _, v := range versions {
		b.WriteString(v.ID.String())
	}
	return models.HashContent(b.String())
}

// SessionMetrics summarizes resolution activity for a content/session
// pair from persisted sessions and the distributed operation counters.
func (s *DetectionService) SessionMetrics(ctx context.Context, contentID, sessionID uuid.UUID) (*models.SessionMetrics, error) {
	session, err := s.conflicts.GetSession(ctx, contentID, sessionID)
	if err != nil {
		if err == interfaces.ErrNotFound {
			return &models.SessionMetrics{ContentID: contentID, ConflictsByType: map[string]int64{}}, nil
		}
		return nil, s.sanitizeErr(err)
	}

	metrics := &models.SessionMetrics{
		ContentID:       contentID,
		ConflictCount:   int64(len(session.ConflictIDs)),
		ConflictsByType: make(map[string]int64),
	}

	authors := make(map[string]struct{})
	versions, err := s.versions.ListVersions(ctx, contentID)
	if err != nil {
		return nil, s.sanitizeErr(err)
	}
	for _, v := range versions {
		authors[v.UserID] = struct{}{}
	}
	metrics.UniqueAuthors = len(authors)

	for _, conflictID := range session.ConflictIDs {
		conflict, err := s.conflicts.GetConflict(ctx, conflictID)
		if err != nil {
			if err == interfaces.ErrNotFound {
				continue
			}
			return nil, s.sanitizeErr(err)
		}
		metrics.ConflictsByType[string(conflict.ConflictType)]++
	}

	if s.limiter != nil {
		total, err := s.limiter.OperationCount(ctx, sessionID.String())
		if err != nil {
			return nil, s.sanitizeErr(err)
		}
		metrics.TotalOperations = total
	}
	if session.ResolvedCount > 0 && !session.UpdatedAt.IsZero() && !session.StartedAt.IsZero() {
		metrics.AverageResolveTime = session.UpdatedAt.Sub(session.StartedAt) / time.Duration(session.ResolvedCount)
	}
	return metrics, nil
}
