package models

import (
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies what kind of divergence was detected between two
// concurrent versions.
type ConflictType string

const (
	ConflictContentModification ConflictType = "content_modification"
	ConflictSpatial             ConflictType = "spatial"
	ConflictTemporal            ConflictType = "temporal"
	ConflictSemantic            ConflictType = "semantic"
	ConflictOrdering            ConflictType = "ordering"
	ConflictDependency          ConflictType = "dependency"
	ConflictCompound            ConflictType = "compound"
)

// ConflictSeverity grades how disruptive a conflict is expected to be.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ConflictStatus tracks the resolution state machine:
// detected -> resolving -> {resolved | conflict}.
type ConflictStatus string

const (
	StatusDetected  ConflictStatus = "detected"
	StatusResolving ConflictStatus = "resolving"
	StatusResolved  ConflictStatus = "resolved"
	StatusConflict  ConflictStatus = "conflict"
)

// ConflictRegion is a range in content where the two sides' edits overlap.
type ConflictRegion struct {
	Start       int          `json:"start" db:"start"`
	End         int          `json:"end" db:"end"`
	Type        ConflictType `json:"type" db:"type"`
	Description string       `json:"description" db:"description"`
}

// ConflictDetection records one detected conflict between two concurrent
// versions of the same content. Created by the detector; only the merge
// engine transitions Status, and never two resolvers at once.
type ConflictDetection struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	ContentID       uuid.UUID        `json:"content_id" db:"content_id"`
	SessionID       uuid.UUID        `json:"session_id" db:"session_id"`
	ConflictType    ConflictType     `json:"conflict_type" db:"conflict_type"`
	Severity        ConflictSeverity `json:"severity" db:"severity"`
	Status          ConflictStatus   `json:"status" db:"status"`
	BaseVersion     uuid.UUID        `json:"base_version" db:"base_version"`
	VersionA        uuid.UUID        `json:"version_a" db:"version_a"`
	VersionB        uuid.UUID        `json:"version_b" db:"version_b"`
	ConflictRegions []ConflictRegion `json:"conflict_regions" db:"-"`
	DetectedAt      time.Time        `json:"detected_at" db:"detected_at"`
}

// ConflictResolutionSession groups conflicts and results for a
// content/session pair for audit and metrics. Append-only.
type ConflictResolutionSession struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	ContentID       uuid.UUID   `json:"content_id" db:"content_id"`
	SessionID       uuid.UUID   `json:"session_id" db:"session_id"`
	ConflictIDs     []uuid.UUID `json:"conflict_ids" db:"-"`
	ResolvedCount   int         `json:"resolved_count" db:"resolved_count"`
	UnresolvedCount int         `json:"unresolved_count" db:"unresolved_count"`
	OperationCount  int64       `json:"operation_count" db:"operation_count"`
	StartedAt       time.Time   `json:"started_at" db:"started_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// SessionMetrics summarizes resolution activity for a resolution session.
type SessionMetrics struct {
	ContentID          uuid.UUID        `json:"content_id"`
	UniqueAuthors      int              `json:"unique_authors"`
	TotalOperations    int64            `json:"total_operations"`
	ConflictCount      int64            `json:"conflict_count"`
	ConflictsByType    map[string]int64 `json:"conflicts_by_type"`
	AverageResolveTime time.Duration    `json:"average_resolve_time"`
}
