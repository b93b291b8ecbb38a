package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/meshsync/meshsync/pkg/collaboration/crdt"
	engerrors "github.com/meshsync/meshsync/pkg/errors"
)

// ContentVersion is one immutable snapshot in a content timeline. Versions
// form a DAG through ParentVersionID: two versions sharing a parent is what
// produces a conflict.
type ContentVersion struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	ContentID       uuid.UUID        `json:"content_id" db:"content_id"`
	Content         string           `json:"content" db:"content"`
	ContentHash     string           `json:"content_hash" db:"content_hash"`
	ContentType     string           `json:"content_type" db:"content_type"`
	UserID          string           `json:"user_id" db:"user_id"`
	SessionID       uuid.UUID        `json:"session_id" db:"session_id"`
	VectorClock     crdt.VectorClock `json:"vector_clock" db:"vector_clock"`
	ParentVersionID *uuid.UUID       `json:"parent_version_id,omitempty" db:"parent_version_id"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// HashContent returns the hex sha256 of a content body.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Validate checks structural invariants on the version.
func (v *ContentVersion) Validate() error {
	if v.ID == uuid.Nil {
		return engerrors.NewValidation("version id is required")
	}
	if v.ContentID == uuid.Nil {
		return engerrors.NewValidation("content id is required")
	}
	if v.UserID == "" {
		return engerrors.NewValidation("user id is required")
	}
	if v.ContentHash != "" && v.ContentHash != HashContent(v.Content) {
		return engerrors.NewValidation("content hash does not match content")
	}
	return nil
}

// OperationType identifies the kind of a fine-grained edit.
type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
)

// Operation is a single atomic edit relative to the content offset space
// valid at authoring time. Immutable once created.
type Operation struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	Type      OperationType `json:"type" db:"type"`
	Position  int           `json:"position" db:"position"`
	Length    int           `json:"length,omitempty" db:"length"`
	Content   string        `json:"content,omitempty" db:"content"`
	UserID    string        `json:"user_id" db:"user_id"`
	SessionID uuid.UUID     `json:"session_id" db:"session_id"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
}

// Validate checks the operation is well formed independent of any content.
func (op *Operation) Validate() error {
	switch op.Type {
	case OpInsert:
		if op.Content == "" {
			return engerrors.NewValidation("insert requires content")
		}
	case OpDelete:
		if op.Length <= 0 {
			return engerrors.NewValidation("delete requires a positive length")
		}
	case OpReplace:
		if op.Length <= 0 || op.Content == "" {
			return engerrors.NewValidation("replace requires a positive length and content")
		}
	default:
		return engerrors.NewValidation("unknown operation type: " + string(op.Type))
	}
	if op.Position < 0 {
		return engerrors.NewValidation("operation position must be non-negative")
	}
	return nil
}

// Before reports whether op precedes other in the engine's deterministic
// total order. Transform and replay order is always derived from
// (timestamp, user id), never from arrival order.
func (op *Operation) Before(other *Operation) bool {
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.Before(other.Timestamp)
	}
	return op.UserID < other.UserID
}
