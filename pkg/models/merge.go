package models

import "time"

// MergeStrategy is the closed set of resolution algorithms. Callers can
// enumerate it exhaustively; dispatch happens through a single switch in the
// merge service.
type MergeStrategy string

const (
	StrategyLastWriterWins       MergeStrategy = "last_writer_wins"
	StrategyThreeWayMerge        MergeStrategy = "three_way_merge"
	StrategyOperationalTransform MergeStrategy = "operational_transform"
	StrategyAIAssisted           MergeStrategy = "ai_assisted"
)

// Valid reports whether s names a known strategy.
func (s MergeStrategy) Valid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyThreeWayMerge, StrategyOperationalTransform, StrategyAIAssisted:
		return true
	}
	return false
}

// MergeOptions carries per-invocation parameters for a merge.
type MergeOptions struct {
	// Timeout bounds the whole merge execution. Zero means the engine
	// default applies.
	Timeout time.Duration `json:"timeout"`
	// UserPriority breaks last-writer-wins ties; higher wins.
	UserPriority map[string]int `json:"user_priority,omitempty"`
	// SchemaJSON optionally validates merged JSON content before the
	// result is accepted.
	SchemaJSON string `json:"schema_json,omitempty"`
	// MaxAIPayloadBytes bounds what is forwarded to the semantic
	// capability. Zero means the engine default applies.
	MaxAIPayloadBytes int `json:"max_ai_payload_bytes,omitempty"`
	// ShareSecretsWithAI forwards content to the semantic capability
	// verbatim. Unless set, secret-shaped substrings are redacted from
	// the outbound payload.
	ShareSecretsWithAI bool `json:"share_secrets_with_ai,omitempty"`
}

// MergeResult is the outcome of one successful resolution. Partial
// resolution is not an error: overlapping hunks surface as
// RejectedOperations with a proportionally reduced ConfidenceScore so
// downstream consumers can request manual resolution.
type MergeResult struct {
	Strategy           MergeStrategy `json:"strategy" db:"strategy"`
	MergedContent      string        `json:"merged_content" db:"merged_content"`
	ConfidenceScore    float64       `json:"confidence_score" db:"confidence_score"`
	AppliedOperations  []Operation   `json:"applied_operations" db:"-"`
	RejectedOperations []Operation   `json:"rejected_operations" db:"-"`
}
