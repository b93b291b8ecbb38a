// Package ai connects the merge engine to an external semantic
// capability. The engine treats the capability as advisory: every
// suggestion is screened before use and any failure degrades to a
// deterministic strategy.
package ai

import (
	"context"

	"github.com/meshsync/meshsync/pkg/models"
)

// SemanticContext is what the engine shares with the capability for one
// conflict. Content is truncated to the configured payload bound before
// transport.
type SemanticContext struct {
	ContentType string                  `json:"content_type"`
	BaseContent string                  `json:"base_content"`
	ContentA    string                  `json:"content_a"`
	ContentB    string                  `json:"content_b"`
	UserA       string                  `json:"user_a"`
	UserB       string                  `json:"user_b"`
	Regions     []models.ConflictRegion `json:"regions,omitempty"`
	Truncated   bool                    `json:"truncated,omitempty"`
	// AnalysisSummary carries a prior analyze pass into the suggestion
	// request.
	AnalysisSummary string `json:"analysis_summary,omitempty"`
}

// SemanticAnalysis is the capability's read on a conflict.
type SemanticAnalysis struct {
	Summary      string   `json:"summary"`
	Intents      []string `json:"intents,omitempty"`
	RiskLevel    string   `json:"risk_level,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
}

// MergeSuggestion is one candidate resolution returned by the
// capability, ranked by Confidence.
type MergeSuggestion struct {
	Content      string  `json:"content"`
	Confidence   float64 `json:"confidence"`
	Rationale    string  `json:"rationale,omitempty"`
	TokensUsed   int     `json:"tokens_used,omitempty"`
	ModelVersion string  `json:"model_version,omitempty"`
}

// Adapter is the capability surface the merge service depends on.
type Adapter interface {
	AnalyzeSemantic(ctx context.Context, sc SemanticContext) (*SemanticAnalysis, error)
	GenerateMergeSuggestions(ctx context.Context, sc SemanticContext) ([]MergeSuggestion, error)
}

// BoundPayload truncates the three content bodies so their combined size
// stays within maxBytes. Truncation keeps prefixes; the capability is
// told the context is partial.
func BoundPayload(sc SemanticContext, maxBytes int) SemanticContext {
	if maxBytes <= 0 {
		return sc
	}
	total := len(sc.BaseContent) + len(sc.ContentA) + len(sc.ContentB)
	if total <= maxBytes {
		return sc
	}
	perBody := maxBytes / 3
	out := sc
	out.BaseContent = truncate(sc.BaseContent, perBody)
	out.ContentA = truncate(sc.ContentA, perBody)
	out.ContentB = truncate(sc.ContentB, perBody)
	out.Truncated = true
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
