package collaboration

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsync/meshsync/pkg/models"
)

func makeVersion(contentID uuid.UUID, content, userID string, parent *uuid.UUID) *models.ContentVersion {
	return &models.ContentVersion{
		ID:              uuid.New(),
		ContentID:       contentID,
		Content:         content,
		ContentHash:     models.HashContent(content),
		ContentType:     "text/plain",
		UserID:          userID,
		SessionID:       uuid.New(),
		CreatedAt:       time.Now(),
		ParentVersionID: parent,
	}
}

func TestDiffLines(t *testing.T) {
	t.Run("identical content has no hunks", func(t *testing.T) {
		lines := SplitLines("a\nb\nc\n")
		assert.Empty(t, DiffLines(lines, lines))
	})

	t.Run("single line change", func(t *testing.T) {
		base := SplitLines("a\nb\nc\n")
		derived := SplitLines("a\nB\nc\n")

		hunks := DiffLines(base, derived)
		require.Len(t, hunks, 1)
		assert.Equal(t, 1, hunks[0].BaseStart)
		assert.Equal(t, 2, hunks[0].BaseEnd)
		assert.Equal(t, []string{"B\n"}, hunks[0].Lines)
	})

	t.Run("pure insertion has empty base range", func(t *testing.T) {
		base := SplitLines("a\nc\n")
		derived := SplitLines("a\nb\nc\n")

		hunks := DiffLines(base, derived)
		require.Len(t, hunks, 1)
		assert.Equal(t, hunks[0].BaseStart, hunks[0].BaseEnd)
		assert.Equal(t, []string{"b\n"}, hunks[0].Lines)
	})

	t.Run("deletion produces empty replacement", func(t *testing.T) {
		base := SplitLines("a\nb\nc\n")
		derived := SplitLines("a\nc\n")

		hunks := DiffLines(base, derived)
		require.Len(t, hunks, 1)
		assert.Empty(t, hunks[0].Lines)
	})

	t.Run("split keeps terminators", func(t *testing.T) {
		lines := SplitLines("a\nb")
		assert.Equal(t, []string{"a\n", "b"}, lines)
		assert.Equal(t, []int{0, 2, 3}, LineOffsets(lines))
	})
}

func TestThreeWayMerge(t *testing.T) {
	contentID := uuid.New()

	t.Run("non-overlapping edits from both sides are combined", func(t *testing.T) {
		base := makeVersion(contentID, "line one\nline two\nline three\nline four\n", "author", nil)
		a := makeVersion(contentID, "Feature C\nline two\nline three\nline four\n", "user1", &base.ID)
		b := makeVersion(contentID, "line one\nline two\nline three\nFeature D\n", "user2", &base.ID)

		result, err := ThreeWayMerge(base, a, b)
		require.NoError(t, err)

		assert.Contains(t, result.MergedContent, "Feature C")
		assert.Contains(t, result.MergedContent, "Feature D")
		assert.Equal(t, 1.0, result.ConfidenceScore)
		assert.Empty(t, result.RejectedOperations)
		assert.Equal(t, models.StrategyThreeWayMerge, result.Strategy)
	})

	t.Run("overlapping edits are rejected, not picked", func(t *testing.T) {
		base := makeVersion(contentID, "alpha\nbeta\ngamma\n", "author", nil)
		a := makeVersion(contentID, "alpha\nBETA-A\ngamma\n", "user1", &base.ID)
		b := makeVersion(contentID, "alpha\nBETA-B\ngamma\n", "user2", &base.ID)

		result, err := ThreeWayMerge(base, a, b)
		require.NoError(t, err)

		// Neither side wins; base text survives in the contested region.
		assert.Contains(t, result.MergedContent, "beta")
		assert.NotContains(t, result.MergedContent, "BETA-A")
		assert.NotContains(t, result.MergedContent, "BETA-B")
		require.Len(t, result.RejectedOperations, 2)
		assert.Less(t, result.ConfidenceScore, 1.0)

		authors := map[string]bool{}
		for _, op := range result.RejectedOperations {
			authors[op.UserID] = true
			assert.Equal(t, models.OpReplace, op.Type)
		}
		assert.True(t, authors["user1"])
		assert.True(t, authors["user2"])
	})

	t.Run("identical edits on both sides apply once", func(t *testing.T) {
		base := makeVersion(contentID, "alpha\nbeta\ngamma\n", "author", nil)
		a := makeVersion(contentID, "alpha\nBETA\ngamma\n", "user1", &base.ID)
		b := makeVersion(contentID, "alpha\nBETA\ngamma\n", "user2", &base.ID)

		result, err := ThreeWayMerge(base, a, b)
		require.NoError(t, err)
		assert.Equal(t, "alpha\nBETA\ngamma\n", result.MergedContent)
		assert.Empty(t, result.RejectedOperations)
	})

	t.Run("confidence drops proportionally to rejected hunks", func(t *testing.T) {
		base := makeVersion(contentID, "one\ntwo\nthree\nfour\nfive\nsix\n", "author", nil)
		// A edits lines two and five; B edits lines two (conflicting) and four.
		a := makeVersion(contentID, "one\nTWO-A\nthree\nfour\nFIVE-A\nsix\n", "user1", &base.ID)
		b := makeVersion(contentID, "one\nTWO-B\nthree\nFOUR-B\nfive\nsix\n", "user2", &base.ID)

		result, err := ThreeWayMerge(base, a, b)
		require.NoError(t, err)

		assert.Contains(t, result.MergedContent, "FIVE-A")
		assert.Contains(t, result.MergedContent, "FOUR-B")
		assert.Contains(t, result.MergedContent, "two")
		require.Len(t, result.RejectedOperations, 2)
		require.Len(t, result.AppliedOperations, 2)
		assert.InDelta(t, 0.5, result.ConfidenceScore, 1e-9)
	})

	t.Run("one side unchanged is trivially merged", func(t *testing.T) {
		base := makeVersion(contentID, "x\ny\n", "author", nil)
		a := makeVersion(contentID, "x\ny\n", "user1", &base.ID)
		b := makeVersion(contentID, "x\nY!\n", "user2", &base.ID)

		result, err := ThreeWayMerge(base, a, b)
		require.NoError(t, err)
		assert.Equal(t, "x\nY!\n", result.MergedContent)
		assert.Equal(t, 1.0, result.ConfidenceScore)
	})
}

// Merging two multi-megabyte versions must stay within a bounded memory
// envelope: diffing trims the untouched bulk, so only touched sections hit
// the quadratic path.
func TestThreeWayMergeLargeContent(t *testing.T) {
	contentID := uuid.New()

	var sb strings.Builder
	for i := 0; i < 40000; i++ {
		sb.WriteString("this is filler line content for the large document case\n")
	}
	bulk := sb.String() // ~2.2MB

	base := makeVersion(contentID, "HEADER\n"+bulk+"FOOTER\n", "author", nil)
	a := makeVersion(contentID, "HEADER-A\n"+bulk+"FOOTER\n", "user1", &base.ID)
	b := makeVersion(contentID, "HEADER\n"+bulk+"FOOTER-B\n", "user2", &base.ID)

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	result, err := ThreeWayMerge(base, a, b)
	require.NoError(t, err)

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	assert.Contains(t, result.MergedContent, "HEADER-A")
	assert.Contains(t, result.MergedContent, "FOOTER-B")
	assert.Empty(t, result.RejectedOperations)

	// Additional resident growth for one merge stays under 50MB.
	growth := int64(after.HeapAlloc) - int64(before.HeapAlloc)
	assert.Less(t, growth, int64(50<<20), "merge of ~2MB versions grew heap by %d bytes", growth)
}
