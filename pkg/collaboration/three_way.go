package collaboration

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshsync/meshsync/pkg/models"
)

// sideHunk tags a hunk with the version it came from.
type sideHunk struct {
	Hunk
	version *models.ContentVersion
}

// ThreeWayMerge combines two divergent versions using their common
// ancestor. Non-overlapping hunks from each side are both applied, so the
// merged content is a strict superset of the non-conflicting intent of both
// sides. Hunks touching the same base region are not arbitrarily picked:
// they are emitted as rejected operations and the confidence score drops in
// proportion to the rejected fraction.
func ThreeWayMerge(base, versionA, versionB *models.ContentVersion) (*models.MergeResult, error) {
	baseLines := SplitLines(base.Content)
	offsets := LineOffsets(baseLines)

	hunksA := DiffLines(baseLines, SplitLines(versionA.Content))
	hunksB := DiffLines(baseLines, SplitLines(versionB.Content))

	all := make([]sideHunk, 0, len(hunksA)+len(hunksB))
	for _, h := range hunksA {
		all = append(all, sideHunk{Hunk: h, version: versionA})
	}
	for _, h := range hunksB {
		all = append(all, sideHunk{Hunk: h, version: versionB})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].BaseStart != all[j].BaseStart {
			return all[i].BaseStart < all[j].BaseStart
		}
		return all[i].BaseEnd < all[j].BaseEnd
	})

	var (
		out      strings.Builder
		applied  []models.Operation
		rejected []models.Operation
		cursor   int
	)

	flushBase := func(until int) {
		for cursor < until {
			out.WriteString(baseLines[cursor])
			cursor++
		}
	}

	for i := 0; i < len(all); {
		group := []sideHunk{all[i]}
		groupEnd := all[i].BaseEnd
		j := i + 1
		for j < len(all) && overlaps(all[j].BaseStart, all[j].BaseEnd, all[i].BaseStart, groupEnd) {
			if all[j].BaseEnd > groupEnd {
				groupEnd = all[j].BaseEnd
			}
			group = append(group, all[j])
			j++
		}

		flushBase(group[0].BaseStart)

		if resolvable, lines := resolveGroup(group); resolvable {
			for _, line := range lines {
				out.WriteString(line)
			}
			for _, h := range group {
				applied = append(applied, hunkOperation(h, offsets))
			}
		} else {
			// Keep the base text for the contested region; both sides'
			// intents travel with the result as rejected operations.
			flushBase(groupEnd)
			for _, h := range group {
				rejected = append(rejected, hunkOperation(h, offsets))
			}
			cursor = groupEnd
			i = j
			continue
		}

		cursor = groupEnd
		i = j
	}
	flushBase(len(baseLines))

	total := len(applied) + len(rejected)
	confidence := 1.0
	if total > 0 {
		confidence = float64(len(applied)) / float64(total)
	}

	return &models.MergeResult{
		Strategy:           models.StrategyThreeWayMerge,
		MergedContent:      out.String(),
		ConfidenceScore:    confidence,
		AppliedOperations:  applied,
		RejectedOperations: rejected,
	}, nil
}

// resolveGroup decides whether a cluster of overlapping hunks can be
// applied. A single hunk always can; several can only when they carry the
// identical replacement for the identical region (both sides made the same
// edit).
func resolveGroup(group []sideHunk) (bool, []string) {
	if len(group) == 1 {
		return true, group[0].Lines
	}
	first := group[0]
	for _, h := range group[1:] {
		if h.BaseStart != first.BaseStart || h.BaseEnd != first.BaseEnd || !equalLines(h.Lines, first.Lines) {
			return false, nil
		}
	}
	return true, first.Lines
}

func overlaps(aStart, aEnd, bStart, bEnd int) bool {
	if aStart == aEnd {
		// Pure insertion conflicts only when it lands strictly inside the
		// other range or at the same insertion point.
		return aStart >= bStart && aStart < bEnd || (aStart == bStart && bStart == bEnd)
	}
	if bStart == bEnd {
		return bStart >= aStart && bStart < aEnd || (aStart == bStart && aStart == aEnd)
	}
	return aStart < bEnd && bStart < aEnd
}

// hunkOperation renders a hunk as a replace operation in the base's byte
// offset space, attributed to the side that authored it.
func hunkOperation(h sideHunk, offsets []int) models.Operation {
	start := offsets[h.BaseStart]
	end := offsets[h.BaseEnd]

	var content strings.Builder
	for _, line := range h.Lines {
		content.WriteString(line)
	}

	ts := time.Time{}
	userID := ""
	sessionID := uuid.Nil
	if h.version != nil {
		ts = h.version.CreatedAt
		userID = h.version.UserID
		sessionID = h.version.SessionID
	}

	return models.Operation{
		ID:        uuid.New(),
		Type:      models.OpReplace,
		Position:  start,
		Length:    end - start,
		Content:   content.String(),
		UserID:    userID,
		SessionID: sessionID,
		Timestamp: ts,
	}
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
