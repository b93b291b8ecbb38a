package collaboration

import (
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meshsync/meshsync/pkg/collaboration/crdt"
	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
)

// DetectorConfig exposes the severity-scoring policy. The formula is
// overlapWeight*overlapFraction + authorWeight*(authors-1); both inputs grow
// severity monotonically, the coefficients are deployment policy.
type DetectorConfig struct {
	OverlapWeight     float64 `mapstructure:"overlap_weight"`
	AuthorWeight      float64 `mapstructure:"author_weight"`
	MediumThreshold   float64 `mapstructure:"medium_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
	// OrderingWindow is how many lines apart two insertions may land and
	// still count as order-sensitive.
	OrderingWindow int `mapstructure:"ordering_window"`
}

// DefaultDetectorConfig returns the default severity policy.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		OverlapWeight:     1.0,
		AuthorWeight:      0.25,
		MediumThreshold:   0.3,
		HighThreshold:     0.6,
		CriticalThreshold: 0.9,
		OrderingWindow:    2,
	}
}

// Detector finds and classifies conflicts between concurrent versions of
// the same content. It has no side effects; persistence belongs to the
// storage collaborator.
type Detector struct {
	config DetectorConfig
}

// NewDetector creates a detector with the given severity policy.
func NewDetector(config DetectorConfig) *Detector {
	if config.OverlapWeight == 0 && config.AuthorWeight == 0 {
		config = DefaultDetectorConfig()
	}
	return &Detector{config: config}
}

// DetectConflicts inspects the version DAG for the given content and
// returns one detection per concurrent leaf pair. The DAG arrives as a flat
// arena; parent edges point backward in creation time, so ancestor walks
// are plain index lookups.
func (d *Detector) DetectConflicts(versions []*models.ContentVersion, contentID, sessionID uuid.UUID) ([]*models.ConflictDetection, error) {
	arena := make(map[uuid.UUID]*models.ContentVersion, len(versions))
	isParent := make(map[uuid.UUID]bool, len(versions))
	for _, v := range versions {
		arena[v.ID] = v
	}
	for _, v := range versions {
		if v.ParentVersionID != nil {
			isParent[*v.ParentVersionID] = true
		}
	}

	// Frontier: versions nothing else derives from.
	var frontier []*models.ContentVersion
	for _, v := range versions {
		if !isParent[v.ID] {
			frontier = append(frontier, v)
		}
	}
	sort.Slice(frontier, func(i, j int) bool {
		return frontier[i].CreatedAt.Before(frontier[j].CreatedAt)
	})

	var detections []*models.ConflictDetection
	for i := 0; i < len(frontier); i++ {
		for j := i + 1; j < len(frontier); j++ {
			a, b := frontier[i], frontier[j]
			if crdt.Compare(a.VectorClock, b.VectorClock) != crdt.ClockConcurrent {
				continue
			}

			base, err := commonAncestor(arena, a, b)
			if err != nil {
				return nil, err
			}

			detections = append(detections, d.classify(base, a, b, contentID, sessionID))
		}
	}
	return detections, nil
}

// commonAncestor walks ParentVersionID links until a shared ancestor is
// found. A pruned DAG surfaces as an error, never as "no conflict".
func commonAncestor(arena map[uuid.UUID]*models.ContentVersion, a, b *models.ContentVersion) (*models.ContentVersion, error) {
	ancestors := make(map[uuid.UUID]struct{})
	for cur := a; cur != nil; {
		ancestors[cur.ID] = struct{}{}
		if cur.ParentVersionID == nil {
			break
		}
		cur = arena[*cur.ParentVersionID]
	}
	for cur := b; cur != nil; {
		if _, ok := ancestors[cur.ID]; ok {
			return cur, nil
		}
		if cur.ParentVersionID == nil {
			break
		}
		cur = arena[*cur.ParentVersionID]
	}
	return nil, engerrors.NewAncestorNotFound(a.ContentID, a.ID, b.ID)
}

var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)

// classify builds the detection record for one concurrent pair.
func (d *Detector) classify(base, a, b *models.ContentVersion, contentID, sessionID uuid.UUID) *models.ConflictDetection {
	baseLines := SplitLines(base.Content)
	offsets := LineOffsets(baseLines)
	hunksA := DiffLines(baseLines, SplitLines(a.Content))
	hunksB := DiffLines(baseLines, SplitLines(b.Content))

	var regions []models.ConflictRegion
	types := make(map[models.ConflictType]bool)

	overlapLines := 0
	touchedLines := 0

	for _, ha := range hunksA {
		touchedLines += maxInt(ha.BaseEnd-ha.BaseStart, 1)
	}
	for _, hb := range hunksB {
		touchedLines += maxInt(hb.BaseEnd-hb.BaseStart, 1)
	}

	for _, ha := range hunksA {
		for _, hb := range hunksB {
			switch {
			case overlaps(ha.BaseStart, ha.BaseEnd, hb.BaseStart, hb.BaseEnd):
				start := minInt(ha.BaseStart, hb.BaseStart)
				end := maxInt(ha.BaseEnd, hb.BaseEnd)
				overlapLines += maxInt(end-start, 1)
				types[models.ConflictContentModification] = true
				regions = append(regions, models.ConflictRegion{
					Start:       offsets[start],
					End:         offsets[end],
					Type:        models.ConflictContentModification,
					Description: "both sides modified the same region",
				})
			case crossReferences(ha, hb, baseLines) || crossReferences(hb, ha, baseLines):
				types[models.ConflictDependency] = true
				regions = append(regions, models.ConflictRegion{
					Start:       offsets[minInt(ha.BaseStart, hb.BaseStart)],
					End:         offsets[maxInt(ha.BaseEnd, hb.BaseEnd)],
					Type:        models.ConflictDependency,
					Description: "one side references content the other side changed",
				})
			case orderSensitive(ha, hb, d.config.OrderingWindow):
				types[models.ConflictOrdering] = true
				regions = append(regions, models.ConflictRegion{
					Start:       offsets[minInt(ha.BaseStart, hb.BaseStart)],
					End:         offsets[maxInt(ha.BaseEnd, hb.BaseEnd)],
					Type:        models.ConflictOrdering,
					Description: "nearby insertions whose relative order is ambiguous",
				})
			}
		}
	}

	// Concurrent versions with disjoint, order-insensitive edits still
	// diverged in time and need a merge; they classify as temporal.
	conflictType := models.ConflictTemporal
	if len(types) == 1 {
		for t := range types {
			conflictType = t
		}
	} else if len(types) > 1 {
		conflictType = models.ConflictCompound
	}

	overlapFraction := 0.0
	if touchedLines > 0 {
		overlapFraction = float64(overlapLines) / float64(touchedLines)
	}
	authors := distinctAuthors(a, b)

	return &models.ConflictDetection{
		ID:              uuid.New(),
		ContentID:       contentID,
		SessionID:       sessionID,
		ConflictType:    conflictType,
		Severity:        d.Severity(overlapFraction, authors),
		Status:          models.StatusDetected,
		BaseVersion:     base.ID,
		VersionA:        a.ID,
		VersionB:        b.ID,
		ConflictRegions: regions,
		DetectedAt:      time.Now().UTC(),
	}
}

// Severity maps the overlap fraction and author count through the
// configured policy. Strictly monotone in both inputs.
func (d *Detector) Severity(overlapFraction float64, authors int) models.ConflictSeverity {
	score := d.config.OverlapWeight*overlapFraction + d.config.AuthorWeight*float64(authors-1)
	switch {
	case score >= d.config.CriticalThreshold:
		return models.SeverityCritical
	case score >= d.config.HighThreshold:
		return models.SeverityHigh
	case score >= d.config.MediumThreshold:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// crossReferences reports whether hunk ha introduces text that mentions an
// identifier living in the base region hunk hb rewrote.
func crossReferences(ha, hb Hunk, baseLines []string) bool {
	if hb.BaseEnd <= hb.BaseStart {
		return false
	}
	removed := make(map[string]struct{})
	for _, line := range baseLines[hb.BaseStart:hb.BaseEnd] {
		for _, ident := range identifierPattern.FindAllString(line, -1) {
			removed[ident] = struct{}{}
		}
	}
	if len(removed) == 0 {
		return false
	}
	for _, line := range ha.Lines {
		for _, ident := range identifierPattern.FindAllString(line, -1) {
			if _, ok := removed[ident]; ok {
				return true
			}
		}
	}
	return false
}

// orderSensitive reports whether two non-overlapping insertions land close
// enough that their relative order changes the result's meaning.
func orderSensitive(ha, hb Hunk, window int) bool {
	if ha.BaseStart != ha.BaseEnd || hb.BaseStart != hb.BaseEnd {
		return false
	}
	delta := ha.BaseStart - hb.BaseStart
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

func distinctAuthors(versions ...*models.ContentVersion) int {
	seen := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		seen[v.UserID] = struct{}{}
	}
	return len(seen)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
