package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/meshsync/meshsync/pkg/ai"
	"github.com/meshsync/meshsync/pkg/collaboration"
	"github.com/meshsync/meshsync/pkg/collaboration/ot"
	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/ratelimit"
	"github.com/meshsync/meshsync/pkg/repository/interfaces"
	"github.com/meshsync/meshsync/pkg/storage"
)

// MergeService executes resolution strategies against detected
// conflicts. Exactly one resolver wins a conflict; everyone else gets
// an already-resolving error. Every execution is bounded by a timeout
// and recorded in metrics whether it succeeds or not.
type MergeService struct {
	BaseService
	versions   interfaces.VersionRepository
	conflicts  interfaces.ConflictRepository
	adapter    ai.Adapter
	limiter    *ratelimit.SessionLimiter
	offloader  *storage.ContentOffloader
	resolverID string

	defaultTimeout time.Duration
	maxBatchOps    int
}

// NewMergeService creates a merge service. adapter, limiter, and
// offloader may be nil; an absent adapter makes ai_assisted degrade to
// three-way merge immediately.
func NewMergeService(cfg ServiceConfig, versions interfaces.VersionRepository, conflicts interfaces.ConflictRepository, adapter ai.Adapter, limiter *ratelimit.SessionLimiter, offloader *storage.ContentOffloader, defaultTimeout time.Duration) *MergeService {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	return &MergeService{
		BaseService:    NewBaseService(cfg),
		versions:       versions,
		conflicts:      conflicts,
		adapter:        adapter,
		limiter:        limiter,
		offloader:      offloader,
		resolverID:     uuid.NewString(),
		defaultTimeout: defaultTimeout,
		maxBatchOps:    1000,
	}
}

// SetMaxBatchOperations overrides the transform window bound. Transform
// cost is quadratic in the batch size, so this is the engine's main
// safety valve against runaway operation logs.
func (s *MergeService) SetMaxBatchOperations(n int) {
	if n > 0 {
		s.maxBatchOps = n
	}
}

type mergeOutcome struct {
	result *models.MergeResult
	err    error
}

// ExecuteMerge resolves a conflict with the requested strategy.
//
// The detected -> resolving transition is claimed atomically through
// the repository; a lost race returns an already-resolving error
// without touching content. Success saves the result and transitions
// the conflict to resolved, or to conflict when hunks were rejected so
// a human can finish the job.
func (s *MergeService) ExecuteMerge(ctx context.Context, conflictID uuid.UUID, strategy models.MergeStrategy, opts models.MergeOptions) (*models.MergeResult, error) {
	ctx, span := s.startSpan(ctx, "merge.execute")
	defer span.End()
	span.SetAttribute("conflict_id", conflictID.String())
	span.SetAttribute("strategy", string(strategy))
	start := time.Now()

	result, err := s.executeMerge(ctx, conflictID, strategy, opts)

	s.metrics.RecordOperation(observability.CategoryMergeExecution, string(strategy), err == nil, time.Since(start), map[string]string{
		"conflict_id": conflictID.String(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.sanitizeErr(err)
	}
	return result, nil
}

func (s *MergeService) executeMerge(ctx context.Context, conflictID uuid.UUID, strategy models.MergeStrategy, opts models.MergeOptions) (*models.MergeResult, error) {
	if !strategy.Valid() {
		return nil, engerrors.NewValidation("unknown merge strategy: " + string(strategy))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	mergeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Every repository and capability call runs inside the goroutine so a
	// collaborator that ignores cancellation cannot stall the caller past
	// the deadline.
	claimed := make(chan struct{}, 1)
	outcome := make(chan mergeOutcome, 1)
	go func() {
		result, err := s.resolveConflict(mergeCtx, conflictID, strategy, opts, timeout, claimed)
		outcome <- mergeOutcome{result: result, err: err}
	}()

	select {
	case <-mergeCtx.Done():
		select {
		case <-claimed:
			// The claim was won before the deadline fired; hand it back
			// so a retry can proceed. The straggler's result is discarded.
			s.releaseClaim(ctx, conflictID)
		default:
		}
		return nil, engerrors.NewMergeTimeout(conflictID, timeout.Milliseconds())
	case out := <-outcome:
		return out.result, out.err
	}
}

// resolveConflict claims the conflict, runs the strategy, and persists
// the result, all under the merge deadline. It signals claimed once the
// detected -> resolving transition is won so the timeout path knows
// whether there is a claim to hand back.
func (s *MergeService) resolveConflict(ctx context.Context, conflictID uuid.UUID, strategy models.MergeStrategy, opts models.MergeOptions, timeout time.Duration, claimed chan<- struct{}) (*models.MergeResult, error) {
	won, err := s.conflicts.TrySetResolving(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, engerrors.NewAlreadyResolving(conflictID)
	}
	claimed <- struct{}{}

	if s.limiter != nil {
		ok, err := s.limiter.Heartbeat(ctx, conflictID.String(), s.resolverID)
		if err == nil && !ok {
			// Another live resolver holds the distributed claim even
			// though we won the row. Back off.
			s.releaseClaim(ctx, conflictID)
			return nil, engerrors.NewAlreadyResolving(conflictID)
		}
		defer s.limiter.CompleteOperation(context.Background(), conflictID.String())
	}

	conflict, err := s.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		s.releaseClaim(ctx, conflictID)
		return nil, err
	}

	result, err := s.runStrategy(ctx, conflict, strategy, opts)
	if err != nil {
		s.releaseClaim(ctx, conflictID)
		return nil, err
	}
	if ctx.Err() != nil {
		// The deadline fired while the strategy was finishing. The caller
		// has already reported a timeout; do not persist.
		s.releaseClaim(ctx, conflictID)
		return nil, engerrors.NewMergeTimeout(conflictID, timeout.Milliseconds())
	}
	return s.finalize(ctx, conflict, result, opts)
}

// releaseClaim returns a claimed conflict to detected so another
// resolver can retry. Uses a fresh context because the merge context
// may already be expired.
func (s *MergeService) releaseClaim(ctx context.Context, conflictID uuid.UUID) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.conflicts.SetStatus(releaseCtx, conflictID, models.StatusDetected); err != nil {
		s.logger.Error("failed to release conflict claim", map[string]interface{}{
			"conflict_id": conflictID.String(),
			"error":       err.Error(),
		})
	}
}

func (s *MergeService) finalize(ctx context.Context, conflict *models.ConflictDetection, result *models.MergeResult, opts models.MergeOptions) (*models.MergeResult, error) {
	if opts.SchemaJSON != "" {
		if err := validateAgainstSchema(result.MergedContent, opts.SchemaJSON); err != nil {
			s.releaseClaim(ctx, conflict.ID)
			return nil, err
		}
	}

	if err := s.conflicts.SaveResult(ctx, conflict.ID, result); err != nil {
		s.releaseClaim(ctx, conflict.ID)
		return nil, err
	}

	resolved := len(result.RejectedOperations) == 0
	status := models.StatusResolved
	if !resolved {
		status = models.StatusConflict
	}
	if err := s.conflicts.SetStatus(ctx, conflict.ID, status); err != nil {
		return nil, err
	}
	if err := s.conflicts.AppendToSession(ctx, conflict.ContentID, conflict.SessionID, conflict.ID, resolved); err != nil {
		s.logger.Warn("failed to append resolution session", map[string]interface{}{
			"conflict_id": conflict.ID.String(),
			"error":       err.Error(),
		})
	}
	s.logger.Info("merge finished", map[string]interface{}{
		"conflict_id": conflict.ID.String(),
		"strategy":    string(result.Strategy),
		"status":      string(status),
		"confidence":  result.ConfidenceScore,
	})
	return result, nil
}

func validateAgainstSchema(content, schemaJSON string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewStringLoader(content))
	if err != nil {
		return engerrors.NewValidation("schema validation failed: " + err.Error())
	}
	if !result.Valid() {
		msg := "merged content violates schema"
		if errs := result.Errors(); len(errs) > 0 {
			msg += ": " + errs[0].String()
		}
		return engerrors.NewValidation(msg)
	}
	return nil
}

func (s *MergeService) runStrategy(ctx context.Context, conflict *models.ConflictDetection, strategy models.MergeStrategy, opts models.MergeOptions) (*models.MergeResult, error) {
	base, err := s.loadVersion(ctx, conflict.BaseVersion)
	if err != nil {
		return nil, err
	}
	versionA, err := s.loadVersion(ctx, conflict.VersionA)
	if err != nil {
		return nil, err
	}
	versionB, err := s.loadVersion(ctx, conflict.VersionB)
	if err != nil {
		return nil, err
	}

	switch strategy {
	case models.StrategyLastWriterWins:
		return lastWriterWins(versionA, versionB, opts), nil
	case models.StrategyThreeWayMerge:
		return collaboration.ThreeWayMerge(base, versionA, versionB)
	case models.StrategyOperationalTransform:
		return s.operationalTransform(ctx, base, versionA, versionB)
	case models.StrategyAIAssisted:
		return s.aiAssisted(ctx, conflict, base, versionA, versionB, opts)
	}
	return nil, engerrors.NewValidation("unknown merge strategy: " + string(strategy))
}

func (s *MergeService) loadVersion(ctx context.Context, id uuid.UUID) (*models.ContentVersion, error) {
	version, err := s.versions.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.offloader != nil {
		body, err := s.offloader.Resolve(ctx, version.Content)
		if err != nil {
			return nil, err
		}
		version.Content = body
	}
	return version, nil
}

// lastWriterWins picks a whole side. Priority beats recency; recency
// beats author ordering.
func lastWriterWins(versionA, versionB *models.ContentVersion, opts models.MergeOptions) *models.MergeResult {
	winner := versionB
	prioA, prioB := opts.UserPriority[versionA.UserID], opts.UserPriority[versionB.UserID]
	switch {
	case prioA > prioB:
		winner = versionA
	case prioB > prioA:
		winner = versionB
	case versionA.CreatedAt.After(versionB.CreatedAt):
		winner = versionA
	case versionB.CreatedAt.After(versionA.CreatedAt):
		winner = versionB
	case versionA.UserID < versionB.UserID:
		// Same instant; fall back to the deterministic author order.
		winner = versionA
	}
	return &models.MergeResult{
		Strategy:        models.StrategyLastWriterWins,
		MergedContent:   winner.Content,
		ConfidenceScore: 1.0,
	}
}

// operationalTransform replays both sides' operation logs against the
// base, transforming the causally later stream through the earlier one.
func (s *MergeService) operationalTransform(ctx context.Context, base, versionA, versionB *models.ContentVersion) (*models.MergeResult, error) {
	start := time.Now()
	opsA, err := s.versions.ListOperations(ctx, versionA.ID)
	if err != nil {
		return nil, err
	}
	opsB, err := s.versions.ListOperations(ctx, versionB.ID)
	if err != nil {
		return nil, err
	}
	if len(opsA) == 0 && len(opsB) == 0 {
		return nil, engerrors.NewValidation("operational transform requires operation logs for both versions")
	}
	if total := len(opsA) + len(opsB); total > s.maxBatchOps {
		return nil, engerrors.NewValidation(fmt.Sprintf(
			"operation batch of %d exceeds the limit of %d", total, s.maxBatchOps))
	}

	// The earlier stream applies untransformed; the later one is
	// rewritten through it. Stream order is the deterministic
	// (timestamp, author) order of each stream's first operation.
	first, second := opsA, opsB
	if len(opsA) == 0 || (len(opsB) > 0 && opsB[0].Before(&opsA[0])) {
		first, second = opsB, opsA
	}

	afterFirst, appliedFirst, err := ot.ApplyAll(base.Content, first)
	if err != nil {
		return nil, err
	}
	transformed, err := ot.TransformList(second, first)
	if err != nil {
		return nil, err
	}
	merged, appliedSecond, err := ot.ApplyAll(afterFirst, transformed)
	if err != nil {
		return nil, err
	}

	applied := append(appliedFirst, appliedSecond...)
	sort.SliceStable(applied, func(i, j int) bool { return applied[i].Before(&applied[j]) })

	s.metrics.RecordOperation(observability.CategoryOperationTransform, "replay", true, time.Since(start), map[string]string{
		"operations": strconv.Itoa(len(applied)),
	})
	return &models.MergeResult{
		Strategy:          models.StrategyOperationalTransform,
		MergedContent:     merged,
		ConfidenceScore:   1.0,
		AppliedOperations: applied,
	}, nil
}

// aiAssisted asks the semantic capability for a resolution and screens
// it before trusting it. Any capability failure or unusable suggestion
// falls back to deterministic three-way merge.
func (s *MergeService) aiAssisted(ctx context.Context, conflict *models.ConflictDetection, base, versionA, versionB *models.ContentVersion, opts models.MergeOptions) (*models.MergeResult, error) {
	if s.adapter == nil {
		return s.fallback(conflict, base, versionA, versionB, "no adapter configured")
	}

	// Content leaves the engine here. Secret-shaped substrings are
	// redacted before transport unless the caller explicitly opted into
	// sharing them.
	baseBody, bodyA, bodyB := base.Content, versionA.Content, versionB.Content
	if !opts.ShareSecretsWithAI {
		baseBody = s.sanitizer.SanitizeString(baseBody)
		bodyA = s.sanitizer.SanitizeString(bodyA)
		bodyB = s.sanitizer.SanitizeString(bodyB)
		if baseBody != base.Content || bodyA != versionA.Content || bodyB != versionB.Content {
			s.metrics.RecordCounter("ai_payload_redacted", 1, nil)
		}
	}

	sc := ai.SemanticContext{
		ContentType: base.ContentType,
		BaseContent: baseBody,
		ContentA:    bodyA,
		ContentB:    bodyB,
		UserA:       versionA.UserID,
		UserB:       versionB.UserID,
		Regions:     conflict.ConflictRegions,
	}
	if opts.MaxAIPayloadBytes > 0 {
		sc = ai.BoundPayload(sc, opts.MaxAIPayloadBytes)
	}

	// Analysis is advisory. When the capability can read the conflict,
	// its summary rides along with the suggestion request; when it
	// cannot, suggestions are requested from the raw context alone.
	analysisStart := time.Now()
	analysis, err := s.adapter.AnalyzeSemantic(ctx, sc)
	s.metrics.RecordOperation(observability.CategoryAIAnalysis, "analyze", err == nil, time.Since(analysisStart), nil)
	if err == nil && analysis != nil {
		sc.AnalysisSummary = analysis.Summary
	}

	start := time.Now()
	suggestions, err := s.adapter.GenerateMergeSuggestions(ctx, sc)
	s.metrics.RecordOperation(observability.CategoryAIAnalysis, "merge_suggestions", err == nil, time.Since(start), nil)
	if err != nil {
		if engerrors.IsAIAdapterUnavailable(err) {
			return s.fallback(conflict, base, versionA, versionB, "capability unavailable")
		}
		return nil, err
	}
	if len(suggestions) == 0 {
		return s.fallback(conflict, base, versionA, versionB, "no suggestions returned")
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	for _, suggestion := range suggestions {
		// A suggestion that echoes back a credential from any input is
		// never surfaced, no matter how confident the capability is.
		if s.sanitizer.ContainsSecretFrom(suggestion.Content, base.Content, versionA.Content, versionB.Content) {
			s.metrics.RecordCounter("ai_suggestion_rejected_secret", 1, nil)
			continue
		}
		return &models.MergeResult{
			Strategy:        models.StrategyAIAssisted,
			MergedContent:   suggestion.Content,
			ConfidenceScore: suggestion.Confidence,
		}, nil
	}
	return s.fallback(conflict, base, versionA, versionB, "all suggestions rejected")
}

func (s *MergeService) fallback(conflict *models.ConflictDetection, base, versionA, versionB *models.ContentVersion, reason string) (*models.MergeResult, error) {
	s.logger.Warn("ai-assisted merge falling back to three-way", map[string]interface{}{
		"conflict_id": conflict.ID.String(),
		"reason":      reason,
	})
	s.metrics.RecordCounter("ai_fallback", 1, map[string]string{"reason": reason})
	return collaboration.ThreeWayMerge(base, versionA, versionB)
}
