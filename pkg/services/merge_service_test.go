package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meshsync/meshsync/pkg/ai"
	"github.com/meshsync/meshsync/pkg/collaboration/crdt"
	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/repository/interfaces"
	"github.com/meshsync/meshsync/pkg/repository/memory"
	"github.com/meshsync/meshsync/pkg/security"
)

type fakeAdapter struct {
	suggestions []ai.MergeSuggestion
	err         error
	delay       time.Duration
	calls       int32

	mu  sync.Mutex
	got ai.SemanticContext
}

func (f *fakeAdapter) AnalyzeSemantic(ctx context.Context, sc ai.SemanticContext) (*ai.SemanticAnalysis, error) {
	return &ai.SemanticAnalysis{Summary: "edits touch the same line"}, f.err
}

func (f *fakeAdapter) GenerateMergeSuggestions(ctx context.Context, sc ai.SemanticContext) ([]ai.MergeSuggestion, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.got = sc
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, engerrors.NewAIAdapterUnavailable(ctx.Err())
		case <-time.After(f.delay):
		}
	}
	return f.suggestions, f.err
}

func (f *fakeAdapter) lastContext() ai.SemanticContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

type mergeEnv struct {
	versions  *memory.VersionRepository
	conflicts *memory.ConflictRepository
	metrics   *observability.RecordingMetricsClient
	service   *MergeService
}

func newMergeEnv(t *testing.T, adapter ai.Adapter) *mergeEnv {
	t.Helper()
	env := &mergeEnv{
		versions:  memory.NewVersionRepository(),
		conflicts: memory.NewConflictRepository(),
		metrics:   observability.NewRecordingMetricsClient(),
	}
	env.service = NewMergeService(
		ServiceConfig{Metrics: env.metrics},
		env.versions, env.conflicts, adapter, nil, nil, time.Second)
	return env
}

// seedConflict stores a base version, two concurrent children, and a
// detected conflict between them.
func (e *mergeEnv) seedConflict(t *testing.T, base, contentA, contentB string) *models.ConflictDetection {
	t.Helper()
	ctx := context.Background()
	contentID := uuid.New()
	sessionID := uuid.New()
	t0 := time.Now().UTC().Add(-time.Minute)

	baseVersion := &models.ContentVersion{
		ID: uuid.New(), ContentID: contentID, Content: base,
		UserID: "origin", SessionID: sessionID,
		VectorClock: crdt.VectorClock{"origin": 1},
		CreatedAt:   t0,
	}
	require.NoError(t, e.versions.CreateVersion(ctx, baseVersion))

	versionA := &models.ContentVersion{
		ID: uuid.New(), ContentID: contentID, Content: contentA,
		UserID: "alice", SessionID: sessionID,
		VectorClock:     crdt.VectorClock{"origin": 1, "alice": 1},
		ParentVersionID: &baseVersion.ID,
		CreatedAt:       t0.Add(time.Second),
	}
	require.NoError(t, e.versions.CreateVersion(ctx, versionA))

	versionB := &models.ContentVersion{
		ID: uuid.New(), ContentID: contentID, Content: contentB,
		UserID: "bob", SessionID: sessionID,
		VectorClock:     crdt.VectorClock{"origin": 1, "bob": 1},
		ParentVersionID: &baseVersion.ID,
		CreatedAt:       t0.Add(2 * time.Second),
	}
	require.NoError(t, e.versions.CreateVersion(ctx, versionB))

	conflict := &models.ConflictDetection{
		ID: uuid.New(), ContentID: contentID, SessionID: sessionID,
		ConflictType: models.ConflictContentModification,
		Severity:     models.SeverityMedium,
		Status:       models.StatusDetected,
		BaseVersion:  baseVersion.ID,
		VersionA:     versionA.ID,
		VersionB:     versionB.ID,
		DetectedAt:   time.Now().UTC(),
	}
	require.NoError(t, e.conflicts.RecordConflict(ctx, conflict))
	return conflict
}

func TestExecuteMergeExactlyOneResolver(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	env := newMergeEnv(t, nil)
	conflict := env.seedConflict(t, "base\n", "alice version\n", "bob version\n")

	const resolvers = 8
	var wg sync.WaitGroup
	var wins, losses int32
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case engerrors.IsAlreadyResolving(err):
				atomic.AddInt32(&losses, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(resolvers-1), losses)

	stored, err := env.conflicts.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, stored.Status)
}

func TestExecuteMergeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	adapter := &fakeAdapter{delay: 10 * time.Second}
	env := newMergeEnv(t, adapter)
	conflict := env.seedConflict(t, "base\n", "a\n", "b\n")

	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyAIAssisted, models.MergeOptions{Timeout: timeout})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, engerrors.IsMergeTimeout(err))
	assert.Less(t, elapsed, 2*timeout+200*time.Millisecond)

	// The claim is released so a retry can proceed.
	stored, getErr := env.conflicts.GetConflict(ctx, conflict.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusDetected, stored.Status)
}

// stalledConflictRepository blocks reads until unblocked and ignores
// context cancellation, like a storage collaborator that has stopped
// answering.
type stalledConflictRepository struct {
	interfaces.ConflictRepository
	unblock chan struct{}
}

func (r *stalledConflictRepository) GetConflict(ctx context.Context, id uuid.UUID) (*models.ConflictDetection, error) {
	<-r.unblock
	return r.ConflictRepository.GetConflict(ctx, id)
}

func TestExecuteMergeTimeoutStalledStorage(t *testing.T) {
	ctx := context.Background()
	env := newMergeEnv(t, nil)
	conflict := env.seedConflict(t, "base\n", "a\n", "b\n")

	stalled := &stalledConflictRepository{ConflictRepository: env.conflicts, unblock: make(chan struct{})}
	service := NewMergeService(ServiceConfig{Metrics: env.metrics},
		env.versions, stalled, nil, nil, nil, time.Second)

	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err := service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{Timeout: timeout})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, engerrors.IsMergeTimeout(err))
	assert.Less(t, elapsed, 2*timeout+200*time.Millisecond)

	// The claim was handed back before storage ever answered.
	stored, getErr := env.conflicts.GetConflict(ctx, conflict.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusDetected, stored.Status)

	close(stalled.unblock)
}

func TestExecuteMergeLastWriterWins(t *testing.T) {
	ctx := context.Background()

	t.Run("later author wins by default", func(t *testing.T) {
		env := newMergeEnv(t, nil)
		conflict := env.seedConflict(t, "base\n", "alice version\n", "bob version\n")

		result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{})
		require.NoError(t, err)
		assert.Equal(t, "bob version\n", result.MergedContent)
		assert.InDelta(t, 1.0, result.ConfidenceScore, 1e-9)
	})

	t.Run("priority overrides recency", func(t *testing.T) {
		env := newMergeEnv(t, nil)
		conflict := env.seedConflict(t, "base\n", "alice version\n", "bob version\n")

		result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{
			UserPriority: map[string]int{"alice": 10, "bob": 1},
		})
		require.NoError(t, err)
		assert.Equal(t, "alice version\n", result.MergedContent)
	})
}

func TestExecuteMergeThreeWay(t *testing.T) {
	ctx := context.Background()
	env := newMergeEnv(t, nil)
	conflict := env.seedConflict(t,
		"alpha\nbeta\ngamma\n",
		"alpha\nbeta improved\ngamma\n",
		"alpha\nbeta\ngamma\ndelta\n")

	result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyThreeWayMerge, models.MergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta improved\ngamma\ndelta\n", result.MergedContent)
	assert.Empty(t, result.RejectedOperations)

	stored, err := env.conflicts.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, stored.Status)

	saved, err := env.conflicts.GetResult(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, result.MergedContent, saved.MergedContent)
}

func TestExecuteMergeOperationalTransform(t *testing.T) {
	ctx := context.Background()
	env := newMergeEnv(t, nil)
	conflict := env.seedConflict(t, "hello world", "", "")

	t1 := time.Now().UTC()
	opA := &models.Operation{
		ID: uuid.New(), Type: models.OpInsert, Position: 5, Content: " brave",
		UserID: "alice", SessionID: conflict.SessionID, Timestamp: t1,
	}
	require.NoError(t, env.versions.RecordOperation(ctx, conflict.VersionA, opA))

	opB := &models.Operation{
		ID: uuid.New(), Type: models.OpInsert, Position: 11, Content: "!",
		UserID: "bob", SessionID: conflict.SessionID, Timestamp: t1.Add(time.Millisecond),
	}
	require.NoError(t, env.versions.RecordOperation(ctx, conflict.VersionB, opB))

	result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyOperationalTransform, models.MergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello brave world!", result.MergedContent)
	assert.Len(t, result.AppliedOperations, 2)
}

func TestExecuteMergeAIAssisted(t *testing.T) {
	ctx := context.Background()

	t.Run("uses the best clean suggestion", func(t *testing.T) {
		adapter := &fakeAdapter{suggestions: []ai.MergeSuggestion{
			{Content: "low confidence merge\n", Confidence: 0.4},
			{Content: "high confidence merge\n", Confidence: 0.95},
		}}
		env := newMergeEnv(t, adapter)
		conflict := env.seedConflict(t, "base\n", "a\n", "b\n")

		result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyAIAssisted, models.MergeOptions{})
		require.NoError(t, err)
		assert.Equal(t, models.StrategyAIAssisted, result.Strategy)
		assert.Equal(t, "high confidence merge\n", result.MergedContent)
		assert.InDelta(t, 0.95, result.ConfidenceScore, 1e-9)
	})

	t.Run("suggestion echoing a credential is rejected", func(t *testing.T) {
		secretBase := "config\npassword=\"hunter2secret\"\n"
		adapter := &fakeAdapter{suggestions: []ai.MergeSuggestion{
			{Content: "merged with hunter2secret inside\n", Confidence: 0.99},
		}}
		env := newMergeEnv(t, adapter)
		conflict := env.seedConflict(t, secretBase, secretBase+"a\n", secretBase+"b\n")

		result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyAIAssisted, models.MergeOptions{})
		require.NoError(t, err)
		// Falls back to the deterministic strategy instead of
		// surfacing the tainted suggestion.
		assert.Equal(t, models.StrategyThreeWayMerge, result.Strategy)
		assert.Equal(t, float64(1), env.metrics.Counter("ai_suggestion_rejected_secret"))
		assert.Equal(t, float64(1), env.metrics.Counter("ai_fallback"))
	})

	t.Run("outbound payload is redacted before leaving the engine", func(t *testing.T) {
		secretBase := "config\npassword=\"hunter2secret\"\n"
		adapter := &fakeAdapter{suggestions: []ai.MergeSuggestion{
			{Content: "merged\n", Confidence: 0.9},
		}}
		env := newMergeEnv(t, adapter)
		conflict := env.seedConflict(t, secretBase, secretBase+"a\n", secretBase+"b\n")

		_, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyAIAssisted, models.MergeOptions{})
		require.NoError(t, err)

		sent := adapter.lastContext()
		assert.NotContains(t, sent.BaseContent, "hunter2secret")
		assert.NotContains(t, sent.ContentA, "hunter2secret")
		assert.NotContains(t, sent.ContentB, "hunter2secret")
		assert.Contains(t, sent.BaseContent, security.CredentialsRedacted)
		assert.Equal(t, float64(1), env.metrics.Counter("ai_payload_redacted"))
	})

	t.Run("acknowledged callers share content verbatim", func(t *testing.T) {
		secretBase := "config\npassword=\"hunter2secret\"\n"
		adapter := &fakeAdapter{suggestions: []ai.MergeSuggestion{
			{Content: "merged\n", Confidence: 0.9},
		}}
		env := newMergeEnv(t, adapter)
		conflict := env.seedConflict(t, secretBase, secretBase+"a\n", secretBase+"b\n")

		_, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyAIAssisted, models.MergeOptions{ShareSecretsWithAI: true})
		require.NoError(t, err)

		sent := adapter.lastContext()
		assert.Contains(t, sent.BaseContent, "hunter2secret")
		assert.Equal(t, float64(0), env.metrics.Counter("ai_payload_redacted"))
	})

	t.Run("analysis summary rides along with the suggestion request", func(t *testing.T) {
		adapter := &fakeAdapter{suggestions: []ai.MergeSuggestion{
			{Content: "merged\n", Confidence: 0.9},
		}}
		env := newMergeEnv(t, adapter)
		conflict := env.seedConflict(t, "base\n", "a\n", "b\n")

		_, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyAIAssisted, models.MergeOptions{})
		require.NoError(t, err)
		assert.Equal(t, "edits touch the same line", adapter.lastContext().AnalysisSummary)
	})

	t.Run("unavailable capability falls back to three-way", func(t *testing.T) {
		adapter := &fakeAdapter{err: engerrors.NewAIAdapterUnavailable(assert.AnError)}
		env := newMergeEnv(t, adapter)
		conflict := env.seedConflict(t,
			"alpha\nbeta\n", "alpha changed\nbeta\n", "alpha\nbeta\nextra\n")

		result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyAIAssisted, models.MergeOptions{})
		require.NoError(t, err)
		assert.Equal(t, models.StrategyThreeWayMerge, result.Strategy)
		assert.Equal(t, "alpha changed\nbeta\nextra\n", result.MergedContent)
	})
}

func TestExecuteMergeSchemaValidation(t *testing.T) {
	ctx := context.Background()
	schema := `{"type":"object","required":["name"]}`

	t.Run("valid content passes", func(t *testing.T) {
		env := newMergeEnv(t, nil)
		conflict := env.seedConflict(t, `{"name":"base"}`, `{"name":"alice"}`, `{"name":"bob"}`)

		result, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{SchemaJSON: schema})
		require.NoError(t, err)
		assert.Equal(t, `{"name":"bob"}`, result.MergedContent)
	})

	t.Run("invalid content is refused and the claim released", func(t *testing.T) {
		env := newMergeEnv(t, nil)
		conflict := env.seedConflict(t, `{}`, `{"other":1}`, `{"other":2}`)

		_, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{SchemaJSON: schema})
		require.Error(t, err)
		assert.True(t, engerrors.IsValidation(err))

		stored, getErr := env.conflicts.GetConflict(ctx, conflict.ID)
		require.NoError(t, getErr)
		assert.Equal(t, models.StatusDetected, stored.Status)
	})
}

func TestExecuteMergeRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	env := newMergeEnv(t, nil)
	conflict := env.seedConflict(t, "base\n", "a\n", "b\n")

	_, err := env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{})
	require.NoError(t, err)

	// The losing attempt still records an execution sample.
	_, err = env.service.ExecuteMerge(ctx, conflict.ID, models.StrategyLastWriterWins, models.MergeOptions{})
	require.Error(t, err)

	records := env.metrics.OperationsByCategory(observability.CategoryMergeExecution)
	require.Len(t, records, 2)
	assert.True(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.Equal(t, string(models.StrategyLastWriterWins), records[0].Operation)
}

func TestExecuteMergeUnknownStrategy(t *testing.T) {
	env := newMergeEnv(t, nil)
	conflict := env.seedConflict(t, "base\n", "a\n", "b\n")

	_, err := env.service.ExecuteMerge(context.Background(), conflict.ID, models.MergeStrategy("majority_vote"), models.MergeOptions{})
	require.Error(t, err)
	assert.True(t, engerrors.IsValidation(err))
}
