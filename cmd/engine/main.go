// Command engine runs conflict detection over a content's version DAG
// and resolves what it finds with the requested strategy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/meshsync/meshsync/pkg/ai"
	"github.com/meshsync/meshsync/pkg/collaboration"
	"github.com/meshsync/meshsync/pkg/common/config"
	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/ratelimit"
	"github.com/meshsync/meshsync/pkg/repository/postgres"
	"github.com/meshsync/meshsync/pkg/security"
	"github.com/meshsync/meshsync/pkg/services"
	"github.com/meshsync/meshsync/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	contentArg = flag.String("content", "", "Content id to process")
	sessionArg = flag.String("session", "", "Session id to process")
	strategy   = flag.String("strategy", string(models.StrategyThreeWayMerge), "Merge strategy to apply")
	timeout    = flag.Duration("timeout", 0, "Per-merge timeout (0 = engine default)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("engine: %v", err)
	}
}

func run() error {
	contentID, err := uuid.Parse(*contentArg)
	if err != nil {
		return fmt.Errorf("invalid -content: %w", err)
	}
	sessionID, err := uuid.Parse(*sessionArg)
	if err != nil {
		return fmt.Errorf("invalid -session: %w", err)
	}
	mergeStrategy := models.MergeStrategy(*strategy)
	if !mergeStrategy.Valid() {
		return fmt.Errorf("unknown strategy %q", *strategy)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := observability.NewLogger("engine")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	versions := postgres.NewVersionRepository(db, logger)
	conflicts := postgres.NewConflictRepository(db, logger)

	var redisClient redis.UniversalClient
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	limiter := ratelimit.NewSessionLimiter(ratelimit.Config{
		OperationsPerSecond: cfg.RateLimit.OperationsPerSecond,
		Burst:               cfg.RateLimit.Burst,
		MaxContentBytes:     cfg.RateLimit.MaxContentBytes,
		HeartbeatTTL:        cfg.Engine.HeartbeatTTL,
	}, redisClient, logger)

	var offloader *storage.ContentOffloader
	if cfg.BlobStore.Enabled {
		blobs, err := storage.NewS3BlobStore(ctx, storage.Config{
			Bucket:   cfg.BlobStore.Bucket,
			Region:   cfg.BlobStore.Region,
			Endpoint: cfg.BlobStore.Endpoint,
		}, logger)
		if err != nil {
			return fmt.Errorf("init blob store: %w", err)
		}
		offloader = storage.NewContentOffloader(blobs, cfg.BlobStore.OffloadThresholdBytes)
	}

	var adapter ai.Adapter
	if cfg.AI.Endpoint != "" {
		adapter = ai.NewHTTPClient(ai.ClientConfig{
			Endpoint:        cfg.AI.Endpoint,
			APIKey:          cfg.AI.APIKey,
			Model:           cfg.AI.Model,
			RequestTimeout:  cfg.AI.RequestTimeout,
			MaxPayloadBytes: cfg.AI.MaxPayloadBytes,
			Retry:           cfg.AI.Retry,
		}, logger, nil)
	}

	extraPatterns, err := security.CompilePatterns(cfg.SecretPatterns)
	if err != nil {
		return fmt.Errorf("compile secret patterns: %w", err)
	}
	svcCfg := services.ServiceConfig{
		Logger:    logger,
		Sanitizer: security.NewSanitizerWithPatterns(extraPatterns),
	}
	detection, err := services.NewDetectionService(svcCfg,
		collaboration.NewDetector(cfg.Engine.Detector), versions, conflicts, limiter)
	if err != nil {
		return fmt.Errorf("init detection service: %w", err)
	}
	merge := services.NewMergeService(svcCfg, versions, conflicts,
		adapter, limiter, offloader, cfg.Engine.DefaultMergeTimeout)
	merge.SetMaxBatchOperations(cfg.Engine.MaxBatchOperations)

	detections, err := detection.DetectConflicts(ctx, contentID, sessionID)
	if err != nil {
		return fmt.Errorf("detect conflicts: %w", err)
	}
	logger.Info("detection complete", map[string]interface{}{"conflicts": len(detections)})

	exitCode := 0
	for _, d := range detections {
		result, err := merge.ExecuteMerge(ctx, d.ID, mergeStrategy, models.MergeOptions{Timeout: *timeout})
		switch {
		case err == nil:
			logger.Info("conflict resolved", map[string]interface{}{
				"conflict_id": d.ID.String(),
				"confidence":  result.ConfidenceScore,
				"rejected":    len(result.RejectedOperations),
			})
		case engerrors.IsAlreadyResolving(err):
			logger.Info("conflict claimed by another resolver", map[string]interface{}{
				"conflict_id": d.ID.String(),
			})
		default:
			logger.Error("merge failed", map[string]interface{}{
				"conflict_id": d.ID.String(),
				"error":       err.Error(),
			})
			exitCode = 1
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
