// Package services hosts the engine's orchestration layer. Services own
// workflows and cross-cutting concerns; algorithms live in
// pkg/collaboration and storage behind pkg/repository interfaces.
package services

import (
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/security"
)

// ServiceConfig carries the collaborators every service needs. All
// fields are optional; missing ones default to no-ops so tests can
// construct services with only what they assert on.
type ServiceConfig struct {
	Logger    observability.Logger
	Metrics   observability.MetricsClient
	StartSpan observability.StartSpanFunc
	Sanitizer *security.Sanitizer
}

// BaseService provides the shared plumbing services embed.
type BaseService struct {
	logger    observability.Logger
	metrics   observability.MetricsClient
	startSpan observability.StartSpanFunc
	sanitizer *security.Sanitizer
}

// NewBaseService fills in defaults for missing collaborators.
func NewBaseService(cfg ServiceConfig) BaseService {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetricsClient()
	}
	if cfg.StartSpan == nil {
		cfg.StartSpan = observability.NoopStartSpan
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewSanitizer()
	}
	return BaseService{
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		startSpan: cfg.StartSpan,
		sanitizer: cfg.Sanitizer,
	}
}

// sanitizeErr is the outbound error boundary. Every error a service
// returns to a caller passes through here so credentials from storage
// DSNs or capability endpoints never leave the engine.
func (b *BaseService) sanitizeErr(err error) error {
	if err == nil {
		return nil
	}
	return b.sanitizer.SanitizeError(err)
}
