package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

// CacheWarmupJob primes the effective-permission cache for every active role
// so steady-state reads hit warm entries after an invalidation burst.
type CacheWarmupJob struct {
	Service *rbac.Service
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewCacheWarmupJob wires dependencies for the warmup handler.
func NewCacheWarmupJob(service *rbac.Service, logger *slog.Logger, metrics *observability.Metrics) *CacheWarmupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheWarmupJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes cache warmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	started := time.Now()
	var resultErr error
	defer func() {
		j.Metrics.AddJobRun(TaskCacheWarmup, resultErr)
	}()

	roles, err := j.Service.Roles(ctx, payload.OrganizationID)
	if err != nil {
		resultErr = err
		j.Logger.Error("cache warmup: list roles", slog.Any("error", err))
		return resultErr
	}

	warmed := 0
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		if _, err := j.Service.EffectivePermissions(ctx, role.ID); err != nil {
			resultErr = err
			j.Logger.Error("cache warmup: resolve role", slog.Int64("role_id", role.ID), slog.Any("error", err))
			return resultErr
		}
		warmed++
	}

	j.Logger.Info("cache warmup finished",
		slog.Int("roles_warmed", warmed),
		slog.Duration("took", time.Since(started)))
	return nil
}
