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

// ConflictScanJob walks every active role, computes its live inheritance
// conflicts and persists the ones not yet on record, so operators see them
// without waiting for a resolution request to surface them.
type ConflictScanJob struct {
	Service *rbac.Service
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewConflictScanJob wires dependencies for the scan handler.
func NewConflictScanJob(service *rbac.Service, logger *slog.Logger, metrics *observability.Metrics) *ConflictScanJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictScanJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes conflict scan tasks.
func (j *ConflictScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("conflict scan: handler not configured")
	}
	var payload ConflictScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	started := time.Now()
	var resultErr error
	defer func() {
		j.Metrics.AddJobRun(TaskConflictScan, resultErr)
	}()

	roles, err := j.Service.Roles(ctx, payload.OrganizationID)
	if err != nil {
		resultErr = err
		j.Logger.Error("conflict scan: list roles", slog.Any("error", err))
		return resultErr
	}

	total := 0
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		stored, err := j.Service.StoreDetectedConflicts(ctx, role.ID)
		if err != nil {
			resultErr = err
			j.Logger.Error("conflict scan: scan role", slog.Int64("role_id", role.ID), slog.Any("error", err))
			return resultErr
		}
		total += stored
	}

	j.Logger.Info("conflict scan finished",
		slog.Int("roles_scanned", len(roles)),
		slog.Int("conflicts_stored", total),
		slog.Duration("took", time.Since(started)))
	return nil
}
