package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/observability"
)

// AssignmentSweepJob deactivates role assignments whose validity window
// closed more than the grace period ago. Resolution already excludes expired
// assignments; the sweep just keeps the table from accumulating dead rows.
type AssignmentSweepJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewAssignmentSweepJob wires dependencies for the sweep handler.
func NewAssignmentSweepJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *observability.Metrics) *AssignmentSweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssignmentSweepJob{Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle processes assignment sweep tasks.
func (j *AssignmentSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("assignment sweep: handler not configured")
	}
	var payload AssignmentSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.GraceDays <= 0 {
		payload.GraceDays = 30
	}

	var resultErr error
	defer func() {
		j.Metrics.AddJobRun(TaskAssignmentSweep, resultErr)
	}()

	cutoff := time.Now().UTC().AddDate(0, 0, -payload.GraceDays)
	tag, err := j.Pool.Exec(ctx, `UPDATE user_role_assignments SET is_active = FALSE WHERE is_active AND valid_to IS NOT NULL AND valid_to < $1`, cutoff)
	if err != nil {
		resultErr = err
		j.Logger.Error("assignment sweep", slog.Any("error", err))
		return resultErr
	}

	j.Logger.Info("assignment sweep finished",
		slog.Int64("assignments_deactivated", tag.RowsAffected()),
		slog.Time("cutoff", cutoff))
	return nil
}
