package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pdv/internal/jobs"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
)

// Reconciler lists confirmed sales without a coupon number.
type Reconciler interface {
	Reconcile(ctx context.Context, stationID uuid.UUID) ([]*sales.Sale, error)
}

// ReconcileJob reports sales whose coupon never made it to the database.
type ReconcileJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(r Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Reconciler: r, Logger: logger, Metrics: metrics}
}

// Handle executes the reconciliation.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("coupon reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("coupon reconcile: %w: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskCouponReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	found, err := j.Reconciler.Reconcile(ctx, payload.StationID)
	if err != nil {
		return err
	}
	for _, sale := range found {
		logger.Warn("confirmed sale without coupon",
			slog.String("sale", sale.ID.String()),
			slog.String("status", string(sale.Status)),
			slog.String("total", sale.TotalAmount().StringFixed(2)))
	}
	j.Metrics.SetUnprinted(len(found))
	logger.Info("coupon reconciliation done", slog.String("station", payload.StationID.String()), slog.Int("unprinted", len(found)))
	return nil
}
