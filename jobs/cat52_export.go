package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pdv/internal/jobs"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// DayExporter writes the export file of a station day.
type DayExporter interface {
	Export(ctx context.Context, st *store.Store, stationID uuid.UUID, day time.Time) (string, error)
}

// CAT52ExportJob re-exports a fiscal day outside of the till close.
type CAT52ExportJob struct {
	Stores   *store.Manager
	Exporter DayExporter
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Location *time.Location
}

// NewCAT52ExportJob initialises the export handler.
func NewCAT52ExportJob(stores *store.Manager, exporter DayExporter, logger *slog.Logger, metrics *jobmetrics.Metrics) *CAT52ExportJob {
	return &CAT52ExportJob{Stores: stores, Exporter: exporter, Logger: logger, Metrics: metrics, Location: time.Local}
}

// Handle executes the export.
func (j *CAT52ExportJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Stores == nil || j.Exporter == nil {
		return errors.New("cat52 export: handler not configured")
	}
	var payload CAT52ExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("cat52 export: %w: %w", err, asynq.SkipRetry)
	}
	day, err := payload.ParsedDay(j.location())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskCAT52Export)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.logger().With(slog.String("station", payload.StationID.String()), slog.String("day", payload.Day))

	st, err := j.Stores.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Rollback(ctx, true) }()

	path, err := j.Exporter.Export(ctx, st, payload.StationID, day)
	if err != nil {
		logger.Error("cat52 export failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddExported(payload.StationID.String())
	logger.Info("cat52 export written", slog.String("path", path))
	return nil
}

func (j *CAT52ExportJob) location() *time.Location {
	if j.Location == nil {
		return time.Local
	}
	return j.Location
}

func (j *CAT52ExportJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
