package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueFiscal carries work the fiscal authority depends on.
	QueueFiscal = "fiscal"
	// QueueDefault carries maintenance work.
	QueueDefault = "default"
	// TaskCAT52Export writes the CAT52 file of one station and fiscal day.
	TaskCAT52Export = "cat52:export"
	// TaskCouponReconcile lists confirmed sales still missing a coupon number.
	TaskCouponReconcile = "coupon:reconcile"
)

// DayLayout is the format of fiscal days in payloads.
const DayLayout = "2006-01-02"

// CAT52ExportPayload selects the station and day to export.
type CAT52ExportPayload struct {
	StationID uuid.UUID `json:"station_id"`
	Day       string    `json:"day"`
}

// ParsedDay returns the payload day at midnight in loc.
func (p CAT52ExportPayload) ParsedDay(loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(DayLayout, p.Day, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("jobs: invalid day %q: %w", p.Day, err)
	}
	return day, nil
}

// NewCAT52ExportTask constructs an export task. The task id is derived from
// station and day so a day is queued at most once at a time.
func NewCAT52ExportTask(payload CAT52ExportPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewSHA1(uuid.Nil, []byte(TaskCAT52Export+":"+payload.StationID.String()+":"+payload.Day))
	return asynq.NewTask(TaskCAT52Export, body, asynq.Queue(QueueFiscal), asynq.TaskID(id.String()), asynq.MaxRetry(5)), nil
}

// ReconcilePayload selects the station to reconcile.
type ReconcilePayload struct {
	StationID uuid.UUID `json:"station_id"`
}

// NewReconcileTask constructs a reconciliation task.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCouponReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
