package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
)

// ErrAlreadyQueued reports a CAT52 export of the same station day still waiting in the queue.
var ErrAlreadyQueued = errors.New("jobs: export already queued")

// Client submits station tasks.
type Client struct {
	client *asynq.Client
}

// NewClient constructs a Client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueCAT52Export queues the export of a station day.
func (c *Client) EnqueueCAT52Export(ctx context.Context, payload CAT52ExportPayload) (*asynq.TaskInfo, error) {
	task, err := NewCAT52ExportTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, ErrAlreadyQueued
	}
	return info, err
}

// EnqueueReconcile queues a coupon reconciliation for a station.
func (c *Client) EnqueueReconcile(ctx context.Context, payload ReconcilePayload) (*asynq.TaskInfo, error) {
	task, err := NewReconcileTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases the redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
