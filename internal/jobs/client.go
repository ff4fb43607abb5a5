package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

var ErrRunAlreadyQueued = errors.New("jobs: an identical run is already queued")

// Client submits runs to the queue.
type Client struct {
	client *asynq.Client
	// UniqueFor deduplicates identical runs enqueued within the window.
	UniqueFor time.Duration
}

func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts), UniqueFor: 10 * time.Minute}
}

// EnqueueRun queues an ad-hoc batch run and returns its task id, which is also the
// id the run summary is stored under.
func (c *Client) EnqueueRun(ctx context.Context, payload RunPayload) (string, error) {
	task, err := NewRunTask(payload)
	if err != nil {
		return "", err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(2 * time.Hour)}
	if c.UniqueFor > 0 {
		opts = append(opts, asynq.Unique(c.UniqueFor))
	}
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", ErrRunAlreadyQueued
	}
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
