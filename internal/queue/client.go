package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Budget searches re-encode many times, so the task timeout is generous.
const taskTimeout = 5 * time.Minute

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) EnqueueTransformImage(ctx context.Context, payload TransformImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewTransformImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(5),
		asynq.Timeout(taskTimeout),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
