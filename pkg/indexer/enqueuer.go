package indexer

import (
	"context"

	"github.com/hibiken/asynq"
)

// Enqueuer abstracts task submission so components can be tested without a
// running queue backend.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error
}

// clientEnqueuer adapts an asynq.Client to the Enqueuer interface.
type clientEnqueuer struct {
	client *asynq.Client
}

var _ Enqueuer = (*clientEnqueuer)(nil)

func (e *clientEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	_, err := e.client.EnqueueContext(ctx, task, opts...)

	return err
}
