package indexer

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"
)

// MockEnqueuer records enqueued tasks for assertions in tests. When Handler
// is set, tasks are dispatched to it synchronously instead of being queued.
type MockEnqueuer struct {
	EnqueueFunc func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error
	Handler     func(ctx context.Context, task *asynq.Task) error

	mu    sync.Mutex
	tasks []*asynq.Task
}

var _ Enqueuer = (*MockEnqueuer)(nil)

func (m *MockEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	if m.EnqueueFunc != nil {
		if err := m.EnqueueFunc(ctx, task, opts...); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()

	if m.Handler != nil {
		return m.Handler(ctx, task)
	}

	return nil
}

// Tasks returns a snapshot of everything enqueued so far.
func (m *MockEnqueuer) Tasks() []*asynq.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*asynq.Task, len(m.tasks))
	copy(out, m.tasks)

	return out
}

// TasksOfType returns enqueued tasks matching the given type.
func (m *MockEnqueuer) TasksOfType(taskType string) []*asynq.Task {
	var out []*asynq.Task

	for _, task := range m.Tasks() {
		if task.Type() == taskType {
			out = append(out, task)
		}
	}

	return out
}
