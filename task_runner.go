package guillotina

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner runs tasks concurrently with at most maxThreadCount in flight. The first
// failing task cancels the runner's context.
type TaskRunner struct {
	eg      *errgroup.Group
	context context.Context
}

func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxThreadCount > 0 {
		eg.SetLimit(maxThreadCount)
	}
	return &TaskRunner{
		eg:      eg,
		context: ctx2,
	}
}

// GetContext returns the context cancelled when a task fails.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go blocks while the runner is at its limit, then starts task.
func (tr *TaskRunner) Go(task func() error) {
	tr.eg.Go(task)
}

// Wait waits for all tasks and returns the first error.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}
