package orchestration

import (
	"context"
	"errors"
	"fmt"
)

type workerRun func(context.Context) error

func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}

		return nil
	}
}

// backgroundTask is a cancellable worker whose completion can be joined.
type backgroundTask struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startBackgroundTask(ctx context.Context, name string, run func(context.Context) error) *backgroundTask {
	ctx, cancel := context.WithCancel(ctx)
	task := &backgroundTask{name: name, cancel: cancel, done: make(chan struct{})}
	worker := panicSafeNamedWorker(name, run)
	go func() {
		defer close(task.done)
		task.err = worker(ctx)
	}()
	return task
}

// Stop cancels the task and waits for it to return. Cancellation itself is
// not reported as an error.
func (t *backgroundTask) Stop() error {
	if t == nil {
		return nil
	}
	t.cancel()
	<-t.done
	if errors.Is(t.err, context.Canceled) {
		return nil
	}
	return t.err
}
