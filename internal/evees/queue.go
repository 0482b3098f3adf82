package evees

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("evees: task queue closed")

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// TaskQueue runs submitted functions one at a time in submission order on a
// single worker goroutine.
type TaskQueue struct {
	tasks   chan task
	stopCh  chan struct{}
	doneCh  chan struct{}
	closeMu sync.Once
}

func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		tasks:  make(chan task, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *TaskQueue) loop() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case t := <-q.tasks:
			t.done <- t.fn(t.ctx)
		}
	}
}

// Run enqueues fn and waits for it to finish. A task that has started is not
// interrupted when ctx ends; Run just stops waiting for it.
func (q *TaskQueue) Run(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-q.stopCh:
		return errQueueClosed
	default:
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case q.tasks <- t:
	case <-q.stopCh:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-q.doneCh:
		select {
		case err := <-t.done:
			return err
		default:
			return errQueueClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready waits for every task queued before the call.
func (q *TaskQueue) Ready(ctx context.Context) error {
	return q.Run(ctx, func(context.Context) error { return nil })
}

// Close stops the worker after the running task.
func (q *TaskQueue) Close() {
	q.closeMu.Do(func() { close(q.stopCh) })
	<-q.doneCh
}
