package jobs

import (
	"context"
	"errors"

	"poolroute/internal/model"
)

// Task is the unit a Queue carries from Submit to a worker.
type Task struct {
	JobID   string                `json:"jobId"`
	OrgID   string                `json:"orgId"`
	Request model.OptimizeRequest `json:"request"`
}

// Queue transports submitted tasks to workers.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Consume hands tasks to handle until ctx ends.
	Consume(ctx context.Context, handle func(context.Context, Task) error) error
}

var ErrQueueFull = errors.New("jobs: queue full")

// ChanQueue is the in-process queue used when no broker is configured.
type ChanQueue struct {
	ch chan Task
}

func NewChanQueue(size int) *ChanQueue {
	if size <= 0 {
		size = 64
	}
	return &ChanQueue{ch: make(chan Task, size)}
}

func (q *ChanQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *ChanQueue) Consume(ctx context.Context, handle func(context.Context, Task) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-q.ch:
			_ = handle(ctx, t)
		}
	}
}
