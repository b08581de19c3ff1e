// Package queue serializes jobs so that at most one runs at a time, in the
// order they were enqueued.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned for jobs enqueued after Close, or dropped because
// Close gave up waiting
var ErrClosed = errors.New("queue closed")

// Job is a unit of serialized work
type Job func(ctx context.Context) error

type entry struct {
	id   string
	name string
	job  Job
	done chan error
}

// Queue is a FIFO executor. A drain goroutine is started by Enqueue when none
// is running and exits once the queue is empty.
type Queue struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex // guards entries, running, current and closed
	entries []entry
	running bool // a drain goroutine exists
	current bool // a job is executing
	closed  bool
}

// New creates an empty queue
func New(logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue appends job and returns a channel that receives its result once it
// has run. The channel is buffered; callers may ignore it.
func (q *Queue) Enqueue(name string, job Job) <-chan error {
	e := entry{
		id:   uuid.NewString(),
		name: name,
		job:  job,
		done: make(chan error, 1),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		e.done <- ErrClosed
		return e.done
	}

	q.entries = append(q.entries, e)
	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.drain()
	}
	return e.done
}

// Busy reports whether a job is running or waiting. It is false again by the
// time the last job's result is delivered.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current || len(q.entries) > 0
}

// Len returns the number of jobs waiting to run
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops accepting jobs and waits for the queued ones to finish. If ctx
// expires first, the running job's context is cancelled and the remaining
// jobs fail with ErrClosed.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-drained
		return ctx.Err()
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		q.entries[0] = entry{}
		q.entries = q.entries[1:]
		q.current = true
		q.mu.Unlock()

		if q.ctx.Err() != nil {
			q.finish(e, ErrClosed)
			continue
		}

		start := time.Now()
		q.logger.Debug("job started", "job", e.name, "id", e.id)
		err := e.job(q.ctx)
		if err != nil {
			q.logger.Debug("job failed", "job", e.name, "id", e.id, "duration", time.Since(start), "error", err)
		} else {
			q.logger.Debug("job finished", "job", e.name, "id", e.id, "duration", time.Since(start))
		}
		q.finish(e, err)
	}
}

func (q *Queue) finish(e entry, err error) {
	q.mu.Lock()
	q.current = false
	q.mu.Unlock()
	e.done <- err
}
