package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Worker drives one Session. Workers share nothing but the Scheduler, the
// FileSink and the Progress, all of which are safe for concurrent use.
type Worker struct {
	id      int
	name    string
	session Session
	logger  *slog.Logger
}

// ID returns the 1-based worker number.
func (w *Worker) ID() int { return w.id }

// transfer is what a worker needs from the job it serves.
type transfer struct {
	handle   Handle
	sched    *Scheduler
	sink     io.WriterAt
	progress *Progress
	policy   RetryPolicy
}

// run pulls tasks until the queue is empty. It returns a *ChunkError when a
// chunk fails fatally, or the context error when cancelled. A task taken from
// the queue is always completed, failed or requeued before run returns.
func (w *Worker) run(ctx context.Context, t *transfer) error {
	w.logger.Debug("Worker started.")
	defer w.logger.Debug("Worker stopped.")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, ok := t.sched.TryDequeue()
		if !ok {
			return nil
		}
		if err := w.process(ctx, t, task); err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, t *transfer, task *ChunkTask) error {
	l := w.logger.With("chunk", task.Index, "offset", task.Offset, "length", task.Length)

	err := w.fetchAndWrite(ctx, t, task)
	if err == nil {
		t.sched.recordAttempt(task)
		t.sched.Complete(task)
		return nil
	}

	if ctx.Err() != nil {
		t.sched.Requeue(task)
		return ctx.Err()
	}

	var d Decision
	if isRateLimited(err) {
		d = t.policy.Decide(err, task.Attempts)
	} else {
		d = t.policy.Decide(err, t.sched.recordAttempt(task))
	}

	switch d.Class {
	case ClassRateLimited:
		t.sched.recordRateLimit(task)
		l.Info("Session rate limited, cooling down", "wait", d.RetryAfter)
	case ClassTransient:
		l.Warn("Chunk fetch failed, will retry", "attempts", task.Attempts, "retry_after", d.RetryAfter, "error", err)
	default:
		t.sched.Fail(task)
		l.Error("Chunk failed permanently", "attempts", task.Attempts, "error", err)
		return &ChunkError{
			Index:    task.Index,
			Offset:   task.Offset,
			Length:   task.Length,
			Attempts: task.Attempts,
			Err:      err,
		}
	}

	if err := sleep(ctx, d.RetryAfter); err != nil {
		t.sched.Requeue(task)
		return err
	}
	t.sched.Requeue(task)
	return nil
}

func (w *Worker) fetchAndWrite(ctx context.Context, t *transfer, task *ChunkTask) error {
	data, err := w.session.Fetch(ctx, t.handle, task.Offset, task.Length)
	if err != nil {
		return err
	}
	if int64(len(data)) != task.Length {
		return Transient(fmt.Errorf("short fetch at offset %d: got %d bytes, want %d: %w",
			task.Offset, len(data), task.Length, io.ErrUnexpectedEOF))
	}

	if _, err := t.sink.WriteAt(data, task.Offset); err != nil {
		return Fatal(err)
	}
	t.progress.Add(int64(len(data)))
	return nil
}

func isRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
