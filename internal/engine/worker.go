package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"chatsweep/internal/model"
	"chatsweep/internal/ratelimit"
	"chatsweep/internal/transport"
)

// worker deletes matched messages one at a time, each request gated by the
// shared limiter.
type worker struct {
	svc     transport.Service
	limiter *ratelimit.Limiter
	cfg     *model.RunConfig
	log     *slog.Logger
}

// Delete resolves a task to a terminal state. The returned error is non-nil
// only for run-fatal conditions (authentication failure) or cancellation;
// every per-task outcome is expressed through the task's state and reason.
func (w *worker) Delete(ctx context.Context, task *model.DeletionTask) error {
	task.State = model.TaskInFlight

	b := retry.WithMaxRetries(uint64(w.cfg.MaxAttempts-1), retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		return w.attempt(ctx, task)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrAuth):
		task.State = model.TaskFailed
		task.Reason = "authentication failed"
		return err
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		// Transient retries exhausted.
		task.State = model.TaskFailed
		task.Reason = err.Error()
		return nil
	}
}

// attempt issues one deletion request. Rate-limited responses re-arm the
// limiter and try again without consuming the retry cap.
func (w *worker) attempt(ctx context.Context, task *model.DeletionTask) error {
	for {
		if err := w.limiter.Acquire(ctx, ratelimit.Delete); err != nil {
			return err
		}
		err := w.svc.Delete(ctx, task.Record.ChannelID, task.Record.ID)

		var rl *transport.RateLimitedError
		switch {
		case err == nil:
			w.limiter.ReportSuccess()
			task.State = model.TaskDeleted
			return nil
		case errors.As(err, &rl):
			w.limiter.ReportLimited(ratelimit.Delete, rl.RetryAfter)
			w.log.Warn("delete rate limited",
				"message_id", task.Record.ID, "retry_after", rl.RetryAfter)
		case errors.Is(err, transport.ErrNotFound):
			task.State = model.TaskSkipped
			task.Reason = "already gone"
			return nil
		case errors.Is(err, transport.ErrForbidden):
			task.State = model.TaskSkipped
			task.Reason = "permission denied"
			return nil
		case errors.Is(err, transport.ErrAuth):
			return err
		default:
			task.Attempts++
			if !transport.IsTransient(err) {
				err = &transport.TransientError{Err: err}
			}
			return retry.RetryableError(err)
		}
	}
}
