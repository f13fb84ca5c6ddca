package engine

import (
	"context"
	"fmt"
	"log/slog"

	"chatsweep/internal/model"
	"chatsweep/internal/ratelimit"
	"chatsweep/internal/transport"
)

// threadStates opens archived threads before traffic and restores their
// captured state once the target's queue drains.
type threadStates struct {
	svc     transport.Service
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

// Enter makes the target operable. For an archived thread it issues an
// unarchive call; other targets need nothing.
func (m *threadStates) Enter(ctx context.Context, t model.Target) error {
	if t.Kind != model.KindThread || !t.Archived {
		return nil
	}
	if err := m.limiter.Acquire(ctx, ratelimit.State); err != nil {
		return err
	}
	if err := m.svc.SetArchived(ctx, t.ID, false); err != nil {
		return fmt.Errorf("unarchive thread %s: %w", t.ID, err)
	}
	m.log.Info("thread unarchived", "thread_id", t.ID)
	return nil
}

// Leave restores the state captured at entry. It runs for every target that
// completed Enter, whether the queue drained, aborted, or was stopped;
// restore failure is logged and never fails the run.
func (m *threadStates) Leave(ctx context.Context, t model.Target) {
	if t.Kind != model.KindThread || !t.Archived {
		return
	}
	if err := m.limiter.Acquire(ctx, ratelimit.State); err != nil {
		m.log.Error("restore thread state", "thread_id", t.ID, "error", err)
		return
	}
	if err := m.svc.SetArchived(ctx, t.ID, true); err != nil {
		m.log.Error("restore thread state", "thread_id", t.ID, "error", err)
		return
	}
	m.log.Info("thread re-archived", "thread_id", t.ID)
}
