// Package engine coordinates search, filtering, deletion, pacing and
// progress reporting for one run against the remote conversation service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatsweep/internal/archive"
	"chatsweep/internal/filter"
	"chatsweep/internal/model"
	"chatsweep/internal/ratelimit"
	"chatsweep/internal/transport"
)

// errStopped signals a cooperative stop; it never surfaces as a run failure.
var errStopped = errors.New("run stopped")

// Journal persists run history and per-task outcomes. All methods are
// best-effort from the engine's point of view: journal errors are logged,
// never fatal.
type Journal interface {
	StartRun(ctx context.Context, cfg *model.RunConfig) (int64, error)
	RecordTask(ctx context.Context, runID int64, entry model.TaskLog) error
	FinishRun(ctx context.Context, runID int64, status model.RunStatus, snap model.ProgressSnapshot) error
}

// Engine is the run orchestrator. One run is active at a time; a fresh
// Engine is created per run configuration.
type Engine struct {
	svc     transport.Service
	log     *slog.Logger
	journal Journal

	newLimiter func(cfg *model.RunConfig) *ratelimit.Limiter

	mu       sync.Mutex
	status   model.RunStatus
	cfg      *model.RunConfig
	eval     *filter.Evaluator
	limiter  *ratelimit.Limiter
	tracker  *Tracker
	stream   *Stream
	gate     chan struct{} // closed while running, open while paused
	stop     chan struct{}
	done     chan struct{}
	archives map[string]pageSource
	runID    int64
	runErr   error
}

// New creates an idle Engine over the given transport service.
func New(svc transport.Service, log *slog.Logger) *Engine {
	return &Engine{
		svc:    svc,
		log:    log,
		status: model.StatusIdle,
		stream: NewStream(),
		newLimiter: func(cfg *model.RunConfig) *ratelimit.Limiter {
			return ratelimit.New(cfg.DeleteDelay, cfg.MaxDelay, cfg.AutoAdjustDelay)
		},
		archives: map[string]pageSource{},
	}
}

// SetJournal attaches a run journal. Must be called before Start.
func (e *Engine) SetJournal(j Journal) {
	e.journal = j
}

// UseArchive substitutes a historical export for live search on one target.
// Deletions for the target still go to the live service.
func (e *Engine) UseArchive(targetID string, records []model.MessageRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archives[targetID] = archive.NewSource(records)
}

// Events returns a replayable subscription to the run's event stream.
func (e *Engine) Events(ctx context.Context) <-chan Event {
	return e.stream.Subscribe(ctx)
}

// Status returns the current state machine position.
func (e *Engine) Status() model.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the run-fatal error, if any, once the run has ended.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Done is closed when the run has reached a terminal status.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Progress returns the latest snapshot, including throttle statistics.
func (e *Engine) Progress() model.ProgressSnapshot {
	e.mu.Lock()
	tracker, limiter := e.tracker, e.limiter
	e.mu.Unlock()
	if tracker == nil {
		return model.ProgressSnapshot{}
	}
	snap := tracker.Snapshot()
	if limiter != nil {
		snap.Throttled, snap.ThrottledTotal = limiter.Stats()
	}
	return snap
}

// Start validates the configuration and launches the run. A validation
// failure leaves the engine idle and the run never begins.
func (e *Engine) Start(ctx context.Context, cfg model.RunConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != model.StatusIdle {
		return fmt.Errorf("run already started (status %s)", e.status)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	eval, err := filter.Compile(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	e.cfg = &cfg
	e.eval = eval
	e.limiter = e.newLimiter(&cfg)
	e.tracker = NewTracker()
	e.gate = make(chan struct{})
	close(e.gate) // running
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.setStatusLocked(model.StatusRunning)

	go e.run(ctx)
	return nil
}

// Pause freezes progression: no new page fetches or deletions are issued,
// in-flight requests complete normally.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != model.StatusRunning {
		return fmt.Errorf("cannot pause from %s", e.status)
	}
	e.gate = make(chan struct{})
	e.setStatusLocked(model.StatusPaused)
	return nil
}

// Resume continues from the exact unconsumed page and task.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != model.StatusPaused {
		return fmt.Errorf("cannot resume from %s", e.status)
	}
	close(e.gate)
	e.setStatusLocked(model.StatusRunning)
	return nil
}

// Stop cancels queued work. In-flight requests finish, captured container
// states are restored, then the run reaches finished.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != model.StatusRunning && e.status != model.StatusPaused {
		return fmt.Errorf("cannot stop from %s", e.status)
	}
	e.setStatusLocked(model.StatusStopping)
	close(e.stop)
	return nil
}

func (e *Engine) setStatusLocked(s model.RunStatus) {
	e.status = s
	e.stream.Publish(Event{Time: time.Now(), Status: s})
}

func (e *Engine) run(ctx context.Context) {
	if e.journal != nil {
		id, err := e.journal.StartRun(ctx, e.cfg)
		if err != nil {
			e.log.Error("journal start run", "error", err)
		} else {
			e.runID = id
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, t := range e.cfg.Targets {
		t := t
		g.Go(func() error {
			return e.runTarget(gctx, t)
		})
	}
	e.finish(ctx, g.Wait())
}

func (e *Engine) finish(ctx context.Context, err error) {
	snap := e.Progress()

	e.mu.Lock()
	status := model.StatusFinished
	var runErr error
	if err != nil && !errors.Is(err, errStopped) {
		status = model.StatusFailed
		runErr = err
	}
	e.runErr = runErr
	e.setStatusLocked(status)
	done := e.done
	e.mu.Unlock()

	e.stream.Publish(Event{Time: time.Now(), Snapshot: &snap})
	if runErr != nil {
		e.log.Error("run failed", "error", runErr)
	} else {
		e.log.Info("run complete",
			"matched", snap.Matched, "deleted", snap.Deleted,
			"skipped", snap.Skipped, "failed", snap.Failed)
	}

	if e.journal != nil && e.runID != 0 {
		if jerr := e.journal.FinishRun(context.WithoutCancel(ctx), e.runID, status, snap); jerr != nil {
			e.log.Error("journal finish run", "error", jerr)
		}
	}
	e.stream.Close()
	close(done)
}

func (e *Engine) runTarget(ctx context.Context, t model.Target) error {
	if t.NSFW && !e.cfg.IncludeNSFW {
		e.log.Info("skipping nsfw target", "target_id", t.ID)
		return nil
	}

	states := &threadStates{svc: e.svc, limiter: e.limiter, log: e.log}
	if err := states.Enter(ctx, t); err != nil {
		if errors.Is(err, transport.ErrAuth) || ctx.Err() != nil {
			return err
		}
		e.log.Error("enter target", "target_id", t.ID, "error", err)
		return nil
	}
	// Restore runs even when the queue aborts or the run stops.
	defer states.Leave(context.WithoutCancel(ctx), t)

	err := e.drainTarget(ctx, t)
	if errors.Is(err, errStopped) {
		// A stop is not a failure, and must not cancel sibling pipelines
		// whose requests are still in flight.
		return nil
	}
	return err
}

// drainTarget pages through the target's candidates and deletes every match.
func (e *Engine) drainTarget(ctx context.Context, t model.Target) error {
	src := e.sourceFor(t)
	wk := &worker{svc: e.svc, limiter: e.limiter, cfg: e.cfg, log: e.log}

	cursor := 0
	emptyRetries := 0
	consecTransient := 0

	for {
		if err := e.waitGate(ctx); err != nil {
			return err
		}

		records, total, err := src.NextPage(ctx, cursor)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrAuth), ctx.Err() != nil:
			return err
		case errors.Is(err, transport.ErrForbidden):
			e.log.Warn("search forbidden, abandoning target", "target_id", t.ID)
			return nil
		default:
			e.log.Error("search failed, abandoning target", "target_id", t.ID, "error", err)
			return nil
		}

		if total == 0 {
			return nil
		}
		if len(records) == 0 {
			// The index can lag deletions; re-fetch a bounded number of
			// times before treating the target as drained.
			if emptyRetries >= e.cfg.EmptyPageRetries {
				return nil
			}
			emptyRetries++
			if err := e.sleep(ctx, e.cfg.SearchDelay); err != nil {
				return err
			}
			continue
		}
		emptyRetries = 0

		var tasks []*model.DeletionTask
		unmatched := 0
		for _, rec := range records {
			if e.eval.Matches(rec) {
				tasks = append(tasks, &model.DeletionTask{Record: rec, State: model.TaskPending})
			} else {
				unmatched++
			}
		}
		e.tracker.AddMatched(len(tasks))
		e.tracker.AddSkipped(unmatched)
		e.publishSnapshot()

		deleted := 0
		for _, task := range tasks {
			if err := e.waitGate(ctx); err != nil {
				return err
			}

			start := time.Now()
			if err := wk.Delete(ctx, task); err != nil {
				e.emitTask(t, task)
				return err
			}
			e.tracker.TaskResolved(task.State, time.Since(start))
			e.emitTask(t, task)

			switch task.State {
			case model.TaskDeleted:
				deleted++
				consecTransient = 0
			case model.TaskSkipped:
				consecTransient = 0
			case model.TaskFailed:
				consecTransient++
				if consecTransient >= e.cfg.TransientPause {
					e.autoPause(t)
					consecTransient = 0
				}
			}

			if err := e.sleep(ctx, e.limiter.Delay()); err != nil {
				return err
			}
		}

		cursor = src.Advance(cursor, len(records), deleted)
		if err := e.sleep(ctx, e.cfg.SearchDelay); err != nil {
			return err
		}
	}
}

func (e *Engine) sourceFor(t model.Target) pageSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	if src, ok := e.archives[t.ID]; ok {
		return src
	}
	return &pager{svc: e.svc, limiter: e.limiter, cfg: e.cfg, target: t, log: e.log}
}

// waitGate blocks while the run is paused. It returns errStopped once a stop
// is requested and the context error on cancellation.
func (e *Engine) waitGate(ctx context.Context) error {
	e.mu.Lock()
	gate, stop := e.gate, e.stop
	e.mu.Unlock()

	select {
	case <-stop:
		return errStopped
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	case <-gate:
		return nil
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	case <-t.C:
		return nil
	}
}

// autoPause is the systemic-failure guard: repeated transient failures pause
// the run instead of silently burning the budget.
func (e *Engine) autoPause(t model.Target) {
	if err := e.Pause(); err != nil {
		return
	}
	msg := fmt.Sprintf("paused after %d consecutive transient failures on target %s",
		e.cfg.TransientPause, t.ID)
	e.log.Warn("run auto-paused", "target_id", t.ID)
	e.stream.Publish(Event{Time: time.Now(), Alert: msg})
}

func (e *Engine) publishSnapshot() {
	snap := e.Progress()
	e.stream.Publish(Event{Time: time.Now(), Snapshot: &snap})
}

func (e *Engine) emitTask(t model.Target, task *model.DeletionTask) {
	entry := model.TaskLog{
		MessageID: task.Record.ID,
		TargetID:  t.ID,
		State:     task.State,
		Reason:    task.Reason,
		Attempts:  task.Attempts,
		Time:      time.Now(),
	}
	e.stream.Publish(Event{Time: entry.Time, Task: &entry})
	if e.journal != nil && e.runID != 0 {
		if err := e.journal.RecordTask(context.Background(), e.runID, entry); err != nil {
			e.log.Error("journal record task", "message_id", entry.MessageID, "error", err)
		}
	}
	e.publishSnapshot()
}
