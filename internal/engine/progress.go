package engine

import (
	"sync"
	"time"

	"chatsweep/internal/model"
)

// Tracker aggregates run counters and a rolling per-deletion latency.
// Counters only ever increase within a run.
type Tracker struct {
	mu      sync.Mutex
	matched int
	deleted int
	skipped int
	failed  int
	avg     time.Duration
	now     func() time.Time
}

// NewTracker creates a zeroed Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// AddMatched records n newly matched candidates.
func (t *Tracker) AddMatched(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matched += n
}

// AddSkipped records n records excluded without a deletion attempt.
func (t *Tracker) AddSkipped(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped += n
}

// TaskResolved records a terminal task outcome and its observed latency.
func (t *Tracker) TaskResolved(state model.TaskState, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch state {
	case model.TaskDeleted:
		t.deleted++
	case model.TaskSkipped:
		t.skipped++
	case model.TaskFailed:
		t.failed++
	}

	if latency <= 0 {
		return
	}
	if t.avg == 0 {
		t.avg = latency
		return
	}
	// Exponential moving average, weight 1/5 on the newest sample.
	t.avg = (t.avg*4 + latency) / 5
}

// Snapshot returns an immutable view of the counters with a derived ETA.
func (t *Tracker) Snapshot() model.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := model.ProgressSnapshot{
		Matched:    t.matched,
		Deleted:    t.deleted,
		Skipped:    t.skipped,
		Failed:     t.failed,
		AvgLatency: t.avg,
		Time:       t.now(),
	}
	snap.ETA = time.Duration(snap.Remaining()) * t.avg
	return snap
}
