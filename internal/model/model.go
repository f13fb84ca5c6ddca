// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"fmt"
	"time"
)

// TargetKind classifies the container a run operates on.
type TargetKind string

// Supported target kinds.
const (
	KindChannel TargetKind = "channel"
	KindDirect  TargetKind = "direct"
	KindThread  TargetKind = "thread"
)

// Target is one container to search and delete within.
type Target struct {
	Kind     TargetKind
	ID       string
	ParentID string // guild for channels/threads, empty for direct messages
	NSFW     bool
	Archived bool // state captured when the target was configured
}

// MessageRecord is a single message returned by search or an archive export.
// IDs are snowflakes: time-ordered, monotonically increasing.
type MessageRecord struct {
	ID            string
	ChannelID     string
	AuthorID      string
	Content       string
	Timestamp     time.Time
	Pinned        bool
	HasAttachment bool
}

// TaskState is the lifecycle state of a DeletionTask.
type TaskState string

// Deletion task states.
const (
	TaskPending  TaskState = "pending"
	TaskInFlight TaskState = "in-flight"
	TaskDeleted  TaskState = "deleted"
	TaskSkipped  TaskState = "skipped"
	TaskFailed   TaskState = "failed"
)

// DeletionTask tracks one matched message through deletion.
type DeletionTask struct {
	Record   MessageRecord
	State    TaskState
	Reason   string
	Attempts int
}

// RunStatus is the orchestrator state machine position.
type RunStatus string

// Run statuses.
const (
	StatusIdle     RunStatus = "idle"
	StatusRunning  RunStatus = "running"
	StatusPaused   RunStatus = "paused"
	StatusStopping RunStatus = "stopping"
	StatusFinished RunStatus = "finished"
	StatusFailed   RunStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// RunConfig holds the filter predicates, targets and pacing knobs for one run.
// It is immutable once a run starts; changing filters requires a new run.
type RunConfig struct {
	Targets []Target

	AuthorID     string
	Content      string
	ExactContent bool
	Pattern      string
	HasLink      bool
	HasFile      bool
	NoFile       bool
	After        time.Time
	Before       time.Time
	MinID        string
	MaxID        string

	IncludePinned bool
	IncludeNSFW   bool

	DeleteDelay     time.Duration
	SearchDelay     time.Duration
	MaxDelay        time.Duration
	AutoAdjustDelay bool

	MaxAttempts      int
	EmptyPageRetries int
	TransientPause   int // consecutive transient failures before auto-pause
	Parallelism      int
}

// Defaults applied by Normalize.
const (
	DefaultDeleteDelay      = time.Second
	DefaultSearchDelay      = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultMaxAttempts      = 3
	DefaultEmptyPageRetries = 3
	DefaultTransientPause   = 5
)

// Normalize fills zero-valued knobs with defaults.
func (c *RunConfig) Normalize() {
	if c.DeleteDelay <= 0 {
		c.DeleteDelay = DefaultDeleteDelay
	}
	if c.SearchDelay <= 0 {
		c.SearchDelay = DefaultSearchDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.EmptyPageRetries <= 0 {
		c.EmptyPageRetries = DefaultEmptyPageRetries
	}
	if c.TransientPause <= 0 {
		c.TransientPause = DefaultTransientPause
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
}

// Validate rejects configurations that must not start a run.
func (c *RunConfig) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("no targets configured")
	}
	if c.HasFile && c.NoFile {
		return errors.New("has_file and no_file are mutually exclusive")
	}
	if c.MaxDelay > 0 && c.DeleteDelay > c.MaxDelay {
		return fmt.Errorf("delete delay %v exceeds max delay %v", c.DeleteDelay, c.MaxDelay)
	}
	if !c.After.IsZero() && !c.Before.IsZero() && c.Before.Before(c.After) {
		return fmt.Errorf("time range inverted: %v before %v", c.Before, c.After)
	}
	for _, t := range c.Targets {
		if t.ID == "" {
			return errors.New("target with empty identifier")
		}
	}
	return nil
}

// ProgressSnapshot is an immutable view of run progress. Counters never
// decrease within a run.
type ProgressSnapshot struct {
	Matched        int
	Deleted        int
	Skipped        int
	Failed         int
	AvgLatency     time.Duration
	ETA            time.Duration
	Throttled      int
	ThrottledTotal time.Duration
	Time           time.Time
}

// Remaining returns the number of matched tasks still unresolved.
func (s ProgressSnapshot) Remaining() int {
	r := s.Matched - s.Deleted - s.Skipped - s.Failed
	if r < 0 {
		return 0
	}
	return r
}

// TaskLog records the terminal outcome of one deletion task.
type TaskLog struct {
	MessageID string
	TargetID  string
	State     TaskState
	Reason    string
	Attempts  int
	Time      time.Time
}
