package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"chatsweep/internal/model"
	"chatsweep/internal/ratelimit"
	"chatsweep/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msgIn(channelID, id, authorID string) model.MessageRecord {
	return model.MessageRecord{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   "payload " + id,
		Timestamp: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

type archiveOp struct {
	ChannelID string
	Archived  bool
}

// fakeService emulates the remote conversation service over an in-memory
// message store. Deletions remove records, so subsequent searches shrink the
// way a live index does. Per-message errors can be scripted.
type fakeService struct {
	mu         sync.Mutex
	pageSize   int
	messages   map[string][]model.MessageRecord
	deleteErrs map[string][]error // consumed in order, then the store applies
	persistent map[string]error   // returned on every attempt
	searchErrs []error
	deleted    []string
	archiveOps []archiveOp
}

func newFakeService() *fakeService {
	return &fakeService{
		pageSize:   25,
		messages:   map[string][]model.MessageRecord{},
		deleteErrs: map[string][]error{},
		persistent: map[string]error{},
	}
}

func (s *fakeService) seed(channelID string, recs ...model.MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[channelID] = append(s.messages[channelID], recs...)
}

func (s *fakeService) scriptDelete(messageID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErrs[messageID] = append(s.deleteErrs[messageID], errs...)
}

func (s *fakeService) alwaysFail(messageID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistent[messageID] = err
}

func (s *fakeService) scriptSearch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErrs = append(s.searchErrs, errs...)
}

func (s *fakeService) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deleted))
	copy(out, s.deleted)
	return out
}

func (s *fakeService) remaining(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[channelID])
}

func (s *fakeService) archiveLog() []archiveOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]archiveOp, len(s.archiveOps))
	copy(out, s.archiveOps)
	return out
}

func (s *fakeService) Search(_ context.Context, q transport.SearchQuery) (transport.SearchPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.searchErrs) > 0 {
		err := s.searchErrs[0]
		s.searchErrs = s.searchErrs[1:]
		return transport.SearchPage{}, err
	}

	recs := s.messages[q.ChannelID]
	page := transport.SearchPage{Total: len(recs)}
	if q.Offset >= len(recs) {
		return page, nil
	}
	end := q.Offset + s.pageSize
	if end > len(recs) {
		end = len(recs)
	}
	page.Records = make([]model.MessageRecord, end-q.Offset)
	copy(page.Records, recs[q.Offset:end])
	return page, nil
}

func (s *fakeService) Delete(_ context.Context, channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errs := s.deleteErrs[messageID]; len(errs) > 0 {
		err := errs[0]
		s.deleteErrs[messageID] = errs[1:]
		return err
	}
	if err := s.persistent[messageID]; err != nil {
		return err
	}

	recs := s.messages[channelID]
	for i, r := range recs {
		if r.ID == messageID {
			s.messages[channelID] = append(recs[:i:i], recs[i+1:]...)
			break
		}
	}
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *fakeService) SetArchived(_ context.Context, channelID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiveOps = append(s.archiveOps, archiveOp{ChannelID: channelID, Archived: archived})
	return nil
}

// newTestEngine swaps the limiter for one with effectively unlimited request
// budgets so tests exercise pacing logic without production window spans.
func newTestEngine(svc transport.Service) *Engine {
	e := New(svc, discardLogger())
	e.newLimiter = func(cfg *model.RunConfig) *ratelimit.Limiter {
		return ratelimit.NewWithBudgets(
			ratelimit.Budget{Limit: 100000, Window: time.Minute},
			ratelimit.Budget{Limit: 100000, Window: time.Minute},
			cfg.DeleteDelay, cfg.MaxDelay, cfg.AutoAdjustDelay)
	}
	return e
}

func fastConfig(targets ...model.Target) model.RunConfig {
	return model.RunConfig{
		Targets:     targets,
		DeleteDelay: time.Millisecond,
		SearchDelay: time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

var ignoreDerived = cmpopts.IgnoreFields(model.ProgressSnapshot{},
	"AvgLatency", "ETA", "Throttled", "ThrottledTotal", "Time")

func TestRunDeletesMatchingMessages(t *testing.T) {
	svc := newFakeService()
	for i := 0; i < 10; i++ {
		svc.seed("200", msgIn("200", fmt.Sprintf("10%02d", i), "42"))
	}
	for i := 0; i < 5; i++ {
		svc.seed("200", msgIn("200", fmt.Sprintf("20%02d", i), "99"))
	}

	e := newTestEngine(svc)
	cfg := fastConfig(model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})
	cfg.AuthorID = "42"

	if err := e.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, e)

	if diff := cmp.Diff(model.StatusFinished, e.Status()); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}
	if err := e.Err(); err != nil {
		t.Errorf("unexpected run error: %v", err)
	}

	want := model.ProgressSnapshot{Matched: 10, Deleted: 10, Skipped: 5, Failed: 0}
	if diff := cmp.Diff(want, e.Progress(), ignoreDerived); diff != "" {
		t.Errorf("progress (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(5, svc.remaining("200")); diff != "" {
		t.Errorf("messages left on the service (-want +got):\n%s", diff)
	}
}

func TestSecondRunFindsNothingNew(t *testing.T) {
	svc := newFakeService()
	svc.seed("200",
		msgIn("200", "1001", "42"),
		msgIn("200", "2001", "99"))

	cfg := fastConfig(model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})
	cfg.AuthorID = "42"

	wants := []model.ProgressSnapshot{
		{Matched: 1, Deleted: 1, Skipped: 1},
		{Matched: 0, Deleted: 0, Skipped: 1},
	}
	for run, want := range wants {
		e := newTestEngine(svc)
		if err := e.Start(context.Background(), cfg); err != nil {
			t.Fatalf("run %d start: %v", run+1, err)
		}
		waitDone(t, e)
		if diff := cmp.Diff(want, e.Progress(), ignoreDerived); diff != "" {
			t.Errorf("run %d progress (-want +got):\n%s", run+1, diff)
		}
	}
}

func TestThreadStateRestoredAfterRun(t *testing.T) {
	svc := newFakeService()
	svc.seed("555", msgIn("555", "1001", "42"))

	e := newTestEngine(svc)
	cfg := fastConfig(model.Target{Kind: model.KindThread, ID: "555", ParentID: "100", Archived: true})

	if err := e.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, e)

	want := []archiveOp{
		{ChannelID: "555", Archived: false},
		{ChannelID: "555", Archived: true},
	}
	if diff := cmp.Diff(want, svc.archiveLog()); diff != "" {
		t.Errorf("archive transitions (-want +got):\n%s", diff)
	}
}

// gatedService blocks the first search until the test releases it, giving the
// test a window to issue control calls mid-run.
type gatedService struct {
	*fakeService
	searching chan struct{}
	release   chan struct{}
	once      sync.Once
}

func newGatedService(inner *fakeService) *gatedService {
	return &gatedService{
		fakeService: inner,
		searching:   make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedService) Search(ctx context.Context, q transport.SearchQuery) (transport.SearchPage, error) {
	s.once.Do(func() { close(s.searching) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return transport.SearchPage{}, ctx.Err()
	}
	return s.fakeService.Search(ctx, q)
}

func TestStopRestoresThreadState(t *testing.T) {
	inner := newFakeService()
	inner.seed("555", msgIn("555", "1001", "42"))
	svc := newGatedService(inner)

	e := newTestEngine(svc)
	cfg := fastConfig(model.Target{Kind: model.KindThread, ID: "555", ParentID: "100", Archived: true})

	if err := e.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-svc.searching
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(svc.release)
	waitDone(t, e)

	if diff := cmp.Diff(model.StatusFinished, e.Status()); diff != "" {
		t.Errorf("status after stop (-want +got):\n%s", diff)
	}
	if err := e.Err(); err != nil {
		t.Errorf("stop must not fail the run: %v", err)
	}

	want := []archiveOp{
		{ChannelID: "555", Archived: false},
		{ChannelID: "555", Archived: true},
	}
	if diff := cmp.Diff(want, inner.archiveLog()); diff != "" {
		t.Errorf("archive transitions (-want +got):\n%s", diff)
	}
	if got := inner.deletedIDs(); len(got) != 0 {
		t.Errorf("no deletions expected after stop, got %v", got)
	}
}

func TestAuthFailureFailsRun(t *testing.T) {
	svc := newFakeService()
	svc.seed("200", msgIn("200", "1001", "42"))
	svc.alwaysFail("1001", transport.ErrAuth)

	e := newTestEngine(svc)
	if err := e.Start(context.Background(), fastConfig(
		model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, e)

	if diff := cmp.Diff(model.StatusFailed, e.Status()); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}
	if !errors.Is(e.Err(), transport.ErrAuth) {
		t.Errorf("got %v, want auth error", e.Err())
	}
}

func TestSearchForbiddenAbandonsTarget(t *testing.T) {
	svc := newFakeService()
	svc.seed("200", msgIn("200", "1001", "42"))
	svc.scriptSearch(transport.ErrForbidden)

	e := newTestEngine(svc)
	if err := e.Start(context.Background(), fastConfig(
		model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, e)

	if diff := cmp.Diff(model.StatusFinished, e.Status()); diff != "" {
		t.Errorf("inaccessible target must not fail the run (-want +got):\n%s", diff)
	}
	if got := svc.deletedIDs(); len(got) != 0 {
		t.Errorf("no deletions expected, got %v", got)
	}
}

func TestInvalidConfigLeavesEngineIdle(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*model.RunConfig)
	}{
		{name: "no targets", mut: func(c *model.RunConfig) { c.Targets = nil }},
		{name: "bad pattern", mut: func(c *model.RunConfig) { c.Pattern = "(" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(newFakeService())
			cfg := fastConfig(model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})
			tt.mut(&cfg)

			if err := e.Start(context.Background(), cfg); err == nil {
				t.Fatal("expected start to fail")
			}
			if diff := cmp.Diff(model.StatusIdle, e.Status()); diff != "" {
				t.Errorf("status (-want +got):\n%s", diff)
			}
		})
	}
}

func TestControlTransitionsRejectedWhenIdle(t *testing.T) {
	e := newTestEngine(newFakeService())
	if err := e.Pause(); err == nil {
		t.Error("pause from idle should fail")
	}
	if err := e.Resume(); err == nil {
		t.Error("resume from idle should fail")
	}
	if err := e.Stop(); err == nil {
		t.Error("stop from idle should fail")
	}
}

func TestArchiveSourceDrivesLiveDeletions(t *testing.T) {
	svc := newFakeService()
	records := []model.MessageRecord{
		msgIn("200", "1001", "42"),
		msgIn("200", "1002", "42"),
		msgIn("200", "1003", "42"),
	}

	e := newTestEngine(svc)
	e.UseArchive("200", records)

	if err := e.Start(context.Background(), fastConfig(
		model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, e)

	want := model.ProgressSnapshot{Matched: 3, Deleted: 3}
	if diff := cmp.Diff(want, e.Progress(), ignoreDerived); diff != "" {
		t.Errorf("progress (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1001", "1002", "1003"}, svc.deletedIDs()); diff != "" {
		t.Errorf("deleted ids (-want +got):\n%s", diff)
	}
}

func waitAlert(t *testing.T, events <-chan Event) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before any alert")
			}
			if ev.Alert != "" {
				return
			}
		case <-timeout:
			t.Fatal("no auto-pause alert observed")
		}
	}
}

func TestAutoPauseAfterConsecutiveTransientFailures(t *testing.T) {
	svc := newFakeService()
	boom := &transport.TransientError{Err: errors.New("gateway timeout")}
	for _, id := range []string{"1001", "1002", "1003"} {
		svc.seed("200", msgIn("200", id, "42"))
		svc.alwaysFail(id, boom)
	}

	e := newTestEngine(svc)
	cfg := fastConfig(model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})
	cfg.MaxAttempts = 1
	cfg.TransientPause = 2

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := e.Events(subCtx)

	if err := e.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitAlert(t, events)

	if diff := cmp.Diff(model.StatusPaused, e.Status()); diff != "" {
		t.Fatalf("status after alert (-want +got):\n%s", diff)
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, e)

	if diff := cmp.Diff(model.StatusFinished, e.Status()); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}
	want := model.ProgressSnapshot{Matched: 3, Failed: 3}
	if diff := cmp.Diff(want, e.Progress(), ignoreDerived); diff != "" {
		t.Errorf("progress (-want +got):\n%s", diff)
	}
}

func TestEventStreamOrdering(t *testing.T) {
	svc := newFakeService()
	svc.seed("200", msgIn("200", "1001", "42"))

	e := newTestEngine(svc)
	if err := e.Start(context.Background(), fastConfig(
		model.Target{Kind: model.KindChannel, ID: "200", ParentID: "100"})); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, e)

	// Subscribing after completion must replay the full history in order.
	var statuses []model.RunStatus
	var tasks []string
	for ev := range e.Events(context.Background()) {
		if ev.Status != "" {
			statuses = append(statuses, ev.Status)
		}
		if ev.Task != nil {
			tasks = append(tasks, ev.Task.MessageID)
		}
	}

	if diff := cmp.Diff([]model.RunStatus{model.StatusRunning, model.StatusFinished}, statuses); diff != "" {
		t.Errorf("status transitions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1001"}, tasks); diff != "" {
		t.Errorf("task events (-want +got):\n%s", diff)
	}
}
