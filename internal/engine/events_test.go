package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatsweep/internal/model"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(out), n)
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func statuses(events []Event) []model.RunStatus {
	var out []model.RunStatus
	for _, e := range events {
		out = append(out, e.Status)
	}
	return out
}

func TestSubscribeReplaysHistory(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Status: model.StatusRunning})
	s.Publish(Event{Status: model.StatusPaused})

	ch := s.Subscribe(context.Background())
	got := statuses(collect(t, ch, 2))

	want := []model.RunStatus{model.StatusRunning, model.StatusPaused}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replay order (-want +got):\n%s", diff)
	}
}

func TestSubscribeFollowsLiveEvents(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Status: model.StatusRunning})

	ch := s.Subscribe(context.Background())
	first := collect(t, ch, 1)

	s.Publish(Event{Status: model.StatusFinished})
	s.Close()

	rest := statuses(append(first, collect(t, ch, 1)...))
	want := []model.RunStatus{model.StatusRunning, model.StatusFinished}
	if diff := cmp.Diff(want, rest); diff != "" {
		t.Errorf("event order (-want +got):\n%s", diff)
	}

	if _, ok := <-ch; ok {
		t.Error("channel should close once the stream is drained")
	}
}

func TestTwoSubscribersSeeSameOrder(t *testing.T) {
	s := NewStream()
	want := []model.RunStatus{model.StatusRunning, model.StatusStopping, model.StatusFinished}
	for _, st := range want {
		s.Publish(Event{Status: st})
	}
	s.Close()

	a := statuses(collect(t, s.Subscribe(context.Background()), 3))
	b := statuses(collect(t, s.Subscribe(context.Background()), 3))

	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("first subscriber (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("second subscriber (-want +got):\n%s", diff)
	}
}

func TestSubscribeStopsOnContextCancel(t *testing.T) {
	s := NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not terminate after cancellation")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Status: model.StatusRunning})
	s.Close()
	s.Publish(Event{Status: model.StatusFailed})

	got := statuses(collect(t, s.Subscribe(context.Background()), 1))
	if diff := cmp.Diff([]model.RunStatus{model.StatusRunning}, got); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}
