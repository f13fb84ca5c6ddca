package engine

import (
	"context"
	"sync"
	"time"

	"chatsweep/internal/model"
)

// Event is one entry of the ordered run event stream. Exactly one of the
// payload fields is set: a status transition, an alert, a progress snapshot,
// or a task outcome.
type Event struct {
	Time     time.Time
	Status   model.RunStatus
	Alert    string
	Snapshot *model.ProgressSnapshot
	Task     *model.TaskLog
}

// Stream is an ordered, replayable event stream. Subscribers always receive
// the full history before live events, in publication order.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish appends an event and wakes subscribers. Events published after
// Close are dropped.
func (s *Stream) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events = append(s.events, e)
	s.cond.Broadcast()
}

// Close marks the stream complete. Subscribers drain the history and their
// channels close.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Subscribe returns a channel that replays all past events and then follows
// the live stream until the stream closes or ctx is done.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	quit := make(chan struct{})

	// The waiter below blocks on the condition variable; wake it when the
	// subscriber's context ends.
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-quit:
		}
	}()

	go func() {
		defer close(ch)
		defer close(quit)
		next := 0
		for {
			s.mu.Lock()
			for next >= len(s.events) && !s.closed && ctx.Err() == nil {
				s.cond.Wait()
			}
			if ctx.Err() != nil || (next >= len(s.events) && s.closed) {
				s.mu.Unlock()
				return
			}
			e := s.events[next]
			next++
			s.mu.Unlock()

			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
