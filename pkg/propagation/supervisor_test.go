package propagation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxnote-ai/engine/pkg/recording"
)

type fakeSubscription struct {
	events chan recording.ChangeEvent
	errs   chan error
	closed atomic.Bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events: make(chan recording.ChangeEvent, 8),
		errs:   make(chan error, 1),
	}
}

func (f *fakeSubscription) Events() <-chan recording.ChangeEvent { return f.events }
func (f *fakeSubscription) Errs() <-chan error                   { return f.errs }
func (f *fakeSubscription) Close() error                         { f.closed.Store(true); return nil }

// fakeConnector fails the first failBefore attempts, then hands out
// subscriptions from subs in order.
type fakeConnector struct {
	failBefore int
	attempts   atomic.Int32
	subs       chan *fakeSubscription
}

func (f *fakeConnector) Connect(ctx context.Context) (Subscription, error) {
	n := int(f.attempts.Add(1))
	if n <= f.failBefore {
		return nil, errors.New("feed unreachable")
	}
	select {
	case sub := <-f.subs:
		return sub, nil
	default:
		return nil, errors.New("feed unreachable")
	}
}

func waitForEvent(t *testing.T, events <-chan recording.ChangeEvent, within time.Duration) recording.ChangeEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(within):
		t.Fatal("no event delivered in time")
		return recording.ChangeEvent{}
	}
}

func fastOptions() Options {
	return Options{
		SubscribeTimeout: 20 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		ReconnectBackoff: recording.BackoffPolicy{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
		ReconnectBudget:  10,
	}
}

func TestSupervisorFallsBackToPollOnSubscribeFailure(t *testing.T) {
	rec := pollRecording("a", recording.StateRecorded)
	lister := &fakeLister{recs: []recording.Recording{rec}}
	poller := NewPoller(lister, "user-1")

	connector := &fakeConnector{failBefore: 1 << 30}
	supervisor := NewSupervisor(connector, poller, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go supervisor.Run(ctx)

	event := waitForEvent(t, supervisor.Events(), time.Second)
	if event.Type != recording.ChangeAdd || event.Recording.ID != "a" {
		t.Fatalf("unexpected fallback event: %+v", event)
	}
	if supervisor.Mode() != ModePoll {
		t.Fatalf("mode = %s, want poll", supervisor.Mode())
	}
}

func TestSupervisorPollSurfacesLaterChanges(t *testing.T) {
	rec := pollRecording("a", recording.StateRecorded)
	lister := &fakeLister{recs: []recording.Recording{rec}}
	poller := NewPoller(lister, "user-1")
	poller.Seed([]recording.Recording{rec})

	connector := &fakeConnector{failBefore: 1 << 30}
	supervisor := NewSupervisor(connector, poller, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go supervisor.Run(ctx)

	// No changes yet, so nothing flows.
	select {
	case event := <-supervisor.Events():
		t.Fatalf("unexpected event before any change: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	changed := rec
	changed.ProcessingState = recording.StateUploaded
	lister.set(changed)

	event := waitForEvent(t, supervisor.Events(), time.Second)
	if event.Type != recording.ChangeUpdate || event.Recording.ProcessingState != recording.StateUploaded {
		t.Fatalf("unexpected poll event: %+v", event)
	}
}

func TestSupervisorReturnsToPushAfterReconnect(t *testing.T) {
	lister := &fakeLister{}
	poller := NewPoller(lister, "user-1")

	sub := newFakeSubscription()
	connector := &fakeConnector{failBefore: 2, subs: make(chan *fakeSubscription, 1)}
	connector.subs <- sub

	supervisor := NewSupervisor(connector, poller, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go supervisor.Run(ctx)

	deadline := time.After(time.Second)
	for supervisor.Mode() != ModePush {
		select {
		case <-deadline:
			t.Fatal("supervisor never reconnected to push")
		case <-time.After(5 * time.Millisecond):
		}
	}

	rec := pollRecording("b", recording.StateTranscribed)
	sub.events <- recording.ChangeEvent{Type: recording.ChangeUpdate, UserID: "user-1", Recording: &rec}

	event := waitForEvent(t, supervisor.Events(), time.Second)
	if event.Recording == nil || event.Recording.ID != "b" {
		t.Fatalf("push event not forwarded: %+v", event)
	}
}

func TestSupervisorPollsForeverAfterBudgetExhausted(t *testing.T) {
	rec := pollRecording("a", recording.StateRecorded)
	lister := &fakeLister{recs: []recording.Recording{rec}}
	poller := NewPoller(lister, "user-1")

	opts := fastOptions()
	opts.ReconnectBudget = 2
	connector := &fakeConnector{failBefore: 1 << 30}
	supervisor := NewSupervisor(connector, poller, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go supervisor.Run(ctx)

	waitForEvent(t, supervisor.Events(), time.Second)

	// Let the budget burn down, then confirm polling still runs.
	time.Sleep(200 * time.Millisecond)
	attemptsAfterBudget := connector.attempts.Load()
	if attemptsAfterBudget > int32(opts.ReconnectBudget)+1 {
		t.Fatalf("supervisor kept dialing after budget: %d attempts", attemptsAfterBudget)
	}

	changed := rec
	changed.ProcessingState = recording.StateUploaded
	lister.set(changed)

	event := waitForEvent(t, supervisor.Events(), time.Second)
	if event.Type != recording.ChangeUpdate {
		t.Fatalf("post-budget poll did not surface change: %+v", event)
	}
	if supervisor.Mode() != ModePoll {
		t.Fatalf("mode = %s, want poll", supervisor.Mode())
	}

	cancel()
	// Run closes the merged stream on shutdown.
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-supervisor.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("event stream not closed after cancellation")
		}
	}
}
