package propagation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxnote-ai/engine/pkg/recording"
)

// fakeLister is safe for concurrent use; supervisor tests swap the
// remote set while a poll goroutine is running.
type fakeLister struct {
	mu   sync.Mutex
	recs []recording.Recording
	err  error
}

func (f *fakeLister) ListByUser(ctx context.Context, userID string) ([]recording.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]recording.Recording, len(f.recs))
	copy(out, f.recs)
	return out, nil
}

func (f *fakeLister) set(recs ...recording.Recording) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = recs
}

func pollRecording(id string, state recording.ProcessingState) recording.Recording {
	return recording.Recording{
		ID:              id,
		UserID:          "user-1",
		Timestamp:       time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		ProcessingState: state,
	}
}

func TestPollEmitsAddForUnseenRecording(t *testing.T) {
	lister := &fakeLister{recs: []recording.Recording{pollRecording("a", recording.StateRecorded)}}
	poller := NewPoller(lister, "user-1")

	events, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != recording.ChangeAdd {
		t.Fatalf("events = %+v, want one add", events)
	}
	if events[0].Recording == nil || events[0].Recording.ID != "a" {
		t.Fatalf("add event carries wrong recording: %+v", events[0].Recording)
	}
}

func TestPollSeededSnapshotEmitsNothingWhenUnchanged(t *testing.T) {
	rec := pollRecording("a", recording.StateUploaded)
	lister := &fakeLister{recs: []recording.Recording{rec}}
	poller := NewPoller(lister, "user-1")
	poller.Seed([]recording.Recording{rec})

	events, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("unchanged recording produced events: %+v", events)
	}
}

func TestPollDetectsWatchedFieldChanges(t *testing.T) {
	base := pollRecording("a", recording.StateUploading)
	base.UploadProgress = 10
	lister := &fakeLister{recs: []recording.Recording{base}}
	poller := NewPoller(lister, "user-1")

	if _, err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("first poll failed: %v", err)
	}

	// Progress tick alone is enough to surface an update.
	changed := base
	changed.UploadProgress = 55
	lister.set(changed)

	events, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != recording.ChangeUpdate {
		t.Fatalf("events = %+v, want one update", events)
	}

	// Transcript appearing is also watched.
	transcript := "hello"
	withText := changed
	withText.Transcript = &transcript
	lister.set(withText)

	events, err = poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("third poll failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != recording.ChangeUpdate {
		t.Fatalf("transcript change missed: %+v", events)
	}
}

func TestPollIgnoresUnwatchedFieldChanges(t *testing.T) {
	base := pollRecording("a", recording.StateUploaded)
	lister := &fakeLister{recs: []recording.Recording{base}}
	poller := NewPoller(lister, "user-1")

	if _, err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("first poll failed: %v", err)
	}

	touched := base
	touched.UpdatedAt = time.Now()
	touched.RetryCount = 2
	lister.set(touched)

	events, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("unwatched fields produced events: %+v", events)
	}
}

func TestPollEmitsDeleteFromIDSetDifference(t *testing.T) {
	a := pollRecording("a", recording.StateCompleted)
	b := pollRecording("b", recording.StateRecorded)
	lister := &fakeLister{recs: []recording.Recording{a, b}}
	poller := NewPoller(lister, "user-1")
	poller.Seed([]recording.Recording{a, b})

	lister.set(b)

	events, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != recording.ChangeDelete {
		t.Fatalf("events = %+v, want one delete", events)
	}
	if events[0].Recording == nil || events[0].Recording.ID != "a" {
		t.Fatalf("delete event carries wrong recording: %+v", events[0].Recording)
	}
}
