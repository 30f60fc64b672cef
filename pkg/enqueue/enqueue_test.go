package enqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxnote-ai/engine/pkg/cache"
	"github.com/voxnote-ai/engine/pkg/recording"
)

type fakeRemote struct {
	recs      map[string]*recording.Recording
	createErr error
	creates   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{recs: make(map[string]*recording.Recording)}
}

func (f *fakeRemote) Create(ctx context.Context, rec *recording.Recording) (bool, error) {
	f.creates++
	if f.createErr != nil {
		return false, f.createErr
	}
	if _, exists := f.recs[rec.ID]; exists {
		return false, nil
	}
	f.recs[rec.ID] = rec.Clone()
	return true, nil
}

type fakeLocal struct {
	recs    map[string]*recording.Recording
	pending map[string]bool
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		recs:    make(map[string]*recording.Recording),
		pending: make(map[string]bool),
	}
}

func (f *fakeLocal) Put(ctx context.Context, rec *recording.Recording) error {
	f.recs[rec.ID] = rec.Clone()
	return nil
}

func (f *fakeLocal) Get(ctx context.Context, userID, id string) (*recording.Recording, error) {
	rec, ok := f.recs[id]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return rec.Clone(), nil
}

func (f *fakeLocal) MarkPending(ctx context.Context, userID, id string) error {
	f.pending[id] = true
	return nil
}

func (f *fakeLocal) ClearPending(ctx context.Context, userID, id string) error {
	delete(f.pending, id)
	return nil
}

func (f *fakeLocal) Pending(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	for id := range f.pending {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestCaptureOnlineLandsEverywhere(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	local := newFakeLocal()
	remote := newFakeRemote()
	admitter := NewAdmitter(local, remote).WithClock(func() time.Time { return now })

	rec, err := admitter.Capture(context.Background(), "user-1", CaptureRequest{
		Duration:       30.5,
		LocalAudioPath: "/audio/x.wav",
	})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if rec.ProcessingState != recording.StateRecorded {
		t.Fatalf("state = %s, want %s", rec.ProcessingState, recording.StateRecorded)
	}
	if rec.Timestamp != now {
		t.Fatalf("capture timestamp = %v, want clock time %v", rec.Timestamp, now)
	}
	if rec.Provenance != recording.ProvenanceBoth {
		t.Fatalf("provenance = %s, want both", rec.Provenance)
	}
	if _, ok := remote.recs[rec.ID]; !ok {
		t.Fatal("recording missing from remote store")
	}
	if cached := local.recs[rec.ID]; cached == nil || cached.Provenance != recording.ProvenanceBoth {
		t.Fatalf("cached copy = %+v, want provenance both", cached)
	}
	if len(local.pending) != 0 {
		t.Fatal("online capture left pending marks")
	}
}

func TestCaptureOfflineStaysLocalAndPending(t *testing.T) {
	local := newFakeLocal()
	remote := newFakeRemote()
	remote.createErr = errors.New("connection refused")
	admitter := NewAdmitter(local, remote)

	rec, err := admitter.Capture(context.Background(), "user-1", CaptureRequest{Duration: 5})
	if err != nil {
		t.Fatalf("offline capture must not fail: %v", err)
	}
	if rec.Provenance != recording.ProvenanceLocal {
		t.Fatalf("provenance = %s, want local", rec.Provenance)
	}
	if !local.pending[rec.ID] {
		t.Fatal("offline capture not marked pending")
	}
	if len(remote.recs) != 0 {
		t.Fatal("offline capture reached the remote store")
	}
}

func TestSweepReconcilesPendingWithinOneCycle(t *testing.T) {
	local := newFakeLocal()
	remote := newFakeRemote()
	remote.createErr = errors.New("connection refused")
	admitter := NewAdmitter(local, remote)

	rec, err := admitter.Capture(context.Background(), "user-1", CaptureRequest{Duration: 5})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	// Connectivity returns; the next sweep mirrors the capture.
	remote.createErr = nil
	synced, err := admitter.Sweep(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if synced != 1 {
		t.Fatalf("synced = %d, want 1", synced)
	}
	if _, ok := remote.recs[rec.ID]; !ok {
		t.Fatal("sweep did not insert the pending recording")
	}
	if local.pending[rec.ID] {
		t.Fatal("pending mark survived a successful sweep")
	}
	if cached := local.recs[rec.ID]; cached.Provenance != recording.ProvenanceBoth {
		t.Fatalf("provenance = %s, want both after sweep", cached.Provenance)
	}
}

func TestSweepLeavesPendingOnContinuedFailure(t *testing.T) {
	local := newFakeLocal()
	remote := newFakeRemote()
	remote.createErr = errors.New("connection refused")
	admitter := NewAdmitter(local, remote)

	rec, err := admitter.Capture(context.Background(), "user-1", CaptureRequest{Duration: 5})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	synced, err := admitter.Sweep(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("sweep errored instead of deferring: %v", err)
	}
	if synced != 0 {
		t.Fatalf("synced = %d, want 0", synced)
	}
	if !local.pending[rec.ID] {
		t.Fatal("pending mark dropped while remote is still unreachable")
	}
}

func TestSweepToleratesDuplicateInsert(t *testing.T) {
	local := newFakeLocal()
	remote := newFakeRemote()
	admitter := NewAdmitter(local, remote)

	rec, err := admitter.Capture(context.Background(), "user-1", CaptureRequest{Duration: 5})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	// A crash between the remote insert and clearing the mark leaves the
	// id pending even though the row exists. The sweep must not error.
	local.pending[rec.ID] = true

	synced, err := admitter.Sweep(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("sweep failed on duplicate: %v", err)
	}
	if synced != 1 {
		t.Fatalf("synced = %d, want 1", synced)
	}
	if local.pending[rec.ID] {
		t.Fatal("pending mark survived duplicate reconciliation")
	}
}

func TestSweepClearsPendingForExpiredCacheEntry(t *testing.T) {
	local := newFakeLocal()
	remote := newFakeRemote()
	admitter := NewAdmitter(local, remote)

	local.pending["ghost"] = true

	synced, err := admitter.Sweep(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if synced != 0 {
		t.Fatalf("synced = %d, want 0", synced)
	}
	if local.pending["ghost"] {
		t.Fatal("pending mark survived for an expired cache entry")
	}
	if remote.creates != 0 {
		t.Fatal("sweep attempted an insert for an expired entry")
	}
}
