package enqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/voxnote-ai/engine/pkg/cache"
	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// RemoteStore is the slice of the remote store the enqueue path needs.
type RemoteStore interface {
	Create(ctx context.Context, rec *recording.Recording) (bool, error)
}

// LocalStore is the slice of the device cache the enqueue path needs.
type LocalStore interface {
	Put(ctx context.Context, rec *recording.Recording) error
	Get(ctx context.Context, userID, id string) (*recording.Recording, error)
	MarkPending(ctx context.Context, userID, id string) error
	ClearPending(ctx context.Context, userID, id string) error
	Pending(ctx context.Context, userID string) ([]string, error)
}

// CaptureRequest is a freshly recorded utterance being admitted into
// the pipeline.
type CaptureRequest struct {
	Duration       float64   `json:"duration"`
	LocalAudioPath string    `json:"local_audio_path"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Admitter is the offline-first admission path: every capture lands in
// the local cache immediately; the remote insert is best effort, with a
// background sweep reconciling anything that missed.
type Admitter struct {
	local  LocalStore
	remote RemoteStore
	clock  func() time.Time
}

func NewAdmitter(local LocalStore, remote RemoteStore) *Admitter {
	return &Admitter{
		local:  local,
		remote: remote,
		clock:  time.Now,
	}
}

func (a *Admitter) WithClock(clock func() time.Time) *Admitter {
	a.clock = clock
	return a
}

// Capture admits a recording. Local admission is unconditional; failure
// to reach the remote store marks the id for a later sweep instead of
// failing the capture.
func (a *Admitter) Capture(ctx context.Context, userID string, req CaptureRequest) (*recording.Recording, error) {
	now := a.clock().UTC()
	capturedAt := req.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}

	rec := &recording.Recording{
		ID:                uuid.New().String(),
		UserID:            userID,
		Timestamp:         capturedAt,
		Duration:          req.Duration,
		LocalAudioPath:    req.LocalAudioPath,
		ProcessingState:   recording.StateRecorded,
		Provenance:        recording.ProvenanceLocal,
		LastStateChangeAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := a.local.Put(ctx, rec); err != nil {
		return nil, err
	}

	if _, err := a.remote.Create(ctx, rec); err != nil {
		logger.Log.WithError(err).WithField("recording_id", rec.ID).
			Info("remote insert deferred, recording marked pending sync")
		if err := a.local.MarkPending(ctx, userID, rec.ID); err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec.Provenance = recording.ProvenanceBoth
	if err := a.local.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Sweep inserts every pending recording into the remote store. An id
// the remote already has is simply marked synced; an insert failure
// leaves the id pending for the next cycle. Returns how many ids were
// reconciled.
func (a *Admitter) Sweep(ctx context.Context, userID string) (int, error) {
	ids, err := a.local.Pending(ctx, userID)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, id := range ids {
		rec, err := a.local.Get(ctx, userID, id)
		if errors.Is(err, cache.ErrCacheMiss) {
			// Cache entry expired or was deleted; nothing left to mirror.
			_ = a.local.ClearPending(ctx, userID, id)
			continue
		}
		if err != nil {
			return synced, err
		}

		if _, err := a.remote.Create(ctx, rec); err != nil {
			logger.Log.WithError(err).WithField("recording_id", id).
				Debug("sweep insert failed, will retry next cycle")
			continue
		}

		rec.Provenance = recording.ProvenanceBoth
		if err := a.local.Put(ctx, rec); err != nil {
			return synced, err
		}
		if err := a.local.ClearPending(ctx, userID, id); err != nil {
			return synced, err
		}
		synced++
	}

	return synced, nil
}
