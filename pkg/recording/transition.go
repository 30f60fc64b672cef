package recording

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/voxnote-ai/engine/pkg/common/logger"
)

// TransitionStore is the slice of the remote store the authority needs.
// *Repository satisfies it; tests inject an in-memory fake.
type TransitionStore interface {
	Get(ctx context.Context, userID, id string) (*Recording, error)
	UpdateWhereState(ctx context.Context, userID, id string, from ProcessingState, updates map[string]interface{}) (bool, error)
	PublishChange(ctx context.Context, changeType ChangeType, rec *Recording)
}

const lockStripes = 64

// Authority is the single component allowed to move a recording between
// processing states. It validates edge legality, derives retry/backoff
// fields, and serializes writers per id.
type Authority struct {
	store   TransitionStore
	backoff BackoffPolicy
	clock   func() time.Time
	locks   [lockStripes]sync.Mutex
}

func NewAuthority(store TransitionStore, backoff BackoffPolicy) *Authority {
	return &Authority{
		store:   store,
		backoff: backoff,
		clock:   time.Now,
	}
}

// WithClock swaps the time source; used by backoff tests.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

func (a *Authority) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &a.locks[h.Sum32()%lockStripes]
}

// Transition moves one recording to newState. Returns ok=false without
// side effects when the caller does not own the recording or the row
// moved concurrently; re-invoking with the current state is a no-op
// success so duplicate deliveries never corrupt retry accounting.
func (a *Authority) Transition(ctx context.Context, userID, id string, newState ProcessingState, stageErr *StageError, progress *int) (bool, error) {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := a.store.Get(ctx, userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrNotOwner
		}
		return false, err
	}

	if rec.ProcessingState == newState {
		return true, nil
	}
	if !ValidTransition(rec.ProcessingState, newState) {
		return false, ErrIllegalTransition
	}

	now := a.clock().UTC()
	updates := map[string]interface{}{
		"processing_state":     newState,
		"processing_step":      rec.ProcessingStep + 1,
		"last_state_change_at": now,
		"updated_at":           now,
	}

	var nextRetry *time.Time
	retryCount := rec.RetryCount
	if IsFailureState(newState) {
		retryCount = rec.RetryCount + 1
		t := now.Add(a.backoff.Delay(retryCount))
		nextRetry = &t

		if stageErr == nil {
			stageErr = &StageError{Code: "unknown", Message: "stage failed"}
		} else {
			// Copy before stamping so a caller reusing the error across
			// retries never sees it mutated.
			copied := *stageErr
			stageErr = &copied
		}
		if stageErr.OccurredAt.IsZero() {
			stageErr.OccurredAt = now
		}
		updates["retry_count"] = retryCount
		updates["next_retry_at"] = nextRetry
		updates["processing_error"] = stageErr.ToJSONMap()
	} else {
		updates["processing_error"] = nil
		updates["next_retry_at"] = nil
	}

	if progress != nil {
		updates["upload_progress"] = clampProgress(*progress)
	}

	moved, err := a.store.UpdateWhereState(ctx, userID, id, rec.ProcessingState, updates)
	if err != nil {
		return false, err
	}
	if !moved {
		logger.Log.WithFields(map[string]interface{}{
			"recording_id": id,
			"from":         rec.ProcessingState,
			"to":           newState,
		}).Warn("transition lost race with concurrent writer")
		return false, nil
	}

	rec.ProcessingState = newState
	rec.ProcessingStep++
	rec.LastStateChangeAt = now
	rec.UpdatedAt = now
	rec.RetryCount = retryCount
	rec.NextRetryAt = nextRetry
	if IsFailureState(newState) {
		rec.ProcessingError = stageErr.ToJSONMap()
	} else {
		rec.ProcessingError = nil
	}
	if progress != nil {
		rec.UploadProgress = clampProgress(*progress)
	}
	a.store.PublishChange(ctx, ChangeUpdate, rec)
	return true, nil
}

// Retry is the manual retry contract: reset a permanently failed
// recording to the state immediately preceding its failure, zeroing
// retry accounting so the queue driver picks it up again.
func (a *Authority) Retry(ctx context.Context, userID, id string) (bool, error) {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := a.store.Get(ctx, userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrNotOwner
		}
		return false, err
	}

	target, ok := RetryTarget(rec.ProcessingState)
	if !ok {
		return false, ErrIllegalTransition
	}

	now := a.clock().UTC()
	updates := map[string]interface{}{
		"processing_state":     target,
		"processing_step":      rec.ProcessingStep + 1,
		"retry_count":          0,
		"next_retry_at":        nil,
		"processing_error":     nil,
		"last_state_change_at": now,
		"updated_at":           now,
	}

	moved, err := a.store.UpdateWhereState(ctx, userID, id, rec.ProcessingState, updates)
	if err != nil || !moved {
		return false, err
	}

	rec.ProcessingState = target
	rec.ProcessingStep++
	rec.RetryCount = 0
	rec.NextRetryAt = nil
	rec.ProcessingError = nil
	rec.LastStateChangeAt = now
	rec.UpdatedAt = now
	a.store.PublishChange(ctx, ChangeUpdate, rec)
	return true, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
