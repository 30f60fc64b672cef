package recording

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/voxnote-ai/engine/pkg/common/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the remote store client for the recordings table. Every
// accepted write is mirrored onto the change feed so subscribed devices
// converge without polling.
type Repository struct {
	db   *gorm.DB
	feed FeedPublisher
}

func NewRepository(db *gorm.DB, feed FeedPublisher) *Repository {
	return &Repository{db: db, feed: feed}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Recording{})
}

// Create inserts a recording, tolerating duplicate ids: re-inserting an
// id the store already has is a successful no-op, which keeps the
// offline sweep idempotent. Returns true when a row was written.
func (r *Repository) Create(ctx context.Context, rec *Recording) (bool, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.LastStateChangeAt.IsZero() {
		rec.LastStateChangeAt = now
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return false, result.Error
	}

	inserted := result.RowsAffected > 0
	if inserted {
		r.PublishChange(ctx, ChangeAdd, rec)
	}
	return inserted, nil
}

func (r *Repository) Get(ctx context.Context, userID, id string) (*Recording, error) {
	var rec Recording
	result := r.db.WithContext(ctx).First(&rec, "id = ? AND user_id = ?", id, userID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &rec, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Recording, error) {
	var recs []Recording
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Find(&recs).Error
	return recs, err
}

func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Recording{}).
		Where("id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// Delete removes the row, which also removes the recording from every
// future eligibility query.
func (r *Repository) Delete(ctx context.Context, userID, id string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&Recording{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	r.PublishChange(ctx, ChangeDelete, &Recording{ID: id, UserID: userID})
	return nil
}

// FindEligible implements the queue driver's eligibility query: states
// with pending work, retry budget left, backoff expired, oldest first.
func (r *Repository) FindEligible(ctx context.Context, now time.Time, maxRetry, batch int) ([]Recording, error) {
	var recs []Recording
	err := r.db.WithContext(ctx).
		Where("processing_state IN ?", EligibleStates).
		Where("retry_count < ?", maxRetry).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("timestamp ASC").
		Limit(batch).
		Find(&recs).Error
	return recs, err
}

// SaveTranscription persists the transcription stage output.
func (r *Repository) SaveTranscription(ctx context.Context, rec *Recording, transcript, corrected, title, jobID string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&Recording{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"transcript":           transcript,
			"corrected_transcript": corrected,
			"title":                title,
			"transcription_job_id": jobID,
			"updated_at":           now,
		}).Error
	if err != nil {
		return err
	}

	rec.Transcript = &transcript
	rec.CorrectedTranscript = &corrected
	rec.Title = &title
	rec.TranscriptionJobID = jobID
	rec.UpdatedAt = now
	r.PublishChange(ctx, ChangeUpdate, rec)
	return nil
}

// SaveAudioURL records the remote object reference after an upload.
func (r *Repository) SaveAudioURL(ctx context.Context, rec *Recording, url string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&Recording{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"audio_url":  url,
			"updated_at": now,
		}).Error
	if err != nil {
		return err
	}

	rec.AudioURL = url
	rec.UpdatedAt = now
	r.PublishChange(ctx, ChangeUpdate, rec)
	return nil
}

// UpdateWhereState applies a transition payload only if the row is
// still in the expected state, making check-and-write atomic against
// concurrent callers racing on the same id. Reports whether the row
// moved.
func (r *Repository) UpdateWhereState(ctx context.Context, userID, id string, from ProcessingState, updates map[string]interface{}) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Recording{}).
		Where("id = ? AND user_id = ? AND processing_state = ?", id, userID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// PublishChange mirrors a write onto the change feed. Best effort: a
// publish failure is logged, never surfaced, because poll mode
// reconciles anything the feed drops.
func (r *Repository) PublishChange(ctx context.Context, changeType ChangeType, rec *Recording) {
	if r.feed == nil || rec == nil {
		return
	}

	event := ChangeEvent{
		ID:        uuid.New().String(),
		Type:      changeType,
		UserID:    rec.UserID,
		Recording: rec.Clone(),
		Timestamp: time.Now().UTC(),
	}
	if err := r.feed.Publish(ctx, event); err != nil {
		logger.Log.WithError(err).WithField("recording_id", rec.ID).Warn("failed to publish change event")
	}
}
