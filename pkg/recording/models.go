package recording

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessingState tracks pipeline progress for one recording. The happy
// path is totally ordered; each in-flight stage has a matching failure
// state that is retryable back into the stage that caused it.
type ProcessingState string

const (
	StateRecorded         ProcessingState = "recorded"
	StateUploading        ProcessingState = "uploading"
	StateUploaded         ProcessingState = "uploaded"
	StateTranscribing     ProcessingState = "transcribing"
	StateTranscribed      ProcessingState = "transcribed"
	StateWebhookSending   ProcessingState = "webhook_sending"
	StateWebhookSent      ProcessingState = "webhook_sent"
	StateCompleted        ProcessingState = "completed"
	StateUploadFailed     ProcessingState = "upload_failed"
	StateTranscribeFailed ProcessingState = "transcribe_failed"
	StateWebhookFailed    ProcessingState = "webhook_failed"
)

// Provenance tells the merge layer where the authoritative copy of a
// recording currently lives. Derived, never persisted remotely.
type Provenance string

const (
	ProvenanceLocal  Provenance = "local"
	ProvenanceRemote Provenance = "remote"
	ProvenanceBoth   Provenance = "both"
)

type Recording struct {
	ID                  string            `json:"id" gorm:"primaryKey;column:id"`
	UserID              string            `json:"user_id" gorm:"column:user_id;index"`
	Timestamp           time.Time         `json:"timestamp" gorm:"column:timestamp"`
	Duration            float64           `json:"duration" gorm:"column:duration"`
	AudioURL            string            `json:"audio_url,omitempty" gorm:"column:audio_url"`
	Transcript          *string           `json:"transcript,omitempty" gorm:"column:transcript"`
	CorrectedTranscript *string           `json:"corrected_transcript,omitempty" gorm:"column:corrected_transcript"`
	Title               *string           `json:"title,omitempty" gorm:"column:title"`
	ProcessingState     ProcessingState   `json:"processing_state" gorm:"column:processing_state;index"`
	ProcessingStep      int               `json:"processing_step" gorm:"column:processing_step"`
	ProcessingError     datatypes.JSONMap `json:"processing_error,omitempty" gorm:"column:processing_error"`
	RetryCount          int               `json:"retry_count" gorm:"column:retry_count"`
	NextRetryAt         *time.Time        `json:"next_retry_at,omitempty" gorm:"column:next_retry_at"`
	UploadProgress      int               `json:"upload_progress" gorm:"column:upload_progress"`
	TranscriptionJobID  string            `json:"transcription_job_id,omitempty" gorm:"column:transcription_job_id"`
	LastStateChangeAt   time.Time         `json:"last_state_change_at" gorm:"column:last_state_change_at"`
	CreatedAt           time.Time         `json:"created_at" gorm:"column:created_at"`
	UpdatedAt           time.Time         `json:"updated_at" gorm:"column:updated_at"`

	// Device-side only fields, carried in the local cache but never
	// written to the remote store.
	LocalAudioPath string     `json:"local_audio_path,omitempty" gorm:"-"`
	Provenance     Provenance `json:"provenance,omitempty" gorm:"-"`
}

func (Recording) TableName() string {
	return "recordings"
}

// Clone returns a shallow copy with pointer fields duplicated, so merge
// and event fan-out never alias a record another goroutine mutates.
func (r *Recording) Clone() *Recording {
	if r == nil {
		return nil
	}
	out := *r
	out.Transcript = cloneString(r.Transcript)
	out.CorrectedTranscript = cloneString(r.CorrectedTranscript)
	out.Title = cloneString(r.Title)
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		out.NextRetryAt = &t
	}
	if r.ProcessingError != nil {
		m := make(datatypes.JSONMap, len(r.ProcessingError))
		for k, v := range r.ProcessingError {
			m[k] = v
		}
		out.ProcessingError = m
	}
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// IsFailureState reports whether s is one of the three retryable
// failure states.
func IsFailureState(s ProcessingState) bool {
	switch s {
	case StateUploadFailed, StateTranscribeFailed, StateWebhookFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further pipeline work applies.
func IsTerminal(s ProcessingState) bool {
	return s == StateCompleted
}

// EligibleStates are the states the queue driver selects for work.
var EligibleStates = []ProcessingState{
	StateRecorded,
	StateUploaded,
	StateTranscribed,
	StateUploadFailed,
	StateTranscribeFailed,
	StateWebhookFailed,
}

// RetryTarget maps a failure state to the state a manual retry resets
// it to: the state immediately preceding the failed stage.
func RetryTarget(s ProcessingState) (ProcessingState, bool) {
	switch s {
	case StateUploadFailed:
		return StateRecorded, true
	case StateTranscribeFailed:
		return StateUploaded, true
	case StateWebhookFailed:
		return StateTranscribed, true
	default:
		return "", false
	}
}

// ValidTransition enforces the allowed state machine edges, including
// the idempotent shortcut edges the queue driver takes on resume.
func ValidTransition(from, to ProcessingState) bool {
	switch from {
	case StateRecorded:
		// recorded -> uploaded when a remote audio reference already
		// exists; recorded -> completed when the audio is gone but a
		// transcript survived.
		return to == StateUploading || to == StateUploaded || to == StateCompleted
	case StateUploading:
		return to == StateUploaded || to == StateUploadFailed
	case StateUploadFailed:
		return to == StateUploading || to == StateUploaded ||
			to == StateCompleted || to == StateRecorded
	case StateUploaded:
		return to == StateTranscribing
	case StateTranscribing:
		return to == StateTranscribed || to == StateTranscribeFailed
	case StateTranscribeFailed:
		return to == StateTranscribing || to == StateUploaded
	case StateTranscribed:
		// transcribed -> completed when no webhook endpoint is configured.
		return to == StateWebhookSending || to == StateCompleted
	case StateWebhookSending:
		return to == StateWebhookSent || to == StateWebhookFailed
	case StateWebhookFailed:
		return to == StateWebhookSending || to == StateCompleted || to == StateTranscribed
	case StateWebhookSent:
		return to == StateCompleted
	case StateCompleted:
		return false
	default:
		return false
	}
}
