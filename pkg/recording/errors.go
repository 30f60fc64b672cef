package recording

import (
	"context"
	"errors"
	"net"
	"time"

	"gorm.io/datatypes"
)

var (
	ErrNotFound          = errors.New("recording not found")
	ErrNotOwner          = errors.New("caller does not own recording")
	ErrIllegalTransition = errors.New("illegal processing state transition")
)

// Stage identifies the pipeline stage that produced an error.
type Stage string

const (
	StageUpload     Stage = "upload"
	StageTranscribe Stage = "transcribe"
	StageWebhook    Stage = "webhook"
)

// FailureStateFor maps a stage to the state a failure in it produces.
func FailureStateFor(stage Stage) ProcessingState {
	switch stage {
	case StageUpload:
		return StateUploadFailed
	case StageTranscribe:
		return StateTranscribeFailed
	default:
		return StateWebhookFailed
	}
}

// StageError is the structured error persisted into processing_error
// while a recording sits in a failure state.
type StageError struct {
	Stage      Stage                  `json:"stage"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Message
}

func NewUploadError(code, message string, details map[string]interface{}) *StageError {
	return &StageError{Stage: StageUpload, Code: code, Message: message, Details: details}
}

func NewTranscribeError(code, message string, details map[string]interface{}) *StageError {
	return &StageError{Stage: StageTranscribe, Code: code, Message: message, Details: details}
}

func NewWebhookError(code, message string, details map[string]interface{}) *StageError {
	return &StageError{Stage: StageWebhook, Code: code, Message: message, Details: details}
}

// StageFailure wraps an arbitrary stage error into a StageError,
// classifying connectivity problems under a stable code.
func StageFailure(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}

	code := "stage_error"
	if IsConnectivity(err) {
		code = "connectivity"
	}
	return &StageError{Stage: stage, Code: code, Message: err.Error()}
}

// IsConnectivity reports whether err looks like a transient transport
// problem: timeouts and network failures are treated identically.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ToJSONMap serializes the error into the processing_error column shape.
func (e *StageError) ToJSONMap() datatypes.JSONMap {
	if e == nil {
		return nil
	}
	m := datatypes.JSONMap{
		"stage":       string(e.Stage),
		"code":        e.Code,
		"message":     e.Message,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

// StageErrorFromJSONMap is the inverse of ToJSONMap; returns nil for an
// empty column.
func StageErrorFromJSONMap(m datatypes.JSONMap) *StageError {
	if len(m) == 0 {
		return nil
	}
	e := &StageError{}
	if v, ok := m["stage"].(string); ok {
		e.Stage = Stage(v)
	}
	if v, ok := m["code"].(string); ok {
		e.Code = v
	}
	if v, ok := m["message"].(string); ok {
		e.Message = v
	}
	if v, ok := m["details"].(map[string]interface{}); ok {
		e.Details = v
	}
	if v, ok := m["occurred_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.OccurredAt = t
		}
	}
	return e
}
