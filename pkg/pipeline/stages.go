package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/voxnote-ai/engine/pkg/observability/metrics"
	"github.com/voxnote-ai/engine/pkg/recording"
	"github.com/voxnote-ai/engine/pkg/webhook"
)

// uploadStage moves recorded/upload_failed recordings through object
// storage. Shortcuts run before any real work so a crash between the
// upload and the state write resolves itself on the next tick.
func (d *Driver) uploadStage(ctx context.Context, rec *recording.Recording) error {
	// Already uploaded by a previous attempt; only the state write was lost.
	if rec.AudioURL != "" {
		return d.transition(ctx, rec, recording.StateUploaded, nil, nil)
	}

	audio, found := d.localAudio(ctx, rec)
	if !found {
		// The audio is unrecoverable. If a transcript survived the
		// recording still carries useful output, so it completes rather
		// than failing forever.
		if hasText(rec.Transcript) {
			return d.transition(ctx, rec, recording.StateCompleted, nil, nil)
		}
		metrics.IncUploadFailure()
		stageErr := recording.NewUploadError("audio_missing", "local audio bytes not found and no remote copy exists", nil)
		return d.transition(ctx, rec, recording.StateUploadFailed, stageErr, nil)
	}

	zero := 0
	if err := d.transition(ctx, rec, recording.StateUploading, nil, &zero); err != nil {
		return err
	}

	uctx, cancel := context.WithTimeout(ctx, d.opts.UploadTimeout)
	defer cancel()

	key := fmt.Sprintf("%s/%s.wav", rec.UserID, rec.ID)
	url, err := d.objects.Put(uctx, key, audio, "audio/wav")
	if err != nil {
		metrics.IncUploadFailure()
		return d.transition(ctx, rec, recording.StateUploadFailed, recording.StageFailure(recording.StageUpload, err), nil)
	}

	if err := d.store.SaveAudioURL(ctx, rec, url); err != nil {
		metrics.IncUploadFailure()
		return d.transition(ctx, rec, recording.StateUploadFailed, recording.StageFailure(recording.StageUpload, err), nil)
	}

	metrics.IncUploadSuccess()
	done := 100
	return d.transition(ctx, rec, recording.StateUploaded, nil, &done)
}

// transcribeStage runs the external transcription + correction calls.
func (d *Driver) transcribeStage(ctx context.Context, rec *recording.Recording) error {
	if err := d.transition(ctx, rec, recording.StateTranscribing, nil, nil); err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, d.opts.TranscribeTimeout)
	defer cancel()

	audio, found := d.localAudio(ctx, rec)
	if !found {
		var err error
		audio, err = d.objects.Fetch(tctx, rec.AudioURL)
		if err != nil {
			metrics.IncTranscribeFailure()
			return d.transition(ctx, rec, recording.StateTranscribeFailed, recording.StageFailure(recording.StageTranscribe, err), nil)
		}
	}

	transcript, jobID, err := d.stt.Transcribe(tctx, audio)
	if err != nil {
		metrics.IncTranscribeFailure()
		return d.transition(ctx, rec, recording.StateTranscribeFailed, recording.StageFailure(recording.StageTranscribe, err), nil)
	}

	corrected, title, err := d.stt.Correct(tctx, transcript)
	if err != nil {
		metrics.IncTranscribeFailure()
		return d.transition(ctx, rec, recording.StateTranscribeFailed, recording.StageFailure(recording.StageTranscribe, err), nil)
	}

	if err := d.store.SaveTranscription(ctx, rec, transcript, corrected, title, jobID); err != nil {
		metrics.IncTranscribeFailure()
		return d.transition(ctx, rec, recording.StateTranscribeFailed, recording.StageFailure(recording.StageTranscribe, err), nil)
	}

	metrics.IncTranscribeSuccess()
	return d.transition(ctx, rec, recording.StateTranscribed, nil, nil)
}

// webhookStage delivers the terminal payload, or completes outright
// when no endpoint is configured.
func (d *Driver) webhookStage(ctx context.Context, rec *recording.Recording) error {
	if !d.hook.Configured() {
		return d.transition(ctx, rec, recording.StateCompleted, nil, nil)
	}

	if err := d.transition(ctx, rec, recording.StateWebhookSending, nil, nil); err != nil {
		return err
	}

	payload := webhook.Payload{
		ID:                  rec.ID,
		Timestamp:           rec.Timestamp.UTC().Format(time.RFC3339),
		Duration:            rec.Duration,
		Transcript:          textOrEmpty(rec.Transcript),
		CorrectedTranscript: textOrEmpty(rec.CorrectedTranscript),
		AudioURL:            rec.AudioURL,
	}

	wctx, cancel := context.WithTimeout(ctx, d.opts.WebhookTimeout)
	defer cancel()

	if err := d.hook.Send(wctx, payload); err != nil {
		metrics.IncWebhookFailure()
		return d.transition(ctx, rec, recording.StateWebhookFailed, recording.StageFailure(recording.StageWebhook, err), nil)
	}

	metrics.IncWebhookSuccess()
	if err := d.transition(ctx, rec, recording.StateWebhookSent, nil, nil); err != nil {
		return err
	}
	return d.transition(ctx, rec, recording.StateCompleted, nil, nil)
}

// localAudio resolves the device-side audio bytes for a recording,
// consulting the local cache when the remote row carries no path.
func (d *Driver) localAudio(ctx context.Context, rec *recording.Recording) ([]byte, bool) {
	path := rec.LocalAudioPath
	if path == "" && d.local != nil {
		if cached, err := d.local.Get(ctx, rec.UserID, rec.ID); err == nil {
			path = cached.LocalAudioPath
		}
	}
	if path == "" || d.readAudio == nil {
		return nil, false
	}

	audio, err := d.readAudio(path)
	if err != nil || len(audio) == 0 {
		return nil, false
	}
	return audio, true
}

// ReadFile is the production AudioReader.
func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func hasText(s *string) bool {
	return s != nil && *s != ""
}

func textOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
