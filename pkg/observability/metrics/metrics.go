package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	ticksTotal         atomic.Int64
	ticksSkipped       atomic.Int64
	uploadsSucceeded   atomic.Int64
	uploadsFailed      atomic.Int64
	transcribeSuccess  atomic.Int64
	transcribeFailed   atomic.Int64
	webhooksDelivered  atomic.Int64
	webhooksFailed     atomic.Int64
	sweepSynced        atomic.Int64
	propagationPushing atomic.Int64 // 1 when push mode, 0 when polling
)

func IncTick()        { ticksTotal.Add(1) }
func IncTickSkipped() { ticksSkipped.Add(1) }

func IncUploadSuccess()     { uploadsSucceeded.Add(1) }
func IncUploadFailure()     { uploadsFailed.Add(1) }
func IncTranscribeSuccess() { transcribeSuccess.Add(1) }
func IncTranscribeFailure() { transcribeFailed.Add(1) }
func IncWebhookSuccess()    { webhooksDelivered.Add(1) }
func IncWebhookFailure()    { webhooksFailed.Add(1) }

func AddSwept(n int) { sweepSynced.Add(int64(n)) }

func SetPushMode(active bool) {
	if active {
		propagationPushing.Store(1)
	} else {
		propagationPushing.Store(0)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP voxnote_engine_ticks_total Queue driver ticks executed.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_ticks_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_ticks_total %d\n", ticksTotal.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_ticks_skipped_total Ticks skipped because the previous tick was still running.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_ticks_skipped_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_ticks_skipped_total %d\n", ticksSkipped.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_uploads_succeeded_total Upload stages completed.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_uploads_succeeded_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_uploads_succeeded_total %d\n", uploadsSucceeded.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_uploads_failed_total Upload stages failed.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_uploads_failed_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_uploads_failed_total %d\n", uploadsFailed.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_transcriptions_succeeded_total Transcription stages completed.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_transcriptions_succeeded_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_transcriptions_succeeded_total %d\n", transcribeSuccess.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_transcriptions_failed_total Transcription stages failed.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_transcriptions_failed_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_transcriptions_failed_total %d\n", transcribeFailed.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_webhooks_delivered_total Webhook deliveries accepted by the endpoint.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_webhooks_delivered_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_webhooks_delivered_total %d\n", webhooksDelivered.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_webhooks_failed_total Webhook deliveries rejected or timed out.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_webhooks_failed_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_webhooks_failed_total %d\n", webhooksFailed.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_sweep_synced_total Recordings mirrored remotely by the reconciliation sweep.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_sweep_synced_total counter\n")
	fmt.Fprintf(w, "voxnote_engine_sweep_synced_total %d\n", sweepSynced.Load())

	fmt.Fprintf(w, "# HELP voxnote_engine_propagation_push_active Whether change propagation is in push mode.\n")
	fmt.Fprintf(w, "# TYPE voxnote_engine_propagation_push_active gauge\n")
	fmt.Fprintf(w, "voxnote_engine_propagation_push_active %d\n", propagationPushing.Load())
}
