package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/observability/metrics"
	"github.com/voxnote-ai/engine/pkg/recording"
	"github.com/voxnote-ai/engine/pkg/webhook"
)

// Store is the slice of the remote store the driver needs.
type Store interface {
	FindEligible(ctx context.Context, now time.Time, maxRetry, batch int) ([]recording.Recording, error)
	SaveAudioURL(ctx context.Context, rec *recording.Recording, url string) error
	SaveTranscription(ctx context.Context, rec *recording.Recording, transcript, corrected, title, jobID string) error
}

// Transitioner is the state transition authority boundary.
type Transitioner interface {
	Transition(ctx context.Context, userID, id string, newState recording.ProcessingState, stageErr *recording.StageError, progress *int) (bool, error)
}

// LocalStore resolves device-side fields (the local audio path) that
// the remote row does not carry.
type LocalStore interface {
	Get(ctx context.Context, userID, id string) (*recording.Recording, error)
}

// ObjectStore pushes audio bytes to remote object storage and fetches
// them back for stages running where no local copy exists.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Transcriber is the opaque transcription + correction function.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (transcript, jobID string, err error)
	Correct(ctx context.Context, transcript string) (corrected, title string, err error)
}

// WebhookSender delivers the pipeline's terminal payload.
type WebhookSender interface {
	Configured() bool
	Send(ctx context.Context, payload webhook.Payload) error
}

// Sweeper mirrors offline captures to the remote store.
type Sweeper interface {
	Sweep(ctx context.Context, userID string) (int, error)
}

// AudioReader loads local audio bytes; os.ReadFile in production.
type AudioReader func(path string) ([]byte, error)

// Options bound the driver's scheduling and external calls.
type Options struct {
	TickInterval      time.Duration
	BatchSize         int
	MaxRetry          int
	UploadTimeout     time.Duration
	TranscribeTimeout time.Duration
	WebhookTimeout    time.Duration
}

// Driver advances each eligible recording exactly one stage per tick.
// One tick in flight at a time; an overdue tick is skipped, not queued.
type Driver struct {
	store     Store
	authority Transitioner
	local     LocalStore
	objects   ObjectStore
	stt       Transcriber
	hook      WebhookSender
	sweeper   Sweeper
	readAudio AudioReader
	userID    string
	opts      Options
	clock     func() time.Time
	inFlight  atomic.Bool
}

func NewDriver(
	store Store,
	authority Transitioner,
	local LocalStore,
	objects ObjectStore,
	stt Transcriber,
	hook WebhookSender,
	sweeper Sweeper,
	readAudio AudioReader,
	userID string,
	opts Options,
) *Driver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	return &Driver{
		store:     store,
		authority: authority,
		local:     local,
		objects:   objects,
		stt:       stt,
		hook:      hook,
		sweeper:   sweeper,
		readAudio: readAudio,
		userID:    userID,
		opts:      opts,
		clock:     time.Now,
	}
}

func (d *Driver) WithClock(clock func() time.Time) *Driver {
	d.clock = clock
	return d
}

// Run executes ticks on a fixed interval until the context is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	logger.ForComponent("queue-driver").
		WithField("interval", d.opts.TickInterval.String()).
		Info("queue driver started")

	for {
		select {
		case <-ctx.Done():
			logger.ForComponent("queue-driver").Info("queue driver stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: sweep pending offline captures, then
// advance one bounded batch of eligible recordings sequentially.
func (d *Driver) Tick(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		metrics.IncTickSkipped()
		return
	}
	defer d.inFlight.Store(false)
	metrics.IncTick()

	if d.sweeper != nil {
		if synced, err := d.sweeper.Sweep(ctx, d.userID); err != nil {
			logger.ForComponent("queue-driver").WithError(err).Warn("reconciliation sweep failed")
		} else if synced > 0 {
			metrics.AddSwept(synced)
		}
	}

	recs, err := d.store.FindEligible(ctx, d.clock().UTC(), d.opts.MaxRetry, d.opts.BatchSize)
	if err != nil {
		logger.ForComponent("queue-driver").WithError(err).Error("eligibility query failed")
		return
	}

	for i := range recs {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, &recs[i])
	}
}

func (d *Driver) dispatch(ctx context.Context, rec *recording.Recording) {
	var err error
	switch rec.ProcessingState {
	case recording.StateRecorded, recording.StateUploadFailed:
		err = d.uploadStage(ctx, rec)
	case recording.StateUploaded, recording.StateTranscribeFailed:
		err = d.transcribeStage(ctx, rec)
	case recording.StateTranscribed, recording.StateWebhookFailed:
		err = d.webhookStage(ctx, rec)
	default:
		return
	}

	if err != nil {
		// Stage errors were already converted into failure transitions;
		// anything surfacing here is an authority/store problem for this
		// call only.
		logger.ForComponent("queue-driver").WithError(err).WithFields(map[string]interface{}{
			"recording_id": rec.ID,
			"state":        rec.ProcessingState,
		}).Warn("dispatch skipped")
	}
}

// transition funnels every driver-initiated move through the authority.
func (d *Driver) transition(ctx context.Context, rec *recording.Recording, to recording.ProcessingState, stageErr *recording.StageError, progress *int) error {
	ok, err := d.authority.Transition(ctx, rec.UserID, rec.ID, to, stageErr, progress)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transition to %s not applied", to)
	}
	rec.ProcessingState = to
	return nil
}
