package propagation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/observability/metrics"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// Mode is the active change delivery mechanism. Exactly one is active
// at a time.
type Mode int32

const (
	ModePush Mode = iota
	ModePoll
)

func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "poll"
}

// Options bound the supervisor's subscribe/reconnect behavior.
type Options struct {
	SubscribeTimeout time.Duration
	PollInterval     time.Duration
	ReconnectBackoff recording.BackoffPolicy
	ReconnectBudget  int
}

// Supervisor is the two-state push/poll controller. It starts in push
// mode; on subscribe failure, timeout, or disconnect it falls back to
// polling, retrying the subscription with capped exponential backoff
// until the reconnect budget is spent, after which it polls for the
// rest of the session.
type Supervisor struct {
	connector Connector
	poller    *Poller
	opts      Options
	events    chan recording.ChangeEvent
	mode      atomic.Int32
}

func NewSupervisor(connector Connector, poller *Poller, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	return &Supervisor{
		connector: connector,
		poller:    poller,
		opts:      opts,
		events:    make(chan recording.ChangeEvent, 64),
	}
}

// Events is the single normalized change stream both modes feed.
func (s *Supervisor) Events() <-chan recording.ChangeEvent {
	return s.events
}

func (s *Supervisor) Mode() Mode {
	return Mode(s.mode.Load())
}

func (s *Supervisor) setMode(m Mode) {
	if Mode(s.mode.Swap(int32(m))) != m {
		logger.ForComponent("propagation").WithField("mode", m.String()).Info("change propagation mode switched")
	}
	metrics.SetPushMode(m == ModePush)
}

// Run drives the mode state machine until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.events)

	failures := 0
	for ctx.Err() == nil {
		sub, err := s.subscribe(ctx)
		if err == nil {
			s.setMode(ModePush)
			failures = 0
			s.forward(ctx, sub)
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.ForComponent("propagation").Warn("push subscription lost")
		} else {
			logger.ForComponent("propagation").WithError(err).Warn("push subscribe failed")
		}

		failures++
		s.setMode(ModePoll)
		if s.opts.ReconnectBudget > 0 && failures > s.opts.ReconnectBudget {
			logger.ForComponent("propagation").Info("reconnect budget exhausted, polling for remainder of session")
			s.pollFor(ctx, 0)
			return
		}
		s.pollFor(ctx, s.opts.ReconnectBackoff.Delay(failures))
	}
}

func (s *Supervisor) subscribe(ctx context.Context) (Subscription, error) {
	cctx := ctx
	if s.opts.SubscribeTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.opts.SubscribeTimeout)
		defer cancel()
	}
	return s.connector.Connect(cctx)
}

// forward pumps push events into the merged stream until the
// subscription errors out or the context ends.
func (s *Supervisor) forward(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Errs():
			logger.ForComponent("propagation").WithError(err).Debug("push feed error")
			return
		case event := <-sub.Events():
			s.emit(ctx, event)
		}
	}
}

// pollFor runs poll cycles for the given duration (forever when zero),
// starting with an immediate cycle so a fallback still delivers changes
// within one poll interval.
func (s *Supervisor) pollFor(ctx context.Context, duration time.Duration) {
	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	s.pollOnce(ctx)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context) {
	events, err := s.poller.Poll(ctx)
	if err != nil {
		logger.ForComponent("propagation").WithError(err).Debug("poll cycle failed")
		return
	}
	for _, event := range events {
		s.emit(ctx, event)
	}
}

func (s *Supervisor) emit(ctx context.Context, event recording.ChangeEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}
