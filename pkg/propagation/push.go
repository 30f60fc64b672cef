package propagation

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/voxnote-ai/engine/pkg/common/feed"
	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// Subscription is a live push-mode attachment to the change feed.
// Events flow on Events until the feed disconnects, which is reported
// on Errs.
type Subscription interface {
	Events() <-chan recording.ChangeEvent
	Errs() <-chan error
	Close() error
}

// Connector establishes a push subscription. Connect blocks until the
// subscription is acknowledged or the context expires.
type Connector interface {
	Connect(ctx context.Context) (Subscription, error)
}

// PushSource subscribes to the kafka change feed for one user.
type PushSource struct {
	brokers []string
	topic   string
	groupID string
	userID  string
}

func NewPushSource(brokers []string, topic, groupID, userID string) *PushSource {
	return &PushSource{brokers: brokers, topic: topic, groupID: groupID, userID: userID}
}

// Connect probes the broker first so an unreachable feed fails within
// the caller's timeout instead of hanging in the first fetch.
func (p *PushSource) Connect(ctx context.Context) (Subscription, error) {
	if len(p.brokers) == 0 {
		return nil, fmt.Errorf("no change feed brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return nil, fmt.Errorf("subscribing to change feed: %w", err)
	}
	conn.Close()

	consumer := feed.NewConsumer(p.topic, p.groupID, p.userID)
	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &pushSubscription{
		consumer: consumer,
		events:   make(chan recording.ChangeEvent, 64),
		errs:     make(chan error, 1),
		cancel:   cancel,
	}
	go sub.pump(pumpCtx)

	logger.ForComponent("propagation").WithField("topic", p.topic).Info("push subscription established")
	return sub, nil
}

type pushSubscription struct {
	consumer *feed.Consumer
	events   chan recording.ChangeEvent
	errs     chan error
	cancel   context.CancelFunc
}

func (s *pushSubscription) pump(ctx context.Context) {
	for {
		event, err := s.consumer.Fetch(ctx)
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}

		select {
		case s.events <- *event:
		case <-ctx.Done():
			return
		}
	}
}

func (s *pushSubscription) Events() <-chan recording.ChangeEvent {
	return s.events
}

func (s *pushSubscription) Errs() <-chan error {
	return s.errs
}

func (s *pushSubscription) Close() error {
	s.cancel()
	return s.consumer.Close()
}
