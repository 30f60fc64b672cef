package propagation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// Lister is the remote read the poller needs.
type Lister interface {
	ListByUser(ctx context.Context, userID string) ([]recording.Recording, error)
}

// Poller is the fallback change source: it fetches the full remote set
// on an interval and diffs it against the last-seen snapshot.
type Poller struct {
	lister   Lister
	userID   string
	snapshot map[string]recording.Recording
	clock    func() time.Time
}

func NewPoller(lister Lister, userID string) *Poller {
	return &Poller{
		lister:   lister,
		userID:   userID,
		snapshot: make(map[string]recording.Recording),
		clock:    time.Now,
	}
}

// Seed primes the snapshot so the first poll after a mode switch does
// not replay the whole set as adds.
func (p *Poller) Seed(recs []recording.Recording) {
	p.snapshot = make(map[string]recording.Recording, len(recs))
	for _, rec := range recs {
		p.snapshot[rec.ID] = rec
	}
}

// Poll runs one fetch/diff cycle and returns the synthetic change
// events. Deletes are emitted only from the id-set difference; nothing
// else can observe a remote delete in poll mode.
func (p *Poller) Poll(ctx context.Context) ([]recording.ChangeEvent, error) {
	recs, err := p.lister.ListByUser(ctx, p.userID)
	if err != nil {
		return nil, err
	}

	now := p.clock().UTC()
	next := make(map[string]recording.Recording, len(recs))
	var events []recording.ChangeEvent

	for _, rec := range recs {
		next[rec.ID] = rec
		prev, seen := p.snapshot[rec.ID]
		if !seen {
			events = append(events, p.event(recording.ChangeAdd, rec, now))
			continue
		}
		if !projectionEqual(&prev, &rec) {
			events = append(events, p.event(recording.ChangeUpdate, rec, now))
		}
	}

	for id, prev := range p.snapshot {
		if _, still := next[id]; !still {
			events = append(events, p.event(recording.ChangeDelete, prev, now))
		}
	}

	p.snapshot = next
	return events, nil
}

func (p *Poller) event(changeType recording.ChangeType, rec recording.Recording, now time.Time) recording.ChangeEvent {
	return recording.ChangeEvent{
		ID:        uuid.New().String(),
		Type:      changeType,
		UserID:    p.userID,
		Recording: rec.Clone(),
		Timestamp: now,
	}
}

// projectionEqual compares the fixed set of fields poll mode watches.
// Deliberately not deep equality: diff cost and semantics stay bounded.
func projectionEqual(a, b *recording.Recording) bool {
	return a.ProcessingState == b.ProcessingState &&
		equalText(a.Transcript, b.Transcript) &&
		equalText(a.CorrectedTranscript, b.CorrectedTranscript) &&
		equalText(a.Title, b.Title) &&
		a.UploadProgress == b.UploadProgress
}

func equalText(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
