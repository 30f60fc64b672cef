package library

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/enqueue"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// RemoteStore is the slice of the remote store the merge layer needs.
type RemoteStore interface {
	ListByUser(ctx context.Context, userID string) ([]recording.Recording, error)
	Delete(ctx context.Context, userID, id string) error
}

// LocalStore backs the merged view across cold starts.
type LocalStore interface {
	Put(ctx context.Context, rec *recording.Recording) error
	Remove(ctx context.Context, userID, id string) error
	List(ctx context.Context, userID string) ([]recording.Recording, error)
}

// Retrier is the manual-retry slice of the transition authority.
type Retrier interface {
	Retry(ctx context.Context, userID, id string) (bool, error)
}

// Admitter is the offline-first capture path.
type Admitter interface {
	Capture(ctx context.Context, userID string, req enqueue.CaptureRequest) (*recording.Recording, error)
}

// ChangeSource is the normalized change stream from the propagation
// supervisor.
type ChangeSource interface {
	Events() <-chan recording.ChangeEvent
}

// EventType classifies merged-view events delivered to UI listeners.
type EventType string

const (
	EventInitial EventType = "initial"
	EventAdd     EventType = "add"
	EventUpdate  EventType = "update"
	EventDelete  EventType = "delete"
)

// Event is what UI listeners receive. Updates carry only the changed
// recording so list views never re-render on a single progress tick.
type Event struct {
	Type       EventType             `json:"type"`
	ID         string                `json:"id,omitempty"`
	Recording  *recording.Recording  `json:"recording,omitempty"`
	Recordings []recording.Recording `json:"recordings,omitempty"`
}

// Service holds the authoritative merged view of all recordings for one
// user: local cache state reconciled with the remote store, kept live
// by change propagation events, fanned out to listeners.
type Service struct {
	remote   RemoteStore
	local    LocalStore
	retrier  Retrier
	admitter Admitter

	mu        sync.Mutex
	userID    string
	recs      map[string]*recording.Recording
	order     []string
	listeners map[int]chan Event
	nextID    int
}

func NewService(remote RemoteStore, local LocalStore, retrier Retrier, admitter Admitter) *Service {
	return &Service{
		remote:    remote,
		local:     local,
		retrier:   retrier,
		admitter:  admitter,
		recs:      make(map[string]*recording.Recording),
		listeners: make(map[int]chan Event),
	}
}

// Initialize loads the cached view for userID, folds in a best-effort
// remote listing, and emits one initial event with the full set. Call
// before attaching the change stream with Run. Both listings run
// outside the service mutex so reads stay responsive while a slow
// store times out.
func (s *Service) Initialize(ctx context.Context, userID string) error {
	cached, err := s.local.List(ctx, userID)
	if err != nil {
		return err
	}

	// Offline start still serves the cached view; the poller or push
	// feed reconciles once connectivity returns.
	remote, remoteErr := s.remote.ListByUser(ctx, userID)
	if remoteErr != nil {
		logger.ForComponent("library").WithError(remoteErr).Info("remote listing unavailable, serving cached view")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = userID
	s.recs = make(map[string]*recording.Recording)
	for i := range cached {
		rec := cached[i]
		if rec.Provenance == "" {
			rec.Provenance = recording.ProvenanceLocal
		}
		s.recs[rec.ID] = &rec
	}

	for i := range remote {
		s.mergeLocked(ctx, &remote[i])
	}

	s.resortLocked()
	s.broadcastLocked(Event{Type: EventInitial, Recordings: s.snapshotLocked()})
	return nil
}

// Run applies change propagation events until the stream closes or ctx
// is cancelled.
func (s *Service) Run(ctx context.Context, source ChangeSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-source.Events():
			if !ok {
				return
			}
			s.apply(ctx, event)
		}
	}
}

func (s *Service) apply(ctx context.Context, event recording.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case recording.ChangeDelete:
		if event.Recording == nil {
			return
		}
		id := event.Recording.ID
		known, ok := s.recs[id]
		if !ok {
			return
		}
		if known.Provenance == recording.ProvenanceLocal {
			// A never-mirrored capture cannot have been deleted remotely;
			// the poll differ synthesizes deletes for any id absent from
			// the remote listing, which includes pending offline captures.
			logger.ForComponent("library").WithField("recording_id", id).
				Debug("ignoring delete for unsynced local capture")
			return
		}
		delete(s.recs, id)
		s.resortLocked()
		if err := s.local.Remove(ctx, s.userID, id); err != nil {
			logger.ForComponent("library").WithError(err).Warn("cache remove failed")
		}
		s.broadcastLocked(Event{Type: EventDelete, ID: id})

	case recording.ChangeAdd:
		if event.Recording == nil {
			return
		}
		_, known := s.recs[event.Recording.ID]
		merged := s.mergeLocked(ctx, event.Recording)
		if known {
			// Re-delivered add for a known id behaves like an update.
			s.broadcastLocked(Event{Type: EventUpdate, ID: merged.ID, Recording: merged.Clone()})
			return
		}
		s.resortLocked()
		s.broadcastLocked(Event{Type: EventAdd, ID: merged.ID, Recording: merged.Clone()})

	case recording.ChangeUpdate:
		if event.Recording == nil {
			return
		}
		_, known := s.recs[event.Recording.ID]
		merged := s.mergeLocked(ctx, event.Recording)
		if !known {
			s.resortLocked()
			s.broadcastLocked(Event{Type: EventAdd, ID: merged.ID, Recording: merged.Clone()})
			return
		}
		// In-place replacement: no re-sort, changed id only.
		s.broadcastLocked(Event{Type: EventUpdate, ID: merged.ID, Recording: merged.Clone()})
	}
}

// mergeLocked folds a remote copy into the view and persists the result
// back to the cache. Local wins for device-produced fields: a non-null
// local transcript is never clobbered by a null remote one, and local
// pipeline fields stand while they are more recent than the remote's.
func (s *Service) mergeLocked(ctx context.Context, remote *recording.Recording) *recording.Recording {
	local := s.recs[remote.ID]
	out := remote.Clone()
	out.Provenance = recording.ProvenanceRemote

	if local != nil {
		if local.LocalAudioPath != "" && out.LocalAudioPath == "" {
			out.LocalAudioPath = local.LocalAudioPath
		}
		if out.Transcript == nil && local.Transcript != nil {
			out.Transcript = local.Transcript
		}
		if out.CorrectedTranscript == nil && local.CorrectedTranscript != nil {
			out.CorrectedTranscript = local.CorrectedTranscript
		}
		if out.Title == nil && local.Title != nil {
			out.Title = local.Title
		}
		if local.LastStateChangeAt.After(out.LastStateChangeAt) {
			out.ProcessingState = local.ProcessingState
			out.ProcessingStep = local.ProcessingStep
			out.ProcessingError = local.ProcessingError
			out.RetryCount = local.RetryCount
			out.NextRetryAt = local.NextRetryAt
			out.UploadProgress = local.UploadProgress
		}
		out.Provenance = recording.ProvenanceBoth
	}

	s.recs[out.ID] = out
	if err := s.local.Put(ctx, out); err != nil {
		logger.ForComponent("library").WithError(err).Warn("cache write-back failed")
	}
	return out
}

// Capture admits a new recording through the offline enqueue path and
// folds it into the merged view immediately.
func (s *Service) Capture(ctx context.Context, req enqueue.CaptureRequest) (*recording.Recording, error) {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	rec, err := s.admitter.Capture(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec.Clone()
	s.resortLocked()
	s.broadcastLocked(Event{Type: EventAdd, ID: rec.ID, Recording: rec.Clone()})
	return rec, nil
}

// Retry resets a permanently failed recording via the authority; the
// resulting state change flows back through change propagation.
func (s *Service) Retry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	return s.retrier.Retry(ctx, userID, id)
}

// Delete removes the recording everywhere. Pipeline work for the id
// ends with the remote row.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	if err := s.remote.Delete(ctx, userID, id); err != nil && !errors.Is(err, recording.ErrNotFound) {
		return err
	}
	if err := s.local.Remove(ctx, userID, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.recs[id]; !known {
		return nil
	}
	delete(s.recs, id)
	s.resortLocked()
	s.broadcastLocked(Event{Type: EventDelete, ID: id})
	return nil
}

// Recordings returns the merged view, newest capture first.
func (s *Service) Recordings() []recording.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SyncedRecordings returns only the recordings the remote store knows
// about. Pending offline captures are excluded: a poll snapshot seeded
// with them would read their absence from the next remote listing as a
// delete.
func (s *Service) SyncedRecordings() []recording.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]recording.Recording, 0, len(s.order))
	for _, id := range s.order {
		rec, ok := s.recs[id]
		if !ok || rec.Provenance == recording.ProvenanceLocal {
			continue
		}
		out = append(out, *rec.Clone())
	}
	return out
}

func (s *Service) Get(id string) (*recording.Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Subscribe attaches a UI listener. The returned cancel detaches it.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Event, 128)
	s.listeners[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (s *Service) broadcastLocked(event Event) {
	for id, ch := range s.listeners {
		select {
		case ch <- event:
		default:
			logger.ForComponent("library").WithField("listener", id).Warn("listener buffer full, event dropped")
		}
	}
}

func (s *Service) snapshotLocked() []recording.Recording {
	out := make([]recording.Recording, 0, len(s.order))
	for _, id := range s.order {
		if rec, ok := s.recs[id]; ok {
			out = append(out, *rec.Clone())
		}
	}
	return out
}

func (s *Service) resortLocked() {
	s.order = s.order[:0]
	for id := range s.recs {
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.recs[s.order[i]], s.recs[s.order[j]]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.After(b.Timestamp)
	})
}
