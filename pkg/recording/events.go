package recording

import (
	"context"
	"time"
)

// ChangeType classifies change feed events.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one normalized row change on the recordings table. The
// push feed and the polling differ both emit this shape.
type ChangeEvent struct {
	ID        string     `json:"id"`
	Type      ChangeType `json:"type"`
	UserID    string     `json:"user_id"`
	Recording *Recording `json:"recording,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// FeedPublisher receives a change event after every accepted remote
// write. Publication is best effort; poll mode covers lost events.
type FeedPublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}
