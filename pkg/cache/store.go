package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/voxnote-ai/engine/pkg/recording"
)

var ErrCacheMiss = errors.New("recording not in cache")

// Store is the device-local cache: the last known view of every
// recording, plus the set of ids not yet mirrored to the remote store.
// Entries expire together after ttl of inactivity.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func recordingsKey(userID string) string {
	return fmt.Sprintf("recordings:%s", userID)
}

func pendingKey(userID string) string {
	return fmt.Sprintf("recordings:pending:%s", userID)
}

func (s *Store) Put(ctx context.Context, rec *recording.Recording) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding cached recording: %w", err)
	}

	key := recordingsKey(rec.UserID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, rec.ID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, userID, id string) (*recording.Recording, error) {
	data, err := s.client.HGet(ctx, recordingsKey(userID), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var rec recording.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cached recording: %w", err)
	}
	return &rec, nil
}

func (s *Store) Remove(ctx context.Context, userID, id string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, recordingsKey(userID), id)
	pipe.SRem(ctx, pendingKey(userID), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) List(ctx context.Context, userID string) ([]recording.Recording, error) {
	values, err := s.client.HGetAll(ctx, recordingsKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	recs := make([]recording.Recording, 0, len(values))
	for id, data := range values {
		var rec recording.Recording
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			// A corrupt entry is dropped rather than poisoning the list.
			_ = s.client.HDel(ctx, recordingsKey(userID), id).Err()
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// MarkPending records that id still needs a remote insert.
func (s *Store) MarkPending(ctx context.Context, userID, id string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, pendingKey(userID), id)
	if s.ttl > 0 {
		pipe.Expire(ctx, pendingKey(userID), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ClearPending(ctx context.Context, userID, id string) error {
	return s.client.SRem(ctx, pendingKey(userID), id).Err()
}

// Pending lists ids awaiting the background reconciliation sweep.
func (s *Store) Pending(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, pendingKey(userID)).Result()
}
