package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// MarkerClient stores one marker per terminal record.
type MarkerClient interface {
	IsMarked(ctx context.Context, key string) (bool, error)
	// Mark writes the marker unless one exists.
	Mark(ctx context.Context, key, state string, ttl time.Duration) error
}

// Marker states.
const (
	stateProcessed = "processed"
	stateSent      = "sent"
	stateFailed    = "failed"
)

// CachedRecordStore is a Decorator that remembers terminal records in Redis so that
// redelivered events for them are dropped without a Firestore transaction.
// Terminal state never changes, so markers are written through and never invalidated.
type CachedRecordStore struct {
	realStore dispatch.RecordStore
	cache     MarkerClient
	ttl       time.Duration
}

func NewCachedRecordStore(realStore dispatch.RecordStore, cache MarkerClient, ttl time.Duration) *CachedRecordStore {
	return &CachedRecordStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH ---

func (s *CachedRecordStore) Claim(ctx context.Context, ref dispatch.RecordRef, owner string, lease time.Duration) (*dispatch.NotificationRecord, error) {
	// Any cache error is a miss; Firestore stays the source of truth.
	if marked, err := s.cache.IsMarked(ctx, s.cacheKey(ref)); err == nil && marked {
		return nil, dispatch.ErrAlreadyProcessed
	}

	rec, err := s.realStore.Claim(ctx, ref, owner, lease)
	if errors.Is(err, dispatch.ErrAlreadyProcessed) {
		_ = s.cache.Mark(ctx, s.cacheKey(ref), stateProcessed, s.ttl)
	}
	return rec, err
}

// --- WRITE PATHS (Write-Through) ---

func (s *CachedRecordStore) Complete(ctx context.Context, ref dispatch.RecordRef, outcome dispatch.Outcome) error {
	err := s.realStore.Complete(ctx, ref, outcome)
	if err != nil && !errors.Is(err, dispatch.ErrAlreadyProcessed) {
		return err
	}
	state := stateSent
	if errors.Is(err, dispatch.ErrAlreadyProcessed) {
		state = stateProcessed
	} else if !outcome.Succeeded {
		state = stateFailed
	}
	_ = s.cache.Mark(ctx, s.cacheKey(ref), state, s.ttl)
	return err
}

func (s *CachedRecordStore) Release(ctx context.Context, ref dispatch.RecordRef, owner string) error {
	return s.realStore.Release(ctx, ref, owner)
}

func (s *CachedRecordStore) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time, limit int) (int, error) {
	return s.realStore.DeleteOlderThan(ctx, collection, cutoff, limit)
}

func (s *CachedRecordStore) cacheKey(ref dispatch.RecordRef) string {
	return fmt.Sprintf("dispatch:processed:%s", ref.String())
}
