package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// Record field names shared with the producers of notification records.
const (
	fieldProcessed   = "processed"
	fieldProcessedAt = "processedAt"
	fieldFailed      = "failed"
	fieldError       = "error"
	fieldErrorCode   = "errorCode"
	fieldClaimedBy   = "claimedBy"
	fieldClaimedAt   = "claimedAt"
	fieldTimestamp   = "timestamp"
)

// FirestoreStore implements dispatch.RecordStore using Google Cloud Firestore.
// State transitions run inside transactions so concurrent redeliveries serialise on the document.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client, now: time.Now}
}

func (s *FirestoreStore) Claim(ctx context.Context, ref dispatch.RecordRef, owner string, lease time.Duration) (*dispatch.NotificationRecord, error) {
	docRef := s.docRef(ref)
	var snap *firestore.DocumentSnapshot

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil {
			return notFoundOr(err)
		}
		now := s.now()
		if err := checkClaimable(doc.Data(), owner, now, lease); err != nil {
			return err
		}
		snap = doc
		return tx.Update(docRef, []firestore.Update{
			{Path: fieldClaimedBy, Value: owner},
			{Path: fieldClaimedAt, Value: now},
		})
	})
	if err != nil {
		return nil, err
	}

	var record dispatch.NotificationRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", dispatch.ErrMalformedRecord, ref, err)
	}
	return &record, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, ref dispatch.RecordRef, outcome dispatch.Outcome) error {
	docRef := s.docRef(ref)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil {
			return notFoundOr(err)
		}
		if processed, _ := doc.Data()[fieldProcessed].(bool); processed {
			return dispatch.ErrAlreadyProcessed
		}
		return tx.Update(docRef, CompletionUpdates(ref.Collection, outcome))
	})
}

func (s *FirestoreStore) Release(ctx context.Context, ref dispatch.RecordRef, owner string) error {
	docRef := s.docRef(ref)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return notFoundOr(err)
		}
		if !releasable(doc.Data(), owner) {
			return nil
		}
		return tx.Update(docRef, []firestore.Update{
			{Path: fieldClaimedBy, Value: firestore.Delete},
			{Path: fieldClaimedAt, Value: firestore.Delete},
		})
	})
}

func (s *FirestoreStore) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time, limit int) (int, error) {
	iter := s.client.Collection(collection).
		Where(fieldTimestamp, "<", cutoff).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("firestore iteration failed: %w", err)
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to enqueue delete of %s: %w", doc.Ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	deleted := 0
	var firstErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	if firstErr != nil {
		return deleted, fmt.Errorf("%d of %d deletes failed: %w", len(jobs)-deleted, len(jobs), firstErr)
	}
	return deleted, nil
}

// CompletionUpdates lists the field writes of the terminal transition.
// A success never writes the failed field.
func CompletionUpdates(coll dispatch.Collection, outcome dispatch.Outcome) []firestore.Update {
	updates := []firestore.Update{
		{Path: fieldProcessed, Value: true},
		{Path: fieldProcessedAt, Value: firestore.ServerTimestamp},
		{Path: fieldClaimedBy, Value: firestore.Delete},
		{Path: fieldClaimedAt, Value: firestore.Delete},
	}
	if outcome.Succeeded {
		return append(updates, firestore.Update{Path: coll.ResponseField, Value: outcome.ProviderMessageID})
	}
	return append(updates,
		firestore.Update{Path: fieldFailed, Value: true},
		firestore.Update{Path: fieldError, Value: outcome.ErrorDetail},
		firestore.Update{Path: fieldErrorCode, Value: outcome.ErrorCode},
	)
}

// checkClaimable decides whether owner may take the lease on a record with the given data.
func checkClaimable(data map[string]interface{}, owner string, now time.Time, lease time.Duration) error {
	if processed, _ := data[fieldProcessed].(bool); processed {
		return dispatch.ErrAlreadyProcessed
	}
	holder, _ := data[fieldClaimedBy].(string)
	if holder == "" || holder == owner {
		return nil
	}
	claimedAt, ok := data[fieldClaimedAt].(time.Time)
	if ok && now.Sub(claimedAt) < lease {
		return dispatch.ErrClaimHeld
	}
	return nil
}

// releasable reports whether owner still holds the lease on an unprocessed record.
func releasable(data map[string]interface{}, owner string) bool {
	if processed, _ := data[fieldProcessed].(bool); processed {
		return false
	}
	holder, _ := data[fieldClaimedBy].(string)
	return holder == owner
}

func notFoundOr(err error) error {
	if status.Code(err) == codes.NotFound {
		return dispatch.ErrRecordNotFound
	}
	return fmt.Errorf("firestore read failed: %w", err)
}

// docRef: {collection}/{recordID}
func (s *FirestoreStore) docRef(ref dispatch.RecordRef) *firestore.DocumentRef {
	return s.client.Collection(ref.Collection.Name).Doc(ref.ID)
}
