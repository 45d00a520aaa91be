package dispatch

import (
	"context"
	"time"

	"firebase.google.com/go/v4/messaging"
)

// Sender defines the contract for the push-delivery capability.
// Send hands one message to the provider and returns the provider-assigned message id.
// Failures are reported as *ProviderError whenever the provider supplied a code.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// RecordStore defines the contract for the document store holding NotificationRecords.
// It is the only writer of the processed/failed/processedAt fields.
type RecordStore interface {
	// Claim takes a time-bounded lease on an unprocessed record and returns its content.
	// It fails with ErrAlreadyProcessed if the record reached a terminal state, and with
	// ErrClaimHeld if another invocation holds a live lease.
	Claim(ctx context.Context, ref RecordRef, owner string, lease time.Duration) (*NotificationRecord, error)

	// Complete applies the single Unprocessed -> Processed transition.
	// It fails with ErrAlreadyProcessed if the record is already terminal.
	Complete(ctx context.Context, ref RecordRef, outcome Outcome) error

	// Release drops owner's lease on a record that is still unprocessed, so a redelivered
	// event can claim it at once. It is a no-op if owner no longer holds the lease.
	Release(ctx context.Context, ref RecordRef, owner string) error

	// DeleteOlderThan removes at most limit records created before cutoff and returns the count.
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time, limit int) (int, error)
}
