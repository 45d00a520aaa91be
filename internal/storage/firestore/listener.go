package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/firestore"

	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// RecordHandler processes one record-created event.
type RecordHandler func(ctx context.Context, ref dispatch.RecordRef) error

// Listener turns Firestore snapshot changes into record-created events.
// On (re)start the initial snapshot reports every existing document as added, so handlers
// must tolerate records they have already processed.
type Listener struct {
	client  *firestore.Client
	workers int
	logger  *slog.Logger
}

func NewListener(client *firestore.Client, workers int, logger *slog.Logger) *Listener {
	if workers <= 0 {
		workers = 1
	}
	return &Listener{
		client:  client,
		workers: workers,
		logger:  logger.With("component", "FirestoreListener"),
	}
}

// Listen blocks until ctx is done or the snapshot stream fails.
// At most l.workers handlers run concurrently; Listen waits for them before returning.
func (l *Listener) Listen(ctx context.Context, coll dispatch.Collection, handle RecordHandler) error {
	log := l.logger.With("collection", coll.Name)
	iter := l.client.Collection(coll.Name).Snapshots(ctx)
	defer iter.Stop()

	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	log.Info("Listening for new notification records")
	for {
		snap, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("snapshot listener on %s failed: %w", coll.Name, err)
		}

		for _, change := range snap.Changes {
			if change.Kind != firestore.DocumentAdded {
				continue
			}
			if processed, _ := change.Doc.Data()[fieldProcessed].(bool); processed {
				continue
			}
			ref := dispatch.RecordRef{Collection: coll, ID: change.Doc.Ref.ID}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := handle(ctx, ref); err != nil {
					log.Error("Failed to handle notification record", "record", ref.ID, "err", err)
				}
			}()
		}
	}
}
