// Package pipeline contains the message processing stages for record-created events
// delivered over Pub/Sub.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// RecordEvent is the payload published when a record is created.
type RecordEvent struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// RecordEventTransformer decodes a raw Pub/Sub payload into the reference of the record it announces.
//
// Undecodable events and events for unknown collections set skip=true so the
// StreamingService routes them to the dead-letter topic instead of redelivering.
func RecordEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.RecordRef, bool, error) {
	var event RecordEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal record event from message %s: %w", msg.ID, err)
	}

	if event.ID == "" {
		return nil, true, fmt.Errorf("record event %s has no record id", msg.ID)
	}

	coll, ok := dispatch.CollectionByName(event.Collection)
	if !ok {
		return nil, true, fmt.Errorf("record event %s names unknown collection %q", msg.ID, event.Collection)
	}

	return &dispatch.RecordRef{Collection: coll, ID: event.ID}, false, nil
}
