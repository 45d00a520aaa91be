package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// RecordHandler handles one record-created event.
type RecordHandler interface {
	HandleCreated(ctx context.Context, ref dispatch.RecordRef) error
}

// NewProcessor hands each decoded event to the handler.
// A returned error nacks the message; duplicate deliveries are absorbed by the handler's claim.
func NewProcessor(
	handler RecordHandler,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[dispatch.RecordRef] {

	return func(ctx context.Context, original messagepipeline.Message, ref *dispatch.RecordRef) error {
		procLogger := logger.With(
			"record", ref.String(),
			"pubsub_msg_id", original.ID,
		)

		if err := handler.HandleCreated(ctx, *ref); err != nil {
			procLogger.Error("Record handling failed, message will be redelivered", "err", err)
			return err
		}

		procLogger.Debug("Record event handled")
		return nil
	}
}
