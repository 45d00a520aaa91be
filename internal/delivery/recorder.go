package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// ErrorCodeInvalidRecord is stored as the outcome code of records rejected before dispatch.
const ErrorCodeInvalidRecord = "invalid-record"

// completeTimeout bounds the outcome write that follows a provider call, even when the
// invocation's own deadline has already passed.
const completeTimeout = 10 * time.Second

// Recorder handles record-created events: it guards against duplicate delivery and
// persists exactly one outcome per record.
type Recorder struct {
	store      dispatch.RecordStore
	builder    *Builder
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	lease      time.Duration
	now        func() time.Time
	newOwner   func() string
}

func NewRecorder(
	store dispatch.RecordStore,
	builder *Builder,
	dispatcher *Dispatcher,
	m *metrics.Metrics,
	lease time.Duration,
	logger *slog.Logger,
) *Recorder {
	return &Recorder{
		store:      store,
		builder:    builder,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With("component", "Recorder"),
		lease:      lease,
		now:        time.Now,
		newOwner:   uuid.NewString,
	}
}

// HandleCreated processes one record-created event. It is safe to call more than once for the
// same record: only the invocation that wins the claim calls the provider.
// A returned error means the event should be redelivered.
func (r *Recorder) HandleCreated(ctx context.Context, ref dispatch.RecordRef) error {
	log := r.logger.With("record", ref.String())
	collection := ref.Collection.Name

	owner := r.newOwner()
	rec, err := r.store.Claim(ctx, ref, owner, r.lease)
	switch {
	case errors.Is(err, dispatch.ErrAlreadyProcessed):
		log.Info("Record already processed, skipping")
		r.metrics.ObserveRecord(collection, metrics.RecordSkipped)
		return nil
	case errors.Is(err, dispatch.ErrClaimHeld):
		log.Info("Record is being processed by another invocation, skipping")
		r.metrics.ObserveRecord(collection, metrics.RecordSkipped)
		return nil
	case errors.Is(err, dispatch.ErrRecordNotFound):
		log.Warn("Record no longer exists, skipping")
		r.metrics.ObserveRecord(collection, metrics.RecordSkipped)
		return nil
	case errors.Is(err, dispatch.ErrMalformedRecord):
		log.Error("Record could not be decoded", "err", err)
		r.metrics.ObserveRecord(collection, metrics.RecordInvalid)
		return r.Record(ctx, ref, r.rejected(dispatch.KindInvalidArgument, err.Error()))
	case err != nil:
		return fmt.Errorf("failed to claim record %s: %w", ref, err)
	}

	req, err := RequestFromRecord(rec)
	if err == nil {
		err = ValidateRequest(req)
	}
	if err != nil {
		var verr *dispatch.ValidationError
		kind := dispatch.KindInvalidArgument
		if errors.As(err, &verr) {
			kind = verr.Kind
		}
		log.Error("Invalid notification record", "kind", kind.String(), "err", err)
		r.metrics.ObserveRecord(collection, metrics.RecordInvalid)
		return r.Record(ctx, ref, r.rejected(kind, err.Error()))
	}

	msg := r.builder.Build(req, r.builder.DefaultProfile())
	outcome := r.dispatcher.Dispatch(ctx, msg)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()

	// An unclassified failure after the invocation ended is a timeout, not a provider verdict.
	// The record stays unprocessed for the redelivered event.
	if !outcome.Succeeded && outcome.ErrorKind.Retryable() && ctx.Err() != nil {
		if err := r.store.Release(writeCtx, ref, owner); err != nil {
			log.Warn("Failed to release claim, lease will expire", "err", err)
		}
		r.metrics.ObserveRecord(collection, metrics.RecordAbandoned)
		return fmt.Errorf("dispatch of %s abandoned: %w", ref, ctx.Err())
	}

	// The provider has answered; persist the outcome even if the invocation deadline fired.
	if err := r.Record(writeCtx, ref, outcome); err != nil {
		return err
	}

	if outcome.Succeeded {
		r.metrics.ObserveRecord(collection, metrics.RecordSent)
	} else {
		r.metrics.ObserveRecord(collection, metrics.RecordFailed)
	}
	return nil
}

// Record persists outcome on the record. A record that is already terminal is left untouched.
func (r *Recorder) Record(ctx context.Context, ref dispatch.RecordRef, outcome dispatch.Outcome) error {
	err := r.store.Complete(ctx, ref, outcome)
	if errors.Is(err, dispatch.ErrAlreadyProcessed) {
		r.logger.Warn("Outcome not recorded, record already processed", "record", ref.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", ref, err)
	}
	r.logger.Debug("Outcome recorded", "record", ref.String(), "succeeded", outcome.Succeeded)
	return nil
}

func (r *Recorder) rejected(kind dispatch.ErrorKind, detail string) dispatch.Outcome {
	return dispatch.Outcome{
		ErrorKind:   kind,
		ErrorCode:   ErrorCodeInvalidRecord,
		ErrorDetail: detail,
		Timestamp:   r.now().UTC(),
	}
}
