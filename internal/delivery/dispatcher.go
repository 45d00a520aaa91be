package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// Classify maps a provider error code onto the closed ErrorKind set.
// It is the only place provider codes are interpreted.
func Classify(code string) dispatch.ErrorKind {
	switch code {
	case dispatch.CodeInvalidToken:
		return dispatch.KindInvalidToken
	case dispatch.CodeTokenUnregistered:
		return dispatch.KindUnregisteredToken
	case dispatch.CodeInvalidArgument:
		return dispatch.KindInvalidArgument
	default:
		return dispatch.KindUnknown
	}
}

// Dispatcher makes exactly one provider call per Dispatch and normalises the result.
// It is not idempotent; duplicate suppression happens in the Recorder.
type Dispatcher struct {
	sender  dispatch.Sender
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewDispatcher(sender dispatch.Sender, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		metrics: m,
		logger:  logger.With("component", "Dispatcher"),
		now:     time.Now,
	}
}

// WithClock replaces the timestamp source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch sends msg once. Provider failures never escape as errors; they are captured in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *messaging.Message) dispatch.Outcome {
	started := time.Now()
	log := d.logger.With("token", RedactToken(msg.Token))

	id, err := d.sender.Send(ctx, msg)
	took := time.Since(started)

	if err == nil {
		d.metrics.ObserveDispatch(dispatch.KindNone, took)
		log.Info("Push notification sent", "message_id", id)
		return dispatch.Outcome{
			Succeeded:         true,
			ProviderMessageID: id,
			Timestamp:         d.now().UTC(),
		}
	}

	outcome := dispatch.Outcome{
		ErrorKind:   dispatch.KindUnknown,
		ErrorCode:   dispatch.CodeUnknown,
		ErrorDetail: err.Error(),
		Timestamp:   d.now().UTC(),
	}
	var perr *dispatch.ProviderError
	if errors.As(err, &perr) {
		outcome.ErrorKind = Classify(perr.Code)
		outcome.ErrorCode = perr.Code
		if perr.Message != "" {
			outcome.ErrorDetail = perr.Message
		}
	}

	d.metrics.ObserveDispatch(outcome.ErrorKind, took)
	log.Warn("Push notification failed",
		"kind", outcome.ErrorKind.String(),
		"code", outcome.ErrorCode,
		"retryable", outcome.ErrorKind.Retryable(),
		"err", err,
	)
	return outcome
}

// RedactToken keeps only a short prefix of a device token for logging.
func RedactToken(token string) string {
	const keep = 20
	if len(token) <= keep {
		return token
	}
	return token[:keep] + "..."
}
