package delivery_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/delivery"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// --- Mocks ---

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

func TestClassify(t *testing.T) {
	assert.Equal(t, dispatch.KindInvalidToken, delivery.Classify(dispatch.CodeInvalidToken))
	assert.Equal(t, dispatch.KindUnregisteredToken, delivery.Classify(dispatch.CodeTokenUnregistered))
	assert.Equal(t, dispatch.KindInvalidArgument, delivery.Classify(dispatch.CodeInvalidArgument))
	assert.Equal(t, dispatch.KindUnknown, delivery.Classify(dispatch.CodeUnknown))
	assert.Equal(t, dispatch.KindUnknown, delivery.Classify("messaging/quota-exceeded"))
	assert.Equal(t, dispatch.KindUnknown, delivery.Classify(""))
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()
	msg := &messaging.Message{Token: "abc123"}

	t.Run("Success", func(t *testing.T) {
		sender := new(MockSender)
		sender.On("Send", ctx, msg).Return("projects/p/messages/1", nil).Once()
		m := metrics.New(prometheus.NewRegistry(), "test")
		d := delivery.NewDispatcher(sender, m, newTestLogger()).WithClock(func() time.Time { return fixedNow })

		outcome := d.Dispatch(ctx, msg)

		assert.True(t, outcome.Succeeded)
		assert.Equal(t, "projects/p/messages/1", outcome.ProviderMessageID)
		assert.Equal(t, dispatch.KindNone, outcome.ErrorKind)
		assert.Equal(t, time.UTC, outcome.Timestamp.Location())
		assert.True(t, fixedNow.Equal(outcome.Timestamp))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("none")))
		sender.AssertExpectations(t)
	})

	t.Run("Classified provider failure", func(t *testing.T) {
		sender := new(MockSender)
		perr := &dispatch.ProviderError{Code: dispatch.CodeTokenUnregistered, Message: "token is gone"}
		sender.On("Send", ctx, msg).Return("", perr).Once()
		d := delivery.NewDispatcher(sender, nil, newTestLogger())

		outcome := d.Dispatch(ctx, msg)

		assert.False(t, outcome.Succeeded)
		assert.Equal(t, dispatch.KindUnregisteredToken, outcome.ErrorKind)
		assert.Equal(t, dispatch.CodeTokenUnregistered, outcome.ErrorCode)
		assert.Equal(t, "token is gone", outcome.ErrorDetail)
		sender.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("Unclassified failure becomes unknown", func(t *testing.T) {
		sender := new(MockSender)
		sender.On("Send", ctx, msg).Return("", assert.AnError).Once()
		d := delivery.NewDispatcher(sender, nil, newTestLogger())

		outcome := d.Dispatch(ctx, msg)

		assert.False(t, outcome.Succeeded)
		assert.Equal(t, dispatch.KindUnknown, outcome.ErrorKind)
		assert.Equal(t, dispatch.CodeUnknown, outcome.ErrorCode)
		assert.Equal(t, assert.AnError.Error(), outcome.ErrorDetail)
		assert.True(t, outcome.ErrorKind.Retryable())
	})
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "short", delivery.RedactToken("short"))
	assert.Equal(t, "abcdefghijklmnopqrst...", delivery.RedactToken("abcdefghijklmnopqrstuvwxyz"))
}
