package delivery_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/delivery"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) Claim(ctx context.Context, ref dispatch.RecordRef, owner string, lease time.Duration) (*dispatch.NotificationRecord, error) {
	args := m.Called(ctx, ref, owner, lease)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.NotificationRecord), args.Error(1)
}

func (m *MockRecordStore) Complete(ctx context.Context, ref dispatch.RecordRef, outcome dispatch.Outcome) error {
	return m.Called(ctx, ref, outcome).Error(0)
}

func (m *MockRecordStore) Release(ctx context.Context, ref dispatch.RecordRef, owner string) error {
	return m.Called(ctx, ref, owner).Error(0)
}

func (m *MockRecordStore) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time, limit int) (int, error) {
	args := m.Called(ctx, collection, cutoff, limit)
	return args.Int(0), args.Error(1)
}

type recorderFixture struct {
	store   *MockRecordStore
	sender  *MockSender
	metrics *metrics.Metrics
	rec     *delivery.Recorder
}

func newRecorderFixture() *recorderFixture {
	store := new(MockRecordStore)
	sender := new(MockSender)
	m := metrics.New(prometheus.NewRegistry(), "test")
	logger := newTestLogger()
	rec := delivery.NewRecorder(
		store,
		delivery.NewBuilder(""),
		delivery.NewDispatcher(sender, m, logger),
		m,
		time.Minute,
		logger,
	)
	return &recorderFixture{store: store, sender: sender, metrics: m, rec: rec}
}

func (f *recorderFixture) count(collection, result string) float64 {
	return testutil.ToFloat64(f.metrics.RecordsHandled.WithLabelValues(collection, result))
}

func TestRecorder_HandleCreated(t *testing.T) {
	ctx := context.Background()
	ref := dispatch.RecordRef{Collection: dispatch.NotificationRequests, ID: "r1"}
	anyOwner := mock.AnythingOfType("string")

	t.Run("Sends once and records success", func(t *testing.T) {
		f := newRecorderFixture()
		record := &dispatch.NotificationRecord{
			To:           "abc123",
			Notification: &dispatch.Notification{Title: "Hi", Body: "there"},
		}
		f.store.On("Claim", ctx, ref, anyOwner, time.Minute).Return(record, nil).Once()
		f.sender.On("Send", mock.Anything, mock.Anything).Return("m-1", nil).Once()
		f.store.On("Complete", mock.Anything, ref, mock.MatchedBy(func(o dispatch.Outcome) bool {
			return o.Succeeded && o.ProviderMessageID == "m-1"
		})).Return(nil).Once()

		require.NoError(t, f.rec.HandleCreated(ctx, ref))

		f.store.AssertExpectations(t)
		f.sender.AssertNumberOfCalls(t, "Send", 1)
		sent := f.sender.Calls[0].Arguments.Get(1).(*messaging.Message)
		assert.Equal(t, "abc123", sent.Token)
		assert.Equal(t, delivery.DefaultChannelID, sent.Android.Notification.ChannelID)
		assert.Equal(t, 1.0, f.count("notification_requests", metrics.RecordSent))
	})

	t.Run("Already processed is a no-op", func(t *testing.T) {
		f := newRecorderFixture()
		f.store.On("Claim", ctx, ref, anyOwner, time.Minute).Return(nil, fmt.Errorf("wrapped: %w", dispatch.ErrAlreadyProcessed)).Once()

		require.NoError(t, f.rec.HandleCreated(ctx, ref))

		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
		f.store.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, f.count("notification_requests", metrics.RecordSkipped))
	})

	t.Run("Claim held elsewhere is a no-op", func(t *testing.T) {
		f := newRecorderFixture()
		f.store.On("Claim", ctx, ref, anyOwner, time.Minute).Return(nil, dispatch.ErrClaimHeld).Once()

		require.NoError(t, f.rec.HandleCreated(ctx, ref))

		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("Missing record is dropped", func(t *testing.T) {
		f := newRecorderFixture()
		f.store.On("Claim", ctx, ref, anyOwner, time.Minute).Return(nil, dispatch.ErrRecordNotFound).Once()

		require.NoError(t, f.rec.HandleCreated(ctx, ref))

		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("Store outage is returned for redelivery", func(t *testing.T) {
		f := newRecorderFixture()
		f.store.On("Claim", ctx, ref, anyOwner, time.Minute).Return(nil, assert.AnError).Once()

		err := f.rec.HandleCreated(ctx, ref)

		assert.ErrorIs(t, err, assert.AnError)
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("Record without token is marked failed without sending", func(t *testing.T) {
		f := newRecorderFixture()
		record := &dispatch.NotificationRecord{Notification: &dispatch.Notification{Title: "Hi"}}
		f.store.On("Claim", ctx, ref, anyOwner, time.Minute).Return(record, nil).Once()
		f.store.On("Complete", ctx, ref, mock.MatchedBy(func(o dispatch.Outcome) bool {
			return !o.Succeeded &&
				o.ErrorKind == dispatch.KindMissingToken &&
				o.ErrorCode == delivery.ErrorCodeInvalidRecord
		})).Return(nil).Once()

		require.NoError(t, f.rec.HandleCreated(ctx, ref))

		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
		f.store.AssertExpectations(t)
		assert.Equal(t, 1.0, f.count("notification_requests", metrics.RecordInvalid))
	})

	t.Run("Undecodable record is marked failed", func(t *testing.T) {
		f := newRecorderFixture()
		f.store.On("Claim", ctx, ref, anyOwner, time.Minute).Return(nil, fmt.Errorf("%w: bad field", dispatch.ErrMalformedRecord)).Once()
		f.store.On("Complete", ctx, ref, mock.MatchedBy(func(o dispatch.Outcome) bool {
			return o.ErrorKind == dispatch.KindInvalidArgument
		})).Return(nil).Once()

		require.NoError(t, f.rec.HandleCreated(ctx, ref))

		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
		f.store.AssertExpectations(t)
	})

	t.Run("Provider failure is recorded, not retried", func(t *testing.T) {
		f := newRecorderFixture()
		fcmRef := dispatch.RecordRef{Collection: dispatch.FCMRequests, ID: "r2"}
		record := &dispatch.NotificationRecord{To: "bad", Data: map[string]string{"k": "v"}}
		f.store.On("Claim", ctx, fcmRef, anyOwner, time.Minute).Return(record, nil).Once()
		f.sender.On("Send", mock.Anything, mock.Anything).
			Return("", &dispatch.ProviderError{Code: dispatch.CodeInvalidToken, Message: "bad token"}).Once()
		f.store.On("Complete", mock.Anything, fcmRef, mock.MatchedBy(func(o dispatch.Outcome) bool {
			return !o.Succeeded && o.ErrorKind == dispatch.KindInvalidToken && o.ErrorDetail == "bad token"
		})).Return(nil).Once()

		require.NoError(t, f.rec.HandleCreated(ctx, fcmRef))

		f.store.AssertExpectations(t)
		assert.Equal(t, 1.0, f.count("fcm_requests", metrics.RecordFailed))
	})

	t.Run("Timed out send leaves the record for redelivery", func(t *testing.T) {
		f := newRecorderFixture()
		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		record := &dispatch.NotificationRecord{To: "abc123", Data: map[string]string{"k": "v"}}
		var owner string
		f.store.On("Claim", tctx, ref, anyOwner, time.Minute).
			Run(func(args mock.Arguments) { owner = args.String(2) }).
			Return(record, nil).Once()
		f.sender.On("Send", tctx, mock.Anything).
			Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
			Return("", context.DeadlineExceeded).Once()
		f.store.On("Release", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), ref, anyOwner).
			Return(nil).Once()

		err := f.rec.HandleCreated(tctx, ref)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		f.store.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
		f.store.AssertExpectations(t)
		f.store.AssertCalled(t, "Release", mock.Anything, ref, owner)
		assert.Equal(t, 1.0, f.count("notification_requests", metrics.RecordAbandoned))
	})

	t.Run("Classified failure after the deadline is still recorded", func(t *testing.T) {
		f := newRecorderFixture()
		cctx, cancel := context.WithCancel(ctx)
		record := &dispatch.NotificationRecord{To: "stale", Data: map[string]string{"k": "v"}}
		f.store.On("Claim", cctx, ref, anyOwner, time.Minute).Return(record, nil).Once()
		f.sender.On("Send", cctx, mock.Anything).Run(func(mock.Arguments) { cancel() }).
			Return("", &dispatch.ProviderError{Code: dispatch.CodeTokenUnregistered}).Once()
		f.store.On("Complete", mock.Anything, ref, mock.MatchedBy(func(o dispatch.Outcome) bool {
			return o.ErrorKind == dispatch.KindUnregisteredToken
		})).Return(nil).Once()

		require.NoError(t, f.rec.HandleCreated(cctx, ref))

		f.store.AssertExpectations(t)
		f.store.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Outcome is written after the invocation is cancelled", func(t *testing.T) {
		f := newRecorderFixture()
		cctx, cancel := context.WithCancel(ctx)
		record := &dispatch.NotificationRecord{To: "abc123", Data: map[string]string{"k": "v"}}
		f.store.On("Claim", cctx, ref, anyOwner, time.Minute).Return(record, nil).Once()
		f.sender.On("Send", cctx, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return("m-2", nil).Once()
		f.store.On("Complete", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), ref, mock.Anything).
			Return(nil).Once()

		require.NoError(t, f.rec.HandleCreated(cctx, ref))

		f.store.AssertExpectations(t)
	})
}

func TestRecorder_Record(t *testing.T) {
	ctx := context.Background()
	ref := dispatch.RecordRef{Collection: dispatch.FCMRequests, ID: "r1"}
	outcome := dispatch.Outcome{Succeeded: true, ProviderMessageID: "m-1"}

	t.Run("Terminal record is left untouched", func(t *testing.T) {
		f := newRecorderFixture()
		f.store.On("Complete", ctx, ref, outcome).Return(dispatch.ErrAlreadyProcessed).Once()

		assert.NoError(t, f.rec.Record(ctx, ref, outcome))
	})

	t.Run("Store failure is surfaced", func(t *testing.T) {
		f := newRecorderFixture()
		f.store.On("Complete", ctx, ref, outcome).Return(assert.AnError).Once()

		assert.ErrorIs(t, f.rec.Record(ctx, ref, outcome), assert.AnError)
	})
}
