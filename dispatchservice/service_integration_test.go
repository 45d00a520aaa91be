//go:build integration

package dispatchservice_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"firebase.google.com/go/v4/messaging"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice"
	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice/config"
	fsStore "github.com/tinywideclouds/go-push-dispatch-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

func TestDispatchService_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-integ"

	// 1. Emulators
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { psClient.Close() })

	fsConn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	fsClient, err := firestore.NewClient(ctx, projectID, fsConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { fsClient.Close() })

	store := fsStore.NewFirestoreStore(fsClient)

	createRecord := func(t *testing.T, coll dispatch.Collection, token string) dispatch.RecordRef {
		t.Helper()
		id := uuid.NewString()
		_, err := fsClient.Collection(coll.Name).Doc(id).Set(ctx, map[string]interface{}{
			"to":           token,
			"notification": map[string]interface{}{"title": "Hello", "body": "World"},
			"timestamp":    time.Now(),
			"processed":    false,
		})
		require.NoError(t, err)
		return dispatch.RecordRef{Collection: coll, ID: id}
	}

	readRecord := func(ref dispatch.RecordRef) map[string]interface{} {
		snap, err := fsClient.Collection(ref.Collection.Name).Doc(ref.ID).Get(ctx)
		if err != nil {
			return nil
		}
		return snap.Data()
	}

	startService := func(t *testing.T, cfg *config.Config, triggers dispatchservice.Triggers, sender dispatch.Sender) {
		t.Helper()
		svc, err := dispatchservice.New(cfg, triggers, store, sender, nil, prometheus.NewRegistry(), logger)
		require.NoError(t, err)

		svcCtx, svcCancel := context.WithCancel(ctx)
		go func() {
			if err := svc.Start(svcCtx); err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("service.Start() returned an error: %v", err)
			}
		}()
		t.Cleanup(func() {
			svcCancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			_ = svc.Shutdown(shutdownCtx)
		})
	}

	t.Run("Pub/Sub trigger: duplicate events send once", func(t *testing.T) {
		topicID := "records-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID, nil)

		sender := newCountingSender(nil)
		consumer, err := messagepipeline.NewGooglePubsubConsumer(
			messagepipeline.NewGooglePubsubConsumerDefaults(subID), psClient, logger)
		require.NoError(t, err)

		cfg := integrationConfig(projectID, config.TriggerPubsub)
		cfg.SubscriptionID = subID
		startService(t, cfg, dispatchservice.Triggers{Consumer: consumer}, sender)

		ref := createRecord(t, dispatch.FCMRequests, "android-token-999")
		payload := []byte(fmt.Sprintf(`{"collection":%q,"id":%q}`, ref.Collection.Name, ref.ID))
		publisher := psClient.Publisher(topicID)
		for i := 0; i < 3; i++ {
			_, err := publisher.Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
			require.NoError(t, err)
		}

		require.Eventually(t, func() bool {
			data := readRecord(ref)
			processed, _ := data["processed"].(bool)
			return processed
		}, 20*time.Second, 200*time.Millisecond)

		// Give the duplicates time to be handled before counting.
		time.Sleep(2 * time.Second)
		assert.Equal(t, 1, sender.count())
		assert.Equal(t, []string{"android-token-999"}, sender.tokens())

		data := readRecord(ref)
		assert.Equal(t, "projects/test/messages/1", data["messageId"])
		assert.NotContains(t, data, "failed")
		assert.NotContains(t, data, "claimedBy")
	})

	t.Run("Pub/Sub trigger: malformed events reach the DLQ", func(t *testing.T) {
		runID := uuid.NewString()
		mainTopicID := "records-main-" + runID
		dlqTopicID := "records-dlq-" + runID
		mainSubID := mainTopicID + "-sub"
		dlqSubID := dlqTopicID + "-sub"

		createPubsubResources(t, ctx, psClient, projectID, dlqTopicID, dlqSubID, nil)
		dlqTopicName := fmt.Sprintf("projects/%s/topics/%s", projectID, dlqTopicID)
		createPubsubResources(t, ctx, psClient, projectID, mainTopicID, mainSubID, &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlqTopicName,
			MaxDeliveryAttempts: 5,
		})

		sender := newCountingSender(nil)
		consumer, err := messagepipeline.NewGooglePubsubConsumer(
			messagepipeline.NewGooglePubsubConsumerDefaults(mainSubID), psClient, logger)
		require.NoError(t, err)

		cfg := integrationConfig(projectID, config.TriggerPubsub)
		cfg.SubscriptionID = mainSubID
		startService(t, cfg, dispatchservice.Triggers{Consumer: consumer}, sender)

		poisonPayload := []byte(`{"collection":"users","id":"x"}`)
		_, err = psClient.Publisher(mainTopicID).Publish(ctx, &pubsub.Message{Data: poisonPayload}).Get(ctx)
		require.NoError(t, err)

		dlqSub := psClient.Subscriber(dlqSubID)
		var receivedMsg *pubsub.Message
		cctx, stop := context.WithTimeout(ctx, 30*time.Second)
		defer stop()
		err = dlqSub.Receive(cctx, func(ctx context.Context, msg *pubsub.Message) {
			msg.Ack()
			receivedMsg = msg
			stop()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("DLQ Receive returned an unexpected error: %v", err)
		}

		require.NotNil(t, receivedMsg, "Did not receive message on the DLQ subscription")
		assert.Equal(t, poisonPayload, receivedMsg.Data)
		assert.Equal(t, 0, sender.count())
	})

	t.Run("Firestore trigger: provider failure is recorded", func(t *testing.T) {
		sender := newCountingSender(&dispatch.ProviderError{
			Code:    dispatch.CodeTokenUnregistered,
			Message: "Requested entity was not found.",
		})
		watcher := fsStore.NewListener(fsClient, 2, logger)
		startService(t, integrationConfig(projectID, config.TriggerFirestore), dispatchservice.Triggers{Watcher: watcher}, sender)

		ref := createRecord(t, dispatch.NotificationRequests, "stale-token")

		require.Eventually(t, func() bool {
			data := readRecord(ref)
			processed, _ := data["processed"].(bool)
			return processed
		}, 20*time.Second, 200*time.Millisecond)

		data := readRecord(ref)
		assert.Equal(t, true, data["failed"])
		assert.Equal(t, "Requested entity was not found.", data["error"])
		assert.Equal(t, dispatch.CodeTokenUnregistered, data["errorCode"])
		assert.NotContains(t, data, "fcmResponse")
		assert.Equal(t, 1, sender.count())
	})
}

func integrationConfig(projectID string, trigger config.TriggerSource) *config.Config {
	return &config.Config{
		ProjectID:          projectID,
		ListenAddr:         ":0",
		TriggerSource:      trigger,
		NumPipelineWorkers: 2,
		MetricsNamespace:   "integ",
		Dispatch: config.DispatchConfig{
			InvocationTimeout: 10 * time.Second,
			ClaimLease:        20 * time.Second,
		},
	}
}

// countingSender records every send and answers with a fixed result.
type countingSender struct {
	mu     sync.Mutex
	sent   []string
	result error
}

func newCountingSender(result error) *countingSender {
	return &countingSender{result: result}
}

func (s *countingSender) Send(_ context.Context, msg *messaging.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg.Token)
	if s.result != nil {
		return "", s.result
	}
	return "projects/test/messages/1", nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *countingSender) tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string, dlq *pubsubpb.DeadLetterPolicy) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy:   dlq,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
