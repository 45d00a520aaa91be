// Package dispatchservice assembles the push dispatch service: the synchronous send API,
// the record-created trigger and the retention sweep, on top of the shared base server.
package dispatchservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/api"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/delivery"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/pipeline"
	fsStore "github.com/tinywideclouds/go-push-dispatch-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/sweep"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// MetricsPath serves the dispatch instruments.
const MetricsPath = "/metrics/dispatch"

// watchRestartDelay is the pause before a failed snapshot listener is restarted.
const watchRestartDelay = 5 * time.Second

// RecordWatcher delivers record-created events for one collection until ctx ends or the stream fails.
type RecordWatcher interface {
	Listen(ctx context.Context, coll dispatch.Collection, handle fsStore.RecordHandler) error
}

// Triggers carries the event source matching cfg.TriggerSource. Only the selected one is used.
type Triggers struct {
	Consumer messagepipeline.MessageConsumer
	Watcher  RecordWatcher
}

type Wrapper struct {
	*microservice.BaseServer
	cfg             *config.Config
	pipelineService *messagepipeline.StreamingService[dispatch.RecordRef]
	watcher         RecordWatcher
	handler         *timeoutHandler
	sweeper         *sweep.Sweeper
	logger          *slog.Logger

	cancelBackground context.CancelFunc
	background       sync.WaitGroup
}

// New assembles the service.
// A nil authMiddleware leaves the send endpoints unauthenticated.
func New(
	cfg *config.Config,
	triggers Triggers,
	store dispatch.RecordStore,
	sender dispatch.Sender,
	authMiddleware func(http.Handler) http.Handler,
	reg *prometheus.Registry,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Dispatch Core
	m := metrics.New(reg, cfg.MetricsNamespace)
	builder := delivery.NewBuilder(cfg.Dispatch.AndroidChannelID)
	dispatcher := delivery.NewDispatcher(sender, m, logger)
	recorder := delivery.NewRecorder(store, builder, dispatcher, m, cfg.Dispatch.ClaimLease, logger)
	handler := &timeoutHandler{recorder: recorder, timeout: cfg.Dispatch.InvocationTimeout}

	w := &Wrapper{
		BaseServer: baseServer,
		cfg:        cfg,
		handler:    handler,
		logger:     logger,
	}

	// 3. Trigger
	switch cfg.TriggerSource {
	case config.TriggerPubsub:
		if triggers.Consumer == nil {
			return nil, errors.New("pubsub trigger selected but no consumer provided")
		}
		streamingService, err := messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			triggers.Consumer,
			pipeline.RecordEventTransformer,
			pipeline.NewProcessor(handler, logger),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
		w.pipelineService = streamingService
	case config.TriggerFirestore:
		if triggers.Watcher == nil {
			return nil, errors.New("firestore trigger selected but no watcher provided")
		}
		w.watcher = triggers.Watcher
	default:
		return nil, fmt.Errorf("unknown trigger source %q", cfg.TriggerSource)
	}

	// 4. Retention
	if cfg.Sweep.Enabled {
		w.sweeper = sweep.NewSweeper(store, sweep.Config{
			Interval:    cfg.Sweep.Interval,
			MaxAge:      cfg.Sweep.MaxAge,
			BatchLimit:  cfg.Sweep.BatchLimit,
			Collections: dispatch.Collections,
		}, m, logger)
	}

	// 5. API
	dispatchAPI := api.NewDispatchAPI(builder, dispatcher, logger)

	mux := baseServer.Mux()
	cors := api.OpenCORS(api.DefaultOpenCORSConfig())
	if len(cfg.CorsConfig.AllowedOrigins) > 0 {
		cors = middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	}
	if authMiddleware == nil {
		authMiddleware = func(h http.Handler) http.Handler { return h }
	}

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, cors(authMiddleware(handlerFunc)))
	}
	preflight := cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handle("POST /sendNotification", dispatchAPI.SendNotification)
	handle("POST /sendChatNotification", dispatchAPI.SendChatNotification)
	mux.Handle("OPTIONS /sendNotification", preflight)
	mux.Handle("OPTIONS /sendChatNotification", preflight)

	mux.Handle("GET "+MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return w, nil
}

// Start launches the trigger and the sweep, then blocks serving HTTP.
func (w *Wrapper) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancelBackground = cancel

	if w.pipelineService != nil {
		w.logger.Info("Record event pipeline starting...")
		if err := w.pipelineService.Start(bgCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}

	if w.watcher != nil {
		for _, coll := range dispatch.Collections {
			w.background.Add(1)
			go func(coll dispatch.Collection) {
				defer w.background.Done()
				w.watch(bgCtx, coll)
			}(coll)
		}
	}

	if w.sweeper != nil {
		w.background.Add(1)
		go func() {
			defer w.background.Done()
			w.sweeper.Start(bgCtx)
		}()
	}

	w.SetReady(true)
	w.logger.Info("Service is now ready.", "trigger", w.cfg.TriggerSource)
	return w.BaseServer.Start()
}

// watch keeps a snapshot listener running on coll until ctx ends.
func (w *Wrapper) watch(ctx context.Context, coll dispatch.Collection) {
	for {
		err := w.watcher.Listen(ctx, coll, w.handler.HandleCreated)
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("Record listener stopped, restarting", "collection", coll.Name, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRestartDelay):
		}
	}
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)

	var finalErr error
	if w.cancelBackground != nil {
		w.cancelBackground()
	}
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		w.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("Background workers did not stop before the shutdown deadline")
		finalErr = ctx.Err()
	}

	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}

// timeoutHandler bounds each record handling by the invocation timeout.
type timeoutHandler struct {
	recorder *delivery.Recorder
	timeout  time.Duration
}

func (h *timeoutHandler) HandleCreated(ctx context.Context, ref dispatch.RecordRef) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.recorder.HandleCreated(ctx, ref)
}
