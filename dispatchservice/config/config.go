package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// TriggerSource selects how record-created events reach the service.
type TriggerSource string

const (
	TriggerFirestore TriggerSource = "firestore"
	TriggerPubsub    TriggerSource = "pubsub"
)

// Defaults applied when neither YAML nor the environment set a value.
const (
	DefaultListenAddr        = ":8080"
	DefaultInvocationTimeout = 60 * time.Second
	DefaultMarkerTTL         = 24 * time.Hour
	DefaultSweepInterval     = 24 * time.Hour
	DefaultSweepMaxAge       = 24 * time.Hour
	DefaultSweepBatchLimit   = 500
	DefaultListenerWorkers   = 4
	DefaultMetricsNamespace  = "push_dispatch"
)

type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	MarkerTTL time.Duration
}

type DispatchConfig struct {
	AndroidChannelID  string
	InvocationTimeout time.Duration
	ClaimLease        time.Duration
	DryRun            bool
	ListenerWorkers   int
}

type SweepConfig struct {
	Enabled    bool
	Interval   time.Duration
	MaxAge     time.Duration
	BatchLimit int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	TriggerSource          TriggerSource
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	IdentityServiceURL     string
	MetricsNamespace       string

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Dispatch   DispatchConfig
	Sweep      SweepConfig

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables, defaults and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("TRIGGER_SOURCE"); val != "" {
		logger.Debug("Overriding config value", "key", "TRIGGER_SOURCE", "source", "env")
		cfg.TriggerSource = TriggerSource(strings.ToLower(val))
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "TOPIC_ID", "source", "env")
		cfg.TopicID = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "IDENTITY_SERVICE_URL", "source", "env")
		cfg.IdentityServiceURL = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Dispatch Overrides
	if val := os.Getenv("ANDROID_CHANNEL_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "ANDROID_CHANNEL_ID", "source", "env")
		cfg.Dispatch.AndroidChannelID = val
	}
	if val := os.Getenv("FCM_DRY_RUN"); val != "" {
		dryRun, _ := strconv.ParseBool(val)
		cfg.Dispatch.DryRun = dryRun
	}

	// Sweep Overrides
	if val := os.Getenv("SWEEP_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Sweep.Enabled = enabled
	}
	if err := durationEnv("SWEEP_INTERVAL", &cfg.Sweep.Interval, logger); err != nil {
		return nil, err
	}
	if err := durationEnv("SWEEP_MAX_AGE", &cfg.Sweep.MaxAge, logger); err != nil {
		return nil, err
	}
	if val := os.Getenv("SWEEP_BATCH_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil && limit > 0 {
			cfg.Sweep.BatchLimit = limit
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	applyDefaults(cfg)

	// 3. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	switch cfg.TriggerSource {
	case TriggerFirestore:
	case TriggerPubsub:
		if cfg.SubscriptionID == "" {
			return nil, fmt.Errorf("subscription_id is required for the pubsub trigger (set via YAML or SUBSCRIPTION_ID env var)")
		}
	default:
		return nil, fmt.Errorf("unknown trigger_source %q (want %q or %q)", cfg.TriggerSource, TriggerFirestore, TriggerPubsub)
	}
	if cfg.Dispatch.ClaimLease <= cfg.Dispatch.InvocationTimeout {
		return nil, fmt.Errorf("dispatch.claim_lease (%s) must exceed dispatch.invocation_timeout (%s)",
			cfg.Dispatch.ClaimLease, cfg.Dispatch.InvocationTimeout)
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.TriggerSource == "" {
		cfg.TriggerSource = TriggerFirestore
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = DefaultMetricsNamespace
	}
	if cfg.Redis.MarkerTTL <= 0 {
		cfg.Redis.MarkerTTL = DefaultMarkerTTL
	}
	if cfg.Dispatch.InvocationTimeout <= 0 {
		cfg.Dispatch.InvocationTimeout = DefaultInvocationTimeout
	}
	if cfg.Dispatch.ClaimLease <= 0 {
		cfg.Dispatch.ClaimLease = 2 * cfg.Dispatch.InvocationTimeout
	}
	if cfg.Dispatch.ListenerWorkers <= 0 {
		cfg.Dispatch.ListenerWorkers = DefaultListenerWorkers
	}
	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = DefaultSweepInterval
	}
	if cfg.Sweep.MaxAge <= 0 {
		cfg.Sweep.MaxAge = DefaultSweepMaxAge
	}
	if cfg.Sweep.BatchLimit <= 0 {
		cfg.Sweep.BatchLimit = DefaultSweepBatchLimit
	}
}

func durationEnv(key string, dst *time.Duration, logger *slog.Logger) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*dst = d
	return nil
}
