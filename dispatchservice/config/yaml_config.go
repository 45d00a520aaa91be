package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Enabled   bool   `yaml:"enabled"`
	MarkerTTL string `yaml:"marker_ttl"`
}

type YamlDispatchConfig struct {
	AndroidChannelID  string `yaml:"android_channel_id"`
	InvocationTimeout string `yaml:"invocation_timeout"`
	ClaimLease        string `yaml:"claim_lease"`
	DryRun            bool   `yaml:"dry_run"`
	ListenerWorkers   int    `yaml:"listener_workers"`
}

type YamlSweepConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Interval   string `yaml:"interval"`
	MaxAge     string `yaml:"max_age"`
	BatchLimit int    `yaml:"batch_limit"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	TriggerSource          string             `yaml:"trigger_source"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
	IdentityServiceURL     string             `yaml:"identity_service_url"`
	MetricsNamespace       string             `yaml:"metrics_namespace"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	DispatchConfig         YamlDispatchConfig `yaml:"dispatch"`
	SweepConfig            YamlSweepConfig    `yaml:"sweep"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
// Durations are Go duration strings; empty values are left at zero for the defaults pass.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	durations := map[string]string{
		"redis.marker_ttl":            baseCfg.RedisConfig.MarkerTTL,
		"dispatch.invocation_timeout": baseCfg.DispatchConfig.InvocationTimeout,
		"dispatch.claim_lease":        baseCfg.DispatchConfig.ClaimLease,
		"sweep.interval":              baseCfg.SweepConfig.Interval,
		"sweep.max_age":               baseCfg.SweepConfig.MaxAge,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		parsed[key] = d
	}

	cfg := &Config{
		ProjectID:              baseCfg.ProjectID,
		ListenAddr:             baseCfg.ListenAddr,
		TriggerSource:          TriggerSource(baseCfg.TriggerSource),
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		IdentityServiceURL:     baseCfg.IdentityServiceURL,
		MetricsNamespace:       baseCfg.MetricsNamespace,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:      baseCfg.RedisConfig.Addr,
			Password:  baseCfg.RedisConfig.Password,
			DB:        baseCfg.RedisConfig.DB,
			Enabled:   baseCfg.RedisConfig.Enabled,
			MarkerTTL: parsed["redis.marker_ttl"],
		},
		Dispatch: DispatchConfig{
			AndroidChannelID:  baseCfg.DispatchConfig.AndroidChannelID,
			InvocationTimeout: parsed["dispatch.invocation_timeout"],
			ClaimLease:        parsed["dispatch.claim_lease"],
			DryRun:            baseCfg.DispatchConfig.DryRun,
			ListenerWorkers:   baseCfg.DispatchConfig.ListenerWorkers,
		},
		Sweep: SweepConfig{
			Enabled:    baseCfg.SweepConfig.Enabled,
			Interval:   parsed["sweep.interval"],
			MaxAge:     parsed["sweep.max_age"],
			BatchLimit: baseCfg.SweepConfig.BatchLimit,
		},
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"trigger_source", cfg.TriggerSource,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}
