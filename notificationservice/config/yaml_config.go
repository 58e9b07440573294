package config

import (
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
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Enabled     bool          `yaml:"enabled"`
	ReportTTL   time.Duration `yaml:"report_ttl"`
	FeedbackKey string        `yaml:"feedback_key"`
}

type YamlGatewayConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Sandbox         bool          `yaml:"sandbox"`
	CertificatePath string        `yaml:"certificate_path"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Expiry          time.Duration `yaml:"expiry"`
}

type YamlDeliveryConfig struct {
	ExceptionLimit          int           `yaml:"exception_limit"`
	ConsecutiveFailureLimit int           `yaml:"consecutive_failure_limit"`
	SleepOnException        time.Duration `yaml:"sleep_on_exception"`
	PollTimeout             time.Duration `yaml:"poll_timeout"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
// The certificate passphrase is read from APNS_CERT_PASSPHRASE only.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	ReportsCollection      string             `yaml:"reports_collection"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	GatewayConfig          YamlGatewayConfig  `yaml:"gateway"`
	DeliveryConfig         YamlDeliveryConfig `yaml:"delivery"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:         baseCfg.ProjectID,
		ListenAddr:        baseCfg.ListenAddr,
		TopicID:           baseCfg.TopicID,
		SubscriptionID:    baseCfg.SubscriptionID,
		ReportsCollection: baseCfg.ReportsCollection,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:        baseCfg.RedisConfig.Addr,
			Password:    baseCfg.RedisConfig.Password,
			DB:          baseCfg.RedisConfig.DB,
			Enabled:     baseCfg.RedisConfig.Enabled,
			ReportTTL:   baseCfg.RedisConfig.ReportTTL,
			FeedbackKey: baseCfg.RedisConfig.FeedbackKey,
		},
		Gateway: GatewayConfig{
			Host:            baseCfg.GatewayConfig.Host,
			Port:            baseCfg.GatewayConfig.Port,
			Sandbox:         baseCfg.GatewayConfig.Sandbox,
			CertificatePath: baseCfg.GatewayConfig.CertificatePath,
			DialTimeout:     baseCfg.GatewayConfig.DialTimeout,
			WriteTimeout:    baseCfg.GatewayConfig.WriteTimeout,
			Expiry:          baseCfg.GatewayConfig.Expiry,
		},
		Delivery: DeliveryConfig{
			ExceptionLimit:          baseCfg.DeliveryConfig.ExceptionLimit,
			ConsecutiveFailureLimit: baseCfg.DeliveryConfig.ConsecutiveFailureLimit,
			SleepOnException:        baseCfg.DeliveryConfig.SleepOnException,
			PollTimeout:             baseCfg.DeliveryConfig.PollTimeout,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"gateway_host", cfg.Gateway.Host,
	)

	return cfg, nil
}
