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

	"github.com/tinywideclouds/go-apns-delivery/internal/platform/apns"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	ReportTTL   time.Duration
	FeedbackKey string
}

// GatewayConfig locates the binary gateway and the client certificate.
type GatewayConfig struct {
	Host                  string
	Port                  int
	Sandbox               bool
	CertificatePath       string
	CertificatePassphrase string
	DialTimeout           time.Duration
	WriteTimeout          time.Duration
	// Expiry is how long the gateway keeps retrying an undeliverable
	// notification. Zero asks for a single attempt.
	Expiry time.Duration
}

// DeliveryConfig holds the retry and breaker limits of every batch.
type DeliveryConfig struct {
	ExceptionLimit          int
	ConsecutiveFailureLimit int
	SleepOnException        time.Duration
	PollTimeout             time.Duration
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	ReportsCollection      string

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Gateway    GatewayConfig
	Delivery   DeliveryConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// ConnectionConfig is the per-batch connection settings for the engine.
func (c *Config) ConnectionConfig() delivery.ConnectionConfig {
	return delivery.ConnectionConfig{
		Host:                  c.Gateway.Host,
		Port:                  c.Gateway.Port,
		CertificatePath:       c.Gateway.CertificatePath,
		CertificatePassphrase: c.Gateway.CertificatePassphrase,
	}
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
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

	// Gateway Overrides
	if val := os.Getenv("APNS_SANDBOX"); val != "" {
		sandbox, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("invalid APNS_SANDBOX %q: %w", val, err)
		}
		cfg.Gateway.Sandbox = sandbox
	}
	if val := os.Getenv("APNS_HOST"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_HOST", "source", "env")
		cfg.Gateway.Host = val
	}
	if val := os.Getenv("APNS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("invalid APNS_PORT %q: %w", val, err)
		}
		cfg.Gateway.Port = port
	}
	if val := os.Getenv("APNS_CERT_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_CERT_PATH", "source", "env")
		cfg.Gateway.CertificatePath = val
	}
	if val := os.Getenv("APNS_CERT_PASSPHRASE"); val != "" {
		cfg.Gateway.CertificatePassphrase = val
	}

	// Delivery Overrides
	if val := os.Getenv("APNS_EXCEPTION_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil && limit > 0 {
			cfg.Delivery.ExceptionLimit = limit
		}
	}
	if val := os.Getenv("APNS_CONSECUTIVE_FAILURE_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil && limit > 0 {
			cfg.Delivery.ConsecutiveFailureLimit = limit
		}
	}
	if val := os.Getenv("APNS_SLEEP_ON_EXCEPTION"); val != "" {
		d, err := parseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid APNS_SLEEP_ON_EXCEPTION: %w", err)
		}
		cfg.Delivery.SleepOnException = d
	}
	if val := os.Getenv("APNS_POLL_TIMEOUT"); val != "" {
		d, err := parseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid APNS_POLL_TIMEOUT: %w", err)
		}
		cfg.Delivery.PollTimeout = d
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

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	applyGatewayDefaults(&cfg.Gateway)
	applyDeliveryDefaults(&cfg.Delivery)
	if cfg.Redis.ReportTTL <= 0 {
		cfg.Redis.ReportTTL = 24 * time.Hour
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyGatewayDefaults(g *GatewayConfig) {
	if g.Host == "" {
		g.Host = apns.GatewayHost
		if g.Sandbox {
			g.Host = apns.SandboxGatewayHost
		}
	}
	if g.Port == 0 {
		g.Port = apns.GatewayPort
	}
	if g.DialTimeout <= 0 {
		g.DialTimeout = 10 * time.Second
	}
	if g.WriteTimeout <= 0 {
		g.WriteTimeout = 5 * time.Second
	}
}

func applyDeliveryDefaults(d *DeliveryConfig) {
	if d.ExceptionLimit <= 0 {
		d.ExceptionLimit = delivery.DefaultExceptionLimit
	}
	if d.ConsecutiveFailureLimit <= 0 {
		d.ConsecutiveFailureLimit = delivery.DefaultConsecutiveFailureLimit
	}
	if d.SleepOnException <= 0 {
		d.SleepOnException = delivery.DefaultSleepOnException
	}
	if d.PollTimeout <= 0 {
		d.PollTimeout = delivery.DefaultPollTimeout
	}
}

// parseDuration accepts Go durations ("250ms") or plain seconds ("1", "0.5").
func parseDuration(val string) (time.Duration, error) {
	if d, err := time.ParseDuration(val); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("%q is not a duration", val)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
