package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/riverpulse/pipeline/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	// Bus topics.
	ReadingsTopic   string
	AlertsTopic     string
	CommandsTopic   string
	DeadLetterTopic string

	// Delivery policy.
	AckDeadline         time.Duration
	MaxDeliveryAttempts int
	MalformedPolicy     string // drop or deadletter

	// Consumer pool sizing.
	IngestWorkers    int
	EvaluatorWorkers int
	HeartbeatWorkers int
	PullBatchSize    int

	// Registry policy.
	AutoProvision bool
	StaleWindow   time.Duration

	// Thresholds.
	DefaultThresholds  domain.Thresholds
	ThresholdOverrides map[string]domain.Thresholds

	// Kafka egress (optional; empty brokers disables it).
	KafkaBrokers        []string
	KafkaAlertsTopic    string
	KafkaAnalyticsTopic string
	MirrorBuffer        int

	// Mongo stores (optional; empty URI selects in-memory stores).
	MongoURI      string
	MongoDatabase string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	ackDeadline, err := parseDurationEnv("ACK_DEADLINE", 30*time.Second)
	if err != nil {
		return nil, err
	}
	staleWindow, err := parseDurationEnv("STALE_WINDOW", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	maxAttempts, err := parseIntEnv("MAX_DELIVERY_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}

	defaultHigh, err := parseFloatEnv("DEFAULT_HIGH_THRESHOLD", domain.DefaultThresholds.High)
	if err != nil {
		return nil, err
	}
	defaultFlood, err := parseFloatEnv("DEFAULT_FLOOD_THRESHOLD", domain.DefaultThresholds.Flood)
	if err != nil {
		return nil, err
	}

	overrides, err := parseThresholdOverrides(os.Getenv("THRESHOLD_OVERRIDES"))
	if err != nil {
		return nil, err
	}

	ingestWorkers, err := parseIntEnv("INGEST_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	evaluatorWorkers, err := parseIntEnv("EVALUATOR_WORKERS", 2)
	if err != nil {
		return nil, err
	}
	heartbeatWorkers, err := parseIntEnv("HEARTBEAT_WORKERS", 1)
	if err != nil {
		return nil, err
	}
	pullBatch, err := parseIntEnv("PULL_BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}
	mirrorBuffer, err := parseIntEnv("MIRROR_BUFFER", 256)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ReadingsTopic:   envOrDefault("TOPIC_READINGS", "sensor-events"),
		AlertsTopic:     envOrDefault("TOPIC_ALERTS", "riverpulse-alerts"),
		CommandsTopic:   envOrDefault("TOPIC_COMMANDS", "riverpulse-commands"),
		DeadLetterTopic: envOrDefault("TOPIC_DEAD_LETTER", "riverpulse-dead-letter"),

		AckDeadline:         ackDeadline,
		MaxDeliveryAttempts: maxAttempts,
		MalformedPolicy:     envOrDefault("MALFORMED_POLICY", "drop"),

		IngestWorkers:    ingestWorkers,
		EvaluatorWorkers: evaluatorWorkers,
		HeartbeatWorkers: heartbeatWorkers,
		PullBatchSize:    pullBatch,

		AutoProvision: parseBoolEnv("REGISTRY_AUTO_PROVISION", true),
		StaleWindow:   staleWindow,

		DefaultThresholds:  domain.Thresholds{High: defaultHigh, Flood: defaultFlood},
		ThresholdOverrides: overrides,

		KafkaBrokers:        parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaAlertsTopic:    envOrDefault("KAFKA_ALERTS_TOPIC", "riverpulse-alerts"),
		KafkaAnalyticsTopic: envOrDefault("KAFKA_ANALYTICS_TOPIC", "riverpulse-analytics"),
		MirrorBuffer:        mirrorBuffer,

		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: envOrDefault("MONGO_DATABASE", "riverpulse"),

		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}

	if cfg.MalformedPolicy != "drop" && cfg.MalformedPolicy != "deadletter" {
		return nil, fmt.Errorf("invalid MALFORMED_POLICY %q: want drop or deadletter", cfg.MalformedPolicy)
	}
	if cfg.DefaultThresholds.Flood <= cfg.DefaultThresholds.High {
		return nil, errors.New("DEFAULT_FLOOD_THRESHOLD must exceed DEFAULT_HIGH_THRESHOLD")
	}
	for id, th := range cfg.ThresholdOverrides {
		if th.Flood <= th.High {
			return nil, fmt.Errorf("threshold override for %q: flood must exceed high", id)
		}
	}

	return cfg, nil
}

// ThresholdTable builds the runtime threshold table from the configured
// defaults and overrides.
func (c *Config) ThresholdTable() *domain.ThresholdTable {
	t := domain.NewThresholdTable(c.DefaultThresholds)
	for id, th := range c.ThresholdOverrides {
		t.Set(id, th)
	}
	return t
}

// KafkaEnabled reports whether the optional Kafka egress is configured.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// MongoEnabled reports whether the durable Mongo stores are configured.
func (c *Config) MongoEnabled() bool { return c.MongoURI != "" }

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

func parseFloatEnv(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return f, nil
}

func parseBoolEnv(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

// parseThresholdOverrides decodes the THRESHOLD_OVERRIDES JSON map, e.g.
// {"gauge-001":{"high":1500,"flood":2200}}.
func parseThresholdOverrides(raw string) (map[string]domain.Thresholds, error) {
	if raw == "" {
		return nil, nil
	}
	overrides := make(map[string]domain.Thresholds)
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("invalid THRESHOLD_OVERRIDES: %w", err)
	}
	return overrides, nil
}
