// Package config loads orchestrator settings from the environment.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ordersaga/internal/reliability"
)

// DatabaseConfig selects the saga store. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL string
}

// KafkaConfig holds broker and consumer group settings.
type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
	MaxWait      time.Duration
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StateTTL           time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// ReliabilityConfig holds the consumer retry policy and the relay guard.
type ReliabilityConfig struct {
	Consumer reliability.RetryPolicy
	Relay    reliability.Config
}

// SweepConfig configures one scheduled sweep.
type SweepConfig struct {
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
}

// GRPCConfig holds the health server address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// HTTPConfig holds the address of the admin and observability server.
// FeedWriteTimeout bounds each frame written to a websocket viewer.
type HTTPConfig struct {
	Addr             string
	FeedWriteTimeout time.Duration
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

// Config is everything the orchestrator reads at startup.
type Config struct {
	Env         string
	LogLevel    string
	Database    DatabaseConfig
	Kafka       KafkaConfig
	Redis       *RedisConfig
	Reliability ReliabilityConfig
	Recovery    SweepConfig
	Relay       SweepConfig
	GRPC        GRPCConfig
	HTTP        HTTPConfig
	Telemetry   TelemetryConfig

	// NotifyTimeout bounds how long a transition waits on the state change sinks.
	NotifyTimeout time.Duration
}

// Load reads every section. Redis is nil unless REDIS_URL is set.
func Load() (Config, error) {
	cfg := Config{
		Env:      strings.TrimSpace(os.Getenv("APP_ENV")),
		LogLevel: stringOr("LOG_LEVEL", "info"),
		Database: LoadDatabase(),
	}
	var err error
	if cfg.Kafka, err = LoadKafka(); err != nil {
		return cfg, err
	}
	if RedisConfigured() {
		redisCfg, err := LoadRedis()
		if err != nil {
			return cfg, err
		}
		cfg.Redis = &redisCfg
	}
	if cfg.Reliability, err = LoadReliability(); err != nil {
		return cfg, err
	}
	if cfg.Recovery, err = LoadRecovery(); err != nil {
		return cfg, err
	}
	if cfg.Relay, err = LoadRelay(); err != nil {
		return cfg, err
	}
	if cfg.GRPC, err = LoadGRPC(); err != nil {
		return cfg, err
	}
	if cfg.HTTP, err = LoadHTTP(); err != nil {
		return cfg, err
	}
	if cfg.Telemetry, err = LoadTelemetry(); err != nil {
		return cfg, err
	}
	if cfg.NotifyTimeout, err = durationOr("SAGA_NOTIFY_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDatabase reads DATABASE_URL.
func LoadDatabase() DatabaseConfig {
	return DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
}

// LoadKafka reads broker settings. KAFKA_BROKERS is a comma separated list.
func LoadKafka() (KafkaConfig, error) {
	raw, err := requiredString("KAFKA_BROKERS")
	if err != nil {
		return KafkaConfig{}, err
	}
	cfg := KafkaConfig{GroupID: strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID"))}
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}
	if len(cfg.Brokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS contains no brokers")
	}
	if cfg.WriteTimeout, err = durationOr("KAFKA_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BatchTimeout, err = durationOr("KAFKA_BATCH_TIMEOUT", 10*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.MaxWait, err = durationOr("KAFKA_MAX_WAIT", time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RedisConfigured reports whether the Redis state sink is enabled.
func RedisConfigured() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Stream: strings.TrimSpace(os.Getenv("REDIS_STREAM")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.StateTTL, err = requiredDuration("REDIS_STATE_TTL"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = requiredInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadReliability reads the consumer retry policy (SAGA_RETRY_*) and the relay guard (RELAY_*).
func LoadReliability() (ReliabilityConfig, error) {
	var cfg ReliabilityConfig
	var err error

	if cfg.Consumer.MaxAttempts, err = intOr("SAGA_RETRY_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.Consumer.BaseDelay, err = durationOr("SAGA_RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.Consumer.MaxDelay, err = durationOr("SAGA_RETRY_MAX_DELAY", 5*time.Second); err != nil {
		return cfg, err
	}

	if cfg.Relay.RetryMaxAttempts, err = intOr("RELAY_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.Relay.RetryBaseDelay, err = durationOr("RELAY_RETRY_BASE_DELAY", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.Relay.RetryMaxDelay, err = durationOr("RELAY_RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Relay.BreakerMaxFailures, err = intOr("RELAY_BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.Relay.BreakerResetTimeout, err = durationOr("RELAY_BREAKER_RESET_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Relay.RateLimitInterval, err = durationOr("RELAY_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.Relay.RateLimitBurst, err = intOr("RELAY_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadRecovery reads the stalled saga sweep settings.
func LoadRecovery() (SweepConfig, error) {
	return loadSweep("RECOVERY", "@every 1m", 5*time.Minute)
}

// LoadRelay reads the outbox relay sweep settings.
func LoadRelay() (SweepConfig, error) {
	return loadSweep("RELAY", "@every 30s", time.Minute)
}

func loadSweep(prefix, schedule string, staleAfter time.Duration) (SweepConfig, error) {
	cfg := SweepConfig{Schedule: stringOr(prefix+"_SCHEDULE", schedule)}
	var err error
	if cfg.StaleAfter, err = durationOr(prefix+"_STALE_AFTER", staleAfter); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = intOr(prefix+"_BATCH_SIZE", 100); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGRPC reads the health server address and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = durationOr("GRPC_RATE_LIMIT_INTERVAL", 0); err != nil {
		return GRPCConfig{}, err
	}
	if cfg.RateLimitBurst, err = intOr("GRPC_RATE_LIMIT_BURST", 0); err != nil {
		return GRPCConfig{}, err
	}
	return cfg, nil
}

// LoadHTTP reads the admin server settings from env.
func LoadHTTP() (HTTPConfig, error) {
	cfg := HTTPConfig{Addr: stringOr("HTTP_ADDR", ":8080")}
	var err error
	if cfg.FeedWriteTimeout, err = durationOr("HTTP_FEED_WRITE_TIMEOUT", 5*time.Second); err != nil {
		return HTTPConfig{}, err
	}
	return cfg, nil
}

// LoadTelemetry reads OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_SAMPLE_RATE.
func LoadTelemetry() (TelemetryConfig, error) {
	cfg := TelemetryConfig{Endpoint: stringOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")}
	var err error
	if cfg.Enabled, err = optionalBool("OTEL_ENABLED"); err != nil {
		return TelemetryConfig{}, err
	}
	if cfg.SampleRate, err = floatOr("OTEL_SAMPLE_RATE", 1); err != nil {
		return TelemetryConfig{}, err
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return TelemetryConfig{}, errors.New("OTEL_SAMPLE_RATE must be between 0 and 1")
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func floatOr(name string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
