package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BrokerAMQP  = "amqp"
	BrokerKafka = "kafka"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Config is shared by every binary. File keys and environment variable names
// are identical; the environment wins.
type Config struct {
	Env              string        `json:"ENV" env:"ENV"`
	ServiceName      string        `json:"SERVICE_NAME" env:"SERVICE_NAME"`
	HTTPPort         int           `json:"HTTP_PORT" env:"HTTP_PORT"`
	LogLevel         string        `json:"LOG_LEVEL" env:"LOG_LEVEL"`
	ConfigPath       string        `json:"-" env:"CONFIG_PATH"`
	RequestTimeoutMS int           `json:"REQUEST_TIMEOUT_MS" env:"REQUEST_TIMEOUT_MS"`
	RequestTimeout   time.Duration `json:"-" env:"-"`
	CORSOrigins      []string      `json:"CORS_ALLOWED_ORIGINS" env:"CORS_ALLOWED_ORIGINS"`

	DatabaseURL      string `json:"DATABASE_URL" env:"DATABASE_URL"`
	DBMaxConns       int    `json:"DB_MAX_CONNS" env:"DB_MAX_CONNS"`
	DBMinConns       int    `json:"DB_MIN_CONNS" env:"DB_MIN_CONNS"`
	DBConnMaxIdleSec int    `json:"DB_CONN_MAX_IDLE_SECONDS" env:"DB_CONN_MAX_IDLE_SECONDS"`
	DBConnMaxLifeSec int    `json:"DB_CONN_MAX_LIFETIME_SECONDS" env:"DB_CONN_MAX_LIFETIME_SECONDS"`
	DBMigrate        bool   `json:"DB_MIGRATE" env:"DB_MIGRATE"`

	BrokerKind     string `json:"BROKER_KIND" env:"BROKER_KIND"`
	RabbitMQURL    string `json:"RABBITMQ_URL" env:"RABBITMQ_URL"`
	BrokerExchange string `json:"BROKER_EXCHANGE" env:"BROKER_EXCHANGE"`
	BrokerPrefetch int    `json:"BROKER_PREFETCH" env:"BROKER_PREFETCH"`

	KafkaBrokers  []string `json:"KAFKA_BROKERS" env:"KAFKA_BROKERS"`
	KafkaClientID string   `json:"KAFKA_CLIENT_ID" env:"KAFKA_CLIENT_ID"`
	KafkaRetryMax int      `json:"KAFKA_RETRY_MAX" env:"KAFKA_RETRY_MAX"`
	KafkaWriteMS  int      `json:"KAFKA_WRITE_TIMEOUT_MS" env:"KAFKA_WRITE_TIMEOUT_MS"`

	RedisAddr     string `json:"REDIS_ADDR" env:"REDIS_ADDR"`
	RedisPassword string `json:"REDIS_PASSWORD" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"REDIS_DB" env:"REDIS_DB"`

	CacheRecordTTLSec     int `json:"CACHE_RECORD_TTL_SECONDS" env:"CACHE_RECORD_TTL_SECONDS"`
	CacheCollectionTTLSec int `json:"CACHE_COLLECTION_TTL_SECONDS" env:"CACHE_COLLECTION_TTL_SECONDS"`

	ConsumerRetryMax    int    `json:"CONSUMER_RETRY_MAX" env:"CONSUMER_RETRY_MAX"`
	ConsumerRetryBaseMS int    `json:"CONSUMER_RETRY_BASE_MS" env:"CONSUMER_RETRY_BASE_MS"`
	DeadLetterPrefix    string `json:"DEAD_LETTER_PREFIX" env:"DEAD_LETTER_PREFIX"`

	OutboxEnabled     bool   `json:"OUTBOX_ENABLED" env:"OUTBOX_ENABLED"`
	OutboxScanSec     int    `json:"OUTBOX_SCAN_INTERVAL_SECONDS" env:"OUTBOX_SCAN_INTERVAL_SECONDS"`
	OutboxBatchSize   int    `json:"OUTBOX_BATCH_SIZE" env:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts int    `json:"OUTBOX_MAX_ATTEMPTS" env:"OUTBOX_MAX_ATTEMPTS"`
	AsynqRedisAddr    string `json:"ASYNQ_REDIS_ADDR" env:"ASYNQ_REDIS_ADDR"`
	AsynqRedisPass    string `json:"ASYNQ_REDIS_PASSWORD" env:"ASYNQ_REDIS_PASSWORD"`
	AsynqRedisDB      int    `json:"ASYNQ_REDIS_DB" env:"ASYNQ_REDIS_DB"`
	AsynqQueue        string `json:"ASYNQ_QUEUE" env:"ASYNQ_QUEUE"`
	AsynqConcurrency  int    `json:"ASYNQ_CONCURRENCY" env:"ASYNQ_CONCURRENCY"`

	BlobStoreURL   string `json:"BLOB_STORE_URL" env:"BLOB_STORE_URL"`
	BlobStoreToken string `json:"BLOB_STORE_TOKEN" env:"BLOB_STORE_TOKEN"`
	BlobTimeoutMS  int    `json:"BLOB_TIMEOUT_MS" env:"BLOB_TIMEOUT_MS"`
	BlobRetryMax   int    `json:"BLOB_RETRY_MAX" env:"BLOB_RETRY_MAX"`

	JWTSecret            string `json:"JWT_SECRET" env:"JWT_SECRET"`
	OIDCIssuer           string `json:"OIDC_ISSUER" env:"OIDC_ISSUER"`
	OIDCAudience         string `json:"OIDC_AUDIENCE" env:"OIDC_AUDIENCE"`
	OIDCJWKSURL          string `json:"OIDC_JWKS_URL" env:"OIDC_JWKS_URL"`
	JWKSTTLSeconds       int    `json:"JWKS_CACHE_TTL_SECONDS" env:"JWKS_CACHE_TTL_SECONDS"`
	JWTClockSkewSec      int    `json:"JWT_CLOCK_SKEW_SECONDS" env:"JWT_CLOCK_SKEW_SECONDS"`
	TrustGatewayIdentity bool   `json:"TRUST_GATEWAY_IDENTITY" env:"TRUST_GATEWAY_IDENTITY"`

	InfluxURL       string `json:"INFLUX_URL" env:"INFLUX_URL"`
	InfluxToken     string `json:"INFLUX_TOKEN" env:"INFLUX_TOKEN"`
	InfluxOrg       string `json:"INFLUX_ORG" env:"INFLUX_ORG"`
	InfluxBucket    string `json:"INFLUX_BUCKET" env:"INFLUX_BUCKET"`
	InfluxTimeoutMS int    `json:"INFLUX_TIMEOUT_MS" env:"INFLUX_TIMEOUT_MS"`

	OtelEnabled     bool    `json:"OTEL_ENABLED" env:"OTEL_ENABLED"`
	OtelEndpoint    string  `json:"OTEL_EXPORTER_OTLP_ENDPOINT" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelInsecure    bool    `json:"OTEL_EXPORTER_OTLP_INSECURE" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	OtelSampleRatio float64 `json:"OTEL_SAMPLE_RATIO" env:"OTEL_SAMPLE_RATIO"`
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:           serviceName,
		HTTPPort:              httpPort,
		LogLevel:              "info",
		RequestTimeoutMS:      30000,
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		DBMigrate:             true,
		BrokerKind:            BrokerAMQP,
		BrokerExchange:        "post_exchange",
		BrokerPrefetch:        1,
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		CacheRecordTTLSec:     3600,
		CacheCollectionTTLSec: 300,
		ConsumerRetryMax:      5,
		ConsumerRetryBaseMS:   200,
		DeadLetterPrefix:      "dead.",
		OutboxScanSec:         5,
		OutboxBatchSize:       50,
		OutboxMaxAttempts:     20,
		AsynqQueue:            "default",
		AsynqConcurrency:      10,
		BlobTimeoutMS:         5000,
		BlobRetryMax:          2,
		JWKSTTLSeconds:        300,
		JWTClockSkewSec:       60,
		InfluxTimeoutMS:       5000,
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := defaults(serviceNameDefault, httpPortDefault)
	problems := make([]Problem, 0, 4)

	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	explicitPath := strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	path := explicitPath
	if path == "" && envRaw != "" {
		if root, ok := findRepoRoot(); ok {
			path = filepath.Join(root, "configs", envRaw+".json")
		}
	}
	envProvided := envRaw != ""

	if path != "" {
		fileProblems, fileEnv := loadConfigFile(&cfg, path, explicitPath != "")
		problems = append(problems, fileProblems...)
		if fileEnv != "" {
			envProvided = true
		}
	}
	cfg.ConfigPath = path

	if err := env.Parse(&cfg); err != nil {
		problems = append(problems, Problem{Field: "ENV", Message: fmt.Sprintf("invalid environment: %v", err)})
	}
	if strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
			if p, err := strconv.Atoi(raw); err == nil {
				cfg.HTTPPort = p
			} else {
				problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			}
		}
	}
	cfg.KafkaBrokers = normalizeList(cfg.KafkaBrokers)
	cfg.CORSOrigins = normalizeList(cfg.CORSOrigins)
	cfg.BrokerKind = strings.ToLower(strings.TrimSpace(cfg.BrokerKind))

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	problems = append(problems, validate(&cfg, httpPortDefault)...)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

// RequireBroker reports the settings a binary that talks to the broker needs.
func (c Config) RequireBroker() []Problem {
	switch c.BrokerKind {
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 {
			return []Problem{{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"}}
		}
	default:
		if c.RabbitMQURL == "" {
			return []Problem{{Field: "RABBITMQ_URL", Message: "RABBITMQ_URL is required"}}
		}
	}
	return nil
}

func (c Config) RecordTTL() time.Duration {
	return time.Duration(c.CacheRecordTTLSec) * time.Second
}

func (c Config) CollectionTTL() time.Duration {
	return time.Duration(c.CacheCollectionTTLSec) * time.Second
}

func validate(cfg *Config, httpPortDefault int) []Problem {
	var problems []Problem
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.BrokerKind != BrokerAMQP && cfg.BrokerKind != BrokerKafka {
		problems = append(problems, Problem{Field: "BROKER_KIND", Message: "BROKER_KIND must be amqp or kafka"})
		cfg.BrokerKind = BrokerAMQP
	}
	if strings.TrimSpace(cfg.BrokerExchange) == "" {
		problems = append(problems, Problem{Field: "BROKER_EXCHANGE", Message: "BROKER_EXCHANGE must not be empty"})
		cfg.BrokerExchange = "post_exchange"
	}
	if cfg.BrokerPrefetch <= 0 {
		problems = append(problems, Problem{Field: "BROKER_PREFETCH", Message: "BROKER_PREFETCH must be > 0"})
		cfg.BrokerPrefetch = 1
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.CacheRecordTTLSec <= 0 {
		problems = append(problems, Problem{Field: "CACHE_RECORD_TTL_SECONDS", Message: "CACHE_RECORD_TTL_SECONDS must be > 0"})
		cfg.CacheRecordTTLSec = 3600
	}
	if cfg.CacheCollectionTTLSec <= 0 {
		problems = append(problems, Problem{Field: "CACHE_COLLECTION_TTL_SECONDS", Message: "CACHE_COLLECTION_TTL_SECONDS must be > 0"})
		cfg.CacheCollectionTTLSec = 300
	}
	if cfg.ConsumerRetryMax < 0 {
		problems = append(problems, Problem{Field: "CONSUMER_RETRY_MAX", Message: "CONSUMER_RETRY_MAX must be >= 0"})
		cfg.ConsumerRetryMax = 5
	}
	if cfg.ConsumerRetryBaseMS <= 0 {
		problems = append(problems, Problem{Field: "CONSUMER_RETRY_BASE_MS", Message: "CONSUMER_RETRY_BASE_MS must be > 0"})
		cfg.ConsumerRetryBaseMS = 200
	}
	if strings.TrimSpace(cfg.DeadLetterPrefix) == "" {
		problems = append(problems, Problem{Field: "DEAD_LETTER_PREFIX", Message: "DEAD_LETTER_PREFIX must not be empty"})
		cfg.DeadLetterPrefix = "dead."
	}
	if cfg.OutboxScanSec <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_SCAN_INTERVAL_SECONDS", Message: "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BATCH_SIZE", Message: "OUTBOX_BATCH_SIZE must be > 0"})
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_MAX_ATTEMPTS", Message: "OUTBOX_MAX_ATTEMPTS must be > 0"})
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.BlobTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "BLOB_TIMEOUT_MS", Message: "BLOB_TIMEOUT_MS must be > 0"})
		cfg.BlobTimeoutMS = 5000
	}
	if cfg.BlobRetryMax < 0 {
		problems = append(problems, Problem{Field: "BLOB_RETRY_MAX", Message: "BLOB_RETRY_MAX must be >= 0"})
		cfg.BlobRetryMax = 2
	}
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	return problems
}

func findRepoRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// loadConfigFile overlays the JSON file at path onto cfg and returns the ENV
// value the file declared, if any.
func loadConfigFile(cfg *Config, path string, explicit bool) ([]Problem, string) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit {
			return nil, ""
		}
		if errors.Is(err, os.ErrNotExist) {
			return []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, ""
		}
		return []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, ""
	}

	var probe struct {
		Env          string          `json:"ENV"`
		KafkaBrokers json.RawMessage `json:"KAFKA_BROKERS"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, ""
	}

	// KAFKA_BROKERS may be a CSV string or a JSON array in files.
	var brokers []string
	if len(probe.KafkaBrokers) > 0 {
		var csv string
		if err := json.Unmarshal(probe.KafkaBrokers, &csv); err == nil {
			brokers = parseCSV(csv)
		} else if err := json.Unmarshal(probe.KafkaBrokers, &brokers); err != nil {
			return []Problem{{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS must be a string or array"}}, ""
		}
		b = stripKey(b, "KAFKA_BROKERS")
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(cfg); err != nil {
		return []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid config file: %v", err)}}, ""
	}
	if brokers != nil {
		cfg.KafkaBrokers = brokers
	}
	return nil, strings.TrimSpace(probe.Env)
}

func stripKey(raw []byte, key string) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	for k := range m {
		if strings.EqualFold(k, key) {
			delete(m, k)
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		out = append(out, parseCSV(item)...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
