package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestNormalizeList(t *testing.T) {
	got := normalizeList([]string{"x, y", " ", "z"})
	if len(got) != 3 || got[0] != "x" || got[1] != "y" || got[2] != "z" {
		t.Fatalf("unexpected values: %#v", got)
	}
	if normalizeList([]string{" "}) != nil {
		t.Fatalf("expected nil for blank list")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("posts", 8081)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.ServiceName != "posts" || cfg.HTTPPort != 8081 {
		t.Fatalf("unexpected service/port: %s %d", cfg.ServiceName, cfg.HTTPPort)
	}
	if cfg.BrokerExchange != "post_exchange" || cfg.BrokerKind != BrokerAMQP {
		t.Fatalf("unexpected broker defaults: %s %s", cfg.BrokerKind, cfg.BrokerExchange)
	}
	if cfg.CacheRecordTTLSec != 3600 || cfg.CacheCollectionTTLSec != 300 {
		t.Fatalf("unexpected cache ttls: %d %d", cfg.CacheRecordTTLSec, cfg.CacheCollectionTTLSec)
	}
	if cfg.ConsumerRetryMax != 5 || cfg.DeadLetterPrefix != "dead." {
		t.Fatalf("unexpected consumer defaults: %d %q", cfg.ConsumerRetryMax, cfg.DeadLetterPrefix)
	}
	if cfg.RequestTimeout.Milliseconds() != 30000 {
		t.Fatalf("unexpected request timeout: %s", cfg.RequestTimeout)
	}
}

func TestLoadCORSOrigins(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	cfg, problems := Load("posts", 8081)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %#v", cfg.CORSOrigins)
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", "")
	_, problems := Load("posts", 8081)
	if !hasProblem(problems, "ENV") {
		t.Fatalf("expected ENV problem, got %#v", problems)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	body := `{"ENV":"staging","RABBITMQ_URL":"amqp://file","KAFKA_BROKERS":"k1:9092, k2:9092","CONSUMER_RETRY_MAX":3}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("RABBITMQ_URL", "amqp://env")

	cfg, problems := Load("search", 8082)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.Env != "staging" {
		t.Fatalf("expected env from file, got %q", cfg.Env)
	}
	if cfg.RabbitMQURL != "amqp://env" {
		t.Fatalf("expected env to win, got %q", cfg.RabbitMQURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
	if cfg.ConsumerRetryMax != 3 {
		t.Fatalf("expected retry max 3, got %d", cfg.ConsumerRetryMax)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	_, problems := Load("posts", 8081)
	if !hasProblem(problems, "CONFIG_PATH") {
		t.Fatalf("expected CONFIG_PATH problem, got %#v", problems)
	}
}

func TestLoadClampsInvalidValues(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("BROKER_KIND", "nats")
	t.Setenv("CACHE_RECORD_TTL_SECONDS", "0")
	t.Setenv("CONSUMER_RETRY_MAX", "-1")

	cfg, problems := Load("posts", 8081)
	for _, field := range []string{"BROKER_KIND", "CACHE_RECORD_TTL_SECONDS", "CONSUMER_RETRY_MAX"} {
		if !hasProblem(problems, field) {
			t.Fatalf("expected %s problem, got %#v", field, problems)
		}
	}
	if cfg.BrokerKind != BrokerAMQP || cfg.CacheRecordTTLSec != 3600 || cfg.ConsumerRetryMax != 5 {
		t.Fatalf("values not clamped: %s %d %d", cfg.BrokerKind, cfg.CacheRecordTTLSec, cfg.ConsumerRetryMax)
	}
}

func TestRequireBroker(t *testing.T) {
	cfg := defaults("posts", 8081)
	if len(cfg.RequireBroker()) != 1 {
		t.Fatalf("expected missing RABBITMQ_URL")
	}
	cfg.BrokerKind = BrokerKafka
	cfg.KafkaBrokers = []string{"k:9092"}
	if len(cfg.RequireBroker()) != 0 {
		t.Fatalf("expected kafka config to satisfy broker requirement")
	}
}

func hasProblem(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}
