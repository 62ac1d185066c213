package influxx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"content-sharing-platform/shared/config"
)

func TestEnabledRequiresAllSettings(t *testing.T) {
	cfg := config.Config{InfluxURL: "http://influx:8086", InfluxToken: "t", InfluxOrg: "o"}
	if Enabled(cfg) {
		t.Fatalf("expected disabled without bucket")
	}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error without bucket")
	}
	cfg.InfluxBucket = "b"
	if !Enabled(cfg) {
		t.Fatalf("expected enabled")
	}
}

func TestNewPointLineProtocol(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	p := NewPoint(MeasurementProjectionApply,
		map[string]string{"consumer": "search", "result": "ok"},
		map[string]any{"duration_ms": 12.5},
		ts,
	)
	line := write.PointToLineProtocol(p, time.Second)
	if !strings.HasPrefix(line, "projection_apply,consumer=search,result=ok duration_ms=12.5") {
		t.Fatalf("unexpected line protocol: %s", line)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	if err := c.WritePoint(context.Background(), "m", nil, map[string]any{"v": 1}, time.Time{}); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if c.Ping(context.Background()) {
		t.Fatalf("nil client must not be ready")
	}
	c.Close()
}
