package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerWritesEventAndMsg(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "posts", "test", "1.2.3", "info")
	l.Info(context.Background(), "post_created", "post created", slog.String("post_id", "p1"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["event"] != "post_created" || line["msg"] != "post created" {
		t.Fatalf("unexpected event/msg: %#v", line)
	}
	if line["service"] != "posts" || line["version"] != "1.2.3" || line["post_id"] != "p1" {
		t.Fatalf("missing attrs: %#v", line)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "posts", "test", "", "warn")
	l.Info(context.Background(), "ignored", "ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	l.With(slog.String("consumer", "search")).Warn(context.Background(), "kept", "kept")
	if !bytes.Contains(buf.Bytes(), []byte(`"consumer":"search"`)) {
		t.Fatalf("expected With attrs, got %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	l.Error(context.Background(), "noop", "noop")
	Nop().Info(context.Background(), "noop", "noop")
}
