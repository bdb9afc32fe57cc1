package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNew_LevelFallback(t *testing.T) {
	l := New("svc", "not-a-level", "json")
	if l.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", l.GetLevel())
	}
	if l.Service() != "svc" {
		t.Errorf("service = %q, want svc", l.Service())
	}
}

func TestWithContext_AddsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	l := New("ledger", "debug", "json")
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "tz1caller")
	l.WithContext(ctx).Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["trace_id"] != "trace-1" {
		t.Errorf("trace_id = %v", line["trace_id"])
	}
	if line["caller"] != "tz1caller" {
		t.Errorf("caller = %v", line["caller"])
	}
	if line["service"] != "ledger" {
		t.Errorf("service = %v", line["service"])
	}
}

func TestLogRequest_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	l := New("ledger", "debug", "json")
	l.SetOutput(&buf)

	l.LogRequest(context.Background(), http.MethodPost, "/v1/instructions", http.StatusConflict, 5*time.Millisecond)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["level"] != "warning" {
		t.Errorf("level = %v, want warning", line["level"])
	}
	if line["status"] != float64(http.StatusConflict) {
		t.Errorf("status = %v", line["status"])
	}
}

func TestTraceIDHelpers(t *testing.T) {
	if GetTraceID(context.Background()) != "" {
		t.Error("empty context should carry no trace id")
	}
	id := NewTraceID()
	if id == "" || id == NewTraceID() {
		t.Error("NewTraceID should return unique non-empty ids")
	}
}
