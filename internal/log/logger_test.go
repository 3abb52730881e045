package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSONFormatTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: "json", Component: ComponentLedger, Output: &buf})

	logger.Info("Transaction recorded", FieldOwnerID, "alice")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec[FieldComponent] != ComponentLedger || rec[FieldOwnerID] != "alice" {
		t.Errorf("record = %v, want component and owner", rec)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "text", Output: &buf}).WithComponent(ComponentWorker)
	logger.Warn("sweep slow")

	if !strings.Contains(buf.String(), "component=worker") {
		t.Errorf("output %q missing component=worker", buf.String())
	}
	if strings.Count(buf.String(), "component=") != 1 {
		t.Errorf("output %q repeats the component", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()).Component() != "unknown" {
		t.Error("FromContext() without logger should return the fallback")
	}
	logger := New(DefaultConfig())
	if FromContext(NewContext(context.Background(), logger)) != logger {
		t.Error("FromContext() did not return the stored logger")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "text", Output: &buf})

	handler := Middleware(base)(RequestIDMiddleware(func(*http.Request) string { return "req-1" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			FromContext(r.Context()).InfoContext(r.Context(), "inside")
		})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/summary", nil))

	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("output %q missing request id", buf.String())
	}
}

func TestLogFields(t *testing.T) {
	f := NewFields().
		WithOwner("").
		WithRequestID("").
		WithError(nil).
		WithOperation(OpRecord).
		WithError(errors.New("boom"))
	if _, ok := f[FieldOwnerID]; ok {
		t.Error("empty owner should be skipped")
	}
	if f[FieldError] != "boom" || f[FieldOperation] != OpRecord {
		t.Errorf("fields = %v", f)
	}
	if len(f.ToSlice()) != 2*len(f) {
		t.Errorf("ToSlice() length = %d, want %d", len(f.ToSlice()), 2*len(f))
	}
}
