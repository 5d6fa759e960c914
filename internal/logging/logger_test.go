package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"INFO", InfoLevel, true},
		{"", InfoLevel, true},
		{"warn", WarnLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"bogus", InfoLevel, false},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.raw)
		if got != tc.want {
			t.Errorf("ParseLevel(%q) level = %v, want %v", tc.raw, got, tc.want)
		}
		if (err == nil) != tc.ok {
			t.Errorf("ParseLevel(%q) err = %v, want ok=%v", tc.raw, err, tc.ok)
		}
	}
}

func TestLogFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WarnLevel)
	l.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below the configured level, got %q", buf.String())
	}
	l.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatal("expected output at or above the configured level")
	}
}

func TestLogEmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DebugLevel)
	l.Error("boom", String("stream", "s1"), Int("partition", 2), Err(errors.New("oops")))

	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if decoded["message"] != "boom" {
		t.Fatalf("message = %v", decoded["message"])
	}
	if decoded["level"] != "error" {
		t.Fatalf("level = %v", decoded["level"])
	}
	if decoded["stream"] != "s1" {
		t.Fatalf("stream = %v", decoded["stream"])
	}
	if decoded["partition"].(float64) != 2 {
		t.Fatalf("partition = %v", decoded["partition"])
	}
	if decoded["component"] != "substream-client" {
		t.Fatalf("component = %v", decoded["component"])
	}
}

func TestWithComposesFieldsWithoutMutatingParent(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, DebugLevel)
	child := base.With(String("stream", "s1"))
	child.Info("hi")

	var decoded map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["stream"] != "s1" {
		t.Fatalf("expected child field to be present, got %v", decoded)
	}

	buf.Reset()
	base.Info("again")
	var decoded2 map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := decoded2["stream"]; present {
		t.Fatal("expected the parent logger to be unaffected by a child's additional fields")
	}
}

func TestContextWithLoggerRoundTrips(t *testing.T) {
	l := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("expected FromContext to return the stored logger")
	}
	if FromContext(context.Background()) == l {
		t.Fatal("expected a context without a stored logger to fall back to the global logger")
	}
}
