package logx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestServiceFileSinkRedactsAndFollowsApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, root := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	svc.Redact("https://discord.com/api/webhooks/1/verysecret")

	log := root.With(String("comp", "test"))
	log.Debug("hidden at info")
	log.Info("posting", String("url", "https://discord.com/api/webhooks/1/verysecret"), Duration("took", 1500*time.Millisecond))
	log.Error("failed", Err(errors.New("boom")), Err(nil))

	svc.Apply(Config{Level: "warning", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped after apply")
	log.Warn("kept after apply", Int("n", 3))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"comp":"test"`, `"took":"1.5s"`, `"err":"boom"`, "webhooks/1/***", "kept after apply", "logger_test.go:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
	for _, bad := range []string{"verysecret", "hidden at info", "dropped after apply"} {
		if strings.Contains(out, bad) {
			t.Fatalf("log unexpectedly contains %q:\n%s", bad, out)
		}
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero Logger should report IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatalf("Nop should not report IsZero")
	}
	if zero.With(String("k", "v")).IsZero() {
		t.Fatalf("Logger with fields should not report IsZero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":        "info",
		"DEBUG":   "debug",
		"warning": "warn",
		" error ": "error",
		"bogus":   "info",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
