package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestMask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{in: "", want: ""},
		{in: "short", want: "***"},
		{in: "abcdefghijkl", want: "abcd***"},
		{in: "https://discord.com/api/webhooks/123/tok3n", want: "https://discord.com/api/webhooks/123/***"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Fatalf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactWriterScrubsSecrets(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	set := &secretSet{}
	set.add("https://discord.com/api/webhooks/123/supersecret", "bot-token-value")
	w := &redactWriter{next: &buf, secrets: set}

	line := `{"msg":"posting","url":"https://discord.com/api/webhooks/123/supersecret","auth":"bot-token-value"}`
	n, err := w.Write([]byte(line))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len(line) {
		t.Fatalf("Write n = %d, want %d", n, len(line))
	}
	out := buf.String()
	if strings.Contains(out, "supersecret") || strings.Contains(out, "bot-token-value") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "webhooks/123/***") {
		t.Fatalf("expected masked webhook, got %s", out)
	}
}
