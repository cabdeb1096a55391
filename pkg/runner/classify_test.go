package runner

import (
	"strings"
	"testing"

	apperrors "github.com/deckhand-sh/deckhand/pkg/errors"
	"github.com/deckhand-sh/deckhand/pkg/stream"
)

func TestClassifyKnownFailures(t *testing.T) {
	tests := []struct {
		name   string
		detail string
		expect string // substring of the hint
	}{
		{"auth", "Error: Authentication failed for account", "credentials"},
		{"api key", "fatal: no API key configured", "API key"},
		{"rate limit", "429: rate limit exceeded, retry later", "rate limiting"},
		{"quota", "monthly quota exceeded for organization", "quota"},
		{"missing binary", `exec: "claude": executable file not found in $PATH`, "binary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hint, ok := Classify(tt.detail)
			if !ok {
				t.Fatalf("expected classification for %q", tt.detail)
			}
			if !strings.Contains(hint, tt.expect) {
				t.Errorf("hint %q missing %q", hint, tt.expect)
			}
		})
	}
}

func TestClassifyUnknownFailure(t *testing.T) {
	if _, ok := Classify("segmentation fault (core dumped)"); ok {
		t.Error("unknown failure should not classify")
	}
}

func TestFailureMessageFallsBackWithTruncation(t *testing.T) {
	long := strings.Repeat("x", 2000)
	msg := FailureMessage(long)
	if len(msg) > maxFailureDetail+64 {
		t.Errorf("message not truncated: %d bytes", len(msg))
	}
	if !strings.Contains(msg, "The command failed") {
		t.Errorf("unexpected generic message: %q", msg)
	}
}

func TestFailureMessagePrefersHint(t *testing.T) {
	msg := FailureMessage("request rejected: rate limit hit")
	if strings.Contains(msg, "request rejected") {
		t.Errorf("classified failure should show the hint, not raw detail: %q", msg)
	}
}

func TestFailureMessageEmptyDetail(t *testing.T) {
	if msg := FailureMessage("  "); msg == "" {
		t.Error("expected non-empty message for empty detail")
	}
}

func TestFailureCode(t *testing.T) {
	tests := []struct {
		name    string
		detail  string
		started bool
		expect  apperrors.ErrorCode
	}{
		{"spawn error", `exec: "claude": executable file not found in $PATH`, false, apperrors.ErrCodeLaunchFailure},
		{"classified after launch", "401 unauthorized: bad token", true, apperrors.ErrCodeConfigFailure},
		{"unclassified after launch", "segmentation fault (core dumped)", true, apperrors.ErrCodeRuntimeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureCode(tt.detail, tt.started); got != tt.expect {
				t.Errorf("FailureCode(%q, %t) = %s, want %s", tt.detail, tt.started, got, tt.expect)
			}
		})
	}
}

func TestFailureEventCarriesCodeAndMessage(t *testing.T) {
	ev := FailureEvent("request rejected: rate limit hit", true)
	if ev.Type != stream.EventError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
	if ev.ErrorCode != string(apperrors.ErrCodeConfigFailure) {
		t.Errorf("errorCode = %q, want %s", ev.ErrorCode, apperrors.ErrCodeConfigFailure)
	}
	if !strings.Contains(ev.Message, "rate limiting") {
		t.Errorf("message %q should carry the classified hint", ev.Message)
	}
	if !ev.Terminal() {
		t.Error("failure event must be terminal")
	}
}
