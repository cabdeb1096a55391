package runner

import (
	"strings"

	apperrors "github.com/deckhand-sh/deckhand/pkg/errors"
	"github.com/deckhand-sh/deckhand/pkg/stream"
)

// classifyRule maps a failure-output substring to an actionable hint.
// Classification is heuristic: it shapes the user-facing message only and
// never influences control flow.
type classifyRule struct {
	substring string
	hint      string
}

var classifyRules = []classifyRule{
	{"authentication", "Assistant authentication failed. Check that your API credentials are configured and not expired."},
	{"api key", "No assistant API key found. Set the key in your environment or assistant config before retrying."},
	{"unauthorized", "The assistant rejected your credentials. Re-authenticate and try again."},
	{"rate limit", "The assistant is rate limiting requests. Wait a minute before retrying."},
	{"too many requests", "The assistant is rate limiting requests. Wait a minute before retrying."},
	{"quota", "Your assistant usage quota is exhausted. Check your plan limits or billing."},
	{"executable file not found", "The assistant binary was not found. Install it or point assistant.binary at the right path."},
	{"no such file", "The assistant binary was not found. Install it or point assistant.binary at the right path."},
}

// Classify matches failure output against the known hint table.
func Classify(detail string) (string, bool) {
	lowered := strings.ToLower(detail)
	for _, rule := range classifyRules {
		if strings.Contains(lowered, rule.substring) {
			return rule.hint, true
		}
	}
	return "", false
}

const maxFailureDetail = 400

// FailureMessage renders a user-facing message for a subprocess failure:
// the matched hint when classification succeeds, otherwise a generic
// message with truncated diagnostic detail.
func FailureMessage(detail string) string {
	detail = strings.TrimSpace(detail)
	if hint, ok := Classify(detail); ok {
		return hint
	}
	if detail == "" {
		return "The command failed without diagnostic output."
	}
	if len(detail) > maxFailureDetail {
		detail = detail[:maxFailureDetail] + "…"
	}
	return "The command failed: " + detail
}

// FailureCode places a subprocess failure in the adapter taxonomy. Spawn
// errors are launch failures; faults after launch are configuration
// failures when the hint table recognizes them (credentials, quota, rate
// limits), runtime failures otherwise.
func FailureCode(detail string, started bool) apperrors.ErrorCode {
	if !started {
		return apperrors.ErrCodeLaunchFailure
	}
	if _, ok := Classify(detail); ok {
		return apperrors.ErrCodeConfigFailure
	}
	return apperrors.ErrCodeRuntimeFailure
}

// FailureEvent builds the terminal error event for a subprocess failure:
// the classified user-facing message, tagged with its taxonomy code.
func FailureEvent(detail string, started bool) stream.Event {
	return stream.Failure(string(FailureCode(detail, started)), FailureMessage(detail))
}
