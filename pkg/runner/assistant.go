package runner

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/deckhand-sh/deckhand/pkg/stream"
)

// AssistantQuery describes one prompt sent to the external assistant CLI.
type AssistantQuery struct {
	Prompt          string
	SessionID       string   // resume an earlier conversation when set
	AllowedTools    []string // tool allowlist passed through to the CLI
	Dir             string
	ReasoningBudget int // extended-reasoning token budget, 0 for default
}

// AssistantRunner launches the assistant CLI and forwards each structured
// message it prints as a data event, verbatim. The CLI is a black box that
// accepts a prompt and emits newline-delimited JSON on stdout.
type AssistantRunner struct {
	binary   string
	baseArgs []string
	query    AssistantQuery
}

// NewAssistantRunner builds a runner for one query. binary and baseArgs
// come from configuration; the query from the client request.
func NewAssistantRunner(binary string, baseArgs []string, query AssistantQuery) *AssistantRunner {
	return &AssistantRunner{binary: binary, baseArgs: baseArgs, query: query}
}

// scanner line capacity: assistant messages can carry whole file diffs.
const (
	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 4 * 1024 * 1024
	stderrTailLimit   = 8 * 1024
)

// Run implements request.Runner.
func (r *AssistantRunner) Run(ctx context.Context, emit func(stream.Event)) {
	args := append([]string(nil), r.baseArgs...)
	args = append(args, "--output-format", "stream-json")
	if r.query.SessionID != "" {
		args = append(args, "--resume", r.query.SessionID)
	}
	if len(r.query.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(r.query.AllowedTools, ","))
	}
	if r.query.ReasoningBudget > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(r.query.ReasoningBudget))
	}
	args = append(args, "--print", r.query.Prompt)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = ResolveWorkdir(r.query.Dir)
	cmd.Env = os.Environ()
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		emit(FailureEvent(err.Error(), false))
		return
	}
	stderrTail := newTailBuffer(stderrTailLimit)
	cmd.Stderr = stderrTail

	if err := cmd.Start(); err != nil {
		emit(FailureEvent(err.Error(), false))
		return
	}
	emit(stream.Start(""))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if json.Valid([]byte(line)) {
			emit(stream.Structured(json.RawMessage(line)))
		} else {
			// Non-JSON chatter (progress bars, warnings) still reaches
			// the client as raw output.
			emit(stream.Data(stream.ChannelStdout, base64.StdEncoding.EncodeToString([]byte(line))))
		}
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		emit(stream.Aborted())
		return
	}
	if scanErr := scanner.Err(); scanErr != nil && err == nil {
		err = scanErr
	}
	if err != nil {
		detail := strings.TrimSpace(stderrTail.String())
		if detail == "" {
			detail = err.Error()
		} else {
			detail = fmt.Sprintf("%s: %s", err, detail)
		}
		emit(FailureEvent(detail, true))
		return
	}
	emit(stream.Done())
}

// tailBuffer keeps the last max bytes written, enough for diagnostics
// without holding a runaway stderr in memory.
type tailBuffer struct {
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.data)
}
