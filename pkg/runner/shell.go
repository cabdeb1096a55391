// Package runner implements the process execution adapters: shell commands
// and assistant queries launched on behalf of a client request, with their
// output multiplexed into an ordered event stream.
package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deckhand-sh/deckhand/pkg/stream"
)

// waitDelay bounds how long Wait blocks after the context is cancelled
// before the process is killed outright.
const waitDelay = 5 * time.Second

// ShellSpec describes one shell command execution.
type ShellSpec struct {
	Command string
	Shell   string // name or path; empty uses $SHELL, then /bin/sh
	Dir     string
}

// ShellRunner executes a shell command and streams its output. Process
// output is base64-encoded into data events, one per read, preserving the
// interleaving observed on the pipes.
type ShellRunner struct {
	spec ShellSpec
}

// NewShellRunner builds a runner for the given command.
func NewShellRunner(spec ShellSpec) *ShellRunner {
	return &ShellRunner{spec: spec}
}

// Run implements request.Runner.
func (r *ShellRunner) Run(ctx context.Context, emit func(stream.Event)) {
	cmd := buildShellCommand(ctx, r.spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		emit(FailureEvent(err.Error(), false))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		emit(FailureEvent(err.Error(), false))
		return
	}

	if err := cmd.Start(); err != nil {
		emit(FailureEvent(err.Error(), false))
		return
	}
	emit(stream.Start(""))

	var g errgroup.Group
	g.Go(func() error { return pump(stdout, stream.ChannelStdout, emit) })
	g.Go(func() error { return pump(stderr, stream.ChannelStderr, emit) })
	_ = g.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		emit(stream.Aborted())
		return
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			emit(stream.Exit(exitErr.ExitCode()))
			return
		}
		emit(FailureEvent(err.Error(), true))
		return
	}
	emit(stream.Exit(0))
}

func buildShellCommand(ctx context.Context, spec ShellSpec) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", spec.Command)
	} else {
		cmd = exec.CommandContext(ctx, resolveShell(spec.Shell), "-c", spec.Command)
	}
	cmd.Dir = ResolveWorkdir(spec.Dir)
	cmd.Env = os.Environ()
	cmd.WaitDelay = waitDelay
	return cmd
}

func resolveShell(selector string) string {
	selector = strings.TrimSpace(selector)
	switch selector {
	case "":
		if userShell := os.Getenv("SHELL"); userShell != "" {
			return userShell
		}
		return "/bin/sh"
	case "sh", "bash", "zsh", "fish":
		if path, err := exec.LookPath(selector); err == nil {
			return path
		}
		return "/bin/sh"
	default:
		return selector
	}
}

// pump copies one output stream into data events. A single goroutine per
// pipe keeps per-channel order; emit serializes across channels.
func pump(reader io.Reader, channel string, emit func(stream.Event)) error {
	buffer := make([]byte, 4096)
	for {
		n, err := reader.Read(buffer)
		if n > 0 {
			emit(stream.Data(channel, base64.StdEncoding.EncodeToString(buffer[:n])))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
