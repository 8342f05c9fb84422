package remediation

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStepTimeout = 60 * time.Second
	maxOutputBytes     = 64 << 10
)

// Target is the host a runbook step is aimed at.
type Target struct {
	Host string
	IP   string
}

// Executor runs one resolved, already screened command.
type Executor interface {
	Run(ctx context.Context, target Target, command string) model.CommandResult
}

// RunSteps runs commands in order and stops at the first failure.
func RunSteps(ctx context.Context, ex Executor, target Target, commands []string) ([]model.CommandResult, bool) {
	results := make([]model.CommandResult, 0, len(commands))
	for _, c := range commands {
		res := ex.Run(ctx, target, c)
		results = append(results, res)
		if !res.Succeeded() {
			return results, false
		}
	}
	return results, true
}

// DryRunExecutor logs commands without running them.
type DryRunExecutor struct{}

func (DryRunExecutor) Run(_ context.Context, target Target, command string) model.CommandResult {
	log.Info().Str("host", target.Host).Str("command", command).Msg("dry-run: command not executed")
	metrics.ObserveCommand("dry_run")
	return model.CommandResult{Command: command, Executed: false, ExitCode: 0}
}

// ShellExecutor runs commands through Shell, locally or over ssh when SSHUser is set.
// Each step is killed once Timeout elapses.
type ShellExecutor struct {
	Shell   string
	SSHUser string
	Timeout time.Duration
}

func (e *ShellExecutor) Run(ctx context.Context, target Target, command string) model.CommandResult {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.command(ctx, target, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout}
	cmd.Stderr = &limitedBuffer{buf: &stderr}
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := model.CommandResult{
		Command:  command,
		Executed: true,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = "timed out after " + timeout.String()
		metrics.ObserveCommand("timeout")
	case err == nil:
		metrics.ObserveCommand("ok")
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		metrics.ObserveCommand("failed")
	default:
		res.ExitCode = -1
		res.Error = err.Error()
		metrics.ObserveCommand("failed")
	}

	log.Info().
		Str("host", target.Host).
		Str("command", command).
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("runbook step finished")
	return res
}

func (e *ShellExecutor) command(ctx context.Context, target Target, command string) *exec.Cmd {
	if e.SSHUser == "" {
		shell := e.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		return exec.CommandContext(ctx, shell, "-c", command)
	}
	addr := target.IP
	if addr == "" {
		addr = target.Host
	}
	return exec.CommandContext(ctx, "ssh",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		e.SSHUser+"@"+addr,
		command)
}

// limitedBuffer keeps the first maxOutputBytes of a stream and discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxOutputBytes - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
