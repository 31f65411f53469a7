package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellExecutor runs local_command steps through a shell on this machine.
type ShellExecutor struct {
	// Shell is the interpreter invoked with -c. Defaults to /bin/sh.
	Shell string

	// WorkDir is the working directory; empty uses the current one.
	WorkDir string

	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string
}

// ExitError reports a command that ran and exited with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Run executes command and returns its combined output. The process is
// killed when ctx is done.
func (s ShellExecutor) Run(ctx context.Context, command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = s.WorkDir
	cmd.WaitDelay = time.Second
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := combine(stdout.String(), stderr.String())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &ExitError{
				Command:  command,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return output, fmt.Errorf("failed to execute command: %w", err)
	}

	return output, nil
}

func combine(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}
