// Package ssh runs plan steps on multi-node hosts: remote commands over SSH
// sessions and file copies over SFTP, with one cached connection per host.
package ssh

import (
	"fmt"
	"time"
)

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// Output returns stdout followed by stderr, if any.
func (r *ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// TransferResult represents the result of a file transfer operation.
type TransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Host is the node the operation targeted
	Host string

	// Err is the underlying error
	Err error

	// ExitCode is the remote exit status when a command ran and failed.
	ExitCode int

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	// or host key verification
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Host, e.Err.Error())
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// connectionBroken reports whether the error means the cached connection
// should not be reused.
func (e *TransportError) connectionBroken() bool {
	return e.IsTemporary && e.ExitCode == 0
}
