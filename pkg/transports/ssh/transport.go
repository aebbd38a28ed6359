// Package ssh provides the SSH transport used by the remote-exec
// provisioner: connection configuration, command execution with context
// cancellation, and script upload over SFTP.
package ssh

import (
	"context"
	"os"
	"time"
)

// Transport is the remote execution surface the provisioner runner depends
// on. SSHClient is the concrete implementation; tests substitute an
// in-memory fake.
type Transport interface {
	// Connect establishes the connection. Failures worth retrying carry a
	// TransportError with IsTemporary set; authentication rejections set
	// IsAuthError instead.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// Execute runs a single command on the remote host. A non-zero exit
	// status is reported through ExecResult.ExitCode, not through the
	// error; the error is reserved for transport failures.
	Execute(ctx context.Context, cmd string) (*ExecResult, error)

	// ExecuteScript uploads script content over SFTP, marks it
	// executable, runs it, and removes it afterwards.
	ExecuteScript(ctx context.Context, script string) (*ExecResult, error)

	// UploadFile writes content to remotePath via SFTP with the given
	// mode, creating parent directories as needed.
	UploadFile(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error

	// ConnectionInfo returns details about the current connection.
	ConnectionInfo() ConnectionInfo
}

// ConnectionInfo describes an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port number.
	Port int

	// User is the login user.
	User string

	// ConnectedAt is when the connection was established.
	ConnectedAt time.Time
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	// Command is the command line that ran.
	Command string

	// ExitCode is the remote exit status. Zero means success.
	ExitCode int

	// Stdout is the trimmed standard output.
	Stdout string

	// Stderr is the trimmed standard error.
	Stderr string

	// Duration is the wall time the command took.
	Duration time.Duration
}

// Output returns stdout and stderr joined, for failure reports that keep
// every line the remote produced.
func (r *ExecResult) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// TransportError is an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed, such as "connect" or "upload".
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks errors that may clear on retry, connection
	// refusals and timeouts mostly.
	IsTemporary bool

	// IsAuthError marks authentication and host verification rejections.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
