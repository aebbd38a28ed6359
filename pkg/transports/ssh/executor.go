package ssh

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// executor runs commands over an established connection.
type executor struct {
	client *SSHClient
	config *Config
}

// Execute runs a command on the remote host. The result carries the exit
// status; the returned error is reserved for transport failures such as a
// lost connection or a cancelled context.
func (c *SSHClient) Execute(ctx context.Context, cmd string) (*ExecResult, error) {
	c.connMu.RLock()
	exec := c.executor
	c.connMu.RUnlock()

	if exec == nil {
		return nil, &TransportError{
			Op:  "execute",
			Err: fmt.Errorf("not connected"),
		}
	}

	return exec.execute(ctx, cmd)
}

// ExecuteScript uploads script content over SFTP, marks it executable,
// runs it, and removes it afterwards.
func (c *SSHClient) ExecuteScript(ctx context.Context, script string) (*ExecResult, error) {
	c.connMu.RLock()
	exec := c.executor
	c.connMu.RUnlock()

	if exec == nil {
		return nil, &TransportError{
			Op:  "execute-script",
			Err: fmt.Errorf("not connected"),
		}
	}

	return exec.executeScript(ctx, script)
}

// execute is the internal implementation of command execution.
func (e *executor) execute(ctx context.Context, cmd string) (*ExecResult, error) {
	sshClient, err := e.client.getClient()
	if err != nil {
		return nil, err
	}

	if e.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.CommandTimeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	log.Debug().Str("command", cmd).Msg("executing remote command")

	start := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		// Ask the remote process to stop before tearing the session down
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{
			Op:          "execute",
			Err:         ctx.Err(),
			IsTemporary: true,
		}
	case runErr = <-doneChan:
	}

	result := &ExecResult{
		Command:  cmd,
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	if runErr != nil {
		exitErr, ok := runErr.(*ssh.ExitError)
		if !ok {
			return nil, &TransportError{
				Op:          "execute",
				Err:         runErr,
				IsTemporary: true,
			}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	log.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("remote command completed")

	return result, nil
}

// executeScript is the internal implementation of script execution.
func (e *executor) executeScript(ctx context.Context, script string) (*ExecResult, error) {
	remotePath := e.scriptPath()

	log.Debug().
		Str("path", remotePath).
		Int("bytes", len(script)).
		Msg("uploading provisioning script")

	if err := e.client.UploadFile(ctx, []byte(script), remotePath, 0700); err != nil {
		return nil, err
	}

	result, err := e.execute(ctx, remotePath)

	// Remove the script even when execution failed or the context was
	// cancelled, it may carry credentials
	rmCtx := context.WithoutCancel(ctx)
	if _, rmErr := e.execute(rmCtx, fmt.Sprintf("rm -f %s", remotePath)); rmErr != nil {
		log.Warn().Err(rmErr).Str("path", remotePath).Msg("failed to remove provisioning script")
	}

	return result, err
}

// scriptPath resolves the remote path for the next script upload.
func (e *executor) scriptPath() string {
	pattern := e.config.ScriptPath
	if pattern == "" {
		pattern = DefaultScriptPath
	}
	return strings.ReplaceAll(pattern, "%RAND%", strconv.FormatUint(rand.Uint64(), 10))
}
