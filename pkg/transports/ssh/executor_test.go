package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExecute(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name         string
		command      string
		wantExitCode int
		wantStdout   string
		wantStderr   string
	}{
		{
			name:         "stdout capture",
			command:      "echo test",
			wantExitCode: 0,
			wantStdout:   "test",
		},
		{
			name:         "stderr capture",
			command:      "echo error >&2",
			wantExitCode: 0,
			wantStderr:   "error",
		},
		{
			name:         "non-zero exit",
			command:      "exit 1",
			wantExitCode: 1,
		},
		{
			name:         "exit code propagation",
			command:      "exit 3",
			wantExitCode: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Execute(ctx, tt.command)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.ExitCode != tt.wantExitCode {
				t.Errorf("expected exit code %d, got %d", tt.wantExitCode, result.ExitCode)
			}
			if result.Stdout != tt.wantStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.wantStdout, result.Stdout)
			}
			if result.Stderr != tt.wantStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.wantStderr, result.Stderr)
			}
			if result.Command != tt.command {
				t.Errorf("expected command '%s', got '%s'", tt.command, result.Command)
			}
		})
	}
}

func TestExecuteNotConnected(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.Execute(context.Background(), "echo test")
	if err == nil {
		t.Fatal("expected error when not connected")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
}

func TestExecuteContextTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := client.Execute(ctx, "hang")
	if err == nil {
		t.Fatal("expected timeout error")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !transportErr.IsTemporary {
		t.Error("expected timeout to be temporary")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.CommandTimeout = 200 * time.Millisecond

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	start := time.Now()
	_, err = client.Execute(ctx, "hang")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("command timeout did not apply, took %v", elapsed)
	}
}

func TestExecuteScript(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)
	scriptDir := t.TempDir()

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ScriptPath = filepath.Join(scriptDir, "script-%RAND%.sh")

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	script := "#!/bin/sh\necho hello\n"
	result, err := client.ExecuteScript(ctx, script)
	if err != nil {
		t.Fatalf("script execution failed: %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}

	// The fake server echoes the command line, which is the script path
	if !strings.Contains(result.Stdout, scriptDir) {
		t.Errorf("expected stdout to reference the uploaded script, got '%s'", result.Stdout)
	}

	// The upload goes through the sftp subsystem onto the test
	// filesystem, and the fake server only pretends to run rm, so the
	// script must still be there
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		t.Fatalf("failed to read script dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 uploaded script, got %d", len(entries))
	}

	uploaded := filepath.Join(scriptDir, entries[0].Name())
	content, err := os.ReadFile(uploaded)
	if err != nil {
		t.Fatalf("failed to read uploaded script: %v", err)
	}
	if string(content) != script {
		t.Errorf("unexpected script content: %q", string(content))
	}

	info, err := os.Stat(uploaded)
	if err != nil {
		t.Fatalf("failed to stat uploaded script: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("expected mode 0700, got %o", info.Mode().Perm())
	}
}

func TestScriptPathExpansion(t *testing.T) {
	exec := &executor{config: &Config{ScriptPath: "/opt/run/%RAND%-setup.sh"}}

	first := exec.scriptPath()
	second := exec.scriptPath()

	if strings.Contains(first, "%RAND%") {
		t.Errorf("expected marker to be replaced, got '%s'", first)
	}
	if !strings.HasPrefix(first, "/opt/run/") || !strings.HasSuffix(first, "-setup.sh") {
		t.Errorf("expected pattern to be preserved, got '%s'", first)
	}
	if first == second {
		t.Error("expected distinct script paths per invocation")
	}

	exec = &executor{config: &Config{}}
	if got := exec.scriptPath(); strings.Contains(got, "%RAND%") {
		t.Errorf("expected default pattern to expand, got '%s'", got)
	}
}

func TestExecResultOutput(t *testing.T) {
	tests := []struct {
		name   string
		result ExecResult
		want   string
	}{
		{
			name:   "stdout only",
			result: ExecResult{Stdout: "out"},
			want:   "out",
		},
		{
			name:   "stderr only",
			result: ExecResult{Stderr: "err"},
			want:   "err",
		},
		{
			name:   "both streams",
			result: ExecResult{Stdout: "out", Stderr: "err"},
			want:   "out\nerr",
		},
		{
			name:   "empty",
			result: ExecResult{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Output(); got != tt.want {
				t.Errorf("expected output '%s', got '%s'", tt.want, got)
			}
		})
	}
}
