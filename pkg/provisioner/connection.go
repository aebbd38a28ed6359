package provisioner

import (
	"fmt"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/terrane-io/terrane/pkg/config"
	"github.com/terrane-io/terrane/pkg/transports/ssh"
)

// connectionKeys are the attributes a connection block may carry. Anything
// else is rejected so a typo fails loudly instead of silently falling back
// to a default.
var connectionKeys = map[string]bool{
	"type":        true,
	"host":        true,
	"port":        true,
	"user":        true,
	"password":    true,
	"private_key": true,
	"agent":       true,
	"timeout":     true,
	"script_path": true,
}

// connectionConfig builds the transport configuration from an evaluated
// connection descriptor. Credentials select the auth method: private_key
// takes precedence over password, an explicit agent flag over both
// absent, and with nothing set the transport falls back to conventional
// key locations.
func connectionConfig(conn map[string]cty.Value, settings config.ProvisionSettings) (*ssh.Config, error) {
	if len(conn) == 0 {
		return nil, fmt.Errorf("connection block is empty")
	}

	keys := make([]string, 0, len(conn))
	for key := range conn {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !connectionKeys[key] {
			return nil, fmt.Errorf("unsupported connection attribute %q", key)
		}
		if !conn[key].IsWhollyKnown() {
			return nil, fmt.Errorf("connection attribute %q has no known value", key)
		}
	}

	connType, err := stringAttr(conn, "type")
	if err != nil {
		return nil, err
	}
	if connType != "" && connType != "ssh" {
		return nil, fmt.Errorf("unsupported connection type %q, only ssh is available", connType)
	}

	host, err := stringAttr(conn, "host")
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("connection host is required")
	}

	user, err := stringAttr(conn, "user")
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = "root"
	}

	cfg := ssh.DefaultConfig(host, user)

	// A machine created moments ago cannot be in known_hosts yet, so
	// strict host key checking would reject every fresh connection.
	cfg.StrictHostKeyChecking = false
	cfg.ConnectTimeout = settings.ConnectTimeout.Std()
	cfg.CommandTimeout = settings.CommandTimeout.Std()

	port, err := intAttr(conn, "port")
	if err != nil {
		return nil, err
	}
	if port != 0 {
		cfg.Port = port
	}

	password, err := stringAttr(conn, "password")
	if err != nil {
		return nil, err
	}
	privateKey, err := stringAttr(conn, "private_key")
	if err != nil {
		return nil, err
	}
	useAgent, err := boolAttr(conn, "agent")
	if err != nil {
		return nil, err
	}

	switch {
	case privateKey != "":
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKey = privateKey
	case password != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = password
	case useAgent:
		cfg.AuthMethod = ssh.AuthMethodAgent
	default:
		cfg.AuthMethod = ssh.AuthMethodKey
	}

	timeout, err := stringAttr(conn, "timeout")
	if err != nil {
		return nil, err
	}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("connection timeout %q is not a duration: %w", timeout, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("connection timeout must be positive, got %q", timeout)
		}
		cfg.ConnectTimeout = d
	}

	scriptPath, err := stringAttr(conn, "script_path")
	if err != nil {
		return nil, err
	}
	if scriptPath != "" {
		cfg.ScriptPath = scriptPath
	}

	return cfg, nil
}

// stringAttr reads an optional string attribute, converting compatible
// types the way HCL would. Absent and null both read as empty.
func stringAttr(m map[string]cty.Value, key string) (string, error) {
	v, ok := m[key]
	if !ok || v.IsNull() {
		return "", nil
	}
	conv, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("connection attribute %q must be a string: %w", key, err)
	}
	return conv.AsString(), nil
}

func intAttr(m map[string]cty.Value, key string) (int, error) {
	v, ok := m[key]
	if !ok || v.IsNull() {
		return 0, nil
	}
	conv, err := convert.Convert(v, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("connection attribute %q must be a number: %w", key, err)
	}
	n, acc := conv.AsBigFloat().Int64()
	if acc != 0 {
		return 0, fmt.Errorf("connection attribute %q must be a whole number", key)
	}
	return int(n), nil
}

func boolAttr(m map[string]cty.Value, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v.IsNull() {
		return false, nil
	}
	conv, err := convert.Convert(v, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("connection attribute %q must be a bool: %w", key, err)
	}
	return conv.True(), nil
}
