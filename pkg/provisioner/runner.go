// Package provisioner runs remote-exec provisioners for freshly created
// objects. The runner resolves the evaluated connection descriptor into a
// transport configuration, dials the target with bounded retries, uploads
// the composed script, and reports the combined remote output.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrane-io/terrane/pkg/config"
	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/transports/ssh"
)

// TypeRemoteExec is the provisioner type this runner implements.
const TypeRemoteExec = "remote-exec"

// Phase names one stage of a provisioner run. A run moves through
// connecting, authenticating, and executing, and settles in completed or
// failed. Failures carry the phase they happened in as an error detail.
type Phase string

const (
	PhaseConnecting     Phase = "connecting"
	PhaseAuthenticating Phase = "authenticating"
	PhaseExecuting      Phase = "executing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// Runner executes remote-exec provisioners over SSH. The executor invokes
// it after a create or replace commits; any returned error taints the node.
type Runner struct {
	settings config.ProvisionSettings

	// dial builds the transport for one target. Tests swap in a fake.
	dial func(cfg *ssh.Config) (ssh.Transport, error)
}

var _ engine.ProvisionerRunner = (*Runner)(nil)

// New creates a runner with the given retry and timeout settings. Zero
// fields fall back to the defaults.
func New(settings config.ProvisionSettings) *Runner {
	def := config.DefaultSettings().Provision
	if settings.ConnectAttempts < 1 {
		settings.ConnectAttempts = def.ConnectAttempts
	}
	if settings.BackoffMin <= 0 {
		settings.BackoffMin = def.BackoffMin
	}
	if settings.BackoffMax <= 0 {
		settings.BackoffMax = def.BackoffMax
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = def.ConnectTimeout
	}
	if settings.CommandTimeout <= 0 {
		settings.CommandTimeout = def.CommandTimeout
	}
	return &Runner{
		settings: settings,
		dial: func(cfg *ssh.Config) (ssh.Transport, error) {
			return ssh.NewSSHClient(cfg)
		},
	}
}

// Provision runs one provisioner invocation against its target. The
// returned result carries the combined remote output even when the script
// failed, so the failure report can include it.
func (r *Runner) Provision(ctx context.Context, req *engine.ProvisionRequest) (*engine.ProvisionResult, error) {
	node := req.Addr.String()

	if req.Type != TypeRemoteExec {
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported provisioner type %q", req.Type), nil).
			WithNode(node).
			WithCode(engine.ErrCodeValidation)
	}

	script, err := buildScript(req.Config)
	if err != nil {
		return nil, engine.NewPermanentError("invalid provisioner arguments", err).
			WithNode(node).
			WithCode(engine.ErrCodeValidation)
	}

	if len(req.Connection) == 0 {
		return nil, engine.NewPermanentError("remote-exec provisioner requires a connection block", nil).
			WithNode(node).
			WithCode(engine.ErrCodeValidation)
	}
	cfg, err := connectionConfig(req.Connection, r.settings)
	if err != nil {
		return nil, engine.NewPermanentError("invalid connection block", err).
			WithNode(node).
			WithCode(engine.ErrCodeValidation)
	}

	transport, err := r.dial(cfg)
	if err != nil {
		return nil, engine.NewPermanentError("building ssh transport", err).
			WithNode(node).
			WithCode(engine.ErrCodeProvisionerFailure)
	}

	if err := r.connect(ctx, transport, node); err != nil {
		return nil, err
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			log.Warn().
				Err(err).
				Str("node", node).
				Msg("Failed to close provisioner connection")
		}
	}()

	log.Debug().
		Str("node", node).
		Str("phase", string(PhaseExecuting)).
		Str("host", cfg.Host).
		Msg("Running provisioner script")

	result, err := transport.ExecuteScript(ctx, script)
	if err != nil {
		return nil, engine.NewPermanentError("provisioner script did not run", err).
			WithNode(node).
			WithCode(engine.ErrCodeProvisionerFailure).
			WithDetail("phase", string(PhaseFailed))
	}

	output := result.Output()
	if result.ExitCode != 0 {
		return &engine.ProvisionResult{Output: output}, engine.NewPermanentError(
			fmt.Sprintf("provisioner exited with status %d", result.ExitCode), nil).
			WithNode(node).
			WithCode(engine.ErrCodeProvisionerFailure).
			WithDetail("phase", string(PhaseFailed)).
			WithDetail("exit_code", result.ExitCode)
	}

	log.Info().
		Str("node", node).
		Str("phase", string(PhaseCompleted)).
		Dur("duration", result.Duration).
		Msg("Provisioner completed")

	return &engine.ProvisionResult{Output: output}, nil
}

// connect dials the target with bounded exponential backoff. Refusals and
// timeouts are worth retrying; an authentication rejection never clears on
// its own and fails immediately.
func (r *Runner) connect(ctx context.Context, transport ssh.Transport, node string) error {
	attempts := r.settings.ConnectAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		log.Debug().
			Str("node", node).
			Str("phase", string(PhaseConnecting)).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Connecting to provision target")

		err := transport.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := false
		var transportErr *ssh.TransportError
		if errors.As(err, &transportErr) {
			if transportErr.IsAuthError {
				return engine.NewPermanentError("provisioner authentication failed", err).
					WithNode(node).
					WithCode(engine.ErrCodeProvisionerFailure).
					WithDetail("phase", string(PhaseAuthenticating))
			}
			retryable = transportErr.IsTemporary
		}
		if !retryable {
			return engine.NewPermanentError("connection failed", err).
				WithNode(node).
				WithCode(engine.ErrCodeProvisionerFailure).
				WithDetail("phase", string(PhaseConnecting))
		}
		if ctx.Err() != nil {
			return engine.NewPermanentError("provisioning cancelled", ctx.Err()).
				WithNode(node).
				WithCode(engine.ErrCodeProvisionerFailure).
				WithDetail("phase", string(PhaseConnecting))
		}
		if attempt == attempts {
			break
		}

		delay := backoffDelay(attempt, r.settings)
		log.Warn().
			Err(err).
			Str("node", node).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Connection attempt failed, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return engine.NewPermanentError("provisioning cancelled", ctx.Err()).
				WithNode(node).
				WithCode(engine.ErrCodeProvisionerFailure).
				WithDetail("phase", string(PhaseConnecting))
		}
	}

	return engine.NewPermanentError(
		fmt.Sprintf("gave up connecting after %d attempts", attempts), lastErr).
		WithNode(node).
		WithCode(engine.ErrCodeProvisionerFailure).
		WithDetail("phase", string(PhaseConnecting)).
		WithDetail("attempts", attempts)
}

// backoffDelay doubles per failed attempt from the configured floor up to
// the ceiling.
func backoffDelay(attempt int, settings config.ProvisionSettings) time.Duration {
	delay := time.Duration(float64(settings.BackoffMin.Std()) * math.Pow(2, float64(attempt-1)))
	if maxDelay := settings.BackoffMax.Std(); delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
