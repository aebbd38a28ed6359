package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"

	"github.com/terrane-io/terrane/pkg/config"
	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/policy"
	"github.com/terrane-io/terrane/pkg/providers"
	"github.com/terrane-io/terrane/pkg/providers/memory"
	"github.com/terrane-io/terrane/pkg/states"
	"github.com/terrane-io/terrane/pkg/telemetry"
)

// runtime bundles what commands wire together: settings, telemetry, the
// statefile store, the provider registry, and the optional policy gate and
// history store.
type runtime struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	store     *states.FileStore
	registry  *providers.Registry
	gate      *policy.Engine
	history   *states.HistoryStore
}

// newRuntime loads settings, starts telemetry, and builds the stores and
// registries commands work against. The statefile is not read yet; commands
// that need it call store.Load themselves.
func newRuntime(ctx context.Context) (*runtime, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Telemetry.LogLevel = "debug"
	}
	if logLevel != "" {
		settings.Telemetry.LogLevel = logLevel
	}

	telCfg, err := settings.Telemetry.TelemetryConfig(buildVersion)
	if err != nil {
		return nil, err
	}
	if settings.Policy.Environment != "" {
		telCfg.Environment = settings.Policy.Environment
	}
	tele, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, err
	}
	if err := tele.StartMetricsServer(); err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	if err := registry.Register(memory.New()); err != nil {
		return nil, err
	}

	rt := &runtime{
		settings:  settings,
		telemetry: tele,
		store:     states.NewFileStore(settings.StatePath),
		registry:  registry,
	}

	if settings.Policy.Enabled {
		gate, err := policy.NewEngine(tele.Logger.NewComponentLogger("policy").Zerolog())
		if err != nil {
			return nil, err
		}
		if err := gate.LoadPolicies(ctx, []string{settings.Policy.Dir}); err != nil {
			return nil, err
		}
		rt.gate = gate
	}

	return rt, nil
}

// close releases the history store and flushes telemetry. Shutdown gets its
// own deadline so an aborted run still drains exporters.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			rt.telemetry.Logger.WithError(err).Warn("Closing history store failed")
		}
	}
	if err := rt.telemetry.Shutdown(ctx); err != nil {
		rt.telemetry.Logger.WithError(err).Warn("Telemetry shutdown failed")
	}
}

// openHistory connects the run history database, creating the schema on
// first use. History is optional; an empty path leaves it disabled.
func (rt *runtime) openHistory(ctx context.Context) error {
	if rt.settings.HistoryPath == "" {
		return nil
	}
	history, err := states.NewHistoryStore(states.HistoryConfig{Path: rt.settings.HistoryPath})
	if err != nil {
		return err
	}
	if err := history.Init(ctx); err != nil {
		return err
	}
	if err := history.Migrate(ctx); err != nil {
		history.Close()
		return err
	}
	rt.history = history
	return nil
}

// loadGraph parses the module directory, expands module calls with the
// given root variables, and resolves every reference. The returned graph is
// ready for planning.
func (rt *runtime) loadGraph(dir string, vars map[string]cty.Value) (*engine.Graph, error) {
	loader := config.NewLoader()
	root, err := loader.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	graph, err := engine.Expand(root, engine.ExpandOptions{
		Loader:        loader,
		MaxDepth:      rt.settings.ModuleDepthLimit,
		RootVariables: vars,
	})
	if err != nil {
		return nil, err
	}
	if err := graph.ResolveReferences(); err != nil {
		return nil, err
	}
	return graph, nil
}

// checkPolicies evaluates the loaded policies against the plan and prints
// the findings. Blocking violations fail the command.
func (rt *runtime) checkPolicies(ctx context.Context, cmd *cobra.Command, plan *engine.Plan, command string) error {
	if rt.gate == nil {
		return nil
	}

	who := ""
	if u, err := user.Current(); err == nil {
		who = u.Username
	}
	result, err := rt.gate.EvaluatePlan(ctx, plan, &policy.RunContext{
		Command:     command,
		Environment: rt.settings.Policy.Environment,
		User:        who,
	})
	if err != nil {
		return err
	}

	renderViolations(cmd.OutOrStdout(), result)
	if !result.Allowed {
		blocking := result.Blocking()
		for _, v := range blocking {
			rt.telemetry.Metrics.RecordPolicyDenial(v.Policy)
		}
		return fmt.Errorf("plan denied by policy: %d blocking violations", len(blocking))
	}
	return nil
}

// rootVariables merges the bindings file with -var flags; flags win.
func rootVariables(ctx context.Context, bindingsPath string, varFlags []string) (map[string]cty.Value, error) {
	values := make(map[string]cty.Value)
	if bindingsPath != "" {
		evaluator := config.NewBindingsEvaluator(0)
		bound, err := evaluator.EvalFile(ctx, bindingsPath)
		if err != nil {
			return nil, err
		}
		for name, val := range bound {
			values[name] = val
		}
	}
	for _, raw := range varFlags {
		name, val, err := config.ParseVariableFlag(raw)
		if err != nil {
			return nil, err
		}
		values[name] = val
	}
	return values, nil
}

// addVariableFlags registers the root variable flags shared by every
// command that evaluates declarations.
func addVariableFlags(cmd *cobra.Command, varFlags *[]string, bindingsPath *string) {
	cmd.Flags().StringArrayVar(varFlags, "var", nil, `set a root variable as "name=value" (repeatable)`)
	cmd.Flags().StringVar(bindingsPath, "bindings", "", "Starlark bindings file providing root variables")
}

// moduleDir resolves the optional positional directory argument.
func moduleDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// confirm prompts on the command's input stream and accepts only an exact
// "yes".
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n  Only \"yes\" will be accepted: ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}
