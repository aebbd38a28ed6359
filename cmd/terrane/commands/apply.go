package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/provisioner"
	"github.com/terrane-io/terrane/pkg/states"
	"github.com/terrane-io/terrane/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		varFlags     []string
		bindingsPath string
		refresh      bool
		autoApprove  bool
	)

	cmd := &cobra.Command{
		Use:   "apply [dir]",
		Short: "Apply the planned changes",
		Long: `Plan the declarations in dir (default ".") and execute the resulting
operations against providers.

The state lock is held for the whole run. Operations on independent
subtrees run concurrently up to the configured parallelism; dependents
wait for their dependencies to commit. A failure blocks everything
downstream of it but never rolls back committed work, and an interrupt
lets in-flight operations finish before stopping.

Each run is recorded in the history database together with its
per-operation outcomes and event log.`,
		Example: `  # Review and confirm interactively
  terrane apply

  # Unattended apply for automation
  terrane apply ./infra --auto-approve

  # Apply with variables from a bindings script
  terrane apply --bindings production.star`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			dir := moduleDir(args)

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			ctx = rt.telemetry.WithContext(ctx)

			lockID, err := rt.store.Lock("apply")
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.store.Unlock(lockID); err != nil {
					rt.telemetry.Logger.WithError(err).Warn("Releasing state lock failed")
				}
			}()

			plan, graph, err := computePlan(ctx, rt, dir, varFlags, bindingsPath, engine.PlanOptions{
				Refresh: refresh,
			})
			if err != nil {
				return err
			}

			if !plan.HasChanges() {
				fmt.Fprintln(out, "No changes. Declarations match the recorded state.")
				return nil
			}
			renderPlan(out, plan, verbose)

			if err := rt.checkPolicies(ctx, cmd, plan, "apply"); err != nil {
				return err
			}

			if !autoApprove {
				approved, err := confirm(cmd, "Do you want to perform these actions?")
				if err != nil {
					return err
				}
				if !approved {
					fmt.Fprintln(out, "\nApply cancelled.")
					return nil
				}
			}

			if err := rt.openHistory(ctx); err != nil {
				return err
			}

			execCfg := rt.settings.ExecutorConfig()
			execCfg.Provisioner = provisioner.New(rt.settings.Provision)
			execCfg.Events = newEventRecorder(rt, "apply", plan)
			executor := engine.NewExecutor(graph, rt.store, rt.registry, execCfg)

			ic := telemetry.StartOperation(ctx, "apply", attribute.String("dir", dir))
			result, err := executor.Apply(ic.Ctx, plan)
			ic.End(err)

			if result != nil {
				finishRun(ctx, rt, plan, result, err)
				renderApplyResult(out, plan, result)
				if err == nil && result.Status == engine.RunStatusSucceeded {
					renderOutputs(out, rt.store.Outputs())
				}
			}
			if err != nil {
				return err
			}
			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("apply finished with status %s", result.Status)
			}
			return nil
		},
	}

	addVariableFlags(cmd, &varFlags, &bindingsPath)
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read live attributes from providers before diffing")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")

	return cmd
}

// finishRun persists the run outcome to history and records run metrics.
// It runs after Apply returned, possibly on a cancelled context, so its
// writes are detached from cancellation.
func finishRun(ctx context.Context, rt *runtime, plan *engine.Plan, result *engine.ApplyResult, runErr error) {
	ctx = context.WithoutCancel(ctx)
	logger := rt.telemetry.Logger.WithRunID(result.RunID)

	if rt.history != nil {
		if err := rt.history.RecordOperations(ctx, states.OperationRecords(plan, result)); err != nil {
			logger.WithError(err).Warn("Recording run operations failed")
		}
		var errMsg *string
		switch {
		case runErr != nil:
			msg := runErr.Error()
			errMsg = &msg
		case result.Summary.Failed > 0 || result.Summary.Tainted > 0:
			msg := fmt.Sprintf("%d operations failed, %d tainted", result.Summary.Failed, result.Summary.Tainted)
			errMsg = &msg
		}
		if err := rt.history.FinishRun(ctx, result.RunID, result.Status, errMsg, result.Summary); err != nil {
			logger.WithError(err).Warn("Recording run completion failed")
		}
	}

	rt.telemetry.Metrics.RecordRunCompleted(string(result.Status), result.CompletedAt.Sub(result.StartedAt))
	for _, res := range result.Results {
		var duration time.Duration
		if !res.StartedAt.IsZero() && !res.CompletedAt.IsZero() {
			duration = res.CompletedAt.Sub(res.StartedAt)
		}
		rt.telemetry.Metrics.RecordOperation(string(res.Action), string(res.Status), res.Addr.Kind, duration)
	}
}
