package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/provisioner"
	"github.com/terrane-io/terrane/pkg/telemetry"
)

func newDestroyCommand() *cobra.Command {
	var (
		varFlags     []string
		bindingsPath string
		autoApprove  bool
	)

	cmd := &cobra.Command{
		Use:   "destroy [dir]",
		Short: "Destroy everything recorded in state",
		Long: `Plan and execute the removal of every node recorded in state, in
reverse dependency order.

Nodes marked prevent_destroy abort the plan before any operation runs.
A clean destroy removes all records and clears the root outputs; the
statefile itself is kept so lineage and serial continue.`,
		Example: `  # Review the destroy plan and confirm interactively
  terrane destroy

  # Unattended destroy
  terrane destroy ./infra --auto-approve`,
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

			lockID, err := rt.store.Lock("destroy")
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.store.Unlock(lockID); err != nil {
					rt.telemetry.Logger.WithError(err).Warn("Releasing state lock failed")
				}
			}()

			plan, graph, err := computePlan(ctx, rt, dir, varFlags, bindingsPath, engine.PlanOptions{
				Destroy: true,
			})
			if err != nil {
				return err
			}

			if !plan.HasChanges() {
				fmt.Fprintln(out, "Nothing to destroy. State holds no objects.")
				return nil
			}
			renderPlan(out, plan, verbose)

			if err := rt.checkPolicies(ctx, cmd, plan, "destroy"); err != nil {
				return err
			}

			if !autoApprove {
				approved, err := confirm(cmd, "Do you really want to destroy all managed objects?")
				if err != nil {
					return err
				}
				if !approved {
					fmt.Fprintln(out, "\nDestroy cancelled.")
					return nil
				}
			}

			if err := rt.openHistory(ctx); err != nil {
				return err
			}

			execCfg := rt.settings.ExecutorConfig()
			execCfg.Provisioner = provisioner.New(rt.settings.Provision)
			execCfg.Events = newEventRecorder(rt, "destroy", plan)
			executor := engine.NewExecutor(graph, rt.store, rt.registry, execCfg)

			ic := telemetry.StartOperation(ctx, "destroy", attribute.String("dir", dir))
			result, err := executor.Apply(ic.Ctx, plan)
			ic.End(err)

			if result != nil {
				finishRun(ctx, rt, plan, result, err)
				renderApplyResult(out, plan, result)
			}
			if err != nil {
				return err
			}
			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("destroy finished with status %s", result.Status)
			}
			return nil
		},
	}

	addVariableFlags(cmd, &varFlags, &bindingsPath)
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")

	return cmd
}
