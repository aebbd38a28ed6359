package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		varFlags     []string
		bindingsPath string
		refresh      bool
		planDestroy  bool
	)

	cmd := &cobra.Command{
		Use:   "plan [dir]",
		Short: "Show what an apply would change",
		Long: `Compute the operations needed to make recorded state match the
declarations in dir (default ".").

The plan lists every create, update, replace, and destroy in dependency
order, with the attribute diffs behind each decision. Planning never
mutates state or touches real infrastructure unless --refresh is set,
which re-reads live attributes from providers first.

When a policy directory is configured, the plan is evaluated against it
and blocking violations fail the command.`,
		Example: `  # Plan the current directory
  terrane plan

  # Plan with a variable override and live refresh
  terrane plan ./infra --var environment=staging --refresh

  # Preview a full destroy
  terrane plan --destroy

  # Machine-readable plan
  terrane plan --json`,
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

			ic := telemetry.StartOperation(ctx, "plan", attribute.String("dir", dir))
			plan, _, err := computePlan(ic.Ctx, rt, dir, varFlags, bindingsPath, engine.PlanOptions{
				Destroy: planDestroy,
				Refresh: refresh,
			})
			ic.End(err)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := renderJSON(out, plan); err != nil {
					return err
				}
			} else if !plan.HasChanges() {
				fmt.Fprintln(out, "No changes. Declarations match the recorded state.")
			} else {
				renderPlan(out, plan, verbose)
			}

			return rt.checkPolicies(ctx, cmd, plan, "plan")
		},
	}

	addVariableFlags(cmd, &varFlags, &bindingsPath)
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read live attributes from providers before diffing")
	cmd.Flags().BoolVar(&planDestroy, "destroy", false, "plan the removal of everything in state")

	return cmd
}

// computePlan loads declarations, expands them over current state, and runs
// the planner. The resolved graph comes back alongside the plan because
// apply feeds both into the executor.
func computePlan(ctx context.Context, rt *runtime, dir string, varFlags []string, bindingsPath string, opts engine.PlanOptions) (*engine.Plan, *engine.Graph, error) {
	vars, err := rootVariables(ctx, bindingsPath, varFlags)
	if err != nil {
		return nil, nil, err
	}
	graph, err := rt.loadGraph(dir, vars)
	if err != nil {
		return nil, nil, err
	}
	if err := rt.store.Load(); err != nil {
		return nil, nil, err
	}
	planner := engine.NewPlanner(graph, rt.store, rt.registry)
	plan, err := planner.Plan(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return plan, graph, nil
}
