package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		varFlags     []string
		bindingsPath string
	)

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Re-plan whenever declarations change",
		Long: `Watch the declaration files in dir (default ".") and recompute the plan
after every change, so the effect of an edit is visible before anyone
runs apply.

Watching never mutates state. When policy watching is enabled in the
settings, policy files reload live as well and each new plan is
evaluated against the latest rules.`,
		Example: `  # Watch the current directory
  terrane watch

  # Watch a module with its variables bound
  terrane watch ./infra --var environment=dev`,
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
			logger := rt.telemetry.Logger.NewComponentLogger("watch")

			if rt.gate != nil && rt.settings.Policy.Watch {
				loader := policy.NewLoader(rt.telemetry.Logger.NewComponentLogger("policy").Zerolog())
				err := loader.Watch(ctx, []string{rt.settings.Policy.Dir}, func(policies []policy.Policy) error {
					return rt.gate.ReplacePolicies(ctx, policies)
				})
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("creating declaration watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("watching %s: %w", dir, err)
			}

			replan := func(reason string) {
				plan, _, err := computePlan(ctx, rt, dir, varFlags, bindingsPath, engine.PlanOptions{})
				if err != nil {
					logger.WithError(err).Error("Plan failed")
					fmt.Fprintf(out, "\n[%s] %s: plan failed: %v\n", time.Now().Format("15:04:05"), reason, err)
					return
				}
				fmt.Fprintf(out, "\n[%s] %s\n", time.Now().Format("15:04:05"), reason)
				if !plan.HasChanges() {
					fmt.Fprintln(out, "No changes. Declarations match the recorded state.")
					return
				}
				renderPlan(out, plan, verbose)
				if err := rt.checkPolicies(ctx, cmd, plan, "watch"); err != nil {
					fmt.Fprintln(out, err.Error())
				}
			}

			fmt.Fprintf(out, "Watching %s for declaration changes. Press Ctrl+C to stop.\n", dir)
			replan("initial plan")

			// Editors fire bursts of events per save; the debounce channel is
			// re-armed on every event so one burst yields one re-plan.
			var debounce <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Ext(event.Name) != ".tn" {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					debounce = time.After(500 * time.Millisecond)
				case <-debounce:
					debounce = nil
					replan("declarations changed")
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					logger.WithError(err).Warn("Declaration watcher error")
				}
			}
		},
	}

	addVariableFlags(cmd, &varFlags, &bindingsPath)

	return cmd
}
