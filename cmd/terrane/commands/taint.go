package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/engine"
)

func newTaintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taint <addr>",
		Short: "Mark a node for replacement on the next apply",
		Long: `Flag a recorded node as tainted. The next plan schedules it for
destroy and recreate, the same way a failed provisioner would.`,
		Example: `  # Force a node to be rebuilt
  terrane taint mem_box.web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTainted(cmd, args[0], true)
		},
	}

	return cmd
}

// setTainted flips the taint flag on one state record under the state lock.
func setTainted(cmd *cobra.Command, rawAddr string, tainted bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	addr, err := engine.ParseAddress(rawAddr)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	operation := "taint"
	if !tainted {
		operation = "untaint"
	}
	lockID, err := rt.store.Lock(operation)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.store.Unlock(lockID); err != nil {
			rt.telemetry.Logger.WithError(err).Warn("Releasing state lock failed")
		}
	}()

	if err := rt.store.Load(); err != nil {
		return err
	}
	record, ok := rt.store.Record(addr)
	if !ok {
		return fmt.Errorf("no state recorded for %s", addr)
	}
	if record.Tainted == tainted {
		if tainted {
			fmt.Fprintf(out, "%s is already tainted.\n", addr)
		} else {
			fmt.Fprintf(out, "%s is not tainted.\n", addr)
		}
		return nil
	}

	record.Tainted = tainted
	if err := rt.store.Commit(record); err != nil {
		return err
	}

	if tainted {
		fmt.Fprintf(out, "%s tainted. The next apply will replace it.\n", addr)
	} else {
		fmt.Fprintf(out, "%s untainted.\n", addr)
	}
	return nil
}
