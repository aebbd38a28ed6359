package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/engine"
)

func newOutputCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "output [name]",
		Short: "Show root output values from state",
		Long: `Print the root module output values recorded by the last successful
apply. With a name, print just that output's value.`,
		Example: `  # All outputs
  terrane output

  # One output, JSON-encoded
  terrane output endpoint --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.store.Load(); err != nil {
				return err
			}

			if len(args) == 1 {
				name := args[0]
				val, ok := rt.store.Output(name)
				if !ok {
					return fmt.Errorf("output %q is not recorded in state", name)
				}
				fmt.Fprintf(out, "%s\n", engine.ValueJSON(val))
				return nil
			}

			outputs := rt.store.Outputs()
			if jsonOutput {
				encoded := make(map[string]interface{}, len(outputs))
				for name, val := range outputs {
					encoded[name] = engine.ValueJSON(val)
				}
				return renderJSON(out, encoded)
			}
			if len(outputs) == 0 {
				fmt.Fprintln(out, "No outputs recorded. Run apply first.")
				return nil
			}
			names := make([]string, 0, len(outputs))
			for name := range outputs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "%s = %s\n", name, engine.ValueJSON(outputs[name]))
			}
			return nil
		},
	}

	return cmd
}
