package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var (
		varFlags     []string
		bindingsPath string
	)

	cmd := &cobra.Command{
		Use:   "graph [dir]",
		Short: "Print the dependency graph as DOT",
		Long: `Expand and resolve the declarations in dir (default ".") and print the
node dependency graph in Graphviz DOT format.`,
		Example: `  # Render the graph to a PNG
  terrane graph | dot -Tpng > graph.png

  # Graph a module with its variables bound
  terrane graph ./infra --var environment=dev`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := moduleDir(args)

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			vars, err := rootVariables(ctx, bindingsPath, varFlags)
			if err != nil {
				return err
			}
			graph, err := rt.loadGraph(dir, vars)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
			return nil
		},
	}

	addVariableFlags(cmd, &varFlags, &bindingsPath)

	return cmd
}
