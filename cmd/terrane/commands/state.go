package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect recorded state",
		Long: `Commands for reading the statefile.

These commands only read; taint and untaint are the supported manual
state mutations.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List node addresses recorded in state",
		Example: `  # All recorded nodes
  terrane state list`,
		Args: cobra.NoArgs,
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

			records := rt.store.Records()
			if jsonOutput {
				addrs := make([]string, 0, len(records))
				for _, record := range records {
					addrs = append(addrs, record.Addr.String())
				}
				return renderJSON(out, addrs)
			}
			for _, record := range records {
				marker := ""
				if record.Tainted {
					marker = " (tainted)"
				}
				fmt.Fprintf(out, "%s%s\n", record.Addr, marker)
			}
			return nil
		},
	}

	return cmd
}

func newStateShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <addr>",
		Short: "Show one recorded node",
		Long: `Print the recorded attributes and metadata of one node, addressed as
kind.name or module.<path>.kind.name.`,
		Example: `  # Show a root node
  terrane state show mem_box.web

  # Show a node inside a module
  terrane state show module.edge.mem_box.cache`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			addr, err := engine.ParseAddress(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.store.Load(); err != nil {
				return err
			}

			record, ok := rt.store.Record(addr)
			if !ok {
				return fmt.Errorf("no state recorded for %s", addr)
			}

			if jsonOutput {
				return renderJSON(out, stateRecordView(record))
			}

			fmt.Fprintf(out, "# %s\n", record.Addr)
			fmt.Fprintf(out, "id              = %q\n", record.ID)
			fmt.Fprintf(out, "created_at      = %s\n", record.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "tainted         = %v\n", record.Tainted)
			fmt.Fprintf(out, "prevent_destroy = %v\n", record.PreventDestroy)
			if len(record.Deposed) > 0 {
				fmt.Fprintf(out, "deposed         = %v\n", record.Deposed)
			}
			if len(record.Dependencies) > 0 {
				deps := make([]string, 0, len(record.Dependencies))
				for _, dep := range record.Dependencies {
					deps = append(deps, dep.String())
				}
				sort.Strings(deps)
				fmt.Fprintf(out, "dependencies    = %v\n", deps)
			}

			names := make([]string, 0, len(record.Attrs))
			for name := range record.Attrs {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintln(out, "\nattributes:")
			for _, name := range names {
				fmt.Fprintf(out, "  %s = %s\n", name, engine.ValueJSON(record.Attrs[name]))
			}
			return nil
		},
	}

	return cmd
}

// stateRecordView is the JSON shape of state show, with attribute values
// rendered the same way plan diffs render them.
func stateRecordView(record *engine.StateRecord) map[string]interface{} {
	attrs := make(map[string]interface{}, len(record.Attrs))
	for name, val := range record.Attrs {
		attrs[name] = engine.ValueJSON(val)
	}
	deps := make([]string, 0, len(record.Dependencies))
	for _, dep := range record.Dependencies {
		deps = append(deps, dep.String())
	}
	sort.Strings(deps)
	view := map[string]interface{}{
		"addr":       record.Addr.String(),
		"id":         record.ID,
		"attrs":      attrs,
		"tainted":    record.Tainted,
		"created_at": record.CreatedAt,
	}
	if record.PreventDestroy {
		view["prevent_destroy"] = true
	}
	if len(deps) > 0 {
		view["dependencies"] = deps
	}
	if len(record.Deposed) > 0 {
		view["deposed"] = record.Deposed
	}
	return view
}
