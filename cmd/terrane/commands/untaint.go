package commands

import (
	"github.com/spf13/cobra"
)

func newUntaintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "untaint <addr>",
		Short: "Clear a node's taint flag",
		Long: `Remove the taint flag from a recorded node so the next plan treats it
normally instead of scheduling a replacement.`,
		Example: `  # Keep a manually repaired node
  terrane untaint mem_box.web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTainted(cmd, args[0], false)
		},
	}

	return cmd
}
