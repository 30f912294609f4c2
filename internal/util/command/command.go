package command

import (
	"github.com/spf13/cobra"
)

// NewSubcommandGroup creates a parent command that only exists to group
// subcommands; invoking it bare prints usage.
func NewSubcommandGroup(use string, subcommands ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	cmd.AddCommand(subcommands...)
	return cmd
}
