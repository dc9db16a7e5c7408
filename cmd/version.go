package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the Cobra command for displaying the build version.
// Querying a running daemon for its version would require the CLI wire
// protocol the management client speaks over DestCLI, which is the external
// collaborator this runtime treats as out of scope — so this only reports
// the version baked into this binary.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version of nucleusd",
		Long:  `All software has versions. This one prints nucleusd's.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nucleusd version %s\n", rootCmd.Version)
		},
	}
}
