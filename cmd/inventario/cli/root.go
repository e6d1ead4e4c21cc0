package cli

import (
	"github.com/spf13/cobra"
)

// cfgFile holds the --config persistent flag value
var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	return newRootCmd(version, commit, date).Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventario",
		Short: "Lab equipment inventory server",
		Long: `inventario tracks laboratory equipment and the software installed on it.

Unattended lab agents report hardware and software snapshots with an agent API key;
operators manage those keys through the admin API or this CLI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./inventario.yaml)")

	cmd.AddCommand(newServeCmd(version))
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}
