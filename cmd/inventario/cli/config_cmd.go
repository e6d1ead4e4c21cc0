package cli

import (
	"fmt"
	"os"

	"github.com/labinventario/inventario/pkg/inventario/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage inventario configuration",
		Long:  "Write a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

const configHeader = `# inventario configuration
# Every key can be overridden with an INVENTARIO_ environment variable,
# e.g. INVENTARIO_DATABASE_DSN or INVENTARIO_AUTH_JWT_SECRET.

`

func newConfigInitCmd() *cobra.Command {
	var (
		path  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default inventario.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}

			out, err := config.MarshalYAML(config.Defaults())
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, append([]byte(configHeader), out...), 0o600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Set auth.jwt_secret and admin.password before running 'inventario serve'.")
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "inventario.yaml", "Where to write the file")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.Read(cfgFile)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(w, "# Config file: %s\n", used)
			} else {
				fmt.Fprintln(w, "# Config file: (none found, using defaults and environment)")
			}

			out, err := config.MarshalYAML(config.Redacted(v))
			if err != nil {
				return err
			}
			_, err = w.Write(out)
			return err
		},
	}
}
