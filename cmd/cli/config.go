package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/anstrom/netsentry/internal/config"
	"github.com/anstrom/netsentry/internal/errors"
)

var configForce bool

// configCmd groups configuration file helpers.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

// configInitCmd writes the built-in defaults to a file.
var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Long: `Write the built-in default configuration as YAML, ready to edit. The
path defaults to --config or ./config.yaml. An existing file is kept unless
--force is given.`,
	Example: `  netsentry config init
  netsentry config init /etc/netsentry/config.yaml --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFilePath()
		if len(args) == 1 {
			path = args[0]
		}
		return writeDefaultConfig(cmd.OutOrStdout(), path, configForce)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func writeDefaultConfig(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"config file already exists, use --force to overwrite", "path", path)
	}
	if err := config.Default().Save(path); err != nil {
		return errors.WrapFileError(err, path)
	}
	fmt.Fprintln(w, "Configuration written to", path)
	return nil
}
