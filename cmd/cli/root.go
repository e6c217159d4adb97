// Package cli provides the netsentry command-line interface. It wires
// configuration, logging and metrics into the assessment pipeline and
// renders the results.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/netsentry/internal/config"
	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
)

const (
	defaultConfigFile = "config.yaml"
	envPrefix         = "NETSENTRY"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	cfgFile string
	verbose bool
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "netsentry",
	Short: "Network vulnerability assessment",
	Long: `netsentry discovers live hosts, scans their ports, identifies the
services behind them and runs vulnerability checks against what it finds.
Each run produces one assessment report.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext runs the root command and returns the process exit code.
// Cancelling ctx stops a running assessment; its partial results are still
// reported.
func ExecuteContext(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

// exitCode maps an error to the process exit status. Bad configuration and
// unusable targets exit with 2 so callers can tell them from failed runs.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.IsFatal(err):
		return exitUsage
	default:
		return exitFailure
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig loads .env files and prepares viper for flag and environment
// overrides.
func initConfig() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(defaultConfigFile)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// configFilePath returns the file the configuration is read from.
func configFilePath() string {
	if f := viper.ConfigFileUsed(); f != "" {
		return f
	}
	return defaultConfigFile
}

// loadConfig reads the config file, applies flag and environment overrides
// and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFilePath())
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, viper.GetViper()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := cfg.Logging.Level
	if viper.GetBool("verbose") {
		level = string(logging.LevelDebug)
	}
	logger, err := logging.New(logging.Config{
		Level:     logging.LogLevel(level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: level == string(logging.LevelDebug),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetDefault(logger)
	return logger, nil
}

func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
