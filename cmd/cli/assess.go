package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/netsentry/internal/config"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/pipeline"
	"github.com/anstrom/netsentry/internal/session"
)

const targetsHelp = `Targets are IP addresses, CIDR blocks, ranges (10.0.0.1-10.0.0.20 or
10.0.0.1-20) and hostnames, separated by spaces or commas.`

// assessCmd runs every stage.
var assessCmd = &cobra.Command{
	Use:   "assess <targets...>",
	Short: "Run a full vulnerability assessment",
	Long: `Discover live hosts, scan their ports, identify services and run
vulnerability checks against them.

` + targetsHelp,
	Example: `  netsentry assess 192.168.1.0/24
  netsentry assess 10.0.0.5 --ports 1-1024 --checks tls,http-headers
  netsentry assess web.example.com --format json --output report.json`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: preRunAssessment,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, args, pipeline.StageChecks, view{ports: true, findings: true})
	},
}

// discoverCmd stops after host discovery.
var discoverCmd = &cobra.Command{
	Use:   "discover <targets...>",
	Short: "Find live hosts",
	Long: `Probe targets for liveness with the configured discovery methods
and report which hosts are up.

` + targetsHelp,
	Example: `  netsentry discover 192.168.1.0/24
  netsentry discover 10.0.0.0/28 --discovery arp,tcp-connect`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: preRunAssessment,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, args, pipeline.StageDiscovery, view{})
	},
}

// scanCmd stops after service identification.
var scanCmd = &cobra.Command{
	Use:   "scan <targets...>",
	Short: "Scan ports and identify services",
	Long: `Discover live hosts, scan their ports and identify the services
listening on open ports, without running vulnerability checks.

` + targetsHelp,
	Example: `  netsentry scan 192.168.1.10-20 --ports common
  netsentry scan 10.0.0.1 --technique udp --ports 53,123,161`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: preRunAssessment,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, args, pipeline.StageIdentify, view{ports: true})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{assessCmd, discoverCmd, scanCmd} {
		addRunFlags(cmd.Flags())
		rootCmd.AddCommand(cmd)
	}
}

func preRunAssessment(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(outputFormat); err != nil {
		return err
	}
	return bindRunFlags(cmd)
}

// newRunner builds a pipeline runner from configuration.
func newRunner(cfg *config.Config, stopAfter pipeline.Stage) (*pipeline.Runner, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return pipeline.New(cfg,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics.GetGlobalMetrics()),
		pipeline.WithStopAfter(stopAfter),
	)
}

func runStages(cmd *cobra.Command, args []string, stopAfter pipeline.Stage, v view) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner, err := newRunner(cfg, stopAfter)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := runner.Run(ctx, args)
	if err != nil {
		return fmt.Errorf("assessment failed: %w", err)
	}
	if err := writeReport(cmd.OutOrStdout(), a, v); err != nil {
		return err
	}
	if a.State == session.StateCancelled {
		fmt.Fprintln(cmd.ErrOrStderr(), "Assessment cancelled, results are partial")
	}
	return nil
}
