package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/pipeline"
	"github.com/anstrom/netsentry/internal/scheduler"
)

const scheduleStopSlack = 30 * time.Second

var (
	scheduleCron      string
	scheduleOutputDir string
	scheduleName      string
	scheduleRunNow    bool
)

// scheduleCmd runs assessments on a cron schedule until interrupted.
var scheduleCmd = &cobra.Command{
	Use:   "schedule <targets...>",
	Short: "Run assessments on a recurring schedule",
	Long: `Run a full assessment of the targets every time the cron expression
fires and write each report as JSON to the output directory. Runs that
would overlap a run still in progress are skipped. Interrupt to stop.

` + targetsHelp,
	Example: `  netsentry schedule 192.168.1.0/24 --cron "0 2 * * *"
  netsentry schedule 10.0.0.0/28 --cron "@every 6h" --output-dir /var/lib/netsentry --run-now`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: preRunAssessment,
	RunE:    runSchedule,
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression (default schedule.cron)")
	scheduleCmd.Flags().StringVar(&scheduleOutputDir, "output-dir", "", "report directory (default schedule.output_dir)")
	scheduleCmd.Flags().StringVar(&scheduleName, "name", "assessment", "job name used in logs")
	scheduleCmd.Flags().BoolVar(&scheduleRunNow, "run-now", false, "run once immediately before waiting for the schedule")
	addRunFlags(scheduleCmd.Flags())
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if scheduleCron != "" {
		cfg.Schedule.Cron = scheduleCron
	}
	if scheduleOutputDir != "" {
		cfg.Schedule.OutputDir = scheduleOutputDir
	}
	if cfg.Schedule.Cron == "" {
		return errors.ErrConfigMissing("schedule.cron")
	}
	if cfg.Schedule.OutputDir == "" {
		return errors.ErrConfigMissing("schedule.output_dir")
	}

	runner, err := newRunner(cfg, pipeline.StageChecks)
	if err != nil {
		return err
	}
	sched := scheduler.New(runner, cfg.Schedule.OutputDir, scheduler.WithLogger(logging.Default()))
	id, err := sched.AddJob(scheduleName, cfg.Schedule.Cron, args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if scheduleRunNow {
		path, err := sched.RunNow(ctx, id)
		if err != nil {
			logging.Error("Initial assessment failed", "error", err)
		} else if path != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Report written to", path)
		}
	}

	if err := sched.Start(); err != nil {
		return err
	}
	for _, job := range sched.Jobs() {
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %q (%s), next run %s\n", job.Name, job.Expression, job.NextRun.Format(time.RFC3339))
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+scheduleStopSlack)
	defer cancel()
	err = sched.Stop(stopCtx)
	logging.Default().Info("Scheduler stopped", "uptime", metrics.GetGlobalMetrics().GetUptime().Round(time.Second))
	return err
}
