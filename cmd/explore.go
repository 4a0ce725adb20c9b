// cmd/explore.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
	"github.com/xkilldash9x/droidprowl/internal/driver/uiautomator2"
	"github.com/xkilldash9x/droidprowl/internal/executor"
	"github.com/xkilldash9x/droidprowl/internal/fingerprint"
	"github.com/xkilldash9x/droidprowl/internal/knowledge"
	"github.com/xkilldash9x/droidprowl/internal/llmclient"
	"github.com/xkilldash9x/droidprowl/internal/observability"
	"github.com/xkilldash9x/droidprowl/internal/oracle"
	"github.com/xkilldash9x/droidprowl/internal/scheduler"
	"github.com/xkilldash9x/droidprowl/internal/session"
)

// newExploreCmd creates and configures the `explore` command.
func newExploreCmd() *cobra.Command {
	exploreCmd := &cobra.Command{
		Use:   "explore [job files...]",
		Short: "Runs exploration jobs across the configured device pool",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("explore.step_budget", cmd.Flags().Lookup("steps")); err != nil {
				return err
			}
			if err := viper.BindPFlag("scheduler.wall_clock_ceiling", cmd.Flags().Lookup("ceiling")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if len(cfg.Driver.Devices) == 0 {
				return fmt.Errorf("no devices configured; set driver.devices in the config file")
			}

			jobs, skipped, err := loadAllJobs(args, logger)
			if err != nil {
				return err
			}

			summary, err := runExploration(ctx, cfg, jobs, skipped, logger)
			if err != nil {
				return err
			}
			return writeSummary(summary, viper.GetString("output"))
		},
	}

	exploreCmd.Flags().Int("steps", 0, "override the default step budget per session")
	exploreCmd.Flags().Duration("ceiling", 0, "override the global wall-clock ceiling")
	exploreCmd.Flags().StringP("output", "o", "", "write the run summary JSON to this file (default stdout)")
	return exploreCmd
}

func loadAllJobs(paths []string, logger *zap.Logger) ([]schemas.JobSpec, int, error) {
	var jobs []schemas.JobSpec
	skipped := 0
	for _, path := range paths {
		fileJobs, fileSkipped, err := scheduler.LoadJobs(path, logger)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, fileJobs...)
		skipped += fileSkipped
	}
	return jobs, skipped, nil
}

// runExploration wires the component stack and runs the scheduler.
func runExploration(ctx context.Context, cfg *config.Config, jobs []schemas.JobSpec, skipped int, logger *zap.Logger) (schemas.RunSummary, error) {
	store, err := newKnowledgeStore(ctx, cfg, logger)
	if err != nil {
		return schemas.RunSummary{}, err
	}

	client, err := llmclient.NewClient(cfg.LLM, logger)
	if err != nil {
		return schemas.RunSummary{}, err
	}
	decider := oracle.New(client, cfg.LLM, cfg.Explore.OracleRetries, logger)
	fp := fingerprint.New(logger)

	runner := func(ctx context.Context, job schemas.JobSpec, device config.DeviceConfig,
		know map[schemas.Fingerprint]schemas.KnowledgeRecord) (schemas.SessionResult, []schemas.KnowledgeRecord) {
		return runOneSession(ctx, cfg, job, device, fp, decider, know, logger)
	}

	sched, err := scheduler.New(cfg, store, runner, logger)
	if err != nil {
		return schemas.RunSummary{}, err
	}
	return sched.Run(ctx, jobs, skipped)
}

// runOneSession builds the per-device stack and runs a single session.
// Failures to even construct the driver become failed results so the
// scheduler's bookkeeping stays uniform.
func runOneSession(ctx context.Context, cfg *config.Config, job schemas.JobSpec, device config.DeviceConfig,
	fp *fingerprint.Fingerprinter, decider *oracle.Oracle,
	know map[schemas.Fingerprint]schemas.KnowledgeRecord, logger *zap.Logger) (schemas.SessionResult, []schemas.KnowledgeRecord) {

	drv, err := uiautomator2.New(device, cfg.Driver, logger)
	if err != nil {
		return failedResult(job, device.Serial, fmt.Sprintf("driver setup failed: %v", err)), nil
	}
	defer drv.Close(context.Background())

	watcher := executor.NewCrashWatcher(device.LogcatFile, job.AppPackage, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("Crash watcher unavailable, continuing without it", zap.Error(err))
		watcher = nil
	}

	exec := executor.New(drv, fp, watcher, job.AppPackage, job.EntryActivity, cfg.Driver.TimeoutRetries, logger)
	sess := session.New(job, drv, fp, decider, exec, cfg.Explore, know, logger)
	return sess.Run(ctx)
}

func failedResult(job schemas.JobSpec, deviceID, reason string) schemas.SessionResult {
	return schemas.SessionResult{
		JobID:    job.ID,
		DeviceID: deviceID,
		Terminal: schemas.TerminalStatus{Kind: schemas.TerminalFailed, Reason: reason},
	}
}

func newKnowledgeStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.KnowledgeStore, error) {
	switch cfg.Knowledge.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Knowledge.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		return knowledge.NewPostgresStore(ctx, pool, logger)
	default:
		return knowledge.NewFileStore(cfg.Knowledge.Path, logger)
	}
}

func writeSummary(summary schemas.RunSummary, path string) error {
	json := jsoniter.ConfigCompatibleWithStandardLibrary
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
