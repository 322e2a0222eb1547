package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quantbar/internal/api"
	"quantbar/internal/gather"
	"quantbar/internal/maincontract"
	"quantbar/internal/schedule"
)

var daemonNow bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run enabled sources and the main-contract job on the cron schedule",
	Long: `Starts the scheduler and the gRPC health server.

Every tick runs the enabled sources one after another (update, ensure, check,
publish), then, when families are configured, the main-contract job (find,
publish, check). A tick that fires while the previous one is still running
is skipped. The cron spec is evaluated in schedule.timezone. Jobs report
their last outcome as health statuses named after the source, or
"maincontract".

Example:
  quantbar daemon
  quantbar daemon --now`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().BoolVar(&daemonNow, "now", false, "run every job once at startup")
}

// enabledSources returns the names of the sources with enabled set.
func enabledSources() []string {
	var names []string
	for _, name := range sourceNames {
		job, err := rawJobConfig(cfg, name)
		if err == nil && job.Enabled {
			names = append(names, name)
		}
	}
	return names
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("schedule timezone: %w", err)
	}
	server := api.NewServer(cfg.Schedule.HealthAddr)
	sched := schedule.New(cfg.Schedule.Cron, loc, server)

	// Sources first so the main-contract job sees the day's bars.

	for _, name := range enabledSources() {
		src, err := buildSource(ctx, cfg, st, name)
		if err != nil {
			return err
		}
		if err := sched.Add(gather.NewJob(src.orch, src.job)); err != nil {
			return err
		}
	}
	if mc := cfg.MainContract; len(mc.Families) > 0 {
		r, release, err := buildResolver(ctx, cfg, st)
		if err != nil {
			return err
		}
		defer release()
		if err := sched.Add(maincontract.NewJob(r, mc.Families, mc.Start, mc.End)); err != nil {
			return err
		}
	}
	if len(sched.Jobs()) == 0 {
		return fmt.Errorf("no jobs enabled")
	}

	slog.Info("daemon starting", "jobs", sched.Jobs(), "cron", cfg.Schedule.Cron,
		"timezone", cfg.Schedule.Timezone, "health", cfg.Schedule.HealthAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	if daemonNow {
		g.Go(func() error {
			if err := sched.RunNow(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("startup run", "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("daemon stopped")
	return nil
}
