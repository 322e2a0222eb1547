package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"quantbar/internal/domain"
	"quantbar/internal/gather"
)

var (
	barsSource string
	barsRedo   int
	barsLength int
	barsRange  rangeFlags
)

var barsCmd = &cobra.Command{
	Use:   "bars",
	Short: "Manage minute bar missions of one source",
	Long: `Create, extend, check and publish the (symbol, day) missions of one source.

Subcommands:
  create    - scope missions over the range, ensure tables, check stored bars
  update    - extend missions from each symbol's latest day
  check     - fill pending missions whose bars are already stored
  publish   - download pending missions, redoing failures
  download  - download one symbol and day
  latest    - refresh the rolling recent-bar store

Example:
  quantbar bars create --source cnfut --start 20180101
  quantbar bars publish --source oanda --symbols EUR_USD --redo 5
  quantbar bars download --source okx BTC-USDT 20240301
  quantbar bars latest --source cnfut --length 2000`,
}

var (
	barsCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Scope missions, ensure tables and check stored bars",
		RunE:  runBarsCreate,
	}

	barsUpdateCmd = &cobra.Command{
		Use:   "update",
		Short: "Extend missions from each symbol's latest day",
		RunE:  runBarsUpdate,
	}

	barsCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Fill pending missions whose bars are already stored",
		RunE:  runBarsCheck,
	}

	barsPublishCmd = &cobra.Command{
		Use:   "publish",
		Short: "Download pending missions",
		RunE:  runBarsPublish,
	}

	barsLatestCmd = &cobra.Command{
		Use:   "latest",
		Short: "Refresh the most recent bars of each symbol into the latest store",
		Long: `Fetches today's traded bars, then walks back over trading days from the
last day held in the latest store until at least --length bars were fetched,
and writes them there. A symbol with nothing stored yet starts from --start.`,
		RunE: runBarsLatest,
	}

	barsDownloadCmd = &cobra.Command{
		Use:   "download SYMBOL DAY",
		Short: "Download one symbol and day",
		Args:  cobra.ExactArgs(2),
		RunE:  runBarsDownload,
	}
)

func init() {
	rootCmd.AddCommand(barsCmd)
	barsCmd.PersistentFlags().StringVar(&barsSource, "source", "", "source name ("+strings.Join(sourceNames, ", ")+")")
	barsCmd.MarkPersistentFlagRequired("source")

	for _, c := range []*cobra.Command{barsCreateCmd, barsUpdateCmd, barsCheckCmd, barsPublishCmd} {
		barsRange.register(c, "symbols")
		barsCmd.AddCommand(c)
	}
	barsPublishCmd.Flags().IntVar(&barsRedo, "redo", 0, "extra passes over failed missions (default from config)")
	barsLatestCmd.Flags().StringVar(&barsRange.start, "start", "", "first day when the latest store is empty, YYYYMMDD (default from config)")
	barsLatestCmd.Flags().StringSliceVar(&barsRange.symbols, "symbols", nil, "symbols to refresh (default from config)")
	barsLatestCmd.Flags().IntVar(&barsLength, "length", 0, "minimum bars per symbol (default from config)")
	barsCmd.AddCommand(barsLatestCmd, barsDownloadCmd)
}

// withSource opens storage, wires the selected source and resolves the
// command's scope before calling fn.
func withSource(ctx context.Context, name string, rf *rangeFlags, fn func(ctx context.Context, src *source, symbols []string, start, end int) error) error {
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	src, err := buildSource(ctx, cfg, st, name)
	if err != nil {
		return err
	}
	symbols, start, end, err := rf.resolve(src.job.Symbols, src.job.Start, src.job.End)
	if err != nil {
		return err
	}
	if end == 0 {
		end = gather.NewJob(src.orch, src.job).End()
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured for %s", name)
	}
	return fn(ctx, src, symbols, start, end)
}

func runBarsCreate(cmd *cobra.Command, args []string) error {
	return withSource(cmd.Context(), barsSource, &barsRange, func(ctx context.Context, src *source, symbols []string, start, end int) error {
		if err := src.orch.Create(ctx, symbols, start, end); err != nil {
			return err
		}
		fmt.Printf("%s: missions created for %d symbols in %d-%d\n", barsSource, len(symbols), start, end)
		return nil
	})
}

func runBarsUpdate(cmd *cobra.Command, args []string) error {
	return withSource(cmd.Context(), barsSource, &barsRange, func(ctx context.Context, src *source, symbols []string, start, end int) error {
		n, err := src.orch.Update(ctx, symbols, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d new missions up to %d\n", barsSource, n, end)
		return nil
	})
}

func runBarsCheck(cmd *cobra.Command, args []string) error {
	return withSource(cmd.Context(), barsSource, &barsRange, func(ctx context.Context, src *source, symbols []string, start, end int) error {
		n, err := src.orch.Reconcile(ctx, symbols, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d missions filled from stored bars\n", barsSource, n)
		return nil
	})
}

func runBarsPublish(cmd *cobra.Command, args []string) error {
	return withSource(cmd.Context(), barsSource, &barsRange, func(ctx context.Context, src *source, symbols []string, start, end int) error {
		redo := src.job.Redo
		if barsRedo > 0 {
			redo = barsRedo
		}
		res, err := src.orch.Publish(ctx, symbols, start, end, redo)
		if err != nil {
			return err
		}
		fmt.Printf("%s: run %s, %d passes, %d/%d accomplished (%d deferred)\n",
			barsSource, res.RunID, res.Passes, res.Accomplished, res.Total, res.Deferred)
		if !res.Done() {
			return fmt.Errorf("%d missions still failing", res.Total-res.Accomplished)
		}
		return nil
	})
}

func runBarsLatest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	dst, release, err := st.latest()
	if err != nil {
		return err
	}
	defer release()

	src, err := buildSource(ctx, cfg, st, barsSource)
	if err != nil {
		return err
	}
	symbols, start, _, err := barsRange.resolve(src.job.Symbols, src.job.Start, src.job.End)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured for %s", barsSource)
	}
	length := cfg.Latest.Length
	if barsLength > 0 {
		length = barsLength
	}

	var failed []string
	for _, symbol := range symbols {
		if err := dst.CreateTable(ctx, symbol); err != nil {
			return fmt.Errorf("ensuring latest table %s: %w", symbol, err)
		}
		n, err := src.orch.Refresh(ctx, dst, symbol, start, length)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Error("refresh data", "source", barsSource, "symbol", symbol, "error", err)
			failed = append(failed, symbol)
			continue
		}
		fmt.Printf("%s: %s %d bars refreshed\n", barsSource, symbol, n)
	}
	if len(failed) > 0 {
		return fmt.Errorf("refresh failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func runBarsDownload(cmd *cobra.Command, args []string) error {
	day, err := domain.ParseDay(args[1])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	src, err := buildSource(ctx, cfg, st, barsSource)
	if err != nil {
		return err
	}
	if _, err := src.orch.Scope(ctx, []string{args[0]}, day, day); err != nil {
		return err
	}
	if err := src.orch.Ensure(ctx, []string{args[0]}); err != nil {
		return err
	}
	outcome := src.orch.DownloadOne(ctx, args[0], day)
	fmt.Printf("%s: %s@%d %s\n", barsSource, args[0], day, outcome)
	if outcome != gather.Success {
		return fmt.Errorf("download %s@%d: %s", args[0], day, outcome)
	}
	return nil
}
