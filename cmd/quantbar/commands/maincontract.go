package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"quantbar/internal/maincontract"
)

var mainRange rangeFlags

var mainCmd = &cobra.Command{
	Use:   "main",
	Short: "Derive main-contract series of futures families",
	Long: `The main contract of a family on day D is the underlying with the highest
open interest on the trading day before D. Its bars from the previous
trading day's boundary hour up to D's boundary hour are relayed into the
family's series.

Subcommands:
  create   - scope download missions for every underlying of the families
  find     - rank underlyings and record the links
  publish  - relay the bars of unfilled links
  check    - fill links whose series already has bars

Example:
  quantbar main create --families rb.SHF,hc.SHF
  quantbar main find --start 20181001 --end 20181031
  quantbar main publish`,
}

var (
	mainCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Scope download missions for the underlyings",
		RunE:  runMainCreate,
	}

	mainFindCmd = &cobra.Command{
		Use:   "find",
		Short: "Rank underlyings by open interest and record links",
		RunE:  runMainFind,
	}

	mainPublishCmd = &cobra.Command{
		Use:   "publish",
		Short: "Relay the bars of unfilled links",
		RunE:  runMainPublish,
	}

	mainCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Fill links whose series already has bars",
		RunE:  runMainCheck,
	}
)

func init() {
	rootCmd.AddCommand(mainCmd)
	for _, c := range []*cobra.Command{mainCreateCmd, mainFindCmd, mainPublishCmd, mainCheckCmd} {
		mainRange.register(c, "families")
		mainCmd.AddCommand(c)
	}
}

func withResolver(ctx context.Context, fn func(ctx context.Context, r *maincontract.Resolver, families []string, start, end int) error) error {
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	r, release, err := buildResolver(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer release()

	mc := cfg.MainContract
	families, start, end, err := mainRange.resolve(mc.Families, mc.Start, mc.End)
	if err != nil {
		return err
	}
	if len(families) == 0 {
		return fmt.Errorf("no families configured")
	}
	if end == 0 {
		end = today(mc.Timezone)
	}
	return fn(ctx, r, families, start, end)
}

func runMainCreate(cmd *cobra.Command, args []string) error {
	return withResolver(cmd.Context(), func(ctx context.Context, r *maincontract.Resolver, families []string, start, end int) error {
		n, err := r.Create(ctx, families, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("main: %d new underlying missions in %d-%d\n", n, start, end)
		return nil
	})
}

func runMainFind(cmd *cobra.Command, args []string) error {
	return withResolver(cmd.Context(), func(ctx context.Context, r *maincontract.Resolver, families []string, start, end int) error {
		n, err := r.Find(ctx, families, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("main: %d new links in %d-%d\n", n, start, end)
		return nil
	})
}

func runMainPublish(cmd *cobra.Command, args []string) error {
	return withResolver(cmd.Context(), func(ctx context.Context, r *maincontract.Resolver, families []string, start, end int) error {
		n, err := r.Publish(ctx, families, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("main: %d links relayed\n", n)
		return nil
	})
}

func runMainCheck(cmd *cobra.Command, args []string) error {
	return withResolver(cmd.Context(), func(ctx context.Context, r *maincontract.Resolver, families []string, start, end int) error {
		n, err := r.Check(ctx, families, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("main: %d links checked\n", n)
		return nil
	})
}
