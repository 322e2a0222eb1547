// Package commands implements the quantbar command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quantbar/internal/config"
	"quantbar/internal/util"
)

const defaultConfigPath = "config/quantbar.yaml"

var (
	// Global flags
	configFile string
	verbose    bool

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "quantbar",
	Short: "Completeness-tracked minute bar ingestion",
	Long: `quantbar downloads minute bars per (symbol, day) mission, records which
days are complete, and derives main-contract series for futures families.

Examples:
  quantbar bars create --source cnfut
  quantbar bars publish --source okx --redo 5
  quantbar main find
  quantbar daemon --now
  quantbar report --source alpaca`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = os.Getenv("QUANTBAR_CONFIG")
		}
		if path == "" {
			path = defaultConfigPath
		}
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		cfg = loaded

		var logger *slog.Logger
		logger, logCloser = util.NewLogger(cfg.Logging)
		util.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute runs the root command until it returns or a signal arrives.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $QUANTBAR_CONFIG or "+defaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
