package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quantbar/internal/domain"
	"quantbar/internal/store"
)

var (
	exportSource string
	exportUpload bool
	exportDir    string
	exportRange  rangeFlags
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Archive filled days to parquet, optionally uploading to S3",
	Long: `Writes the bars of every filled mission to yearly parquet files under
archive.dir/<symbol>/<YYYY>.parquet. With --upload the written files are
copied to archive.s3.bucket under archive.s3.prefix.

Example:
  quantbar export --source cnfut --start 20180101 --end 20181231
  quantbar export --source okx --upload`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportSource, "source", "", "source name ("+strings.Join(sourceNames, ", ")+")")
	exportCmd.MarkFlagRequired("source")
	exportCmd.Flags().BoolVar(&exportUpload, "upload", false, "upload written files to S3")
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "archive directory (default archive.dir)")
	exportRange.register(exportCmd, "symbols")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	job, err := jobConfig(cfg, exportSource)
	if err != nil {
		return err
	}
	symbols, start, end, err := exportRange.resolve(job.Symbols, job.Start, job.End)
	if err != nil {
		return err
	}
	dir := exportDir
	if dir == "" {
		dir = cfg.Archive.Dir
	}
	if dir == "" {
		return fmt.Errorf("archive.dir is not set")
	}

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()
	b, err := st.backend(ctx, exportSource)
	if err != nil {
		return err
	}

	var uploader *store.S3Uploader
	if exportUpload {
		if uploader, err = store.NewS3Uploader(ctx, cfg.Archive.S3); err != nil {
			return err
		}
	}

	archive := store.NewParquetArchive(dir)
	files, bars := 0, 0
	for _, symbol := range symbols {
		paths, n, err := exportSymbol(ctx, b, archive, symbol, start, end)
		if err != nil {
			return err
		}
		bars += n
		files += len(paths)
		if uploader == nil {
			continue
		}
		for _, p := range paths {
			key, err := archive.RelPath(p)
			if err != nil {
				return err
			}
			if err := uploader.Upload(ctx, p, key); err != nil {
				return err
			}
		}
	}
	fmt.Printf("%s: %d bars archived in %d files under %s\n", exportSource, bars, files, dir)
	return nil
}

// exportSymbol archives the bars of symbol dated on its filled mission days
// in [start, end].
func exportSymbol(ctx context.Context, b *store.Backend, archive *store.ParquetArchive, symbol string, start, end int) ([]string, int, error) {
	filled := make(map[string]bool)
	first, last := 0, 0
	for m, err := range b.Missions.FindMissions(ctx, store.MissionFilter{Symbols: []string{symbol}, Start: start, End: end}) {
		if err != nil {
			return nil, 0, fmt.Errorf("listing missions of %s: %w", symbol, err)
		}
		if m.RowCount <= 0 {
			continue
		}
		filled[strconv.Itoa(m.Day)] = true
		if first == 0 {
			first = m.Day
		}
		last = m.Day
	}
	if len(filled) == 0 {
		return nil, 0, nil
	}

	// Bar dates are local to the source, so read a day wider on each side.
	from := domain.DayTime(first, time.UTC).AddDate(0, 0, -1)
	to := domain.DayTime(last, time.UTC).AddDate(0, 0, 2)
	bars, err := b.Bars.Read(ctx, symbol, from, to)
	if err != nil {
		return nil, 0, err
	}
	kept := bars[:0]
	for _, bar := range bars {
		if filled[bar.Date] {
			kept = append(kept, bar)
		}
	}
	paths, err := archive.WriteBars(symbol, kept)
	if err != nil {
		return paths, 0, err
	}
	return paths, len(kept), nil
}
