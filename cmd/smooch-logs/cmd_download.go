package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fivehealth/smooch-logs/internal/export"
	"github.com/fivehealth/smooch-logs/internal/logs"
	"github.com/fivehealth/smooch-logs/internal/sink"
	"github.com/fivehealth/smooch-logs/internal/types"
)

var downloadFlags struct {
	apps           []string
	start          string
	end            string
	output         string
	resume         bool
	parallel       int
	keepGoing      bool
	noLogout       bool
	sessionID      string
	keepDuplicates bool
	appendOutput   bool
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	f := downloadCmd.Flags()
	f.StringSliceVarP(&downloadFlags.apps, "apps", "A", nil, "application ids to download (default: all)")
	f.StringVar(&downloadFlags.start, "start", "", "oldest event time to download (ISO 8601, UTC if no offset)")
	f.StringVar(&downloadFlags.end, "end", "", "download events before this time (default: now)")
	f.StringVarP(&downloadFlags.output, "output", "o", "", "output target: -, a path, file://, s3://bucket/key; .gz compresses")
	f.BoolVar(&downloadFlags.resume, "resume", false, "start each application after its last checkpoint")
	f.IntVar(&downloadFlags.parallel, "parallel", 0, "concurrent workers, each with its own session (default: config parallel)")
	f.BoolVar(&downloadFlags.keepGoing, "keep-going", false, "continue with the next application after a failure")
	f.BoolVar(&downloadFlags.noLogout, "no-logout", false, "keep the session alive when done")
	f.StringVar(&downloadFlags.sessionID, "session-id", "", "existing console session token to try before logging in")
	f.BoolVar(&downloadFlags.keepDuplicates, "keep-boundary-duplicates", false, "keep events the server repeats across page boundaries")
	f.BoolVar(&downloadFlags.appendOutput, "append", false, "append to an existing output file")
	downloadCmd.MarkFlagRequired("output")
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download application logs as JSON lines",
	Args:  cobra.NoArgs,
	RunE:  runDownload,
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	start, err := logs.ParseTime(downloadFlags.start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	end, err := logs.ParseTime(downloadFlags.end)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return errors.New("--start must be before --end")
	}

	parallel := cfg.Parallel
	if cmd.Flags().Changed("parallel") {
		parallel = downloadFlags.parallel
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	exp, err := a.exporter(downloadFlags.sessionID, downloadFlags.noLogout)
	if err != nil {
		return err
	}

	out, err := a.sinks(downloadFlags.appendOutput).Open(ctx, sink.Expand(downloadFlags.output, time.Now()))
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	report, runErr := exp.Run(ctx, out, export.Options{
		Apps:                   types.ParseAppIDs(downloadFlags.apps...),
		Window:                 logs.Window{Start: start, End: end},
		Resume:                 downloadFlags.resume,
		Parallel:               parallel,
		KeepGoing:              downloadFlags.keepGoing,
		KeepBoundaryDuplicates: downloadFlags.keepDuplicates,
		Retry:                  a.retryPolicy(),
	})
	if err := out.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close output: %w", err))
	}

	fmt.Fprintln(os.Stderr, report.String())
	return runErr
}
