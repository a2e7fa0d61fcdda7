package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fivehealth/smooch-logs/internal/export"
	"github.com/fivehealth/smooch-logs/internal/logs"
	"github.com/fivehealth/smooch-logs/internal/scheduler"
	"github.com/fivehealth/smooch-logs/internal/sink"
	"github.com/fivehealth/smooch-logs/internal/types"
	"github.com/fivehealth/smooch-logs/internal/webhook"
)

var watchFlags struct {
	apps      []string
	start     string
	output    string
	schedule  string
	listen    string
	now       bool
	keepGoing bool
}

func init() {
	rootCmd.AddCommand(watchCmd)

	f := watchCmd.Flags()
	f.StringSliceVarP(&watchFlags.apps, "apps", "A", nil, "application ids to export (default: all)")
	f.StringVar(&watchFlags.start, "start", "", "oldest event time for applications without a checkpoint")
	f.StringVarP(&watchFlags.output, "output", "o", "", "output target per run; {date} and {time} are expanded (default: watch.output)")
	f.StringVar(&watchFlags.schedule, "schedule", "", "cron schedule (default: watch.schedule)")
	f.StringVar(&watchFlags.listen, "listen", "", "status API address, empty string disables it (default: watch.listen)")
	f.BoolVar(&watchFlags.now, "now", false, "run once immediately at startup")
	f.BoolVar(&watchFlags.keepGoing, "keep-going", true, "continue with the next application after a failure")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Export new log events on a schedule",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	output := cfg.Watch.Output
	if watchFlags.output != "" {
		output = watchFlags.output
	}
	if output == "" {
		return errors.New("no output target: pass --output or set watch.output")
	}
	schedule := cfg.Watch.Schedule
	if watchFlags.schedule != "" {
		schedule = watchFlags.schedule
	}
	listen := cfg.Watch.Listen
	if cmd.Flags().Changed("listen") {
		listen = watchFlags.listen
	}
	start, err := logs.ParseTime(watchFlags.start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	exp, err := a.exporter("", false)
	if err != nil {
		return err
	}
	sinks := a.sinks(true)
	opts := export.Options{
		Apps:      types.ParseAppIDs(watchFlags.apps...),
		Window:    logs.Window{Start: start},
		Resume:    true,
		Parallel:  cfg.Parallel,
		KeepGoing: watchFlags.keepGoing,
		Retry:     a.retryPolicy(),
	}

	job := func(ctx context.Context) error {
		target := sink.Expand(output, time.Now())
		out, err := sinks.Open(ctx, target)
		if err != nil {
			return fmt.Errorf("open output %s: %w", target, err)
		}
		runOpts := opts
		runOpts.RunID = types.NewRunID()
		_, runErr := exp.Run(ctx, out, runOpts)
		if err := out.Close(); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("close output: %w", err))
		}
		return runErr
	}

	sched, err := scheduler.New(schedule, job, logger.With("component", "scheduler"))
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if listen != "" {
		startStatusServer(ctx, listen, webhook.NewServer(a.checkpoints(), sched, logger), logger)
	}

	logger.Info("smooch-logs watching",
		"data_dir", cfg.DataDir,
		"schedule", schedule,
		"output", output,
		"pid_file", pidPath,
	)

	if watchFlags.now {
		if err := sched.Trigger(); err != nil {
			logger.Warn("initial export not started", "error", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, exporting now")
			if err := sched.Trigger(); err != nil {
				logger.Warn("export not started", "error", err)
			}
			continue
		}
		// SIGINT or SIGTERM: cancel the run in progress, sessions are
		// still released on the way out
		logger.Info("shutting down", "signal", sig)
		cancel()
		return nil
	}
}

func startStatusServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("status server started", "listen", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
}
