// Package export drives a download run: one session scope per worker, one
// log iterator per application, every event written to a shared sink.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fivehealth/smooch-logs/internal/logs"
	"github.com/fivehealth/smooch-logs/internal/session"
	"github.com/fivehealth/smooch-logs/internal/smooch"
	"github.com/fivehealth/smooch-logs/internal/types"
)

// ErrSink marks a failure to write to the output.
var ErrSink = errors.New("sink write failed")

// EventWriter receives raw events. It must be safe for concurrent use when
// Options.Parallel is above 1.
type EventWriter interface {
	Write(raw json.RawMessage) error
}

// Notifier is told about every finished run.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config wires an Exporter.
type Config struct {
	// Sessions creates the run's session manager. It is called once per
	// run; extra parallel workers derive independent managers from it.
	Sessions    func() (*session.Manager, error)
	Checkpoints types.CheckpointStore
	Notifier    Notifier
	Logger      *slog.Logger
	Now         func() time.Time
}

// Options describes one run.
type Options struct {
	// Apps to export. Empty exports every application of the account.
	Apps   []types.AppID
	Window logs.Window
	// Resume starts each application after its checkpoint.
	Resume bool
	// Parallel is the number of concurrent workers, each with its own
	// session.
	Parallel  int
	KeepGoing bool
	// KeepBoundaryDuplicates is passed to every iterator.
	KeepBoundaryDuplicates bool
	Retry                  *RetryPolicy
	RunID                  types.RunID
}

// Exporter runs downloads. One Exporter may serve many runs, but runs
// should not overlap on the same sink.
type Exporter struct {
	sessions    func() (*session.Manager, error)
	checkpoints types.CheckpointStore
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	logins      *semaphore.Weighted
}

// New creates an Exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("export: session factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Exporter{
		sessions:    cfg.Sessions,
		checkpoints: cfg.Checkpoints,
		notifier:    cfg.Notifier,
		logger:      logger,
		now:         now,
		logins:      semaphore.NewWeighted(1),
	}, nil
}

// Run exports opts.Apps into w. The returned report lists every application
// attempted. Without KeepGoing the first failure stops the run and is
// returned; with it, all failures are joined into the returned error.
func (e *Exporter) Run(ctx context.Context, w EventWriter, opts Options) (*Report, error) {
	if opts.RunID == "" {
		opts.RunID = types.NewRunID()
	}
	if opts.Retry == nil {
		opts.Retry = NoRetry()
	}

	report := &Report{RunID: opts.RunID, Started: e.now()}
	logger := e.logger.With("run_id", string(opts.RunID))

	mgr, err := e.sessions()
	if err == nil {
		err = e.scope(ctx, mgr, func(ctx context.Context, s *session.Session) error {
			apps, err := e.resolveApps(ctx, s.Client(), opts.Apps, logger)
			if err != nil {
				return err
			}
			report.order = apps
			return e.runWorkers(ctx, mgr, s.Client(), apps, w, opts, report, logger)
		})
	}
	report.Finished = e.now()
	report.sort()

	if err == nil && opts.KeepGoing {
		err = report.Err()
	}
	if err != nil {
		logger.Error("export run failed", "error", err)
	} else {
		logger.Info("export run finished", "apps", len(report.Apps), "events", report.Total())
	}

	e.notify(ctx, report, logger)
	return report, err
}

// scope runs fn inside mgr's session. Logins are serialized across
// workers; the session is released on every exit path.
func (e *Exporter) scope(ctx context.Context, mgr *session.Manager, fn func(ctx context.Context, s *session.Session) error) error {
	if err := e.logins.Acquire(ctx, 1); err != nil {
		mgr.Release(context.WithoutCancel(ctx))
		return err
	}
	_, err := mgr.Acquire(ctx)
	e.logins.Release(1)
	if err != nil {
		mgr.Release(context.WithoutCancel(ctx))
		return err
	}

	return mgr.Do(ctx, fn)
}

func (e *Exporter) resolveApps(ctx context.Context, client *smooch.Client, ids []types.AppID, logger *slog.Logger) ([]types.AppID, error) {
	if len(ids) == 0 {
		apps, err := client.ListApps(ctx)
		if err != nil {
			return nil, err
		}
		for _, app := range apps {
			ids = append(ids, app.ID)
		}
	}
	ids = unique(ids)
	logger.Info("found applications", "count", len(ids))
	return ids, nil
}

// runWorkers drains apps with opts.Parallel workers. The first worker uses
// the run's own session; every other worker logs in on its own and never
// touches the run's token or the token cache, so its logout cannot end
// another worker's session.
func (e *Exporter) runWorkers(ctx context.Context, mgr *session.Manager, client *smooch.Client, apps []types.AppID, w EventWriter, opts Options, report *Report, logger *slog.Logger) error {
	queue := make(chan types.AppID, len(apps))
	for _, app := range apps {
		queue <- app
	}
	close(queue)

	workers := min(max(opts.Parallel, 1), len(apps))
	if workers <= 1 {
		return e.drain(ctx, client, queue, w, opts, report, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	g.Go(func() error {
		return e.drain(gctx, client, queue, w, opts, report, logger.With("worker", 0))
	})
	for i := 1; i < workers; i++ {
		wlog := logger.With("worker", i)
		g.Go(func() error {
			return e.scope(gctx, mgr.Independent(), func(ctx context.Context, s *session.Session) error {
				return e.drain(ctx, s.Client(), queue, w, opts, report, wlog)
			})
		})
	}
	return g.Wait()
}

func (e *Exporter) drain(ctx context.Context, client *smooch.Client, queue <-chan types.AppID, w EventWriter, opts Options, report *Report, logger *slog.Logger) error {
	for app := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := e.exportApp(ctx, client, app, w, opts, logger.With("app_id", string(app)))
		report.add(res)
		if res.Err != nil && !opts.KeepGoing {
			return res.Err
		}
	}
	return nil
}

// exportApp downloads one application, restarting from the last yielded
// event when the retry policy allows it.
func (e *Exporter) exportApp(ctx context.Context, client *smooch.Client, app types.AppID, w EventWriter, opts Options, logger *slog.Logger) AppResult {
	res := AppResult{App: app}

	info, err := client.GetApp(ctx, app)
	if err != nil {
		res.Err = err
		return res
	}
	res.Name = info.Name
	logger.Info("downloading logs", "name", info.Name)

	window := opts.Window
	iterOpts := logs.Options{
		KeepBoundaryDuplicates: opts.KeepBoundaryDuplicates,
		Logger:                 logger,
		Now:                    e.now,
	}

	var prev *types.Checkpoint
	if e.checkpoints != nil {
		prev, err = e.checkpoints.Get(ctx, app)
		if err != nil {
			res.Err = fmt.Errorf("load checkpoint: %w", err)
			return res
		}
	}
	if opts.Resume && prev != nil && logs.FromUnix(prev.Newest).After(window.Start) {
		window.Start = logs.FromUnix(prev.Newest)
		iterOpts.SkipAtStart = prev.NewestIDs
		logger.Info("resuming after checkpoint", "since", window.Start.Format(time.RFC3339Nano))
	}

	var newest newestTracker
	res.Err = opts.Retry.Execute(ctx, func(attempt int) error {
		res.Attempts = attempt
		if attempt > 1 {
			logger.Warn("restarting download", "attempt", attempt, "before", logs.FromUnix(iterOpts.ResumeBefore).Format(time.RFC3339Nano))
		}

		it := logs.New(client, app, window, iterOpts)
		for it.Next(ctx) {
			ev := it.Event()
			if err := w.Write(ev.Raw); err != nil {
				res.Summary = mergeSummary(res.Summary, it.Summary())
				return fmt.Errorf("%w: %w", ErrSink, err)
			}
			newest.observe(ev)
		}
		res.Summary = mergeSummary(res.Summary, it.Summary())

		err := it.Err()
		if err != nil {
			before, seen := it.ResumePoint()
			logger.Debug("download interrupted",
				"cursor", logs.FromUnix(it.Cursor()).Format(time.RFC3339Nano),
				"resume_before", logs.FromUnix(before).Format(time.RFC3339Nano),
				"error", err,
			)
			iterOpts.ResumeBefore = before
			iterOpts.SeenAtCursor = seen
		}
		return err
	})
	if res.Err != nil {
		logger.Error("download failed", "attempts", res.Attempts, "error", res.Err)
		return res
	}

	if err := e.saveCheckpoint(ctx, app, prev, &newest, res.Summary, opts.RunID); err != nil {
		logger.Warn("failed to save checkpoint", "error", err)
	}
	return res
}

func (e *Exporter) saveCheckpoint(ctx context.Context, app types.AppID, prev *types.Checkpoint, newest *newestTracker, s logs.Summary, run types.RunID) error {
	if e.checkpoints == nil || s.Empty() {
		return nil
	}

	cp := &types.Checkpoint{AppID: app, Newest: newest.ts, NewestIDs: newest.ids, Count: s.Count, LastRunID: run}
	if prev != nil {
		cp.Count += prev.Count
		switch {
		case prev.Newest > cp.Newest:
			cp.Newest, cp.NewestIDs = prev.Newest, prev.NewestIDs
		case prev.Newest == cp.Newest:
			cp.NewestIDs = mergeIDs(prev.NewestIDs, cp.NewestIDs)
		}
	}
	return e.checkpoints.Put(ctx, cp)
}

func (e *Exporter) notify(ctx context.Context, report *Report, logger *slog.Logger) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), report.String()); err != nil {
		logger.Warn("failed to send run summary", "error", err)
	}
}

// newestTracker remembers the largest timestamp seen and the identities of
// the events carrying it.
type newestTracker struct {
	ts  float64
	ids []string
	set bool
}

func (n *newestTracker) observe(ev logs.Event) {
	switch {
	case !n.set || ev.Timestamp > n.ts:
		n.ts, n.ids, n.set = ev.Timestamp, []string{ev.Key()}, true
	case ev.Timestamp == n.ts && !slices.Contains(n.ids, ev.Key()):
		n.ids = append(n.ids, ev.Key())
	}
}

func mergeSummary(a, b logs.Summary) logs.Summary {
	if b.Empty() {
		a.Pages += b.Pages
		return a
	}
	if a.Empty() {
		b.Pages += a.Pages
		return b
	}
	return logs.Summary{
		Count:  a.Count + b.Count,
		Oldest: min(a.Oldest, b.Oldest),
		Newest: max(a.Newest, b.Newest),
		Pages:  a.Pages + b.Pages,
	}
}

func mergeIDs(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func unique(ids []types.AppID) []types.AppID {
	seen := make(map[types.AppID]struct{}, len(ids))
	out := make([]types.AppID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
