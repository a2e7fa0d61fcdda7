// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrBusy is returned when a run is requested while one is in progress.
var ErrBusy = errors.New("an export is already running")

// Job is one scheduled export.
type Job func(ctx context.Context) error

// Status describes the scheduler for the status API.
type Status struct {
	Schedule   string    `json:"schedule"`
	Running    bool      `json:"running"`
	Runs       int       `json:"runs"`
	LastStart  time.Time `json:"last_start,omitzero"`
	LastFinish time.Time `json:"last_finish,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	Next       time.Time `json:"next,omitzero"`
}

// Scheduler fires a Job on a cron schedule. Runs never overlap: a tick
// that arrives while the previous run is still going is skipped.
type Scheduler struct {
	schedule string
	job      Job
	logger   *slog.Logger
	cron     *cron.Cron
	entry    cron.EntryID

	mu      sync.Mutex
	ctx     context.Context
	running bool
	status  Status
	wg      sync.WaitGroup
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler for schedule. Invalid expressions are rejected
// here rather than at Start.
func New(schedule string, job Job, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		schedule: schedule,
		job:      job,
		logger:   logger,
		ctx:      context.Background(),
		status:   Status{Schedule: schedule},
	}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cronLogger{logger})),
	)
	return s, nil
}

// Start registers the job and starts the cron ticker. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	id, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Run(); errors.Is(err, ErrBusy) {
			s.logger.Warn("skipping scheduled export, previous run still in progress")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule export: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.logger.Info("scheduled export", "schedule", s.schedule, "next", s.cron.Entry(id).Next)
	return nil
}

// Trigger starts a run in the background. It returns ErrBusy when a run
// is already in progress.
func (s *Scheduler) Trigger() error {
	if !s.begin() {
		return ErrBusy
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute()
	}()
	return nil
}

// Run executes the job now and waits for it.
func (s *Scheduler) Run() error {
	if !s.begin() {
		return ErrBusy
	}
	return s.execute()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Running = s.running
	if s.entry != 0 {
		st.Next = s.cron.Entry(s.entry).Next
	}
	return st
}

// Stop stops the cron ticker and waits for a run in progress to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.status.LastStart = time.Now()
	return true
}

func (s *Scheduler) execute() (err error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("export panicked: %v", r)
		}
		s.mu.Lock()
		s.running = false
		s.status.Runs++
		s.status.LastFinish = time.Now()
		s.status.LastError = ""
		if err != nil {
			s.status.LastError = err.Error()
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("scheduled export failed", "error", err)
		}
	}()

	s.logger.Info("cron firing export")
	return s.job(ctx)
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
