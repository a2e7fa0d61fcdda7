// internal/export/report.go
package export

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fivehealth/smooch-logs/internal/logs"
	"github.com/fivehealth/smooch-logs/internal/types"
)

// AppResult is the outcome of one application's download.
type AppResult struct {
	App      types.AppID  `json:"app_id"`
	Name     string       `json:"name,omitempty"`
	Summary  logs.Summary `json:"summary"`
	Attempts int          `json:"attempts"`
	Err      error        `json:"-"`
}

// Report collects the results of a run. Workers add to it concurrently.
type Report struct {
	RunID    types.RunID `json:"run_id"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
	Apps     []AppResult `json:"apps"`

	mu    sync.Mutex
	order []types.AppID
}

func (r *Report) add(res AppResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Apps = append(r.Apps, res)
}

// sort puts results back into the order the applications were resolved in.
func (r *Report) sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	slices.SortStableFunc(r.Apps, func(a, b AppResult) int {
		return slices.Index(r.order, a.App) - slices.Index(r.order, b.App)
	})
}

// Total returns the number of events written.
func (r *Report) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.Apps {
		n += a.Summary.Count
	}
	return n
}

// Failed returns the results that ended in an error.
func (r *Report) Failed() []AppResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AppResult
	for _, a := range r.Apps {
		if a.Err != nil {
			out = append(out, a)
		}
	}
	return out
}

// Err joins the errors of all failed applications.
func (r *Report) Err() error {
	var errs []error
	for _, a := range r.Failed() {
		errs = append(errs, fmt.Errorf("app %s: %w", a.App, a.Err))
	}
	return errors.Join(errs...)
}

// String renders the report for a chat message.
func (r *Report) String() string {
	failed := len(r.Failed())
	total := r.Total()

	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	status := "finished"
	if failed > 0 {
		status = fmt.Sprintf("finished with %d failure(s)", failed)
	}
	fmt.Fprintf(&b, "smooch-logs run %s %s\n", r.RunID, status)
	fmt.Fprintf(&b, "%d events from %d apps in %s\n", total, len(r.Apps), r.Finished.Sub(r.Started).Round(time.Second))
	for _, a := range r.Apps {
		label := string(a.App)
		if a.Name != "" {
			label = fmt.Sprintf("%s (%s)", a.Name, a.App)
		}
		switch {
		case a.Err != nil:
			fmt.Fprintf(&b, "- %s: failed: %v\n", label, a.Err)
		case a.Summary.Empty():
			fmt.Fprintf(&b, "- %s: no new events\n", label)
		default:
			fmt.Fprintf(&b, "- %s: %d events, %s to %s\n", label, a.Summary.Count,
				logs.FromUnix(a.Summary.Oldest).Format(time.RFC3339),
				logs.FromUnix(a.Summary.Newest).Format(time.RFC3339))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
