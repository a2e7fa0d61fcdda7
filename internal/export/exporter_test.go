package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivehealth/smooch-logs/internal/logs"
	"github.com/fivehealth/smooch-logs/internal/session"
	"github.com/fivehealth/smooch-logs/internal/smooch"
	"github.com/fivehealth/smooch-logs/internal/state"
	"github.com/fivehealth/smooch-logs/internal/types"
)

type consoleEvent struct {
	ID string  `json:"_id"`
	TS float64 `json:"timestamp"`
}

// fakeConsole serves the web API for a set of apps. Log pages hold two
// events and use an exclusive "before".
type fakeConsole struct {
	mu       sync.Mutex
	apps     map[string][]consoleEvent
	names    map[string]string
	failLogs map[string]int // app -> remaining 502 responses on the second page
	broken   map[string]bool
	garbled  map[string]bool
	// revoked tokens are answered with 401, as after a real logout
	revoked   map[string]bool
	pageDelay time.Duration

	listCalls    atomic.Int32
	logoutCalls  atomic.Int32
	unauthorized atomic.Int32
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{
		apps:     make(map[string][]consoleEvent),
		names:    make(map[string]string),
		failLogs: make(map[string]int),
		broken:   make(map[string]bool),
		garbled:  make(map[string]bool),
		revoked:  make(map[string]bool),
	}
}

// authorized rejects requests without a session cookie or with a token
// that was logged out.
func (f *fakeConsole) authorized(w http.ResponseWriter, r *http.Request) (string, bool) {
	c, err := r.Cookie("sessionId")
	f.mu.Lock()
	ok := err == nil && !f.revoked[c.Value]
	f.mu.Unlock()
	if !ok {
		f.unauthorized.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}
	return c.Value, true
}

func (f *fakeConsole) addApp(id, name string, stamps ...float64) {
	var events []consoleEvent
	for _, ts := range stamps {
		events = append(events, consoleEvent{ID: fmt.Sprintf("%s-%g", id, ts), TS: ts})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].TS > events[j].TS })
	f.apps[id] = events
	f.names[id] = name
}

func (f *fakeConsole) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webapi/users/me", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.authorized(w, r); !ok {
			return
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /webapi/logout", func(w http.ResponseWriter, r *http.Request) {
		f.logoutCalls.Add(1)
		if c, err := r.Cookie("sessionId"); err == nil {
			f.mu.Lock()
			f.revoked[c.Value] = true
			f.mu.Unlock()
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /webapi/apps", func(w http.ResponseWriter, r *http.Request) {
		f.listCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		var apps []types.App
		for id, name := range f.names {
			apps = append(apps, types.App{ID: types.AppID(id), Name: name})
		}
		sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
		json.NewEncoder(w).Encode(map[string]any{"apps": apps})
	})
	mux.HandleFunc("GET /webapi/apps/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		name, ok := f.names[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"_id": r.PathValue("id"), "name": name})
	})
	mux.HandleFunc("GET /webapi/apps/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		before, err := strconv.ParseFloat(r.URL.Query().Get("before"), 64)
		if err != nil {
			http.Error(w, "bad before", http.StatusBadRequest)
			return
		}
		if f.pageDelay > 0 {
			time.Sleep(f.pageDelay)
		}
		if _, ok := f.authorized(w, r); !ok {
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.broken[id] {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("<html><body><h1>Internal error</h1></body></html>"))
			return
		}
		if f.garbled[id] {
			w.Write([]byte(`{"hasMore":true,"events":[{"type":"no-timestamp"}]}`))
			return
		}
		events := f.apps[id]
		if f.failLogs[id] > 0 && len(events) > 0 && before < events[0].TS {
			f.failLogs[id]--
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}

		page := struct {
			HasMore bool           `json:"hasMore"`
			Events  []consoleEvent `json:"events"`
		}{Events: []consoleEvent{}}
		for _, ev := range events {
			if ev.TS < before {
				page.HasMore = true
				if len(page.Events) < 2 {
					page.Events = append(page.Events, ev)
				}
			}
		}
		json.NewEncoder(w).Encode(page)
	})
	return mux
}

type memorySink struct {
	mu    sync.Mutex
	lines []string
	fail  error
}

func (m *memorySink) Write(raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.lines = append(m.lines, string(raw))
	return nil
}

func (m *memorySink) timestamps(t *testing.T) []float64 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float64
	for _, line := range m.lines {
		var ev consoleEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		out = append(out, ev.TS)
	}
	return out
}

type recordingNotifier struct {
	texts []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.texts = append(r.texts, text)
	return nil
}

type harness struct {
	console     *fakeConsole
	client      *smooch.Client
	logins      atomic.Int32
	checkpoints *state.CheckpointStore
	notifier    *recordingNotifier
	exporter    *Exporter
}

// newHarness wires an exporter to console. Each option adjusts the session
// options of the run's manager.
func newHarness(t *testing.T, console *fakeConsole, options ...func(*session.Options)) *harness {
	t.Helper()
	server := httptest.NewServer(console.handler())
	t.Cleanup(server.Close)

	h := &harness{
		console:     console,
		client:      smooch.New(server.URL),
		checkpoints: state.NewCheckpointStore(t.TempDir()),
		notifier:    &recordingNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	login := session.LoginFunc(func(ctx context.Context, username, password string) (string, error) {
		n := h.logins.Add(1)
		return fmt.Sprintf("token-%d", n), nil
	})

	exp, err := New(Config{
		Sessions: func() (*session.Manager, error) {
			o := session.Options{
				Username: "ops@example.com",
				Password: "secret",
				Logger:   logger,
			}
			for _, opt := range options {
				opt(&o)
			}
			return session.New(h.client, login, o)
		},
		Checkpoints: h.checkpoints,
		Notifier:    h.notifier,
		Logger:      logger,
		Now:         func() time.Time { return logs.FromUnix(10000) },
	})
	require.NoError(t, err)
	h.exporter = exp
	return h
}

func TestRunExportsAllApps(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100, 200, 300)
	console.addApp("app2", "Sales", 150, 250)
	h := newHarness(t, console)

	sink := &memorySink{}
	report, err := h.exporter.Run(context.Background(), sink, Options{})
	require.NoError(t, err)

	assert.Equal(t, []float64{300, 200, 100, 250, 150}, sink.timestamps(t))
	assert.Equal(t, int32(1), console.listCalls.Load())
	assert.Equal(t, int32(1), h.logins.Load())
	assert.Equal(t, int32(1), console.logoutCalls.Load())

	require.Len(t, report.Apps, 2)
	assert.Equal(t, types.AppID("app1"), report.Apps[0].App)
	assert.Equal(t, "Support", report.Apps[0].Name)
	assert.Equal(t, int64(3), report.Apps[0].Summary.Count)
	assert.Equal(t, int64(5), report.Total())
	assert.NotEmpty(t, report.RunID)

	cp, err := h.checkpoints.Get(context.Background(), "app1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, float64(300), cp.Newest)
	assert.Equal(t, []string{"app1-300"}, cp.NewestIDs)
	assert.Equal(t, int64(3), cp.Count)
	assert.Equal(t, report.RunID, cp.LastRunID)

	require.Len(t, h.notifier.texts, 1)
	assert.Contains(t, h.notifier.texts[0], "5 events from 2 apps")
}

func TestRunExplicitAppsSkipsListing(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100, 200)
	console.addApp("app2", "Sales", 150)
	h := newHarness(t, console)

	sink := &memorySink{}
	_, err := h.exporter.Run(context.Background(), sink, Options{
		Apps:   []types.AppID{"app2", "app2"},
		Window: logs.Window{Start: logs.FromUnix(0), End: logs.FromUnix(1000)},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{150}, sink.timestamps(t))
	assert.Equal(t, int32(0), console.listCalls.Load())
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100)
	console.addApp("app2", "Sales", 150)
	console.broken["app1"] = true
	h := newHarness(t, console)

	sink := &memorySink{}
	report, err := h.exporter.Run(context.Background(), sink, Options{})
	require.Error(t, err)

	var se *smooch.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Contains(t, se.Error(), "Internal error")
	assert.NotContains(t, se.Error(), "<h1>")

	assert.Empty(t, sink.lines)
	require.Len(t, report.Apps, 1)
	assert.Equal(t, int32(1), console.logoutCalls.Load(), "session released after failure")
	require.Len(t, h.notifier.texts, 1)
	assert.Contains(t, h.notifier.texts[0], "failure")
}

func TestRunKeepGoing(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100)
	console.addApp("app2", "Sales", 150)
	console.broken["app1"] = true
	h := newHarness(t, console)

	sink := &memorySink{}
	report, err := h.exporter.Run(context.Background(), sink, Options{KeepGoing: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app app1")

	assert.Equal(t, []float64{150}, sink.timestamps(t))
	require.Len(t, report.Apps, 2)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, types.AppID("app1"), report.Failed()[0].App)
}

func TestRunUnknownAppFails(t *testing.T) {
	console := newFakeConsole()
	h := newHarness(t, console)

	_, err := h.exporter.Run(context.Background(), &memorySink{}, Options{Apps: []types.AppID{"nope"}})
	require.Error(t, err)
	var se *smooch.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestRunRestartsFromLastEvent(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100, 200, 300, 400, 500)
	console.failLogs["app1"] = 1
	h := newHarness(t, console)

	sink := &memorySink{}
	report, err := h.exporter.Run(context.Background(), sink, Options{
		Retry: &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{500, 400, 300, 200, 100}, sink.timestamps(t))
	require.Len(t, report.Apps, 1)
	assert.Equal(t, 2, report.Apps[0].Attempts)
	assert.Equal(t, int64(5), report.Apps[0].Summary.Count)
	assert.Equal(t, float64(500), report.Apps[0].Summary.Newest)
	assert.Equal(t, float64(100), report.Apps[0].Summary.Oldest)
}

func TestRunWithoutRetryFailsOnce(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100, 200, 300, 400, 500)
	console.failLogs["app1"] = 1
	h := newHarness(t, console)

	report, err := h.exporter.Run(context.Background(), &memorySink{}, Options{})
	require.Error(t, err)
	assert.Equal(t, 1, report.Apps[0].Attempts)
}

func TestRunResumeFromCheckpoint(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100, 200, 300)
	h := newHarness(t, console)
	ctx := context.Background()

	_, err := h.exporter.Run(ctx, &memorySink{}, Options{})
	require.NoError(t, err)

	console.mu.Lock()
	console.addApp("app1", "Support", 100, 200, 300, 400, 500)
	console.mu.Unlock()

	sink := &memorySink{}
	report, err := h.exporter.Run(ctx, sink, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{500, 400}, sink.timestamps(t))

	cp, err := h.checkpoints.Get(ctx, "app1")
	require.NoError(t, err)
	assert.Equal(t, float64(500), cp.Newest)
	assert.Equal(t, int64(5), cp.Count)
	assert.Equal(t, report.RunID, cp.LastRunID)

	// nothing new: checkpoint untouched, empty summary
	sink = &memorySink{}
	report, err = h.exporter.Run(ctx, sink, Options{Resume: true})
	require.NoError(t, err)
	assert.Empty(t, sink.lines)
	assert.True(t, report.Apps[0].Summary.Empty())
	assert.Contains(t, report.String(), "no new events")
}

func TestRunSinkFailureIsNotRetried(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100, 200)
	h := newHarness(t, console)

	sink := &memorySink{fail: errors.New("disk full")}
	report, err := h.exporter.Run(context.Background(), sink, Options{Retry: DefaultRetryPolicy()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSink)
	assert.Equal(t, 1, report.Apps[0].Attempts)
}

func TestRunMalformedPageIsNotRetried(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100)
	console.garbled["app1"] = true
	h := newHarness(t, console)

	policy := DefaultRetryPolicy()
	policy.InitialDelay = time.Millisecond
	report, err := h.exporter.Run(context.Background(), &memorySink{}, Options{Retry: policy})
	require.Error(t, err)
	assert.ErrorIs(t, err, logs.ErrMalformedEvent)
	require.Len(t, report.Apps, 1)
	assert.Equal(t, 1, report.Apps[0].Attempts)
}

func TestRunParallelUsesOneSessionPerWorker(t *testing.T) {
	console := newFakeConsole()
	for i := 1; i <= 4; i++ {
		console.addApp(fmt.Sprintf("app%d", i), fmt.Sprintf("App %d", i), float64(100*i), float64(100*i+1))
	}
	h := newHarness(t, console)

	sink := &memorySink{}
	report, err := h.exporter.Run(context.Background(), sink, Options{Parallel: 3})
	require.NoError(t, err)

	assert.Len(t, sink.lines, 8)
	assert.Equal(t, int32(3), h.logins.Load())
	assert.Equal(t, int32(3), console.logoutCalls.Load())

	require.Len(t, report.Apps, 4)
	for i, res := range report.Apps {
		assert.Equal(t, types.AppID(fmt.Sprintf("app%d", i+1)), res.App)
		assert.NoError(t, res.Err)
	}
}

func TestRunParallelWorkersNeverShareASession(t *testing.T) {
	for _, tc := range []struct {
		name   string
		option func(*session.Options)
		logins int32
	}{
		{
			name: "token cache",
			option: func(o *session.Options) {
				o.Store = state.NewTokenStore(t.TempDir())
			},
			logins: 3,
		},
		{
			name: "caller token",
			option: func(o *session.Options) {
				o.Token = "preset"
			},
			logins: 2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			console := newFakeConsole()
			console.pageDelay = 2 * time.Millisecond
			console.addApp("app1", "Small", 100)
			var stamps []float64
			for i := 1; i <= 20; i++ {
				stamps = append(stamps, float64(100+i))
			}
			console.addApp("app2", "Big", stamps...)
			console.addApp("app3", "Big too", stamps...)
			h := newHarness(t, console, tc.option)

			sink := &memorySink{}
			report, err := h.exporter.Run(context.Background(), sink, Options{Parallel: 3, KeepGoing: true})
			require.NoError(t, err)
			for _, res := range report.Apps {
				assert.NoError(t, res.Err, "app %s", res.App)
			}

			assert.Len(t, sink.lines, 41)
			assert.Equal(t, int32(0), console.unauthorized.Load(), "no worker lost its session")
			assert.Equal(t, tc.logins, h.logins.Load())
			assert.Equal(t, int32(3), console.logoutCalls.Load(), "each session logged out once")
		})
	}
}

func TestRunParallelCappedByAppCount(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100)
	h := newHarness(t, console)

	_, err := h.exporter.Run(context.Background(), &memorySink{}, Options{Parallel: 8})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.logins.Load())
}

func TestRunLoginFailure(t *testing.T) {
	console := newFakeConsole()
	console.addApp("app1", "Support", 100)
	server := httptest.NewServer(console.handler())
	defer server.Close()

	client := smooch.New(server.URL)
	exp, err := New(Config{
		Sessions: func() (*session.Manager, error) {
			return session.New(client, session.LoginFunc(func(context.Context, string, string) (string, error) {
				return "", errors.New("captcha")
			}), session.Options{Username: "u", Password: "p"})
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	_, err = exp.Run(context.Background(), &memorySink{}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAuthentication)
	assert.Equal(t, int32(0), console.logoutCalls.Load())
}

func TestReportString(t *testing.T) {
	r := &Report{
		RunID:    "run-1",
		Started:  time.Unix(0, 0),
		Finished: time.Unix(65, 0),
		Apps: []AppResult{
			{App: "a", Name: "Alpha", Summary: logs.Summary{Count: 2, Oldest: 0, Newest: 60}},
			{App: "b", Err: errors.New("boom")},
		},
	}
	text := r.String()
	assert.True(t, strings.HasPrefix(text, "smooch-logs run run-1 finished with 1 failure(s)"))
	assert.Contains(t, text, "2 events from 2 apps in 1m5s")
	assert.Contains(t, text, "- Alpha (a): 2 events, 1970-01-01T00:00:00Z to 1970-01-01T00:01:00Z")
	assert.Contains(t, text, "- b: failed: boom")
	assert.ErrorContains(t, r.Err(), "app b: boom")
}

func TestNewRequiresSessions(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
