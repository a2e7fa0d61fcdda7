// Package logs walks an application's event log backward in time and
// yields the events that fall inside a requested window.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fivehealth/smooch-logs/internal/smooch"
	"github.com/fivehealth/smooch-logs/internal/types"
)

// ErrCursorStalled is returned when a page neither moves the cursor back
// in time nor contains any event not already seen. Continuing would
// request the same page forever.
var ErrCursorStalled = errors.New("log cursor stalled")

// ErrMalformedEvent is returned for a log record that cannot be decoded or
// carries no timestamp. The server returns the same page on every request,
// so it is permanent.
var ErrMalformedEvent = errors.New("malformed log event")

const progressEvery = 10000

// Pager fetches one page of events logged strictly before a timestamp.
type Pager interface {
	Logs(ctx context.Context, id types.AppID, before float64) (*smooch.LogPage, error)
}

// Options tunes an Iterator.
type Options struct {
	// KeepBoundaryDuplicates yields an event again when the server repeats
	// the oldest event of one page at the head of the next one.
	KeepBoundaryDuplicates bool

	// ResumeBefore starts the cursor here instead of at the window end.
	// SeenAtCursor lists identities already yielded at that timestamp.
	ResumeBefore float64
	SeenAtCursor []string

	// SkipAtStart lists identities of events at exactly the window start
	// that were exported by an earlier run.
	SkipAtStart []string

	Logger *slog.Logger
	Now    func() time.Time
}

// Event is a log record. Raw holds the record exactly as the server sent it.
type Event struct {
	Timestamp float64
	ID        string
	Raw       json.RawMessage
}

// Key identifies the event for duplicate detection.
func (e Event) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return string(e.Raw)
}

// Summary describes what an Iterator produced.
type Summary struct {
	Count  int64
	Oldest float64
	Newest float64
	Pages  int
}

func (s Summary) Empty() bool { return s.Count == 0 }

// Iterator is a single-pass, pull-based sequence of events for one
// application. It is not safe for concurrent use.
//
//	it := logs.New(client, appID, window, logs.Options{})
//	for it.Next(ctx) {
//		write(it.Event())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	pager  Pager
	app    types.AppID
	start  float64
	cursor float64
	opts   Options
	logger *slog.Logger

	page      []json.RawMessage
	pos       int
	pageIndex int
	pageFresh int
	pageLast  float64

	// identities seen at groupTS, mapped to the page they first appeared on
	groupTS float64
	group   map[string]int
	skip    map[string]struct{}

	cur     Event
	err     error
	done    bool
	summary Summary
}

// New creates an iterator over app's events inside w.
func New(pager Pager, app types.AppID, w Window, opts Options) *Iterator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start, end := w.Bounds(opts.Now())

	it := &Iterator{
		pager:   pager,
		app:     app,
		start:   start,
		cursor:  end,
		opts:    opts,
		logger:  logger.With("app_id", string(app)),
		groupTS: end,
		group:   make(map[string]int),
	}
	if opts.ResumeBefore > 0 {
		it.cursor = opts.ResumeBefore
		it.groupTS = opts.ResumeBefore
	}
	for _, key := range opts.SeenAtCursor {
		it.group[key] = 0
	}
	if len(opts.SkipAtStart) > 0 {
		it.skip = make(map[string]struct{}, len(opts.SkipAtStart))
		for _, key := range opts.SkipAtStart {
			it.skip[key] = struct{}{}
		}
	}

	it.logger.Info("start downloading logs",
		"from", FromUnix(start).Format(time.RFC3339Nano),
		"to", FromUnix(end).Format(time.RFC3339Nano),
	)
	return it
}

// Next advances to the next event. It returns false when the sequence is
// exhausted or an error occurred; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	for {
		if it.pos >= len(it.page) {
			if it.pageIndex > 0 && !it.advance() {
				return false
			}
			if !it.fetch(ctx) {
				return false
			}
			continue
		}

		raw := it.page[it.pos]
		it.pos++

		ev, err := decodeEvent(raw)
		if err != nil {
			it.fail(fmt.Errorf("decode event %d of page %d: %w: %w", it.pos, it.pageIndex, ErrMalformedEvent, err))
			return false
		}
		it.pageLast = ev.Timestamp

		if ev.Timestamp < it.start {
			it.finish()
			return false
		}
		if it.duplicate(ev) {
			continue
		}

		it.cur = ev
		it.record(ev)
		return true
	}
}

// Event returns the current event. Valid only after Next returned true.
func (it *Iterator) Event() Event { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Summary returns counts for the events yielded so far.
func (it *Iterator) Summary() Summary { return it.summary }

// Cursor returns the current "before" value.
func (it *Iterator) Cursor() float64 { return it.cursor }

// ResumePoint returns the timestamp of the oldest event yielded so far and
// the identities yielded at it, suitable for Options.ResumeBefore and
// SeenAtCursor. Before anything was yielded it returns the cursor.
func (it *Iterator) ResumePoint() (before float64, seen []string) {
	if len(it.group) == 0 {
		return it.cursor, nil
	}
	for key := range it.group {
		seen = append(seen, key)
	}
	return it.groupTS, seen
}

func (it *Iterator) fetch(ctx context.Context) bool {
	page, err := it.pager.Logs(ctx, it.app, it.cursor)
	if err != nil {
		it.fail(fmt.Errorf("fetch logs for %s before %s: %w", it.app, formatTS(it.cursor), err))
		return false
	}
	it.summary.Pages++

	if !page.HasMore {
		if len(page.Events) > 0 {
			it.logger.Debug("terminal page carries events, not consumed", "events", len(page.Events))
		}
		it.finish()
		return false
	}

	it.page = page.Events
	it.pos = 0
	it.pageIndex++
	it.pageFresh = 0
	return true
}

// advance moves the cursor to the oldest event of the page just consumed.
func (it *Iterator) advance() bool {
	if len(it.page) == 0 || (it.pageLast >= it.cursor && it.pageFresh == 0) {
		it.fail(fmt.Errorf("%w for %s at %s", ErrCursorStalled, it.app, formatTS(it.cursor)))
		return false
	}
	it.cursor = it.pageLast
	return true
}

// duplicate reports whether ev was already seen on an earlier page, and
// tracks identities for the oldest timestamp observed so far.
func (it *Iterator) duplicate(ev Event) bool {
	key := ev.Key()

	if ev.Timestamp == it.start && it.skip != nil {
		if _, ok := it.skip[key]; ok {
			return true
		}
	}

	if ev.Timestamp != it.groupTS {
		it.groupTS = ev.Timestamp
		it.group = make(map[string]int)
	}
	seenOn, seen := it.group[key]
	if !seen {
		it.group[key] = it.pageIndex
		it.pageFresh++
		return false
	}
	if seenOn == it.pageIndex {
		// repeated within one page: a distinct record, not a boundary repeat
		return false
	}
	return !it.opts.KeepBoundaryDuplicates
}

func (it *Iterator) record(ev Event) {
	s := &it.summary
	if s.Count == 0 || ev.Timestamp < s.Oldest {
		s.Oldest = ev.Timestamp
	}
	if s.Count == 0 || ev.Timestamp > s.Newest {
		s.Newest = ev.Timestamp
	}
	s.Count++

	if s.Count%progressEvery == 0 {
		it.logger.Debug("download progress", "count", s.Count, "since", formatTS(ev.Timestamp))
	}
}

func (it *Iterator) finish() {
	it.done = true
	it.page = nil
	s := it.summary
	if s.Empty() {
		it.logger.Info("no log entries available to download", "pages", s.Pages)
		return
	}
	it.logger.Info("downloaded log entries",
		"count", s.Count,
		"oldest", formatTS(s.Oldest),
		"newest", formatTS(s.Newest),
		"pages", s.Pages,
	)
}

func (it *Iterator) fail(err error) {
	it.done = true
	it.page = nil
	it.err = err
}

type eventHeader struct {
	Timestamp *float64        `json:"timestamp"`
	ID        json.RawMessage `json:"_id"`
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	var h eventHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return Event{}, err
	}
	if h.Timestamp == nil {
		return Event{}, errors.New("missing timestamp")
	}
	ev := Event{Timestamp: *h.Timestamp, Raw: raw}
	if len(h.ID) > 0 && string(h.ID) != "null" {
		var id string
		if err := json.Unmarshal(h.ID, &id); err != nil {
			id = string(h.ID)
		}
		ev.ID = id
	}
	return ev, nil
}

func formatTS(ts float64) string {
	return FromUnix(ts).Format(time.RFC3339Nano)
}
