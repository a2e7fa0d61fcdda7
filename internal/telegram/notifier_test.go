package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

type fakeBotAPI struct {
	mu       sync.Mutex
	texts    []string
	modes    []string
	rejectMD bool
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"exporter","username":"exporter_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		mode := r.FormValue("parse_mode")
		f.modes = append(f.modes, mode)
		if f.rejectMD && mode != "" {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
			return
		}
		f.texts = append(f.texts, r.FormValue("text"))
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestNotifier(t *testing.T, fake *fakeBotAPI) *Notifier {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(server.Close)

	n, err := NewWithEndpoint("123:abc", server.URL+"/bot%s/%s", 42, nil)
	if err != nil {
		t.Fatalf("NewWithEndpoint: %v", err)
	}
	return n
}

func TestNotify(t *testing.T) {
	fake := &fakeBotAPI{}
	n := newTestNotifier(t, fake)

	if err := n.Notify(context.Background(), "export finished"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(fake.texts) != 1 || fake.texts[0] != "export finished" {
		t.Errorf("unexpected messages: %v", fake.texts)
	}
}

func TestNotifyFallsBackToPlainText(t *testing.T) {
	fake := &fakeBotAPI{rejectMD: true}
	n := newTestNotifier(t, fake)

	if err := n.Notify(context.Background(), "app_id *broken"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(fake.modes) != 2 || fake.modes[1] != "" {
		t.Errorf("expected markdown then plain attempt, got %v", fake.modes)
	}
	if len(fake.texts) != 1 {
		t.Errorf("expected 1 delivered message, got %d", len(fake.texts))
	}
}

func TestNewRequiresChat(t *testing.T) {
	if _, err := NewWithEndpoint("123:abc", "http://127.0.0.1:1/bot%s/%s", 0, nil); err == nil {
		t.Fatal("expected error without chat id")
	}
}
