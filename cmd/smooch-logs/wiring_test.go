package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fivehealth/smooch-logs/internal/config"
	"github.com/fivehealth/smooch-logs/internal/state"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Username = "ops@example.com"
	cfg.Password = "secret"
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewAppUsesFileTokenStore(t *testing.T) {
	a := testApp(t)
	if _, ok := a.tokens.(*state.TokenStore); !ok {
		t.Fatalf("expected file token store, got %T", a.tokens)
	}
	if a.login.Timeout != 10*time.Second {
		t.Errorf("expected 10s element timeout, got %s", a.login.Timeout)
	}
}

func TestNewAppWithoutTokenStore(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.TokenStore = "none"
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if a.tokens != nil {
		t.Errorf("expected no token store, got %T", a.tokens)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	a := testApp(t)
	p := a.retryPolicy()
	if p.MaxAttempts != 3 || p.InitialDelay != time.Second || p.MaxDelay != 30*time.Second {
		t.Errorf("unexpected policy %+v", p)
	}

	a.cfg.Retry.MaxAttempts = 1
	if got := a.retryPolicy().MaxAttempts; got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestSessionsFactoryRequiresCredentials(t *testing.T) {
	a := testApp(t)
	if _, err := a.sessions("", false)(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.cfg.Password = ""
	if _, err := a.sessions("", false)(); err == nil {
		t.Fatal("expected missing credentials error")
	}
}

func TestCurrentTokenPrecedence(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	if err := a.tokens.Save(ctx, a.cfg.Username, "cached"); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		explicit, configured, want string
	}{
		{"flag", "cfg", "flag"},
		{"", "cfg", "cfg"},
		{"", "", "cached"},
	} {
		a.cfg.SessionID = tc.configured
		got, err := a.currentToken(ctx, tc.explicit)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("explicit=%q configured=%q: got %q, want %q", tc.explicit, tc.configured, got, tc.want)
		}
	}
}
