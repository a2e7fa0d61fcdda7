package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fivehealth/smooch-logs/internal/config"
	"github.com/fivehealth/smooch-logs/internal/export"
	"github.com/fivehealth/smooch-logs/internal/login"
	"github.com/fivehealth/smooch-logs/internal/session"
	"github.com/fivehealth/smooch-logs/internal/sink"
	"github.com/fivehealth/smooch-logs/internal/smooch"
	"github.com/fivehealth/smooch-logs/internal/state"
	"github.com/fivehealth/smooch-logs/internal/telegram"
	"github.com/fivehealth/smooch-logs/internal/types"
)

// app holds the collaborators shared by every command that talks to the
// console.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	client *smooch.Client
	login  *login.Browser
	tokens types.TokenStore
	close  func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	browser := login.NewBrowser(cfg.BaseURL, cfg.Chrome.Binary, logger.With("component", "login"))
	if d := cfg.ChromeTimeout(); d > 0 {
		browser.Timeout = d
	}
	browser.Headless = cfg.Chrome.Headless

	a := &app{
		cfg:    cfg,
		logger: logger,
		client: smooch.New(cfg.BaseURL),
		login:  browser,
		close:  func() {},
	}

	switch cfg.TokenStore {
	case "file":
		a.tokens = state.NewTokenStore(cfg.DataDir)
	case "redis":
		rdb, err := session.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.tokens = session.NewRedisStore(rdb, cfg.RedisTTL())
		a.close = func() { rdb.Close() }
	}
	return a, nil
}

// sessions returns a factory producing one Manager per call. token, when
// set, overrides the configured session id.
func (a *app) sessions(token string, noLogout bool) func() (*session.Manager, error) {
	if token == "" {
		token = a.cfg.SessionID
	}
	return func() (*session.Manager, error) {
		return session.New(a.client, a.login, session.Options{
			Username: a.cfg.Username,
			Password: a.cfg.Password,
			Token:    token,
			NoLogout: noLogout || a.cfg.NoLogout,
			Store:    a.tokens,
			Logger:   a.logger.With("component", "session"),
		})
	}
}

func (a *app) checkpoints() *state.CheckpointStore {
	return state.NewCheckpointStore(filepath.Join(a.cfg.DataDir, "checkpoints"))
}

// notifier returns the Telegram notifier, or nil when it is not configured.
func (a *app) notifier() export.Notifier {
	tg := a.cfg.Telegram
	if tg.Token == "" || tg.ChatID == 0 {
		return nil
	}
	n, err := telegram.New(tg.Token, tg.ChatID, a.logger.With("component", "telegram"))
	if err != nil {
		a.logger.Warn("telegram notifications disabled", "error", err)
		return nil
	}
	return n
}

func (a *app) exporter(token string, noLogout bool) (*export.Exporter, error) {
	return export.New(export.Config{
		Sessions:    a.sessions(token, noLogout),
		Checkpoints: a.checkpoints(),
		Notifier:    a.notifier(),
		Logger:      a.logger,
	})
}

func (a *app) retryPolicy() *export.RetryPolicy {
	r := a.cfg.Retry
	if r.MaxAttempts <= 1 {
		return export.NoRetry()
	}
	initial, maxDelay := a.cfg.RetryDelays()
	return &export.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: initial,
		Multiplier:   r.Multiplier,
		MaxDelay:     maxDelay,
	}
}

func (a *app) sinks(appendMode bool) *sink.Registry {
	s3cfg := a.cfg.S3
	return sink.Standard(appendMode, func(ctx context.Context) (sink.S3Client, error) {
		client, err := sink.NewS3Client(ctx, sink.S3Options{
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			ForcePathStyle:  s3cfg.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return client, nil
	})
}
