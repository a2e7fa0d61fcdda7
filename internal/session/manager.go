// Package session manages the lifetime of one authenticated console
// session: validate a known token, log in again when it is rejected, and
// log out when the scope ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fivehealth/smooch-logs/internal/smooch"
	"github.com/fivehealth/smooch-logs/internal/types"
)

var (
	// ErrMissingCredentials means no username or password was configured.
	ErrMissingCredentials = errors.New("smooch username and password are required")

	// ErrAuthentication wraps a failed login.
	ErrAuthentication = errors.New("smooch authentication failed")
)

// Login obtains a fresh session token for the given credentials.
type Login interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// LoginFunc adapts a function to Login.
type LoginFunc func(ctx context.Context, username, password string) (string, error)

func (f LoginFunc) Login(ctx context.Context, username, password string) (string, error) {
	return f(ctx, username, password)
}

// Session is a live authenticated session.
type Session struct {
	Token    string
	Username string
	// Logout controls whether Release invalidates the token server-side.
	Logout bool

	client *smooch.Client
}

// Client returns a web API client authenticated as this session.
func (s *Session) Client() *smooch.Client { return s.client }

// Options configures a Manager.
type Options struct {
	Username string
	Password string
	// Token is a caller-supplied session token to try before logging in.
	Token string
	// NoLogout keeps the session alive on Release.
	NoLogout bool
	// Store caches tokens between runs. Optional.
	Store  types.TokenStore
	Logger *slog.Logger
}

// Manager owns at most one Session. It is not safe for concurrent use;
// give each concurrent worker its own Manager.
type Manager struct {
	client   *smooch.Client
	login    Login
	opts     Options
	logger   *slog.Logger
	session  *Session
	released bool
}

// New validates the configuration and returns a Manager. Nothing is sent
// to the server until Acquire.
func New(client *smooch.Client, login Login, opts Options) (*Manager, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, ErrMissingCredentials
	}
	if login == nil {
		return nil, errors.New("session: login collaborator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client: client,
		login:  login,
		opts:   opts,
		logger: logger.With("username", opts.Username),
	}, nil
}

// Independent returns a Manager with the same credentials that ignores
// the caller-supplied token and the token cache. It always logs in on its
// own, so releasing it never invalidates a session another Manager holds.
func (m *Manager) Independent() *Manager {
	opts := m.opts
	opts.Token = ""
	opts.Store = nil
	return &Manager{
		client: m.client,
		login:  m.login,
		opts:   opts,
		logger: m.logger,
	}
}

// Session returns the live session, or nil.
func (m *Manager) Session() *Session { return m.session }

// Acquire returns a validated session, logging in when the known token is
// missing or rejected. Validation failures other than an authentication
// rejection are returned as is.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if m.session != nil {
		return m.session, nil
	}

	token := m.opts.Token
	if token == "" && m.opts.Store != nil {
		stored, err := m.opts.Store.Load(ctx, m.opts.Username)
		if err != nil {
			m.logger.Warn("failed to load cached session token", "error", err)
		}
		token = stored
	}

	if token != "" {
		m.logger.Debug("validating existing session")
		s := m.newSession(token)
		err := s.client.Me(ctx)
		switch {
		case err == nil:
			m.logger.Debug("current session is still valid")
			m.session = s
			return s, nil
		case errors.Is(err, smooch.ErrUnauthorized):
			m.logger.Debug("current session is invalidated, will login again")
		default:
			return nil, fmt.Errorf("validate session: %w", err)
		}
	}

	token, err := m.login.Login(ctx, m.opts.Username, m.opts.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: login returned an empty session token", ErrAuthentication)
	}
	m.logger.Info("login successful")

	if m.opts.Store != nil {
		if err := m.opts.Store.Save(ctx, m.opts.Username, token); err != nil {
			m.logger.Warn("failed to cache session token", "error", err)
		}
	}

	m.session = m.newSession(token)
	return m.session, nil
}

// Release logs out of the live session unless logout was suppressed. A
// failed logout is logged and otherwise ignored, since the session expires
// server-side anyway. Only the first call has any effect.
func (m *Manager) Release(ctx context.Context) {
	if m.released {
		return
	}
	m.released = true

	s := m.session
	m.session = nil
	if s == nil || !s.Logout {
		return
	}

	if err := s.client.Logout(ctx); err != nil {
		m.logger.Warn("error while logging out", "error", err)
	} else {
		m.logger.Info("session logout successful")
	}

	if m.opts.Store != nil {
		if err := m.opts.Store.Delete(ctx, m.opts.Username); err != nil {
			m.logger.Warn("failed to drop cached session token", "error", err)
		}
	}
}

// Do acquires a session, runs fn with it and releases the session on every
// exit path, including a panic inside fn.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	defer m.Release(context.WithoutCancel(ctx))

	s, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, s)
}

func (m *Manager) newSession(token string) *Session {
	return &Session{
		Token:    token,
		Username: m.opts.Username,
		Logout:   !m.opts.NoLogout,
		client:   m.client.WithToken(token),
	}
}
