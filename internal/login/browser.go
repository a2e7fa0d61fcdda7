// Package login obtains a console session token by signing in through a
// headless Chrome, since the console offers no API login.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/fivehealth/smooch-logs/internal/smooch"
)

const (
	DefaultTimeout = 10 * time.Second
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/84.0.4147.105 Safari/537.36"
)

// Browser drives the console sign-in form.
type Browser struct {
	BaseURL string
	// ChromePath is the Chrome binary. Empty lets chromedp search the
	// usual install locations.
	ChromePath string
	// Timeout bounds each wait for a page element.
	Timeout  time.Duration
	Headless bool
	Logger   *slog.Logger
}

// NewBrowser returns a headless Browser for baseURL.
func NewBrowser(baseURL, chromePath string, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		BaseURL:    baseURL,
		ChromePath: chromePath,
		Timeout:    DefaultTimeout,
		Headless:   true,
		Logger:     logger,
	}
}

// Login signs in as username and returns the value of the session cookie.
func (b *Browser) Login(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", errors.New("login: username and password are required")
	}
	baseURL := strings.TrimRight(b.BaseURL, "/")
	if baseURL == "" {
		baseURL = smooch.DefaultBaseURL
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tempDir, err := os.MkdirTemp("", "smooch-logs-chrome-*")
	if err != nil {
		return "", fmt.Errorf("create chrome profile dir: %w", err)
	}
	defer os.RemoveAll(tempDir)
	logger.Debug("using temporary chrome profile", "dir", tempDir, "chrome", b.ChromePath)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.allocatorOptions(tempDir)...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer cancelBrowser()

	fillCtx, cancelFill := context.WithTimeout(browserCtx, 3*timeout)
	defer cancelFill()
	err = chromedp.Run(fillCtx,
		chromedp.Navigate(baseURL),
		chromedp.WaitVisible(`input[name="email"]`, chromedp.ByQuery),
		chromedp.Clear(`input[name="email"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="email"]`, username, chromedp.ByQuery),
		chromedp.Clear(`input[name="password"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"]`, password+kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("fill login form: %w", err)
	}

	waitCtx, cancelWait := context.WithTimeout(browserCtx, timeout)
	defer cancelWait()
	err = chromedp.Run(waitCtx,
		chromedp.WaitReady(fmt.Sprintf(`//a/small[contains(text(),%s)]`, xpathLiteral(username)), chromedp.BySearch),
		chromedp.WaitReady(`//*[text()="Create new app"]`, chromedp.BySearch),
	)
	if err != nil {
		return "", fmt.Errorf("wait for console after sign-in: %w", err)
	}
	logger.Info("browser login successful", "username", username)

	var token string
	err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithURLs([]string{baseURL}).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			if c.Name == smooch.SessionCookie {
				token = c.Value
				return nil
			}
		}
		return fmt.Errorf("no %s cookie after sign-in", smooch.SessionCookie)
	}))
	if err != nil {
		return "", fmt.Errorf("read session cookie: %w", err)
	}
	return token, nil
}

func (b *Browser) allocatorOptions(tempDir string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.IgnoreCertErrors,
		chromedp.UserDataDir(filepath.Join(tempDir, "user_data_dir")),
		chromedp.Flag("disk-cache-dir", filepath.Join(tempDir, "cache_dir")),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1280, 1024),
	)
	if b.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(b.ChromePath))
	}
	return opts
}

// xpathLiteral quotes s for use in an XPath 1.0 expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		quoted = append(quoted, `"`+p+`"`)
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}
