package smooch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var (
	// ErrUnauthorized is matched by errors.Is for 401 and 403 responses.
	ErrUnauthorized = errors.New("smooch: unauthorized")

	// ErrMalformedResponse wraps a 2xx body that is not the expected JSON.
	ErrMalformedResponse = errors.New("smooch: malformed response")
)

const maxErrorBodyChars = 512

// StatusError is returned for any non-2xx response from the web API.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("smooch API error (%s %s, status %d)", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("smooch API error (%s %s, status %d): %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if IsAuthStatus(e.StatusCode) {
		return ErrUnauthorized
	}
	return nil
}

// IsAuthStatus reports whether code means the session was rejected.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func newStatusError(req *http.Request, resp *http.Response, body []byte) *StatusError {
	return &StatusError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       excerpt(resp.Header.Get("Content-Type"), body),
	}
}

// excerpt renders an error body for humans. The console answers some
// failures with full HTML pages, which are flattened to markdown first.
func excerpt(contentType string, body []byte) string {
	text := strings.TrimSpace(string(body))
	if strings.Contains(contentType, "text/html") && text != "" {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			text = strings.TrimSpace(md)
		}
	}
	return truncate(text, maxErrorBodyChars)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
