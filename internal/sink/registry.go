// internal/sink/registry.go
package sink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Opener creates the destination named by u.
type Opener func(ctx context.Context, u *url.URL) (io.WriteCloser, error)

// Registry routes output targets to an Opener by URI scheme
// (e.g. "file", "s3"). A bare path is treated as a file.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
	stdout  io.Writer
}

// NewRegistry creates an empty registry. "-" always means stdout.
func NewRegistry() *Registry {
	return &Registry{
		openers: make(map[string]Opener),
		stdout:  os.Stdout,
	}
}

// Register adds an opener for targets using scheme.
func (r *Registry) Register(scheme string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = opener
}

// SetStdout replaces the writer used for "-".
func (r *Registry) SetStdout(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout = w
}

// Open resolves target and returns a line writer for it. Targets ending
// in ".gz" are gzip-compressed regardless of scheme.
func (r *Registry) Open(ctx context.Context, target string) (*Writer, error) {
	if target == "" || target == "-" {
		r.mu.RLock()
		w := r.stdout
		r.mu.RUnlock()
		return NewWriter(nopCloser{w}), nil
	}

	u := parseTarget(target)

	r.mu.RLock()
	opener, ok := r.openers[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no output handler for scheme %q: %s", u.Scheme, target)
	}

	wc, err := opener(ctx, u)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".gz") {
		wc = newGzip(wc)
	}
	return NewWriter(wc), nil
}

// parseTarget returns target as a URL, mapping bare paths and Windows
// drive letters to the file scheme.
func parseTarget(target string) *url.URL {
	u, err := url.Parse(target)
	if err != nil || len(u.Scheme) <= 1 {
		return &url.URL{Scheme: "file", Path: target}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u
}

// filePath returns the local path of a file:// URL. "file://rel/x" keeps
// the host as the first path element.
func filePath(u *url.URL) string {
	if u.Opaque != "" {
		return filepath.FromSlash(u.Opaque)
	}
	return filepath.FromSlash(u.Host + u.Path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Standard returns a registry handling file targets and, when newS3 is
// set, s3 targets.
func Standard(appendMode bool, newS3 func(ctx context.Context) (S3Client, error)) *Registry {
	r := NewRegistry()
	r.Register("file", FileOpener(appendMode))
	if newS3 != nil {
		r.Register("s3", S3Opener(newS3))
	}
	return r
}
