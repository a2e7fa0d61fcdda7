// internal/sink/file.go
package sink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// FileOpener returns an Opener for local files. With appendMode set an
// existing file is extended instead of truncated.
func FileOpener(appendMode bool) Opener {
	return func(_ context.Context, u *url.URL) (io.WriteCloser, error) {
		path := filePath(u)
		if path == "" {
			return nil, fmt.Errorf("empty output path")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create output dir: %w", err)
			}
		}

		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if appendMode {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		return f, nil
	}
}

// gzipWriter compresses into an underlying destination and closes both.
// Appending to an existing .gz file yields a valid multi-member stream.
type gzipWriter struct {
	*gzip.Writer
	under io.WriteCloser
}

func newGzip(wc io.WriteCloser) io.WriteCloser {
	return &gzipWriter{Writer: gzip.NewWriter(wc), under: wc}
}

func (g *gzipWriter) Close() error {
	err := g.Writer.Close()
	if cerr := g.under.Close(); err == nil {
		err = cerr
	}
	return err
}
