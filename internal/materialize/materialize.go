// Package materialize downloads job inputs into the engine's input directory.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultExt is used when neither the URL nor the response names a type.
const DefaultExt = ".png"

// StagingDir is the subdirectory of the input dir that holds downloads in
// progress. It is on the same filesystem so the final rename is atomic.
const StagingDir = ".staging"

// ErrTooLarge is returned when a download exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("input exceeds size limit")

// FetchError reports a failed input download or write.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Details returns diagnostic fields for job results.
func (e *FetchError) Details() map[string]any {
	d := map[string]any{"image_url": e.URL}
	if e.Status != 0 {
		d["status"] = e.Status
	}
	return d
}

// Config holds materializer settings.
type Config struct {
	// Dir is the engine's input directory.
	Dir string

	// Timeout bounds a single download, redirects included.
	Timeout time.Duration

	// MaxBytes caps the download size (0 = unlimited).
	MaxBytes int64

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Materializer fetches remote inputs and stages them for the engine.
type Materializer struct {
	dir      string
	timeout  time.Duration
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// New creates a materializer writing into cfg.Dir.
func New(cfg *Config, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Materializer{
		dir:      cfg.Dir,
		timeout:  timeout,
		maxBytes: cfg.MaxBytes,
		// Default redirect policy follows up to 10 hops.
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
		logger: logger,
	}
}

// Materialize downloads sourceURL into the input directory under a fresh
// name and returns that file name (relative to the directory, which is how
// the engine's image loader refers to it). Every call writes a new file.
func (m *Materializer) Materialize(ctx context.Context, sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &FetchError{URL: sourceURL, Err: errors.New("unsupported url")}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &FetchError{URL: sourceURL, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	// resp.Request carries the final URL after redirects.
	name := uuid.New().String() + extensionFor(resp.Request.URL, resp.Header.Get("Content-Type"))

	if err := os.MkdirAll(filepath.Join(m.dir, StagingDir), 0o755); err != nil {
		return "", &FetchError{URL: sourceURL, Err: fmt.Errorf("create input dir: %w", err)}
	}

	size, err := m.writeFile(name, resp.Body)
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}

	m.logger.Info("input staged",
		slog.String("file", name),
		slog.Int64("bytes", size),
		slog.Duration("duration", time.Since(start)),
	)
	return name, nil
}

// writeFile streams body to a temp file under StagingDir and renames it into
// the input dir once complete. The engine never sees a partial image.
func (m *Materializer) writeFile(name string, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(m.dir, StagingDir), name+".*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	src := body
	if m.maxBytes > 0 {
		src = io.LimitReader(body, m.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write input: %w", err)
	}
	if m.maxBytes > 0 && n > m.maxBytes {
		return 0, ErrTooLarge
	}
	if n == 0 {
		return 0, errors.New("empty body")
	}
	if err := os.Rename(tmpName, filepath.Join(m.dir, name)); err != nil {
		return 0, fmt.Errorf("rename input: %w", err)
	}
	return n, nil
}

// Remove deletes a staged input. Missing files are ignored.
func (m *Materializer) Remove(name string) error {
	err := os.Remove(filepath.Join(m.dir, filepath.Base(name)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

var mimeExts = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

func extensionFor(u *url.URL, contentType string) string {
	if u != nil {
		if ext := strings.ToLower(path.Ext(u.Path)); imageExts[ext] {
			return ext
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := mimeExts[mediaType]; ok {
			return ext
		}
	}
	return DefaultExt
}
