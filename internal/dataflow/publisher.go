package dataflow

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/metrics"
)

// DefaultKeyPrefix is the key namespace for published outputs.
const DefaultKeyPrefix = "outputs"

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".gif":  "image/gif",
	".webp": "image/webp",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// ContentType returns the MIME type for a file name.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// PublishError is returned when an artifact could not be uploaded.
type PublishError struct {
	Key  string
	Path string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s as %s: %v", e.Path, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Details returns diagnostic fields for job results.
func (e *PublishError) Details() map[string]any {
	return map[string]any{"key": e.Key, "local_path": e.Path}
}

// Published is an uploaded artifact.
type Published struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	URI         string `json:"uri"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
}

// PublisherConfig controls key and URL construction.
type PublisherConfig struct {
	KeyPrefix string

	// Bucket and Endpoint build the fallback URL <endpoint>/<bucket>/<key>.
	Bucket   string
	Endpoint string

	// PublicBase, when set, replaces the endpoint in returned URLs.
	PublicBase string

	// IncludeBucket keeps the bucket segment after PublicBase.
	IncludeBucket bool

	// PresignExpiry, when positive and no PublicBase is set, returns a
	// presigned download URL instead of the raw endpoint form.
	PresignExpiry time.Duration
}

// Publisher uploads local artifacts under fresh keys.
type Publisher struct {
	backend Backend
	cfg     PublisherConfig
	logger  *slog.Logger
}

// NewPublisher creates a publisher writing through backend.
func NewPublisher(backend Backend, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	cfg.KeyPrefix = strings.Trim(cfg.KeyPrefix, "/")
	return &Publisher{backend: backend, cfg: cfg, logger: logger}
}

// NewKey returns a key that has never been issued before.
func (p *Publisher) NewKey(localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	if ext == "" {
		ext = ".mp4"
	}
	return path.Join(p.cfg.KeyPrefix, strings.ReplaceAll(uuid.New().String(), "-", "")+ext)
}

// Publish uploads the file at localPath and returns its location.
func (p *Publisher) Publish(ctx context.Context, localPath string) (*Published, error) {
	key := p.NewKey(localPath)
	fail := func(err error) (*Published, error) {
		return nil, &PublishError{Key: key, Path: localPath, Err: err}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	ct := ContentType(localPath)
	start := time.Now()
	ref, err := p.backend.Put(ctx, key, f, ct)
	if err != nil {
		return fail(err)
	}

	url, err := p.url(ctx, key, ref)
	if err != nil {
		return fail(err)
	}

	metrics.UploadBytes.Observe(float64(ref.Size))
	p.logger.Info("artifact published",
		slog.String("key", key),
		slog.String("content_type", ct),
		slog.Int64("bytes", ref.Size),
		slog.Duration("elapsed", time.Since(start)),
	)
	return &Published{
		Key:         key,
		URL:         url,
		URI:         ref.URI,
		ContentType: ct,
		Size:        ref.Size,
		Checksum:    ref.Checksum,
	}, nil
}

func (p *Publisher) url(ctx context.Context, key string, ref *ArtifactRef) (string, error) {
	if base := strings.TrimRight(p.cfg.PublicBase, "/"); base != "" {
		if p.cfg.IncludeBucket && p.cfg.Bucket != "" {
			return base + "/" + p.cfg.Bucket + "/" + key, nil
		}
		return base + "/" + key, nil
	}
	if p.cfg.PresignExpiry > 0 {
		return p.backend.PresignGet(ctx, ref, p.cfg.PresignExpiry)
	}
	return strings.TrimRight(p.cfg.Endpoint, "/") + "/" + p.cfg.Bucket + "/" + key, nil
}
