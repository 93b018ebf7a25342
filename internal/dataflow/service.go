// Package dataflow moves artifacts in and out of object storage.
package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrObjectExists is returned by Put when key is already taken.
var ErrObjectExists = errors.New("object already exists")

// ArtifactRef represents a reference to an object in storage.
type ArtifactRef struct {
	// URI is the full object path (e.g., "s3://bucket/outputs/x.mp4")
	URI string `json:"uri"`

	// ContentType is the MIME type
	ContentType string `json:"content_type,omitempty"`

	// Size in bytes
	Size int64 `json:"size,omitempty"`

	// Checksum (SHA256)
	Checksum string `json:"checksum,omitempty"`

	// CreatedAt timestamp
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Backend defines the storage backend interface.
type Backend interface {
	// Put stores data under key. data is read once for the checksum and
	// rewound before upload. Existing keys are never overwritten.
	Put(ctx context.Context, key string, data io.ReadSeeker, contentType string) (*ArtifactRef, error)

	// Get retrieves data for an object
	Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error)

	// PresignGet generates a presigned URL for download
	PresignGet(ctx context.Context, ref *ArtifactRef, expiry time.Duration) (string, error)
}

// Config holds storage backend configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio", "r2"
	Type string

	// Endpoint is a full URL ("https://acct.r2.cloudflarestorage.com") or a
	// bare host ("minio.mentatlab.svc:9000") combined with UseSSL.
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// NewBackend creates the configured backend.
func NewBackend(cfg *Config) (Backend, error) {
	if cfg == nil {
		return NewMemoryBackend(), nil
	}
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "s3", "minio", "r2":
		b, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// checksum hashes the remaining content of r and rewinds it.
func checksum(r io.ReadSeeker) (sum string, size int64, err error) {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", 0, fmt.Errorf("seek: %w", err)
	}
	h := sha256.New()
	size, err = io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("read data: %w", err)
	}
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// MemoryBackend provides an in-memory storage backend for tests and local runs.
type MemoryBackend struct {
	mu        sync.RWMutex
	artifacts map[string]*memoryArtifact
}

type memoryArtifact struct {
	ref  *ArtifactRef
	data []byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		artifacts: make(map[string]*memoryArtifact),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, key string, data io.ReadSeeker, contentType string) (*ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum, _, err := checksum(data)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	ref := &ArtifactRef{
		URI:         "memory://" + key,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    sum,
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.artifacts[key]; taken {
		return nil, fmt.Errorf("put %s: %w", key, ErrObjectExists)
	}
	m.artifacts[key] = &memoryArtifact{ref: ref, data: content}
	return ref, nil
}

// Get accepts memory:// URIs, bare keys and s3://bucket/key (bucket ignored),
// so templates addressed by S3 URI can be served in local runs.
func (m *MemoryBackend) Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error) {
	key := strings.TrimPrefix(ref.URI, "memory://")
	if rest, ok := strings.CutPrefix(key, "s3://"); ok {
		if _, k, found := strings.Cut(rest, "/"); found {
			key = k
		}
	}
	m.mu.RLock()
	artifact, ok := m.artifacts[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", ref.URI)
	}
	return io.NopCloser(bytes.NewReader(artifact.data)), nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, ref *ArtifactRef, expiry time.Duration) (string, error) {
	// Memory backend doesn't support presigned URLs
	return "", fmt.Errorf("presigned URLs not supported for memory backend")
}

// Keys returns the stored keys.
func (m *MemoryBackend) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.artifacts))
	for k := range m.artifacts {
		keys = append(keys, k)
	}
	return keys
}

// Object returns the stored bytes and ref for key.
func (m *MemoryBackend) Object(key string) ([]byte, *ArtifactRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[key]
	if !ok {
		return nil, nil, false
	}
	return a.data, a.ref, true
}
