package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/dataflow"
)

// Source yields the raw bytes of a graph template.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads a template from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Read(ctx context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s FileSource) String() string { return s.Path }

// ObjectSource reads a template from object storage (s3://bucket/key).
type ObjectSource struct {
	Backend dataflow.Backend
	URI     string
}

func (s ObjectSource) Read(ctx context.Context) ([]byte, error) {
	rc, err := s.Backend.Get(ctx, &dataflow.ArtifactRef{URI: s.URI})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s ObjectSource) String() string { return s.URI }

// SourceFor picks a Source for a template location. Object URIs need a
// storage backend.
func SourceFor(location string, backend dataflow.Backend) (Source, error) {
	if strings.HasPrefix(location, "s3://") {
		if backend == nil {
			return nil, fmt.Errorf("template %s needs a storage backend", location)
		}
		return ObjectSource{Backend: backend, URI: location}, nil
	}
	return FileSource{Path: location}, nil
}

// Store loads graph templates. It never writes back to its source; every
// Load returns a freshly decoded graph owned by the caller.
type Store struct {
	source Source
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewStore creates a template store reading from src.
func NewStore(src Source, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileGraphSchema()
	if err != nil {
		return nil, err
	}
	return &Store{source: src, schema: schema, logger: logger}, nil
}

// Source returns the configured template location.
func (s *Store) Source() string { return s.source.String() }

// Load reads, unwraps and validates the template.
func (s *Store) Load(ctx context.Context) (*Graph, error) {
	data, err := s.source.Read(ctx)
	if err != nil {
		return nil, &TemplateFormatError{Source: s.source.String(), Reason: "read failed", Err: err}
	}
	return s.parse(data)
}

func (s *Store) parse(data []byte) (*Graph, error) {
	src := s.source.String()

	if isYAML(src) {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, &TemplateFormatError{Source: src, Reason: "invalid YAML", Err: err}
		}
		data = converted
	}

	inner, err := Unwrap(data)
	if err != nil {
		return nil, &TemplateFormatError{Source: src, Reason: "document is not an object", Err: err}
	}

	if reason, ok := validateShape(s.schema, inner); !ok {
		return nil, &TemplateFormatError{Source: src, Reason: reason}
	}

	g := NewGraph()
	if err := g.UnmarshalJSON(inner); err != nil {
		return nil, &TemplateFormatError{Source: src, Reason: "decode graph", Err: err}
	}

	s.logger.Debug("template loaded",
		slog.String("source", src),
		slog.Int("nodes", g.Len()),
	)
	return g, nil
}

func isYAML(location string) bool {
	switch strings.ToLower(filepath.Ext(location)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
