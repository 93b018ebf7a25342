// Package resolver locates the file an engine run produced.
//
// Resolution is an ordered list of strategies combined with FirstSuccess:
// the metadata strategy trusts the names in the completion record, the scan
// strategy falls back to the newest media file under the output root.
package resolver

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/comfy"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/metrics"
)

// Strategy sources.
const (
	SourceMetadata = "metadata"
	SourceScan     = "scan"
)

// Artifact is a produced file verified to exist on local disk.
type Artifact struct {
	Path     string
	Kind     string // "video" or "image"
	Source   string
	Reported string // filename from the record, empty for scan results
	Size     int64
	ModTime  time.Time
}

// Query is the input to a resolution.
type Query struct {
	Record     *comfy.Record
	OutputRoot string

	// NotBefore, when set, makes the scan ignore files modified earlier.
	NotBefore time.Time
}

// ReportedNames returns the filenames listed in the record, in order.
func (q Query) ReportedNames() []string {
	if q.Record == nil {
		return nil
	}
	var names []string
	for _, ref := range reportedRefs(q.Record) {
		names = append(names, ref.Filename)
	}
	return names
}

// reportedRefs collects video refs in reported node order. Image lists are
// included only for entries that are videos by format or extension, since
// some save nodes report their video under "images".
func reportedRefs(rec *comfy.Record) []comfy.FileRef {
	var refs []comfy.FileRef
	for _, id := range rec.Outputs.Order {
		out := rec.Outputs.Nodes[id]
		for _, k := range comfy.VideoKeys {
			refs = append(refs, out.Files(k)...)
		}
		for _, k := range comfy.ImageKeys {
			for _, ref := range out.Files(k) {
				if isVideoRef(ref) {
					refs = append(refs, ref)
				}
			}
		}
	}
	return refs
}

func isVideoRef(ref comfy.FileRef) bool {
	if strings.HasPrefix(ref.Format, "video/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(ref.Filename)) {
	case ".mp4", ".webm", ".mov", ".mkv", ".avi":
		return true
	}
	return false
}

// Strategy tries to resolve an artifact. ok is false when it found nothing.
type Strategy interface {
	Name() string
	Resolve(q Query) (a *Artifact, ok bool)
}

type firstSuccess []Strategy

// FirstSuccess returns a strategy that tries each strategy in order and
// returns the first result.
func FirstSuccess(strategies ...Strategy) Strategy { return firstSuccess(strategies) }

func (f firstSuccess) Name() string {
	names := make([]string, len(f))
	for i, s := range f {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

func (f firstSuccess) Resolve(q Query) (*Artifact, bool) {
	for _, s := range f {
		if a, ok := s.Resolve(q); ok {
			return a, true
		}
	}
	return nil, false
}

// NotFoundError is returned when no strategy found an existing file.
type NotFoundError struct {
	ReportedNames []string
	OutputRoot    string
}

func (e *NotFoundError) Error() string {
	if len(e.ReportedNames) == 0 {
		return fmt.Sprintf("no artifact reported and none found under %s", e.OutputRoot)
	}
	return fmt.Sprintf("artifact not found under %s (reported %s)", e.OutputRoot, strings.Join(e.ReportedNames, ", "))
}

// Details returns diagnostic fields for job results.
func (e *NotFoundError) Details() map[string]any {
	return map[string]any{
		"reported_filenames": e.ReportedNames,
		"output_dir":         e.OutputRoot,
	}
}

// Resolver runs a strategy chain.
type Resolver struct {
	strategy Strategy
	logger   *slog.Logger
}

// New creates a resolver. With no strategies it uses metadata then scan.
func New(logger *slog.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(strategies) == 0 {
		strategies = []Strategy{MetadataStrategy{}, ScanStrategy{}}
	}
	return &Resolver{strategy: FirstSuccess(strategies...), logger: logger}
}

// Resolve returns the artifact for q or a *NotFoundError.
func (r *Resolver) Resolve(q Query) (*Artifact, error) {
	a, ok := r.strategy.Resolve(q)
	if !ok {
		metrics.ArtifactResolutions.WithLabelValues("none").Inc()
		return nil, &NotFoundError{ReportedNames: q.ReportedNames(), OutputRoot: q.OutputRoot}
	}
	metrics.ArtifactResolutions.WithLabelValues(a.Source).Inc()
	r.logger.Info("artifact resolved",
		slog.String("path", a.Path),
		slog.String("source", a.Source),
		slog.Int64("bytes", a.Size),
	)
	return a, nil
}

// statFile returns file info if path is an existing regular file.
func statFile(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	return info, true
}

var videoExts = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".mkv": true, ".avi": true, ".gif": true, ".webp": true,
}

func kindOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gif", ".webp", ".png", ".jpg", ".jpeg":
		return "image"
	}
	return "video"
}
