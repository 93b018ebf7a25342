package resolver

import (
	"path/filepath"
	"strings"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/comfy"
)

// commonSubfolders are tried after the reported location.
var commonSubfolders = []string{"video", "videos"}

// MetadataStrategy resolves the file named by the completion record. The
// engine appends outputs in production order, so only the last reported file
// (the final pass) is considered; if it is not on disk the strategy yields
// nothing and resolution moves on to the scan.
type MetadataStrategy struct{}

func (MetadataStrategy) Name() string { return SourceMetadata }

func (MetadataStrategy) Resolve(q Query) (*Artifact, bool) {
	if q.Record == nil {
		return nil, false
	}
	refs := reportedRefs(q.Record)
	if len(refs) == 0 {
		return nil, false
	}
	last := refs[len(refs)-1]
	for _, path := range Candidates(q.OutputRoot, last) {
		info, ok := statFile(path)
		if !ok {
			continue
		}
		return &Artifact{
			Path:     path,
			Kind:     kindOf(path),
			Source:   SourceMetadata,
			Reported: last.Filename,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		}, true
	}
	return nil, false
}

// Candidates lists the paths a reported file may live at, most specific
// first. Names that try to climb out of root are confined to it.
func Candidates(root string, ref comfy.FileRef) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if filepath.IsAbs(ref.Filename) {
		add(filepath.Clean(ref.Filename))
	}
	name := filepath.Base(ref.Filename)
	if name == "." || name == string(filepath.Separator) {
		return out
	}
	if sub := safeRel(ref.Subfolder); sub != "" {
		add(filepath.Join(root, sub, name))
	}
	if rel := safeRel(ref.Filename); rel != "" && !filepath.IsAbs(ref.Filename) {
		add(filepath.Join(root, rel))
	}
	add(filepath.Join(root, name))
	for _, sub := range commonSubfolders {
		add(filepath.Join(root, sub, name))
	}
	return out
}

// safeRel cleans a relative path and drops it if it escapes its base.
func safeRel(p string) string {
	if p == "" {
		return ""
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return ""
	}
	return clean
}
