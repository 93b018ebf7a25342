package resolver

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// ScanStrategy walks the output root for media files and picks the most
// recently modified one. Ties are broken by path so the result is stable.
type ScanStrategy struct {
	// Exts overrides the accepted extensions (lower case, with dot).
	Exts map[string]bool
}

func (ScanStrategy) Name() string { return SourceScan }

func (s ScanStrategy) Resolve(q Query) (*Artifact, bool) {
	if q.OutputRoot == "" {
		return nil, false
	}
	exts := s.Exts
	if exts == nil {
		exts = videoExts
	}

	var best *Artifact
	filepath.WalkDir(q.OutputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() && path != q.OutputRoot {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		mod := info.ModTime()
		if !q.NotBefore.IsZero() && mod.Before(q.NotBefore) {
			return nil
		}
		if best == nil || mod.After(best.ModTime) || (mod.Equal(best.ModTime) && path > best.Path) {
			best = &Artifact{
				Path:    path,
				Kind:    kindOf(path),
				Source:  SourceScan,
				Size:    info.Size(),
				ModTime: mod,
			}
		}
		return nil
	})
	return best, best != nil
}
