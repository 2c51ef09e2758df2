package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// imageExtensions is the fast pre-filter applied during discovery; the
// authoritative check is the magic-byte validation at process time.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".tif": true, ".tiff": true, ".heic": true, ".heif": true,
}

// maxWalkDepth caps directory recursion. Symlinked directories are followed,
// so a depth cap is what breaks symlink cycles.
const maxWalkDepth = 32

// Discovered is one candidate file: its path and size, the pair the
// skip-existing filter keys on.
type Discovered struct {
	Path string
	Size int64
}

// Discover walks root collecting image files. Hidden directories are
// skipped; unreadable entries are logged, never silently dropped. include
// and exclude are optional doublestar globs matched against the path
// relative to root.
func Discover(root string, include, exclude []string) ([]Discovered, error) {
	root = filepath.Clean(root)
	var found []Discovered
	walk(root, root, 0, include, exclude, &found)
	return found, nil
}

func walk(root, dir string, depth int, include, exclude []string, found *[]Discovered) {
	if depth > maxWalkDepth {
		slog.Warn("directory too deep; stopping descent (symlink cycle?)", "dir", dir)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("unreadable directory", "dir", dir, "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)

		// Resolve symlinks so linked directories are walked and linked
		// files are sized correctly.
		fi, err := os.Stat(full)
		if err != nil {
			slog.Warn("unreadable entry", "path", full, "error", err)
			continue
		}

		if fi.IsDir() {
			walk(root, full, depth+1, include, exclude, found)
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			rel = full
		}
		if !matchGlobs(rel, include, true) || matchGlobs(rel, exclude, false) {
			continue
		}
		*found = append(*found, Discovered{Path: full, Size: fi.Size()})
	}
}

// matchGlobs reports whether rel matches any of the patterns. An empty
// pattern list returns emptyResult (include lists default to everything,
// exclude lists to nothing).
func matchGlobs(rel string, patterns []string, emptyResult bool) bool {
	if len(patterns) == 0 {
		return emptyResult
	}
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}
