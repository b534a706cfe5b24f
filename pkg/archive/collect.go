package archive

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// Entry is one file or symlink discovered under a source root, ready to
// be written to a Writer once entries are sorted. Collect never emits
// directory entries; intermediate directories are walked through, not
// recorded.
type Entry struct {
	ArchivePath string
	SourcePath  string // empty for entries with no backing file (unused here)
	Kind        EntryKind
	Size        int64
	LinkTarget  string
	SourceMode  os.FileMode
}

// ExcludePolicy decides whether a relative path should be left out of an
// application/dependency layer. The default policy excludes compiled
// caches, VCS metadata, and editor artifacts, matching spec.md §4.6.
type ExcludePolicy func(relPath string, info os.FileInfo) bool

// DefaultExcludePolicy excludes __pycache__ directories, .pyc/.pyo files,
// VCS metadata directories, and common editor artifacts.
func DefaultExcludePolicy(extra map[string]struct{}) ExcludePolicy {
	return func(relPath string, info os.FileInfo) bool {
		base := filepath.Base(relPath)
		if _, ok := extra[relPath]; ok {
			return true
		}
		switch base {
		case "__pycache__", ".git", ".hg", ".svn", ".DS_Store", ".idea", ".vscode":
			return true
		}
		if strings.HasSuffix(base, ".pyc") || strings.HasSuffix(base, ".pyo") {
			return true
		}
		return false
	}
}

// Collect walks each root-relative includePath under base, applying
// exclude, and returns entries sorted by ArchivePath (lexicographic),
// rooted under archivePrefix (e.g. "app"). Symlinks with an absolute
// target, or whose resolved target escapes base, are rejected as
// pcerr.UnsafePath, per the strict Open
// Question resolution in SPEC_FULL.md §9.
func Collect(base string, includePaths []string, archivePrefix string, exclude ExcludePolicy) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]struct{})

	for _, rel := range includePaths {
		absRoot := filepath.Join(base, rel)
		info, err := os.Lstat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, &pcerr.IoError{Path: absRoot, Cause: err}
		}

		if !info.IsDir() {
			e, err := makeEntry(base, absRoot, info, archivePrefix)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[e.ArchivePath]; !dup {
				seen[e.ArchivePath] = struct{}{}
				entries = append(entries, e)
			}
			continue
		}

		err = filepath.Walk(absRoot, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return &pcerr.IoError{Path: p, Cause: err}
			}
			if p == absRoot {
				return nil
			}
			relToBase, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			if exclude != nil && exclude(relToBase, fi) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			// Intermediate directories never become entries: spec.md §4.6
			// forbids directory headers, which would leak mtimes and vary
			// with traversal order.
			if fi.IsDir() {
				return nil
			}
			e, err := makeEntry(base, p, fi, archivePrefix)
			if err != nil {
				return err
			}
			if _, dup := seen[e.ArchivePath]; !dup {
				seen[e.ArchivePath] = struct{}{}
				entries = append(entries, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ArchivePath < entries[j].ArchivePath })
	return entries, nil
}

func makeEntry(base, absPath string, info os.FileInfo, archivePrefix string) (Entry, error) {
	rel, err := filepath.Rel(base, absPath)
	if err != nil {
		return Entry{}, err
	}
	archivePath := strings.TrimPrefix(archivePrefix+"/"+filepath.ToSlash(rel), "/")

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(absPath)
		if err != nil {
			return Entry{}, &pcerr.IoError{Path: absPath, Cause: err}
		}
		if filepath.IsAbs(target) {
			return Entry{}, &pcerr.UnsafePath{Path: absPath}
		}
		resolved := filepath.Join(filepath.Dir(absPath), target)
		relResolved, err := filepath.Rel(base, resolved)
		if err != nil || strings.HasPrefix(relResolved, "..") {
			return Entry{}, &pcerr.UnsafePath{Path: absPath}
		}
		return Entry{ArchivePath: archivePath, SourcePath: absPath, Kind: KindSymlink, LinkTarget: target}, nil
	default:
		kind := KindRegular
		if IsExecutablePredicate(archivePath, uint32(info.Mode().Perm())) {
			kind = KindExecutable
		}
		return Entry{ArchivePath: archivePath, SourcePath: absPath, Kind: kind, Size: info.Size(), SourceMode: info.Mode()}, nil
	}
}
