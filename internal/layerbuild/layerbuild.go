// Package layerbuild produces the dependency and application layers of
// spec.md §4.6: enumerate entries, hash them for the cache sidecar key,
// and on a miss stream a deterministic tar.gz through the cache.
package layerbuild

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/spboyer/pycontainer-build/pkg/archive"
	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/oci"
	"github.com/spboyer/pycontainer-build/pkg/pcerr"
	"github.com/spboyer/pycontainer-build/pkg/project"
)

// Layer is a built or cache-recovered layer: its manifest descriptor and
// its diff_id for the image config's rootfs.
type Layer struct {
	Descriptor oci.Descriptor
	DiffID     digest.Digest
}

// ReproducibleEpoch is the fixed mtime stamped on every entry when the
// build plan requests reproducible output.
var ReproducibleEpoch = time.Unix(0, 0)

// BuildDependencyLayer packs either a virtualenv's site-packages
// directory or a verbatim requirements file, per spec.md §4.6. Callers
// check IncludeDeps themselves; this function always builds when called.
func BuildDependencyLayer(store *cache.Store, meta *project.Metadata, workdir string, mtime time.Time) (*Layer, error) {
	prefix := archivePrefix(workdir)

	switch meta.DependenciesSource.Kind {
	case project.DepsVirtualenv:
		sitePackages, err := project.SitePackagesPath(meta.DependenciesSource.Path)
		if err != nil {
			return nil, err
		}
		entries, err := archive.Collect(filepath.Dir(sitePackages), []string{filepath.Base(sitePackages)}, prefix, archive.DefaultExcludePolicy(nil))
		if err != nil {
			return nil, err
		}
		return buildFromEntries(store, entries, mtime)

	case project.DepsRequirementsFile:
		dir := filepath.Dir(meta.DependenciesSource.Path)
		rel, err := filepath.Rel(dir, meta.DependenciesSource.Path)
		if err != nil {
			return nil, &pcerr.IoError{Path: meta.DependenciesSource.Path, Cause: err}
		}
		entries, err := archive.Collect(dir, []string{rel}, prefix, nil)
		if err != nil {
			return nil, err
		}
		return buildFromEntries(store, entries, mtime)

	default:
		return nil, nil
	}
}

// BuildApplicationLayer packs the union of includePaths under workdir,
// excluding the default policy's compiled caches, VCS metadata, and
// editor artifacts plus any caller-supplied extra exclusions.
func BuildApplicationLayer(store *cache.Store, contextDir string, includePaths []string, workdir string, extraExclude map[string]struct{}, mtime time.Time) (*Layer, error) {
	entries, err := archive.Collect(contextDir, includePaths, archivePrefix(workdir), archive.DefaultExcludePolicy(extraExclude))
	if err != nil {
		return nil, err
	}
	return buildFromEntries(store, entries, mtime)
}

func archivePrefix(workdir string) string {
	return strings.TrimPrefix(workdir, "/")
}

// buildFromEntries is the shared core of both layer kinds: hash the
// entries for a sidecar lookup, reuse a cache hit's recorded diff_id, or
// stream a fresh deterministic tar.gz through the cache on a miss.
func buildFromEntries(store *cache.Store, entries []archive.Entry, mtime time.Time) (*Layer, error) {
	sources := make([]cache.SourceTuple, 0, len(entries))
	for _, e := range entries {
		if e.Kind == archive.KindSymlink {
			continue
		}
		t, err := cache.HashFile(e.ArchivePath, e.SourcePath)
		if err != nil {
			return nil, err
		}
		sources = append(sources, t)
	}

	if d, ok := store.LookupLayer(sources); ok {
		if diffID, ok := store.DiffID(d); ok {
			if size, ok := store.Stat(d); ok {
				return &Layer{
					Descriptor: oci.Descriptor{MediaType: oci.MediaTypeImageLayerGzip, Digest: d, Size: size},
					DiffID:     diffID,
				}, nil
			}
		}
	}

	pr, pw := io.Pipe()
	w := archive.New(pw, mtime)

	go func() {
		err := writeEntries(w, entries)
		if closeErr := w.Close(); err == nil {
			err = closeErr
		}
		_ = pw.CloseWithError(err)
	}()

	res, err := store.PutFromStream(pr, cache.KindLayer)
	if err != nil {
		return nil, err
	}

	diffID := w.DiffID()
	if err := store.RecordDiffID(res.Digest, diffID); err != nil {
		return nil, err
	}
	if err := store.RecordLayer(res.Digest, sources); err != nil {
		return nil, err
	}

	return &Layer{
		Descriptor: oci.Descriptor{MediaType: oci.MediaTypeImageLayerGzip, Digest: res.Digest, Size: res.Size},
		DiffID:     diffID,
	}, nil
}

// writeEntries writes entries to w in order. An empty layer still must
// produce a non-empty, well-formed tar, so it gets a lone root directory
// header instead of zero entries.
func writeEntries(w *archive.Writer, entries []archive.Entry) error {
	if len(entries) == 0 {
		return w.AddRootDir()
	}
	for _, e := range entries {
		switch e.Kind {
		case archive.KindSymlink:
			if err := w.AddFile(e.ArchivePath, nil, 0, archive.KindSymlink, e.LinkTarget); err != nil {
				return err
			}
		default:
			f, err := os.Open(e.SourcePath)
			if err != nil {
				return &pcerr.IoError{Path: e.SourcePath, Cause: err}
			}
			err = w.AddFile(e.ArchivePath, f, e.Size, e.Kind, "")
			_ = f.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}
