// Package archive implements the deterministic tar writer and the
// streaming dual-digest (uncompressed diff_id + compressed descriptor
// digest) pass used to build every OCI layer blob.
package archive

import (
	"archive/tar"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// EntryKind distinguishes the tar entry types this pipeline writes.
type EntryKind int

const (
	KindRegular EntryKind = iota
	KindDirectory
	KindSymlink
	KindExecutable
)

const (
	modeDir        = 0o755
	modeFile       = 0o644
	modeExecutable = 0o755
	modeSymlink    = 0o777
	ownerID        = 0
	ownerName      = "root"
	ustarNameLimit = 100
)

// Writer produces a gzip-compressed tar stream that is a pure function of
// its logical contents (archive path, bytes/link target, mode, kind) and
// nothing else: entries must be added in lexicographic path order by the
// caller, every mtime is pinned, ownership is fixed to root:root.
type Writer struct {
	dest               io.Writer
	compressedHasher   hash.Hash
	uncompressedHasher hash.Hash
	gz                 *gzip.Writer
	tw                 *tar.Writer
	mtime              time.Time
	seen               map[string]struct{}
	lastPath           string
	closed             bool
}

// New creates a Writer that streams a gzip-compressed tar to dest while
// hashing both the compressed bytes (for the manifest layer descriptor)
// and the uncompressed tar bytes (for the image config's diff_id) in a
// single pass. mtime is the fixed modification time stamped on every
// entry; pass time.Unix(0, 0) for the default reproducible epoch.
func New(dest io.Writer, mtime time.Time) *Writer {
	compressedHasher := sha256.New()
	multiDest := io.MultiWriter(dest, compressedHasher)

	gz, _ := gzip.NewWriterLevel(multiDest, gzip.BestSpeed)
	// klauspost/compress/gzip does not stamp an OS byte, mtime, or name by
	// default, which is required for the compressed digest to be a pure
	// function of the uncompressed content.

	uncompressedHasher := sha256.New()
	multiUncompressed := io.MultiWriter(gz, uncompressedHasher)
	tw := tar.NewWriter(multiUncompressed)

	return &Writer{
		dest:               dest,
		compressedHasher:   compressedHasher,
		uncompressedHasher: uncompressedHasher,
		gz:                 gz,
		tw:                 tw,
		mtime:              mtime,
		seen:               make(map[string]struct{}),
	}
}

// AddFile writes one entry. archivePath must use forward slashes, have no
// leading slash, and must not resolve outside the archive root. r may be
// nil for directories and symlinks. linkTarget is only meaningful for
// KindSymlink. size is the number of bytes AddFile will read from r
// (ignored for directories/symlinks).
func (w *Writer) AddFile(archivePath string, r io.Reader, size int64, kind EntryKind, linkTarget string) error {
	clean, err := normalizeArchivePath(archivePath)
	if err != nil {
		return err
	}

	if _, dup := w.seen[clean]; dup {
		return &pcerr.DuplicateEntry{Path: clean}
	}
	w.seen[clean] = struct{}{}
	w.lastPath = clean

	hdr := &tar.Header{
		Name:     clean,
		ModTime:  w.mtime,
		Uid:      ownerID,
		Gid:      ownerID,
		Uname:    ownerName,
		Gname:    ownerName,
		Format:   tar.FormatUSTAR,
	}

	switch kind {
	case KindDirectory:
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = modeDir
		if !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
	case KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Mode = modeSymlink
		hdr.Linkname = linkTarget
	case KindExecutable:
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = modeExecutable
		hdr.Size = size
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = modeFile
		hdr.Size = size
	}

	if len(hdr.Name) > ustarNameLimit || len(hdr.Linkname) > ustarNameLimit {
		hdr.Format = tar.FormatPAX
	}

	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", clean, err)
	}

	if (kind == KindRegular || kind == KindExecutable) && r != nil {
		if _, err := io.CopyN(w.tw, r, size); err != nil && err != io.EOF {
			return fmt.Errorf("write tar body for %s: %w", clean, err)
		}
	}

	return nil
}

// AddRootDir writes the single root directory header ("./") that a
// zero-file layer needs to be a non-empty, well-formed tar. AddFile
// rejects "." and "./" as unsafe paths since every real entry nests
// under the root; this bypasses that check for the one legitimate case.
func (w *Writer) AddRootDir() error {
	hdr := &tar.Header{
		Name:     "./",
		Typeflag: tar.TypeDir,
		Mode:     modeDir,
		ModTime:  w.mtime,
		Uid:      ownerID,
		Gid:      ownerID,
		Uname:    ownerName,
		Gname:    ownerName,
		Format:   tar.FormatUSTAR,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", hdr.Name, err)
	}
	return nil
}

// Close finalizes the tar and gzip streams. It must be called exactly
// once, after the last AddFile.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := w.gz.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return nil
}

// DiffID returns the digest of the uncompressed tar stream. Only valid
// after Close.
func (w *Writer) DiffID() digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, w.uncompressedHasher.Sum(nil))
}

// CompressedDigest returns the digest of the gzip-compressed stream, used
// as the manifest layer descriptor's digest. Only valid after Close.
func (w *Writer) CompressedDigest() digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, w.compressedHasher.Sum(nil))
}

// IsExecutablePredicate reports whether a regular file should be packed
// with the executable mode: a stable, name-based rule (".sh" suffix) plus
// the "any execute bit set in the source" rule, applied by the caller
// which has access to the source file's os.FileMode.
func IsExecutablePredicate(archivePath string, sourceMode uint32) bool {
	if strings.HasSuffix(archivePath, ".sh") {
		return true
	}
	return sourceMode&0o111 != 0
}

func normalizeArchivePath(p string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || clean == "" {
		return "", &pcerr.UnsafePath{Path: p}
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &pcerr.UnsafePath{Path: p}
	}
	return clean, nil
}
