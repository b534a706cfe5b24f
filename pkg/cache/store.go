// Package cache implements the content-addressed local blob store with
// LRU eviction and the sidecar-based layer invalidation scheme described
// in spec.md §4.2.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/spboyer/pycontainer-build/pkg/lock"
	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// Kind tags a cache entry with the role its blob plays.
type Kind string

const (
	KindLayer      Kind = "layer"
	KindConfig     Kind = "config"
	KindManifest   Kind = "manifest"
	KindBaseLayer  Kind = "base_layer"
)

// Entry is one row of the cache index.
type Entry struct {
	Digest     digest.Digest `json:"digest"`
	Size       int64         `json:"size"`
	Path       string        `json:"path"`
	LastAccess time.Time     `json:"last_access"`
	Kind       Kind          `json:"kind"`
}

// Store is a directory-rooted content-addressed blob store:
// <root>/blobs/sha256/<hex>, plus an index.json recording (digest, size,
// last_access, kind), plus layers/<hex>.json sidecars for invalidation.
type Store struct {
	root      string
	blobsDir  string
	indexPath string
	layersDir string
	maxBytes  int64
	locker    lock.Locker

	mu      sync.RWMutex // guards index + pins; Sweep takes it exclusively
	index   map[digest.Digest]*Entry
	pins    map[digest.Digest]int
	noCache bool
}

// Options configures a new Store.
type Options struct {
	Root     string
	MaxBytes int64 // LRU eviction ceiling; 0 disables eviction
	NoCache  bool  // bypass index bookkeeping and LRU tracking (still installs blobs)
}

// Open loads (or creates) the cache directory structure and index at root.
func Open(opts Options) (*Store, error) {
	s := &Store{
		root:      opts.Root,
		blobsDir:  filepath.Join(opts.Root, "blobs", "sha256"),
		indexPath: filepath.Join(opts.Root, "index.json"),
		layersDir: filepath.Join(opts.Root, "layers"),
		maxBytes:  opts.MaxBytes,
		locker:    lock.NewInProcessLocker(),
		index:     make(map[digest.Digest]*Entry),
		pins:      make(map[digest.Digest]int),
		noCache:   opts.NoCache,
	}

	if err := os.MkdirAll(s.blobsDir, 0o755); err != nil {
		return nil, &pcerr.IoError{Path: s.blobsDir, Cause: err}
	}
	if err := os.MkdirAll(s.layersDir, 0o755); err != nil {
		return nil, &pcerr.IoError{Path: s.layersDir, Cause: err}
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &pcerr.IoError{Path: s.indexPath, Cause: err}
	}
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt index is treated as cold, not fatal.
		return nil
	}
	for _, e := range entries {
		s.index[e.Digest] = e
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	entries := make([]*Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Digest < entries[j].Digest })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.indexPath, data)
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.blobsDir, d.Hex())
}

// Has is a pure membership test.
func (s *Store) Has(d digest.Digest) bool {
	if _, err := os.Stat(s.blobPath(d)); err == nil {
		return true
	}
	return false
}

// Stat returns the recorded size of a blob already in the index, for
// callers that need to build a descriptor from a cache hit without
// re-reading the blob.
func (s *Store) Stat(d digest.Digest) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[d]
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// pinnedReadCloser decrements the digest's pin count on Close, so Sweep
// never evicts a blob a caller currently has open.
type pinnedReadCloser struct {
	io.ReadCloser
	store  *Store
	digest digest.Digest
}

func (p *pinnedReadCloser) Close() error {
	err := p.ReadCloser.Close()
	p.store.mu.Lock()
	p.store.pins[p.digest]--
	if p.store.pins[p.digest] <= 0 {
		delete(p.store.pins, p.digest)
	}
	p.store.mu.Unlock()
	return err
}

// Get opens a read stream for digest d, updating its last-access time and
// pinning it against eviction until the returned reader is closed.
func (s *Store) Get(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(d))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &pcerr.IoError{Path: s.blobPath(d), Cause: err}
	}

	s.mu.Lock()
	if e, ok := s.index[d]; ok {
		e.LastAccess = time.Now()
	}
	s.pins[d]++
	s.mu.Unlock()

	return &pinnedReadCloser{ReadCloser: f, store: s, digest: d}, nil
}

// Result describes a blob that has been installed into the store.
type Result struct {
	Digest digest.Digest
	Size   int64
}

// PutFromStream streams r to a temp file while hashing, then atomically
// renames it to its content-addressed path, so the blob is always
// retrievable via Has/Get/Path afterward. If the digest already exists,
// the temp file is discarded without error. With NoCache set, the blob is
// still written for that invariant to hold, but the write bypasses index
// bookkeeping and LRU tracking: the entry never appears in index.json and
// is never a Sweep eviction candidate.
func (s *Store) PutFromStream(r io.Reader, kind Kind) (Result, error) {
	hasher := sha256.New()
	tee := io.TeeReader(r, hasher)

	tmp, err := os.CreateTemp(s.blobsDir, ".tmp-*")
	if err != nil {
		return Result{}, &pcerr.IoError{Path: s.blobsDir, Cause: err}
	}
	tmpName := tmp.Name()
	removeTemp := true
	defer func() {
		if removeTemp {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, tee)
	if err != nil {
		_ = tmp.Close()
		return Result{}, &pcerr.IoError{Path: tmpName, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return Result{}, &pcerr.IoError{Path: tmpName, Cause: err}
	}

	d := digest.NewDigestFromBytes(digest.SHA256, hasher.Sum(nil))

	lk, err := s.locker.AcquireLock(context.Background(), d)
	if err != nil {
		return Result{}, fmt.Errorf("acquire cache lock for %s: %w", d, err)
	}
	defer func() { _ = lk.Release() }()

	dest := s.blobPath(d)
	if _, statErr := os.Stat(dest); statErr == nil {
		// Already present: discard the temp file.
		return Result{Digest: d, Size: n}, nil
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return Result{}, &pcerr.IoError{Path: dest, Cause: err}
	}
	removeTemp = false

	if s.noCache {
		return Result{Digest: d, Size: n}, nil
	}

	s.mu.Lock()
	s.index[d] = &Entry{Digest: d, Size: n, Path: dest, LastAccess: time.Now(), Kind: kind}
	err = s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	if s.maxBytes > 0 {
		if err := s.Sweep(s.maxBytes); err != nil {
			return Result{}, err
		}
	}

	return Result{Digest: d, Size: n}, nil
}

// PutBytes is a convenience wrapper around PutFromStream for small blobs.
func (s *Store) PutBytes(data []byte, kind Kind) (Result, error) {
	return s.PutFromStream(bytes.NewReader(data), kind)
}

// Path returns the on-disk path of an installed blob, implementing
// oci.BlobSource for the layout writer.
func (s *Store) Path(d digest.Digest) (string, bool) {
	p := s.blobPath(d)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Sweep evicts least-recently-used entries until total size is at most
// targetBytes, never evicting an entry currently pinned by a live reader.
// Sweep takes the store's exclusive guard.
func (s *Store) Sweep(targetBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	entries := make([]*Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
		total += e.Size
	}
	if total <= targetBytes {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].LastAccess.Before(entries[j].LastAccess) })

	for _, e := range entries {
		if total <= targetBytes {
			break
		}
		if s.pins[e.Digest] > 0 {
			continue
		}
		if err := os.Remove(s.blobPath(e.Digest)); err != nil && !os.IsNotExist(err) {
			return &pcerr.IoError{Path: s.blobPath(e.Digest), Cause: err}
		}
		delete(s.index, e.Digest)
		total -= e.Size
	}

	return s.saveIndexLocked()
}

// SweepOrphanTemps removes temp files older than grace left behind by an
// interrupted write.
func (s *Store) SweepOrphanTemps(grace time.Duration) error {
	entries, err := os.ReadDir(s.blobsDir)
	if err != nil {
		return &pcerr.IoError{Path: s.blobsDir, Cause: err}
	}
	cutoff := time.Now().Add(-grace)
	for _, e := range entries {
		name := e.Name()
		if len(name) < 5 || name[:5] != ".tmp-" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.blobsDir, name))
		}
	}
	return nil
}

func writeFileAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &pcerr.IoError{Path: dir, Cause: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &pcerr.IoError{Path: tmpName, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &pcerr.IoError{Path: tmpName, Cause: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return &pcerr.IoError{Path: dest, Cause: err}
	}
	return nil
}
