package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// SourceTuple records one input file's identity for layer invalidation.
// A source is compared by (size, content hash), not by mtime, so touching
// a file without changing its bytes is not a cache bust.
type SourceTuple struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"` // sha256 hex of the file content
}

// HashFile computes the SourceTuple for a file on disk.
func HashFile(relPath, absPath string) (SourceTuple, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return SourceTuple{}, &pcerr.IoError{Path: absPath, Cause: err}
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return SourceTuple{}, &pcerr.IoError{Path: absPath, Cause: err}
	}
	return SourceTuple{Path: relPath, Size: size, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

func sidecarPath(layersDir string, d digest.Digest) string {
	return filepath.Join(layersDir, d.Hex()+".json")
}

func diffIDPath(layersDir string, d digest.Digest) string {
	return filepath.Join(layersDir, d.Hex()+".diffid")
}

// RecordDiffID persists the uncompressed-tar digest for a compressed
// layer blob, so a cache hit (via LookupLayer) can recover diff_id
// without re-reading and decompressing the blob.
func (s *Store) RecordDiffID(d, diffID digest.Digest) error {
	return writeFileAtomic(diffIDPath(s.layersDir, d), []byte(diffID.String()))
}

// DiffID returns the diff_id previously recorded for a compressed layer
// digest, or ("", false) if none was recorded.
func (s *Store) DiffID(d digest.Digest) (digest.Digest, bool) {
	data, err := os.ReadFile(diffIDPath(s.layersDir, d))
	if err != nil {
		return "", false
	}
	return digest.Digest(string(data)), true
}

// LookupLayer returns the cached layer digest for the given source set, or
// ("", false) if no sidecar matches (a cold layer). sources need not be
// pre-sorted; LookupLayer normalizes order before comparing.
func (s *Store) LookupLayer(sources []SourceTuple) (digest.Digest, bool) {
	want := sourcesKey(sources)

	entries, err := os.ReadDir(s.layersDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.layersDir, e.Name()))
		if err != nil {
			continue
		}
		var recorded []SourceTuple
		if err := json.Unmarshal(data, &recorded); err != nil {
			continue
		}
		if sourcesKey(recorded) != want {
			continue
		}
		hexDigest := e.Name()[:len(e.Name())-len(".json")]
		d := digest.NewDigestFromEncoded(digest.SHA256, hexDigest)
		if !s.Has(d) {
			// Sidecar without a backing blob: cold.
			_ = os.Remove(filepath.Join(s.layersDir, e.Name()))
			return "", false
		}
		return d, true
	}
	return "", false
}

// RecordLayer writes the sidecar mapping a layer's digest to the source
// tuples that produced it, for future invalidation lookups.
func (s *Store) RecordLayer(d digest.Digest, sources []SourceTuple) error {
	sorted := make([]SourceTuple, len(sources))
	copy(sorted, sources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	data, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	return writeFileAtomic(sidecarPath(s.layersDir, d), data)
}

func sourcesKey(sources []SourceTuple) string {
	sorted := make([]SourceTuple, len(sources))
	copy(sorted, sources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	data, _ := json.Marshal(sorted)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
