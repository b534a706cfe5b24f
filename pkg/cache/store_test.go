package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{Root: dir})
	require.NoError(t, err)
	return s
}

func TestPutFromStreamThenHas(t *testing.T) {
	s := newTestStore(t)
	res, err := s.PutBytes([]byte("hello"), KindLayer)
	require.NoError(t, err)
	require.True(t, s.Has(res.Digest))
}

func TestPutFromStreamDeduplicates(t *testing.T) {
	s := newTestStore(t)
	res1, err := s.PutBytes([]byte("same"), KindLayer)
	require.NoError(t, err)
	res2, err := s.PutBytes([]byte("same"), KindLayer)
	require.NoError(t, err)
	require.Equal(t, res1.Digest, res2.Digest)
}

func TestGetPinsAgainstSweep(t *testing.T) {
	s := newTestStore(t)
	res, err := s.PutBytes(bytes.Repeat([]byte("a"), 1000), KindLayer)
	require.NoError(t, err)

	r, err := s.Get(res.Digest)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, s.Sweep(0))
	require.True(t, s.Has(res.Digest), "pinned entry must survive sweep")
}

func TestSweepEvictsLRU(t *testing.T) {
	s := newTestStore(t)
	res1, err := s.PutBytes(bytes.Repeat([]byte("a"), 100), KindLayer)
	require.NoError(t, err)
	res2, err := s.PutBytes(bytes.Repeat([]byte("b"), 100), KindLayer)
	require.NoError(t, err)

	require.NoError(t, s.Sweep(100))

	has1 := s.Has(res1.Digest)
	has2 := s.Has(res2.Digest)
	require.True(t, has1 != has2, "exactly one entry should survive a tight sweep")
}

func TestNoCacheStillInstallsBlobButSkipsIndexAndSweep(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Root: dir, NoCache: true})
	require.NoError(t, err)

	res, err := s.PutBytes([]byte("content"), KindLayer)
	require.NoError(t, err)
	require.True(t, s.Has(res.Digest), "NoCache must still install the blob at its content-addressed path")

	entries, err := os.ReadDir(filepath.Join(dir, "blobs", "sha256"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, tracked := s.Stat(res.Digest)
	require.False(t, tracked, "NoCache entries must not appear in the index")

	require.NoError(t, s.Sweep(0))
	require.True(t, s.Has(res.Digest), "a NoCache blob is not an LRU eviction candidate since it was never indexed")
}

func TestLayerSidecarRoundTrip(t *testing.T) {
	s := newTestStore(t)
	res, err := s.PutBytes([]byte("layer bytes"), KindLayer)
	require.NoError(t, err)

	sources := []SourceTuple{{Path: "app/main.py", Size: 12, Hash: "abc"}}
	require.NoError(t, s.RecordLayer(res.Digest, sources))

	got, ok := s.LookupLayer(sources)
	require.True(t, ok)
	require.Equal(t, res.Digest, got)
}

func TestLayerSidecarMissesOnDifferentSources(t *testing.T) {
	s := newTestStore(t)
	res, err := s.PutBytes([]byte("layer bytes"), KindLayer)
	require.NoError(t, err)
	require.NoError(t, s.RecordLayer(res.Digest, []SourceTuple{{Path: "app/a.py", Size: 1, Hash: "x"}}))

	_, ok := s.LookupLayer([]SourceTuple{{Path: "app/b.py", Size: 1, Hash: "y"}})
	require.False(t, ok)
}
