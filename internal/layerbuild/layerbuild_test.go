package layerbuild

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/project"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(cache.Options{Root: t.TempDir()})
	require.NoError(t, err)
	return s
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestBuildApplicationLayerIsDeterministic(t *testing.T) {
	ctxDir := t.TempDir()
	writeFiles(t, ctxDir, map[string]string{
		"app/main.py": "print('hi')\n",
		"app/util.py": "def f(): pass\n",
	})

	store1 := newTestStore(t)
	l1, err := BuildApplicationLayer(store1, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)

	store2 := newTestStore(t)
	l2, err := BuildApplicationLayer(store2, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)

	require.Equal(t, l1.Descriptor.Digest, l2.Descriptor.Digest)
	require.Equal(t, l1.DiffID, l2.DiffID)
}

func TestBuildApplicationLayerOmitsDirectoryHeadersForNestedPaths(t *testing.T) {
	ctxDir := t.TempDir()
	writeFiles(t, ctxDir, map[string]string{
		"app/main.py":         "print('hi')\n",
		"app/pkg/sub/deep.py": "print('deep')\n",
	})

	store := newTestStore(t)
	layer, err := BuildApplicationLayer(store, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)

	rc, err := store.Get(layer.Descriptor.Digest)
	require.NoError(t, err)
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NotEqual(t, byte(tar.TypeDir), hdr.Typeflag, "unexpected directory header for %s", hdr.Name)
		names = append(names, hdr.Name)
	}
	require.ElementsMatch(t, []string{"app/app/main.py", "app/app/pkg/sub/deep.py"}, names)
}

func TestBuildApplicationLayerWithNoEntriesIsNonEmptyTar(t *testing.T) {
	ctxDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ctxDir, "app"), 0o755))

	store := newTestStore(t)
	layer, err := BuildApplicationLayer(store, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)
	require.NotEmpty(t, layer.Descriptor.Digest)

	rc, err := store.Get(layer.Descriptor.Digest)
	require.NoError(t, err)
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err, "zero-file layer must still contain one entry")
	require.Equal(t, byte(tar.TypeDir), hdr.Typeflag)
	require.Equal(t, "./", hdr.Name)

	_, err = tr.Next()
	require.ErrorIs(t, err, io.EOF, "zero-file layer must contain exactly one entry")
}

func TestBuildApplicationLayerCacheHitSkipsRebuild(t *testing.T) {
	ctxDir := t.TempDir()
	writeFiles(t, ctxDir, map[string]string{"app/main.py": "print(1)\n"})

	store := newTestStore(t)
	l1, err := BuildApplicationLayer(store, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)

	l2, err := BuildApplicationLayer(store, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)

	require.Equal(t, l1.Descriptor.Digest, l2.Descriptor.Digest)
	require.Equal(t, l1.DiffID, l2.DiffID)
}

func TestBuildApplicationLayerChangesWhenContentChanges(t *testing.T) {
	ctxDir := t.TempDir()
	writeFiles(t, ctxDir, map[string]string{"app/main.py": "print(1)\n"})
	store := newTestStore(t)

	l1, err := BuildApplicationLayer(store, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)

	writeFiles(t, ctxDir, map[string]string{"app/main.py": "print(2)\n"})
	l2, err := BuildApplicationLayer(store, ctxDir, []string{"app"}, "/app", nil, ReproducibleEpoch)
	require.NoError(t, err)

	require.NotEqual(t, l1.Descriptor.Digest, l2.Descriptor.Digest)
}

func TestBuildDependencyLayerFromRequirementsFile(t *testing.T) {
	ctxDir := t.TempDir()
	writeFiles(t, ctxDir, map[string]string{"requirements.txt": "flask==3.0.0\n"})
	store := newTestStore(t)

	meta := &project.Metadata{
		ContextRoot: ctxDir,
		DependenciesSource: project.DependenciesSource{
			Kind: project.DepsRequirementsFile,
			Path: filepath.Join(ctxDir, "requirements.txt"),
		},
	}

	layer, err := BuildDependencyLayer(store, meta, "/app", ReproducibleEpoch)
	require.NoError(t, err)
	require.NotEmpty(t, layer.Descriptor.Digest)
}

func TestBuildDependencyLayerNoneReturnsNil(t *testing.T) {
	store := newTestStore(t)
	meta := &project.Metadata{DependenciesSource: project.DependenciesSource{Kind: project.DepsNone}}

	layer, err := BuildDependencyLayer(store, meta, "/app", ReproducibleEpoch)
	require.NoError(t, err)
	require.Nil(t, layer)
}
