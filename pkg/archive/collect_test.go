package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	mustMkdirAll(t, filepath.Dir(path))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCollectOmitsIntermediateDirectories(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "app/main.py"), "print()")
	mustWriteFile(t, filepath.Join(base, "app/pkg/sub/deep.py"), "print()")

	entries, err := Collect(base, []string{"app"}, "app", nil)
	require.NoError(t, err)

	for _, e := range entries {
		require.NotEqual(t, KindDirectory, e.Kind, "unexpected directory entry for %s", e.ArchivePath)
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.ArchivePath)
	}
	require.ElementsMatch(t, []string{"app/app/main.py", "app/app/pkg/sub/deep.py"}, paths)
}

func TestCollectSortsLexicographically(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "app/z.py"), "z")
	mustWriteFile(t, filepath.Join(base, "app/a/nested.py"), "n")
	mustWriteFile(t, filepath.Join(base, "app/b.py"), "b")

	entries, err := Collect(base, []string{"app"}, "app", nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.ArchivePath)
	}
	require.True(t, sortedAscending(paths), "expected %v sorted", paths)
}

func sortedAscending(ss []string) bool {
	for i := 1; i < len(ss); i++ {
		if ss[i-1] > ss[i] {
			return false
		}
	}
	return true
}

func TestCollectAppliesExcludePolicyRecursively(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "app/main.py"), "print()")
	mustWriteFile(t, filepath.Join(base, "app/__pycache__/main.cpython-312.pyc"), "junk")
	mustWriteFile(t, filepath.Join(base, "app/pkg/__pycache__/mod.cpython-312.pyc"), "junk")
	mustWriteFile(t, filepath.Join(base, "app/pkg/mod.py"), "print()")

	entries, err := Collect(base, []string{"app"}, "app", DefaultExcludePolicy(nil))
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.ArchivePath)
	}
	require.ElementsMatch(t, []string{"app/app/main.py", "app/app/pkg/mod.py"}, paths)
}

func TestCollectRejectsSymlinkEscapingBase(t *testing.T) {
	base := t.TempDir()
	mustMkdirAll(t, filepath.Join(base, "app"))
	outside := t.TempDir()
	mustWriteFile(t, filepath.Join(outside, "secret.py"), "s")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.py"), filepath.Join(base, "app/link.py")))

	_, err := Collect(base, []string{"app"}, "app", nil)
	require.Error(t, err)
}

func TestCollectSingleFileIncludePath(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "requirements.txt"), "flask==3.0.0\n")

	entries, err := Collect(base, []string{"requirements.txt"}, "app", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "app/requirements.txt", entries[0].ArchivePath)
	require.Equal(t, KindRegular, entries[0].Kind)
}

func TestCollectSkipsMissingIncludePath(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "app/main.py"), "print()")

	entries, err := Collect(base, []string{"app", "static"}, "app", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "app/app/main.py", entries[0].ArchivePath)
}
