package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func buildLayer(t *testing.T, files map[string]string) (*Writer, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := New(buf, time.Unix(0, 0))

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// sort to honor the lexicographic ordering contract
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	for _, name := range names {
		content := files[name]
		require.NoError(t, w.AddFile(name, strings.NewReader(content), int64(len(content)), KindRegular, ""))
	}
	require.NoError(t, w.Close())
	return w, buf
}

func TestDeterministicAcrossInsertionOrder(t *testing.T) {
	filesA := map[string]string{"app/a.py": "a", "app/b.py": "b"}
	filesB := map[string]string{"app/b.py": "b", "app/a.py": "a"}

	_, bufA := buildLayer(t, filesA)
	_, bufB := buildLayer(t, filesB)

	require.Equal(t, bufA.Bytes(), bufB.Bytes())
}

func TestDuplicateEntryRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf, time.Unix(0, 0))
	require.NoError(t, w.AddFile("app/a.py", strings.NewReader("x"), 1, KindRegular, ""))
	err := w.AddFile("app/a.py", strings.NewReader("x"), 1, KindRegular, "")
	require.Error(t, err)
}

func TestUnsafePathRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf, time.Unix(0, 0))
	err := w.AddFile("../escape.py", strings.NewReader("x"), 1, KindRegular, "")
	require.Error(t, err)
}

func TestZeroFileLayerIsWellFormed(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf, time.Unix(0, 0))
	require.NoError(t, w.AddFile("app", nil, 0, KindDirectory, ""))
	require.NoError(t, w.Close())
	require.NotEmpty(t, buf.Bytes())
	require.NotEmpty(t, w.DiffID().String())
}

func TestAddRootDirProducesSingleDirectoryEntry(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf, time.Unix(0, 0))
	require.NoError(t, w.AddRootDir())
	require.NoError(t, w.Close())
	require.NotEmpty(t, buf.Bytes())

	gz, err := gzip.NewReader(buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "./", hdr.Name)
	require.Equal(t, byte(tar.TypeDir), hdr.Typeflag)

	_, err = tr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDigestsStableAcrossRuns(t *testing.T) {
	files := map[string]string{"app/main.py": "print('hi')\n"}
	w1, _ := buildLayer(t, files)
	w2, _ := buildLayer(t, files)

	require.Equal(t, w1.DiffID(), w2.DiffID())
	require.Equal(t, w1.CompressedDigest(), w2.CompressedDigest())
}

func TestPAXHeaderUsedForLongPath(t *testing.T) {
	longName := "app/" + strings.Repeat("x", 200) + ".py"
	buf := &bytes.Buffer{}
	w := New(buf, time.Unix(0, 0))
	require.NoError(t, w.AddFile(longName, strings.NewReader("x"), 1, KindRegular, ""))
	require.NoError(t, w.Close())

	buf2 := &bytes.Buffer{}
	w2 := New(buf2, time.Unix(0, 0))
	require.NoError(t, w2.AddFile(longName, strings.NewReader("x"), 1, KindRegular, ""))
	require.NoError(t, w2.Close())

	require.Equal(t, w.DiffID(), w2.DiffID())
}
