package oci

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	type unsorted struct {
		Zebra string `json:"zebra"`
		Apple string `json:"apple"`
	}

	out, err := CanonicalJSON(unsorted{Zebra: "z", Apple: "a"})
	require.NoError(t, err)
	require.Equal(t, `{"apple":"a","zebra":"z"}`, string(out))
}

func TestCanonicalJSONNoWhitespace(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"a": 1, "b": []int{1, 2, 3}})
	require.NoError(t, err)
	require.NotContains(t, string(out), " ")
	require.NotContains(t, string(out), "\n")
}

func TestCanonicalJSONRoundTripIsIdentity(t *testing.T) {
	m := NewManifest(
		Descriptor{MediaType: MediaTypeImageConfig, Digest: digest.FromString("cfg"), Size: 10},
		[]Descriptor{{MediaType: MediaTypeImageLayerGzip, Digest: digest.FromString("layer"), Size: 20}},
	)

	first, err := CanonicalJSON(m)
	require.NoError(t, err)

	var decoded Manifest
	require.NoError(t, unmarshalJSON(first, &decoded))

	if diff := cmp.Diff(*m, decoded); diff != "" {
		t.Errorf("round-tripped manifest differs from the original:\n%s", diff)
	}

	second, err := CanonicalJSON(&decoded)
	require.NoError(t, err)

	require.Equal(t, string(first), string(second))
}

func TestImageConfigMarshalNestsRuntimeFields(t *testing.T) {
	cfg := &ImageConfig{
		OS:           "linux",
		Architecture: "amd64",
		Env:          []string{"PATH=/usr/bin"},
		WorkingDir:   "/app",
		Entrypoint:   []string{"python", "-m", "app"},
		RootFS:       RootFS{Type: "layers", DiffIDs: []digest.Digest{digest.FromString("a")}},
	}

	out, err := CanonicalJSON(cfg)
	require.NoError(t, err)
	require.Contains(t, string(out), `"WorkingDir":"/app"`)
	require.Contains(t, string(out), `"rootfs"`)

	var roundTripped ImageConfig
	require.NoError(t, unmarshalJSON(out, &roundTripped))
	if diff := cmp.Diff(*cfg, roundTripped); diff != "" {
		t.Errorf("round-tripped image config differs from the original:\n%s", diff)
	}
}
