package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Layout describes everything needed to write an OCI Image Layout
// directory: the config blob, the manifest built from it, and the layer
// blobs already installed in the cache by digest.
type Layout struct {
	Config       *ImageConfig
	Layers       []Descriptor // compressed layer descriptors, in final order
	Tag          string
	BlobSource   BlobSource // resolves a digest to an existing file to install
}

// BlobSource resolves a digest to a path containing that blob's bytes
// (typically the cache). The layout writer hardlinks or copies from here.
type BlobSource interface {
	Path(d digest.Digest) (string, bool)
}

// WriteLayout writes a complete OCI Image Layout at root. Every file is
// written to a temp name and renamed into place; index.json is replaced
// only after every blob it references is in place, and is followed by the
// oci-layout marker and the optional refs/tags entry. A failure before
// index.json is replaced leaves root's previous index.json untouched.
func WriteLayout(root string, l *Layout) (manifestDigest digest.Digest, err error) {
	blobsDir := filepath.Join(root, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return "", fmt.Errorf("create blobs dir: %w", err)
	}

	configBytes, err := CanonicalJSON(l.Config)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	configDigest := digest.FromBytes(configBytes)
	if err := writeBlobAtomic(blobsDir, configDigest, configBytes); err != nil {
		return "", fmt.Errorf("write config blob: %w", err)
	}

	for _, layer := range l.Layers {
		if err := installLayerBlob(blobsDir, layer.Digest, l.BlobSource); err != nil {
			return "", fmt.Errorf("install layer blob %s: %w", layer.Digest, err)
		}
	}

	manifest := NewManifest(Descriptor{
		MediaType: MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(configBytes)),
	}, l.Layers)

	manifestBytes, err := CanonicalJSON(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	manifestDigest = digest.FromBytes(manifestBytes)
	if err := writeBlobAtomic(blobsDir, manifestDigest, manifestBytes); err != nil {
		return "", fmt.Errorf("write manifest blob: %w", err)
	}

	index := &Index{
		SchemaVersion: 2,
		MediaType:     MediaTypeImageIndex,
		Manifests: []Descriptor{
			{
				MediaType: MediaTypeImageManifest,
				Digest:    manifestDigest,
				Size:      int64(len(manifestBytes)),
				Annotations: map[string]string{
					AnnotationRefName: l.Tag,
				},
			},
		},
	}
	indexBytes, err := CanonicalJSON(index)
	if err != nil {
		return "", fmt.Errorf("marshal index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(root, "index.json"), indexBytes); err != nil {
		return "", fmt.Errorf("write index.json: %w", err)
	}

	layoutMarkerPath := filepath.Join(root, "oci-layout")
	if _, statErr := os.Stat(layoutMarkerPath); os.IsNotExist(statErr) {
		marker, _ := json.Marshal(map[string]string{"imageLayoutVersion": ImageLayoutVersion})
		if err := writeFileAtomic(layoutMarkerPath, marker); err != nil {
			return "", fmt.Errorf("write oci-layout: %w", err)
		}
	}

	if l.Tag != "" {
		refPath := filepath.Join(root, "refs", "tags", l.Tag)
		if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
			return "", fmt.Errorf("create refs dir: %w", err)
		}
		if err := writeFileAtomic(refPath, []byte(manifestDigest.String())); err != nil {
			return "", fmt.Errorf("write tag ref: %w", err)
		}
	}

	return manifestDigest, nil
}

func installLayerBlob(blobsDir string, d digest.Digest, src BlobSource) error {
	dest := filepath.Join(blobsDir, d.Hex())
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	srcPath, ok := src.Path(d)
	if !ok {
		return fmt.Errorf("blob %s not found in source", d)
	}

	if err := os.Link(srcPath, dest); err == nil {
		return nil
	}
	// Cross-device or unsupported: fall back to a copy-then-rename.
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return writeBlobAtomic(blobsDir, d, data)
}

func writeBlobAtomic(blobsDir string, d digest.Digest, data []byte) error {
	dest := filepath.Join(blobsDir, d.Hex())
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	return writeFileAtomic(dest, data)
}

func writeFileAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
