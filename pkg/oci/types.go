// Package oci holds the in-memory OCI model (descriptors, manifests,
// image index, image config) and the canonical JSON serialization and
// Image Layout writer used throughout the pipeline.
package oci

import (
	"github.com/opencontainers/go-digest"
)

// Media types used by this pipeline. Layers are always produced gzipped;
// uncompressed layers are only ever consumed (from a base image that was
// published uncompressed), never produced.
const (
	MediaTypeImageManifest    = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeImageIndex       = "application/vnd.oci.image.index.v1+json"
	MediaTypeImageConfig      = "application/vnd.oci.image.config.v1+json"
	MediaTypeImageLayerGzip   = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeImageLayer       = "application/vnd.oci.image.layer.v1.tar"
	ImageLayoutVersion        = "1.0.0"
	AnnotationRefName         = "org.opencontainers.image.ref.name"
)

// Platform identifies a target OS/architecture/variant triple.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

// String renders the platform as "os/arch[/variant]".
func (p Platform) String() string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

// Descriptor is the only legal way to reference a blob: media type,
// digest, size, plus optional platform and annotations.
type Descriptor struct {
	MediaType   string            `json:"mediaType"`
	Digest      digest.Digest     `json:"digest"`
	Size        int64             `json:"size"`
	Platform    *Platform         `json:"platform,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Manifest links one config descriptor to an ordered list of layer
// descriptors. Invariant: every descriptor refers to a blob present in
// the same store (local layout or registry).
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// NewManifest returns a Manifest with the fixed schema version and media
// type this pipeline always produces.
func NewManifest(config Descriptor, layers []Descriptor) *Manifest {
	return &Manifest{
		SchemaVersion: 2,
		MediaType:     MediaTypeImageManifest,
		Config:        config,
		Layers:        layers,
	}
}

// Index is a manifest-of-manifests associating platform tuples with
// specific image manifests.
type Index struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Manifests     []Descriptor `json:"manifests"`
}

// History is an optional, informational build-step record.
type History struct {
	Created    string `json:"created,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// RootFS records the ordered diff_ids of a config's layers.
type RootFS struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// ImageConfig is the runtime configuration carried by a config blob.
type ImageConfig struct {
	OS           string            `json:"os"`
	Architecture string            `json:"architecture"`
	Variant      string            `json:"variant,omitempty"`
	Created      string            `json:"created,omitempty"`
	Env          []string          `json:"-"`
	WorkingDir   string            `json:"-"`
	Entrypoint   []string          `json:"-"`
	Cmd          []string          `json:"-"`
	Labels       map[string]string `json:"-"`
	User         string            `json:"-"`
	ExposedPorts map[string]struct{} `json:"-"`
	RootFS       RootFS            `json:"rootfs"`
	History      []History         `json:"history,omitempty"`
}

// imageConfigWire mirrors the OCI image-spec nesting: the runtime fields
// above live under a "config" object in the actual JSON document, while
// ImageConfig keeps them flat for convenience in Go code.
type imageConfigWire struct {
	Created      string             `json:"created,omitempty"`
	Architecture string             `json:"architecture"`
	OS           string             `json:"os"`
	Variant      string             `json:"variant,omitempty"`
	Config       wireRuntimeConfig  `json:"config"`
	RootFS       RootFS             `json:"rootfs"`
	History      []History          `json:"history,omitempty"`
}

type wireRuntimeConfig struct {
	User         string              `json:"User,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
}

// MarshalJSON emits the OCI-standard nested shape (runtime fields under
// "config") from the flattened Go struct.
func (c *ImageConfig) MarshalJSON() ([]byte, error) {
	w := imageConfigWire{
		Created:      c.Created,
		Architecture: c.Architecture,
		OS:           c.OS,
		Variant:      c.Variant,
		RootFS:       c.RootFS,
		History:      c.History,
		Config: wireRuntimeConfig{
			User:         c.User,
			ExposedPorts: c.ExposedPorts,
			Env:          c.Env,
			Entrypoint:   c.Entrypoint,
			Cmd:          c.Cmd,
			WorkingDir:   c.WorkingDir,
			Labels:       c.Labels,
		},
	}
	return marshalJSON(w)
}

// UnmarshalJSON reverses MarshalJSON, flattening the nested "config"
// object back into ImageConfig.
func (c *ImageConfig) UnmarshalJSON(data []byte) error {
	var w imageConfigWire
	if err := unmarshalJSON(data, &w); err != nil {
		return err
	}
	c.Created = w.Created
	c.Architecture = w.Architecture
	c.OS = w.OS
	c.Variant = w.Variant
	c.RootFS = w.RootFS
	c.History = w.History
	c.User = w.Config.User
	c.ExposedPorts = w.Config.ExposedPorts
	c.Env = w.Config.Env
	c.Entrypoint = w.Config.Entrypoint
	c.Cmd = w.Config.Cmd
	c.WorkingDir = w.Config.WorkingDir
	c.Labels = w.Config.Labels
	return nil
}

// EmptyPlatformDescriptor builds an annotation-free Descriptor for a
// manifest entry in an index, tagging it with the given platform.
func EmptyPlatformDescriptor(d Descriptor, p Platform) Descriptor {
	d.Platform = &p
	d.Annotations = nil
	return d
}
