// Package registry implements the Registry v2 client, the credential
// provider chain (in the auth subpackage), and the base image resolver.
package registry

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"

	"github.com/spboyer/pycontainer-build/pkg/oci"
	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// LayerSource is a lazily-fetched base image layer: metadata is known
// up front, content is only pulled when Compressed is called.
type LayerSource interface {
	Descriptor() oci.Descriptor
	Compressed(ctx context.Context) (io.ReadCloser, error)
}

// BaseImage is the result of resolving a base image reference: its
// runtime config and its layers, ordered bottom-up, none of which have
// had their bytes fetched yet.
type BaseImage struct {
	Config Descriptor
	Layers []LayerSource
}

// Descriptor pairs a parsed base image's runtime config with the
// descriptor of the config blob it came from.
type Descriptor struct {
	oci.ImageConfig
	ConfigDigest digest.Digest
	ConfigSize   int64
}

// BaseImageResolver is satisfied by Resolver and NoOpResolver, letting
// callers swap in the no-network stub for dry runs and tests.
type BaseImageResolver interface {
	Resolve(ctx context.Context, ref string, platform oci.Platform) (*BaseImage, error)
}

// Resolver pulls base image manifests and config from a registry using
// go-containerregistry, selecting the requested platform out of a
// manifest list when the reference resolves to one.
type Resolver struct{}

// NewResolver returns a Resolver. It carries no state; a Resolver value
// is safe for concurrent use.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve fetches the manifest and config for ref at the given platform.
// ref may be a bare name ("python"), a docker.io-implied name
// ("library/python"), or a fully qualified reference; see
// oci.ParseReference for the exact normalization rules.
func (r *Resolver) Resolve(ctx context.Context, ref string, platform oci.Platform) (*BaseImage, error) {
	parsed, err := oci.ParseReference(ref)
	if err != nil {
		return nil, err
	}

	nameRef, err := name.ParseReference(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	v1Platform := v1.Platform{OS: platform.OS, Architecture: platform.Architecture, Variant: platform.Variant}
	img, err := remote.Image(nameRef, remote.WithContext(ctx), remote.WithPlatform(v1Platform))
	if err != nil {
		if strings.Contains(err.Error(), "no child with platform") {
			return nil, &pcerr.NoMatchingPlatform{Wanted: platform.String()}
		}
		return nil, &pcerr.RegistryHTTPError{Status: 0, Endpoint: parsed.RegistryHost()}
	}

	cfgFile, err := img.ConfigFile()
	if err != nil || cfgFile == nil {
		return nil, fmt.Errorf("read base image config: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("read base image layers: %w", err)
	}
	wrapped := make([]LayerSource, len(layers))
	for i, l := range layers {
		wrapped[i] = &registryLayer{layer: l}
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("read base image manifest: %w", err)
	}

	diffIDs := make([]digest.Digest, len(cfgFile.RootFS.DiffIDs))
	for i, h := range cfgFile.RootFS.DiffIDs {
		diffIDs[i] = digest.Digest(h.String())
	}

	cfg := cfgFile.Config
	return &BaseImage{
		Config: Descriptor{
			ImageConfig: oci.ImageConfig{
				OS:           cfgFile.OS,
				Architecture: cfgFile.Architecture,
				Variant:      cfgFile.Variant,
				Env:          cfg.Env,
				WorkingDir:   cfg.WorkingDir,
				Entrypoint:   cfg.Entrypoint,
				Cmd:          cfg.Cmd,
				Labels:       cfg.Labels,
				User:         cfg.User,
				RootFS:       oci.RootFS{Type: "layers", DiffIDs: diffIDs},
			},
			ConfigDigest: digest.Digest(manifest.Config.Digest.String()),
			ConfigSize:   manifest.Config.Size,
		},
		Layers: wrapped,
	}, nil
}

// registryLayer adapts a go-containerregistry layer to LayerSource.
type registryLayer struct {
	layer v1.Layer
}

func (l *registryLayer) Descriptor() oci.Descriptor {
	d, _ := l.layer.Digest()
	size, _ := l.layer.Size()
	mt, _ := l.layer.MediaType()
	return oci.Descriptor{
		MediaType: string(mt),
		Digest:    digest.Digest(d.String()),
		Size:      size,
	}
}

func (l *registryLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	rc, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("read base layer content: %w", err)
	}
	return rc, nil
}

// NoOpResolver resolves every reference to a fixed, empty base image. It
// backs dry-run plans and tests that do not need network access.
type NoOpResolver struct{}

func NewNoOpResolver() *NoOpResolver {
	return &NoOpResolver{}
}

func (r *NoOpResolver) Resolve(ctx context.Context, ref string, platform oci.Platform) (*BaseImage, error) {
	return &BaseImage{
		Config: Descriptor{
			ImageConfig: oci.ImageConfig{
				OS:           platform.OS,
				Architecture: platform.Architecture,
				Entrypoint:   []string{"/bin/sh"},
			},
			ConfigDigest: digest.FromString("noop-base-config"),
		},
		Layers: nil,
	}, nil
}
