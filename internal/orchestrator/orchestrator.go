// Package orchestrator sequences a single build end to end: project
// introspection, optional base image resolution, layer construction
// through the cache, image config assembly, OCI Image Layout writing,
// optional registry push, and optional SBOM emission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/spboyer/pycontainer-build/internal/buildplan"
	"github.com/spboyer/pycontainer-build/internal/configmerge"
	"github.com/spboyer/pycontainer-build/internal/layerbuild"
	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/oci"
	"github.com/spboyer/pycontainer-build/pkg/pcerr"
	"github.com/spboyer/pycontainer-build/pkg/project"
	"github.com/spboyer/pycontainer-build/pkg/registry"
	"github.com/spboyer/pycontainer-build/pkg/sbom"
)

// Result is the outcome of a completed build. Warning carries a
// SBOMGenerationFailed message when SBOM emission failed but the build
// itself still succeeded, per spec.md §5's recoverable-error list.
type Result struct {
	DryRun         bool
	LayoutPath     string
	ManifestDigest digest.Digest
	Config         *oci.ImageConfig
	Pushed         bool
	PushedRef      string
	SBOMPath       string
	Warning        string
}

// Options configures an Orchestrator for the lifetime of a process; none
// of its fields change between builds.
type Options struct {
	Store           *cache.Store
	Resolver        registry.BaseImageResolver
	Auth            registry.Authenticator
	Logger          *slog.Logger
	OutputDir       string // root directory under which each build's layout is written
	PushConcurrency int
}

// Orchestrator runs builds against a fixed cache, resolver, and
// credential chain, following spec.md §4.11's sequencing.
type Orchestrator struct {
	store           *cache.Store
	resolver        registry.BaseImageResolver
	auth            registry.Authenticator
	log             *slog.Logger
	outputDir       string
	pushConcurrency int
}

// New returns an Orchestrator. Logger defaults to slog.Default() if nil;
// PushConcurrency defaults to 4, matching spec.md §5's default pool size.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	concurrency := opts.PushConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Orchestrator{
		store:           opts.Store,
		resolver:        opts.Resolver,
		auth:            opts.Auth,
		log:             log,
		outputDir:       opts.OutputDir,
		pushConcurrency: concurrency,
	}
}

// Run executes one build per plan. A dry run inspects the project,
// resolves the merge-relevant inputs, logs the resolved plan, and
// returns before touching the cache, the layout directory, or the
// network.
func (o *Orchestrator) Run(ctx context.Context, plan *buildplan.Plan) (*Result, error) {
	start := time.Now()
	log := o.log.With("tag", plan.Tag)
	log.InfoContext(ctx, "starting build", "context", plan.ContextPath, "platform", plan.Platform.String())

	meta, err := project.Inspect(plan.ContextPath)
	if err != nil {
		return nil, fmt.Errorf("inspect project: %w", err)
	}
	detection, err := project.DetectFramework(meta)
	if err != nil {
		return nil, fmt.Errorf("detect framework: %w", err)
	}
	if detection.Framework != project.FrameworkNone {
		log.InfoContext(ctx, "framework detected", "framework", detection.Framework)
	}

	if plan.DryRun {
		log.InfoContext(ctx, "dry run: aborting before any bytes are written",
			"workdir", configmerge.ResolveWorkDir(nil, plan),
			"framework", detection.Framework,
			"dependencies_kind", meta.DependenciesSource.Kind,
			"include_paths", meta.IncludePaths)
		return &Result{DryRun: true}, nil
	}

	baseRef := plan.BaseImage
	if baseRef == "" {
		baseRef = deriveBaseImageRef(meta)
	}
	base, err := o.resolver.Resolve(ctx, baseRef, plan.Platform)
	if err != nil {
		return nil, fmt.Errorf("resolve base image %s: %w", baseRef, err)
	}
	log.InfoContext(ctx, "base image resolved", "ref", baseRef, "layers", len(base.Layers))

	workdir := configmerge.ResolveWorkDir(base, plan)

	mtime := time.Now()
	if plan.Reproducible {
		mtime = layerbuild.ReproducibleEpoch
	}

	var depLayer *layerbuild.Layer
	if plan.IncludeDeps {
		depLayer, err = layerbuild.BuildDependencyLayer(o.store, meta, workdir, mtime)
		if err != nil {
			return nil, fmt.Errorf("build dependency layer: %w", err)
		}
		if depLayer != nil {
			log.InfoContext(ctx, "dependency layer built", "digest", depLayer.Descriptor.Digest, "size", depLayer.Descriptor.Size)
		}
	}

	appLayer, err := layerbuild.BuildApplicationLayer(o.store, plan.ContextPath, meta.IncludePaths, workdir, nil, mtime)
	if err != nil {
		return nil, fmt.Errorf("build application layer: %w", err)
	}
	log.InfoContext(ctx, "application layer built", "digest", appLayer.Descriptor.Digest, "size", appLayer.Descriptor.Size)

	cfg, err := configmerge.Merge(configmerge.Input{Base: base, Project: meta, Framework: detection, Plan: plan})
	if err != nil {
		return nil, fmt.Errorf("merge image config: %w", err)
	}

	layers, diffIDs, err := o.materializeLayers(ctx, base, depLayer, appLayer)
	if err != nil {
		return nil, err
	}
	cfg.RootFS = oci.RootFS{Type: "layers", DiffIDs: diffIDs}

	layoutRoot := filepath.Join(o.outputDir, sanitizeTag(plan.Tag))
	manifestDigest, err := o.publishLayout(ctx, layoutRoot, cfg, layers, plan.Tag, start.Unix())
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "layout written", "path", layoutRoot, "manifest_digest", manifestDigest)

	result := &Result{
		LayoutPath:     layoutRoot,
		ManifestDigest: manifestDigest,
		Config:         cfg,
	}

	if plan.Push {
		ref, err := o.push(ctx, plan, cfg, layers, manifestDigest)
		if err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		result.Pushed = true
		result.PushedRef = ref
		log.InfoContext(ctx, "pushed", "ref", ref)
	}

	if plan.GenerateSBOM != "" {
		path, err := o.writeSBOM(plan, meta, cfg)
		if err != nil {
			// SBOMGenerationFailed is recoverable: the build itself already
			// succeeded (layout written, optionally pushed).
			var sbomErr *pcerr.SBOMGenerationFailed
			if errors.As(err, &sbomErr) {
				log.WarnContext(ctx, "sbom generation failed", "error", err)
				result.Warning = err.Error()
			} else {
				return nil, fmt.Errorf("generate sbom: %w", err)
			}
		} else {
			result.SBOMPath = path
			log.InfoContext(ctx, "sbom written", "path", path)
		}
	}

	log.InfoContext(ctx, "build completed", "duration", time.Since(start))
	return result, nil
}

// materializeLayers pulls any base image layers not already cached into
// the store, and returns every layer descriptor in bottom-up order
// together with the matching diff_id sequence (base diff_ids, then
// dependency, then application).
func (o *Orchestrator) materializeLayers(ctx context.Context, base *registry.BaseImage, depLayer, appLayer *layerbuild.Layer) ([]oci.Descriptor, []digest.Digest, error) {
	var layers []oci.Descriptor
	var diffIDs []digest.Digest

	if base != nil {
		for i, l := range base.Layers {
			desc := l.Descriptor()
			if !o.store.Has(desc.Digest) {
				rc, err := l.Compressed(ctx)
				if err != nil {
					return nil, nil, fmt.Errorf("fetch base layer %s: %w", desc.Digest, err)
				}
				res, err := o.store.PutFromStream(rc, cache.KindBaseLayer)
				_ = rc.Close()
				if err != nil {
					return nil, nil, fmt.Errorf("cache base layer %s: %w", desc.Digest, err)
				}
				if res.Digest != desc.Digest {
					return nil, nil, &pcerr.DigestMismatch{Expected: desc.Digest.String(), Actual: res.Digest.String()}
				}
			}
			layers = append(layers, desc)
			if i < len(base.Config.RootFS.DiffIDs) {
				diffIDs = append(diffIDs, base.Config.RootFS.DiffIDs[i])
			}
		}
	}

	if depLayer != nil {
		layers = append(layers, depLayer.Descriptor)
		diffIDs = append(diffIDs, depLayer.DiffID)
	}

	layers = append(layers, appLayer.Descriptor)
	diffIDs = append(diffIDs, appLayer.DiffID)

	return layers, diffIDs, nil
}

// publishLayout writes the OCI Image Layout, guarding it with the same
// "wanted" timestamp idiom as a device builder guards its block-device
// rename: a build does not publish over a layout that a newer build
// targeting the same output directory has already published.
func (o *Orchestrator) publishLayout(ctx context.Context, root string, cfg *oci.ImageConfig, layers []oci.Descriptor, tag string, startedAt int64) (digest.Digest, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create layout dir: %w", err)
	}

	wantedFile := filepath.Join(root, ".wanted")
	if !isNewestBuild(wantedFile, startedAt) {
		return "", fmt.Errorf("newer build for %s detected, not publishing", tag)
	}
	if err := writeFileAtomic(wantedFile, []byte(strconv.FormatInt(startedAt, 10))); err != nil {
		return "", fmt.Errorf("write wanted marker: %w", err)
	}

	manifestDigest, err := oci.WriteLayout(root, &oci.Layout{
		Config:     cfg,
		Layers:     layers,
		Tag:        tag,
		BlobSource: o.store,
	})
	if err != nil {
		return "", fmt.Errorf("write layout: %w", err)
	}

	return manifestDigest, nil
}

func isNewestBuild(wantedFile string, startedAt int64) bool {
	data, err := os.ReadFile(wantedFile)
	if err != nil {
		return true
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}
	return ts <= startedAt
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

// push uploads every blob in dependency order and the manifest last,
// per spec.md §5's blob-before-manifest synchronization point.
func (o *Orchestrator) push(ctx context.Context, plan *buildplan.Plan, cfg *oci.ImageConfig, layers []oci.Descriptor, manifestDigest digest.Digest) (string, error) {
	ref, err := oci.ParseReference(pushReference(plan))
	if err != nil {
		return "", err
	}

	client := registry.NewClient(ref.RegistryHost(), ref.Repository, o.auth, o.log)

	configBytes, err := oci.CanonicalJSON(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	configDigest := digest.FromBytes(configBytes)

	blobs := make([]registry.BlobToPush, 0, len(layers)+1)
	for _, l := range layers {
		data, err := o.readBlob(l.Digest)
		if err != nil {
			return "", err
		}
		blobs = append(blobs, registry.BlobToPush{Digest: l.Digest, Data: data})
	}
	blobs = append(blobs, registry.BlobToPush{Digest: configDigest, Data: configBytes})

	if err := client.PushBlobs(ctx, blobs, o.pushConcurrency); err != nil {
		return "", err
	}

	manifest := oci.NewManifest(oci.Descriptor{
		MediaType: oci.MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(configBytes)),
	}, layers)
	manifestBytes, err := oci.CanonicalJSON(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if digest.FromBytes(manifestBytes) != manifestDigest {
		return "", &pcerr.DigestMismatch{Expected: manifestDigest.String(), Actual: digest.FromBytes(manifestBytes).String()}
	}

	if err := client.PushManifest(ctx, ref.Identifier, oci.MediaTypeImageManifest, manifestBytes); err != nil {
		return "", err
	}

	return ref.String(), nil
}

func (o *Orchestrator) readBlob(d digest.Digest) ([]byte, error) {
	rc, err := o.store.Get(d)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}
	if rc == nil {
		return nil, fmt.Errorf("blob %s missing from cache", d)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}
	return data, nil
}

// pushReference composes the destination reference from the build plan's
// registry override and tag. A tag that already carries a repository
// path (contains "/") is assumed fully qualified and left untouched,
// since prepending the registry override again would double it.
func pushReference(plan *buildplan.Plan) string {
	if plan.Registry != "" && !strings.Contains(plan.Tag, "/") {
		return plan.Registry + "/" + plan.Tag
	}
	return plan.Tag
}

func (o *Orchestrator) writeSBOM(plan *buildplan.Plan, meta *project.Metadata, cfg *oci.ImageConfig) (string, error) {
	format := sbom.Format(plan.GenerateSBOM)

	pkgs, err := sbom.CollectPackages(meta.ContextRoot, plan.RequirementsFile, meta.DependenciesSource)
	if err != nil {
		return "", &pcerr.SBOMGenerationFailed{Reason: err.Error()}
	}

	configBytes, err := oci.CanonicalJSON(cfg)
	if err != nil {
		return "", &pcerr.SBOMGenerationFailed{Reason: err.Error()}
	}
	docID := sbom.DocID(digest.FromBytes(configBytes))

	name := meta.Name
	if name == "" {
		name = sanitizeTag(plan.Tag)
	}

	data, err := sbom.Generate(format, name, pkgs, docID)
	if err != nil {
		return "", &pcerr.SBOMGenerationFailed{Reason: err.Error()}
	}

	path := filepath.Join(o.outputDir, sanitizeTag(plan.Tag)+"."+string(format)+".json")
	if err := writeFileAtomic(path, data); err != nil {
		return "", &pcerr.SBOMGenerationFailed{Reason: err.Error()}
	}
	return path, nil
}

// deriveBaseImageRef picks a base image when the plan leaves base_image
// unset, per spec.md §6: a derived interpreter image chosen from the
// project's declared interpreter range, falling back to the latest
// python:3 slim image when no range was declared.
func deriveBaseImageRef(meta *project.Metadata) string {
	if meta.DeclaredInterpreterRange != "" {
		return "python:" + meta.DeclaredInterpreterRange + "-slim"
	}
	return "python:3-slim"
}

func sanitizeTag(tag string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, tag)
}
