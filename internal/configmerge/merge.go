// Package configmerge implements the final image config assembly of
// spec.md §4.5: base image config, project defaults, framework defaults,
// and the user's build plan are merged field by field, each with its own
// precedence rule.
package configmerge

import (
	"strings"

	"github.com/spboyer/pycontainer-build/internal/buildplan"
	"github.com/spboyer/pycontainer-build/pkg/oci"
	"github.com/spboyer/pycontainer-build/pkg/pcerr"
	"github.com/spboyer/pycontainer-build/pkg/project"
	"github.com/spboyer/pycontainer-build/pkg/registry"
)

// DefaultInterpreter is substituted for the "<interpreter>" placeholder
// framework defaults and project-script entry points use, and is the
// interpreter name passed to project.Metadata.EntryPoint.
const DefaultInterpreter = "python3"

// DefaultWorkDir is the workdir used when neither the build plan nor the
// base image specifies one.
const DefaultWorkDir = "/app"

// Input bundles everything Merge needs. Base is nil when no base image
// is configured or resolution was skipped (dry run, NoOp resolver chose
// an image with no config worth trusting).
type Input struct {
	Base      *registry.BaseImage
	Project   *project.Metadata
	Framework *project.Detection
	Plan      *buildplan.Plan
}

// Merge produces the image config's merged fields, excluding RootFS:
// diff_ids are only known once layers have been built, so the
// orchestrator assembles RootFS itself from the base image's diff_ids
// plus the dependency/application layer diff_ids, in that order.
func Merge(in Input) (*oci.ImageConfig, error) {
	if err := checkPlatform(in.Base, in.Plan); err != nil {
		return nil, err
	}

	entrypoint, cmd, err := resolveEntrypoint(in)
	if err != nil {
		return nil, err
	}

	cfg := &oci.ImageConfig{
		OS:           in.Plan.Platform.OS,
		Architecture: in.Plan.Platform.Architecture,
		Variant:      in.Plan.Platform.Variant,
		Env:          mergeEnv(baseEnv(in.Base), in.Plan.Env),
		WorkingDir:   ResolveWorkDir(in.Base, in.Plan),
		User:         resolveUser(in.Base, in.Plan),
		Labels:       mergeLabels(baseLabels(in.Base), in.Framework, in.Plan),
		Entrypoint:   entrypoint,
		Cmd:          cmd,
	}
	return cfg, nil
}

// ResolveWorkDir applies the working_dir precedence rule ahead of layer
// construction, since the application layer's archive prefix must be
// known before Merge runs (Merge itself calls this too, for the config
// it returns).
func ResolveWorkDir(base *registry.BaseImage, plan *buildplan.Plan) string {
	if plan.WorkDir != "" {
		return plan.WorkDir
	}
	if base != nil && base.Config.WorkingDir != "" {
		return base.Config.WorkingDir
	}
	return DefaultWorkDir
}

func checkPlatform(base *registry.BaseImage, plan *buildplan.Plan) error {
	if base == nil || base.Config.OS == "" {
		return nil
	}
	if base.Config.OS != plan.Platform.OS || base.Config.Architecture != plan.Platform.Architecture {
		return &pcerr.PlatformMismatch{
			Wanted: plan.Platform.String(),
			Got:    (oci.Platform{OS: base.Config.OS, Architecture: base.Config.Architecture, Variant: base.Config.Variant}).String(),
		}
	}
	return nil
}

func baseEnv(base *registry.BaseImage) []string {
	if base == nil {
		return nil
	}
	return base.Config.Env
}

func baseLabels(base *registry.BaseImage) map[string]string {
	if base == nil {
		return nil
	}
	return base.Config.Labels
}

// mergeEnv implements "union of (base ∪ user); keys from user override;
// result is sorted by first-occurrence order of base, then by insertion
// order of any new user keys."
func mergeEnv(base []string, user []buildplan.EnvVar) []string {
	order := make([]string, 0, len(base)+len(user))
	values := make(map[string]string, len(base)+len(user))

	for _, kv := range base {
		k, v := splitEnv(kv)
		if _, seen := values[k]; !seen {
			order = append(order, k)
		}
		values[k] = v
	}
	for _, e := range user {
		if _, seen := values[e.Key]; !seen {
			order = append(order, e.Key)
		}
		values[e.Key] = e.Value
	}

	out := make([]string, len(order))
	for i, k := range order {
		out[i] = k + "=" + values[k]
	}
	return out
}

func splitEnv(kv string) (string, string) {
	if idx := strings.IndexByte(kv, '='); idx >= 0 {
		return kv[:idx], kv[idx+1:]
	}
	return kv, ""
}

// resolveUser implements the same precedence as working_dir, but the
// build plan has no user-facing "user" option, so the only source above
// the empty default is the base image.
func resolveUser(base *registry.BaseImage, plan *buildplan.Plan) string {
	if base != nil {
		return base.Config.User
	}
	return ""
}

// mergeLabels implements "map merge, user wins on conflict", with
// framework-detected labels filling in ahead of the base image's own
// labels but behind anything the user set explicitly.
func mergeLabels(base map[string]string, fw *project.Detection, plan *buildplan.Plan) map[string]string {
	merged := make(map[string]string)
	for k, v := range base {
		merged[k] = v
	}
	if fw != nil {
		for k, v := range fw.Labels {
			merged[k] = v
		}
	}
	for k, v := range plan.Labels {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// resolveEntrypoint implements "user explicit > framework default >
// project script > base". A user-supplied entrypoint always replaces
// cmd outright, matching the original implementation's single
// entrypoint-or-cmd dataclass field; every other source also supplies
// its own argv as Entrypoint with a nil Cmd, except falling through to
// the base image, which keeps its own entrypoint/cmd split.
func resolveEntrypoint(in Input) (entrypoint, cmd []string, err error) {
	if len(in.Plan.Entrypoint) > 0 {
		return in.Plan.Entrypoint, nil, nil
	}

	if in.Framework != nil && in.Framework.Framework != project.FrameworkNone && len(in.Framework.Entrypoint) > 0 {
		return substituteInterpreter(in.Framework.Entrypoint), nil, nil
	}

	if in.Project != nil && len(in.Project.ScriptMap) > 0 {
		return in.Project.EntryPoint(DefaultInterpreter, true), nil, nil
	}

	if in.Base != nil && len(in.Base.Config.Entrypoint) > 0 {
		return in.Base.Config.Entrypoint, in.Base.Config.Cmd, nil
	}

	// No declared script and no base entrypoint: guess, matching the
	// original implementation's unconditional "python -m app" default.
	if in.Project != nil {
		return in.Project.EntryPoint(DefaultInterpreter, false), nil, nil
	}

	// No project either: whatever the base image carries (a cmd alone, or
	// nothing) passes through unchanged.
	if in.Base != nil {
		return in.Base.Config.Entrypoint, in.Base.Config.Cmd, nil
	}

	return nil, nil, &pcerr.NoEntryPoint{}
}

func substituteInterpreter(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if a == "<interpreter>" {
			out[i] = DefaultInterpreter
		} else {
			out[i] = a
		}
	}
	return out
}
