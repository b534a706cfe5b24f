// Package buildplan assembles the validated build plan from CLI flags,
// a project-local pycontainer.toml file, and built-in defaults, following
// the precedence rules of spec.md §6: explicit flag values win, then the
// config file's [build]/[registry] sections, then defaults.
package buildplan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/spboyer/pycontainer-build/pkg/oci"
	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// EnvVar is one KEY=VALUE pair, order-preserving so that the config
// merger's "insertion order of any new user keys" rule (spec.md §4.5) has
// something deterministic to work from.
type EnvVar struct {
	Key, Value string
}

// Plan is the fully merged, validated set of options the orchestrator
// runs from.
type Plan struct {
	Tag               string
	ContextPath       string
	WorkDir           string
	Env               []EnvVar
	Labels            map[string]string
	BaseImage         string
	IncludeDeps       bool
	RequirementsFile  string
	Entrypoint        []string
	Platform          oci.Platform
	Push              bool
	Registry          string
	CacheDir          string
	NoCache           bool
	Reproducible      bool
	GenerateSBOM      string // "spdx", "cyclonedx", or ""
	Verbose           bool
	DryRun            bool
	Username          string
	Password          string
	Token             string
}

// rawBuild mirrors the [build] table of pycontainer.toml; mapstructure
// tags double as the viper key names that CLI flags are bound to under
// the "build." prefix.
type rawBuild struct {
	Tag              string            `mapstructure:"tag"`
	ContextPath      string            `mapstructure:"context_path"`
	WorkDir          string            `mapstructure:"workdir"`
	Env              map[string]string `mapstructure:"env"`
	Labels           map[string]string `mapstructure:"labels"`
	BaseImage        string            `mapstructure:"base_image"`
	IncludeDeps      bool              `mapstructure:"include_deps"`
	RequirementsFile string            `mapstructure:"requirements_file"`
	Entrypoint       []string          `mapstructure:"entrypoint"`
	Platform         string            `mapstructure:"platform"`
	Push             bool              `mapstructure:"push"`
	CacheDir         string            `mapstructure:"cache_dir"`
	NoCache          bool              `mapstructure:"no_cache"`
	Reproducible     bool              `mapstructure:"reproducible"`
	GenerateSBOM     string            `mapstructure:"generate_sbom"`
	Verbose          bool              `mapstructure:"verbose"`
	DryRun           bool              `mapstructure:"dry_run"`
}

type rawRegistry struct {
	Host     string `mapstructure:"host"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

// SetDefaults installs the built-in defaults spec.md §6 names, at the
// bottom of viper's precedence stack. Defaults stay below config-file
// values and v.Set overrides whichever order they are installed in.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("build.context_path", ".")
	v.SetDefault("build.include_deps", true)
	v.SetDefault("build.requirements_file", "requirements.txt")
	v.SetDefault("build.platform", "linux/amd64")
	v.SetDefault("build.reproducible", true)
	v.SetDefault("build.cache_dir", defaultCacheDir())
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pycontainer", "cache")
	}
	return filepath.Join(home, ".cache", "pycontainer")
}

// Load reads the [build] and [registry] sections out of v (already
// populated with defaults, an optional config file, and CLI flag values
// applied with v.Set, in that precedence order) and produces a validated
// Plan. Each key is resolved through that stack on its own, so a flag or
// file value replaces only its own key's default; a map value set with
// v.Set (--env, --label) replaces the file's whole table. A key that is
// not a known [build]/[registry] field is rejected as InvalidConfig.
func Load(v *viper.Viper) (*Plan, error) {
	var raw struct {
		Build    rawBuild    `mapstructure:"build"`
		Registry rawRegistry `mapstructure:"registry"`
	}
	if err := v.UnmarshalExact(&raw); err != nil {
		return nil, &pcerr.InvalidConfig{Reason: fmt.Sprintf("decode config: %v", err)}
	}
	build, reg := raw.Build, raw.Registry

	platform, err := parsePlatform(build.Platform)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Tag:              build.Tag,
		ContextPath:      build.ContextPath,
		WorkDir:          build.WorkDir,
		Env:              sortedEnv(build.Env),
		Labels:           build.Labels,
		BaseImage:        build.BaseImage,
		IncludeDeps:      build.IncludeDeps,
		RequirementsFile: build.RequirementsFile,
		Entrypoint:       build.Entrypoint,
		Platform:         platform,
		Push:             build.Push,
		Registry:         reg.Host,
		CacheDir:         build.CacheDir,
		NoCache:          build.NoCache,
		Reproducible:     build.Reproducible,
		GenerateSBOM:     build.GenerateSBOM,
		Verbose:          build.Verbose,
		DryRun:           build.DryRun,
		Username:         reg.Username,
		Password:         reg.Password,
		Token:            reg.Token,
	}

	if err := Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// sortedEnv turns the decoded env map into an order-preserving slice.
// A TOML table decoded through mapstructure carries no declaration
// order, so keys are sorted for determinism; --env values arrive through
// the same map and are sorted the same way.
func sortedEnv(m map[string]string) []EnvVar {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, EnvVar{Key: k, Value: m[k]})
	}
	return out
}

func parsePlatform(s string) (oci.Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return oci.Platform{}, &pcerr.InvalidConfig{Reason: fmt.Sprintf("platform %q must be \"os/arch[/variant]\"", s)}
	}
	p := oci.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

// Validate rejects contradictory or unknown option combinations.
func Validate(p *Plan) error {
	if p.Tag == "" {
		return &pcerr.InvalidConfig{Reason: "tag is required"}
	}
	if p.GenerateSBOM != "" && p.GenerateSBOM != "spdx" && p.GenerateSBOM != "cyclonedx" {
		return &pcerr.InvalidConfig{Reason: fmt.Sprintf("generate_sbom %q must be \"spdx\" or \"cyclonedx\"", p.GenerateSBOM)}
	}
	if p.Push && p.Registry == "" && !strings.Contains(p.Tag, "/") {
		return &pcerr.InvalidConfig{Reason: "push requires a registry host, either via [registry].host or a fully qualified tag"}
	}
	if p.Platform.OS == "" || p.Platform.Architecture == "" {
		return &pcerr.InvalidConfig{Reason: "platform must specify both os and architecture"}
	}
	return nil
}
