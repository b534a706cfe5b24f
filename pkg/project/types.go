// Package project implements the project introspector and framework
// detection heuristics of spec.md §4.3–§4.4.
package project

// Framework is the detected web framework tag.
type Framework string

const (
	FrameworkNone     Framework = "none"
	FrameworkFastAPI  Framework = "fastapi"
	FrameworkFlask    Framework = "flask"
	FrameworkDjango   Framework = "django"
)

// DependenciesSourceKind tags which dependency source was detected.
type DependenciesSourceKind int

const (
	DepsNone DependenciesSourceKind = iota
	DepsVirtualenv
	DepsRequirementsFile
)

// DependenciesSource is the tagged Virtualenv(path) | RequirementsFile(path) | None variant.
type DependenciesSource struct {
	Kind DependenciesSourceKind
	Path string
}

// Metadata is the introspector's output.
type Metadata struct {
	Name                     string
	Version                  string
	DeclaredInterpreterRange string // e.g. "3.11", empty if absent
	ScriptMap                map[string]string
	ScriptOrder              []string // ScriptMap's keys, in [project.scripts] declaration order
	DependenciesSource       DependenciesSource
	Framework                Framework
	IncludePaths             []string
	ContextRoot              string
	DeclaredDependencies     []string // dependency names as declared in the manifest, exact match source
}

// Detection is a framework's contribution to the build: an entrypoint
// default, ports to expose, and labels to merge (defaults only — never
// overrides an explicit user value, per spec.md §4.4).
type Detection struct {
	Framework  Framework
	Entrypoint []string
	Ports      []int
	Labels     map[string]string
}
