package project

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// pyprojectDoc is the slice of pyproject.toml this pipeline reads.
type pyprojectDoc struct {
	Project struct {
		Name            string            `toml:"name"`
		Version         string            `toml:"version"`
		RequiresPython  string            `toml:"requires-python"`
		Dependencies    []string          `toml:"dependencies"`
		Scripts         map[string]string `toml:"scripts"`
	} `toml:"project"`
}

const requirementsFileDefault = "requirements.txt"

var minVersionPattern = regexp.MustCompile(`>=\s*([0-9]+\.[0-9]+)`)

// Inspect reads the project manifest under contextDir and produces
// Metadata, following spec.md §4.3's deterministic resolution order.
func Inspect(contextDir string) (*Metadata, error) {
	info, err := os.Stat(contextDir)
	if err != nil || !info.IsDir() {
		return nil, &pcerr.ProjectNotFound{Path: contextDir}
	}

	meta := &Metadata{ContextRoot: contextDir, ScriptMap: map[string]string{}}

	manifestPath := filepath.Join(contextDir, "pyproject.toml")
	var doc pyprojectDoc
	if _, err := os.Stat(manifestPath); err == nil {
		md, err := toml.DecodeFile(manifestPath, &doc)
		if err != nil {
			return nil, &pcerr.ProjectMetadataMissing{Path: manifestPath, Reason: err.Error()}
		}
		meta.Name = doc.Project.Name
		meta.Version = doc.Project.Version
		meta.ScriptMap = doc.Project.Scripts
		meta.ScriptOrder = scriptDeclarationOrder(md, doc.Project.Scripts)
		meta.DeclaredDependencies = normalizeDependencyNames(doc.Project.Dependencies)
		if m := minVersionPattern.FindStringSubmatch(doc.Project.RequiresPython); m != nil {
			meta.DeclaredInterpreterRange = m[1]
		}
	}

	meta.DependenciesSource = detectDependenciesSource(contextDir)
	meta.IncludePaths = defaultIncludePaths(contextDir, meta.Name, meta.DependenciesSource)

	return meta, nil
}

// EntryPoint converts the first declared script into an argv, following
// spec.md §4.3's "pkg.mod:func" -> ["<interpreter>", "-m", "pkg.mod"]
// mapping, falling back to ["<interpreter>", "-m", "app"] when no scripts
// are declared and no framework was detected (the caller passes
// frameworkDetected=false to request that fallback). "First" means
// declaration order in [project.scripts], per ScriptOrder, not
// alphabetical — matching the original implementation's
// next(iter(scripts.items())).
func (m *Metadata) EntryPoint(interpreter string, frameworkDetected bool) []string {
	if len(m.ScriptMap) > 0 {
		name := ""
		if len(m.ScriptOrder) > 0 {
			name = m.ScriptOrder[0]
		} else {
			for n := range m.ScriptMap {
				name = n
				break
			}
		}
		target := m.ScriptMap[name]
		module := target
		if idx := strings.Index(target, ":"); idx >= 0 {
			module = target[:idx]
		}
		return []string{interpreter, "-m", module}
	}
	if frameworkDetected {
		return nil
	}
	return []string{interpreter, "-m", "app"}
}

// scriptDeclarationOrder recovers the [project.scripts] table's file
// order from md.Keys(), since decoding into a Go map (as pyprojectDoc
// does) loses it. original_source/src/pycontainer/project.py's
// detect_entrypoint relies on tomllib preserving dict insertion order to
// pick next(iter(scripts.items())); BurntSushi/toml's MetaData.Keys()
// is the Go equivalent source of that ordering.
func scriptDeclarationOrder(md toml.MetaData, scripts map[string]string) []string {
	order := make([]string, 0, len(scripts))
	for _, key := range md.Keys() {
		if len(key) != 3 || key[0] != "project" || key[1] != "scripts" {
			continue
		}
		if _, ok := scripts[key[2]]; ok {
			order = append(order, key[2])
		}
	}
	return order
}

func detectDependenciesSource(contextDir string) DependenciesSource {
	for _, name := range []string{"venv", ".venv", "env"} {
		p := filepath.Join(contextDir, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return DependenciesSource{Kind: DepsVirtualenv, Path: p}
		}
	}
	req := filepath.Join(contextDir, requirementsFileDefault)
	if _, err := os.Stat(req); err == nil {
		return DependenciesSource{Kind: DepsRequirementsFile, Path: req}
	}
	return DependenciesSource{Kind: DepsNone}
}

func defaultIncludePaths(contextDir, projectName string, deps DependenciesSource) []string {
	var paths []string

	switch {
	case dirExists(contextDir, "src"):
		paths = append(paths, "src")
	case dirExists(contextDir, "app"):
		paths = append(paths, "app")
	case projectName != "" && dirExists(contextDir, projectName):
		paths = append(paths, projectName)
	}

	if fileExists(contextDir, "pyproject.toml") {
		paths = append(paths, "pyproject.toml")
	}
	if deps.Kind == DepsRequirementsFile {
		rel, _ := filepath.Rel(contextDir, deps.Path)
		paths = append(paths, rel)
	}

	return paths
}

// SitePackagesPath locates <venv>/lib/<interp>/site-packages under a
// virtualenv root, matching the conventional POSIX virtualenv layout.
func SitePackagesPath(venvPath string) (string, error) {
	libDir := filepath.Join(venvPath, "lib")
	children, err := os.ReadDir(libDir)
	if err != nil {
		return "", &pcerr.IoError{Path: libDir, Cause: err}
	}
	for _, c := range children {
		if !c.IsDir() {
			continue
		}
		candidate := filepath.Join(libDir, c.Name(), "site-packages")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", &pcerr.IoError{Path: libDir, Cause: os.ErrNotExist}
}

func dirExists(base, name string) bool {
	info, err := os.Stat(filepath.Join(base, name))
	return err == nil && info.IsDir()
}

func fileExists(base, name string) bool {
	info, err := os.Stat(filepath.Join(base, name))
	return err == nil && !info.IsDir()
}

func normalizeDependencyNames(deps []string) []string {
	names := make([]string, 0, len(deps))
	for _, d := range deps {
		name := strings.TrimSpace(d)
		for _, sep := range []string{"==", ">=", "<=", "~=", "!=", ">", "<", "[", " "} {
			if idx := strings.Index(name, sep); idx >= 0 {
				name = name[:idx]
			}
		}
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}
	return names
}
