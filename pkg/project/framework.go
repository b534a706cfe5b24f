package project

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var fastAPIAppPattern = regexp.MustCompile(`(\w+)\s*=\s*FastAPI\(`)

// DetectFramework runs the heuristic pass of spec.md §4.4: exact
// declared-dependency match first, then requirements.txt lines, then a
// marker-file check (manage.py implies django). When the dependency-name
// match and the source-scanning signals agree, dependency match wins;
// the source scan (recovered from the original implementation) is what
// locates the FastAPI module path and app variable.
func DetectFramework(meta *Metadata) (*Detection, error) {
	fw := frameworkFromDependencyNames(meta.DeclaredDependencies)
	if fw == FrameworkNone {
		fw = frameworkFromRequirements(meta.ContextRoot)
	}
	if fw == FrameworkNone && markerFileImpliesDjango(meta.ContextRoot) {
		fw = FrameworkDjango
	}

	switch fw {
	case FrameworkFastAPI:
		module := findFastAPIModule(meta.ContextRoot)
		return &Detection{
			Framework:  FrameworkFastAPI,
			Entrypoint: []string{"uvicorn", module, "--host", "0.0.0.0", "--port", "8000"},
			Ports:      []int{8000},
			Labels:     map[string]string{"framework": "fastapi"},
		}, nil
	case FrameworkFlask:
		return &Detection{
			Framework:  FrameworkFlask,
			Entrypoint: []string{"flask", "run", "--host=0.0.0.0"},
			Ports:      []int{5000},
			Labels:     map[string]string{"framework": "flask"},
		}, nil
	case FrameworkDjango:
		return &Detection{
			Framework:  FrameworkDjango,
			Entrypoint: []string{"<interpreter>", "manage.py", "runserver", "0.0.0.0:8000"},
			Ports:      []int{8000},
			Labels:     map[string]string{"framework": "django"},
		}, nil
	default:
		return &Detection{Framework: FrameworkNone}, nil
	}
}

func frameworkFromDependencyNames(deps []string) Framework {
	for _, d := range deps {
		switch d {
		case "fastapi":
			return FrameworkFastAPI
		case "flask":
			return FrameworkFlask
		case "django":
			return FrameworkDjango
		}
	}
	return FrameworkNone
}

func frameworkFromRequirements(contextDir string) Framework {
	f, err := os.Open(filepath.Join(contextDir, requirementsFileDefault))
	if err != nil {
		return FrameworkNone
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		switch {
		case strings.HasPrefix(line, "fastapi"):
			return FrameworkFastAPI
		case strings.HasPrefix(line, "flask"):
			return FrameworkFlask
		case strings.HasPrefix(line, "django"):
			return FrameworkDjango
		}
	}
	return FrameworkNone
}

func markerFileImpliesDjango(contextDir string) bool {
	data, err := os.ReadFile(filepath.Join(contextDir, "manage.py"))
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "django")
}

// findFastAPIModule scans *.py files under contextDir for a "var =
// FastAPI(" assignment and returns "<module>:<var>" using the first match,
// falling back to "<module>:app" on the first Python file discovered if no
// explicit FastAPI(...) assignment is found.
func findFastAPIModule(contextDir string) string {
	var fallback string

	err := filepath.Walk(contextDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(p, ".py") {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(contextDir, p)
		module := strings.ReplaceAll(strings.TrimSuffix(rel, ".py"), string(filepath.Separator), ".")

		if fallback == "" {
			fallback = module + ":app"
		}

		if m := fastAPIAppPattern.FindStringSubmatch(string(data)); m != nil {
			return errStop{module + ":" + m[1]}
		}
		return nil
	})

	if stop, ok := err.(errStop); ok {
		return stop.module
	}
	return fallback
}

// errStop carries the found module string out of filepath.Walk via the
// error-short-circuit idiom; findFastAPIModule unwraps it, it is never
// surfaced past that point.
type errStop struct{ module string }

func (e errStop) Error() string { return e.module }
