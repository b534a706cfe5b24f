package sbom

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/spboyer/pycontainer-build/pkg/project"
)

func TestCollectPackagesFromRequirementsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(path, []byte("flask==3.0.0\n# comment\nrequests\n"), 0o644))

	pkgs, err := CollectPackages(dir, "requirements.txt", project.DependenciesSource{Kind: project.DepsRequirementsFile, Path: path})
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	require.Equal(t, "flask", pkgs[0].Name)
	require.Equal(t, "3.0.0", pkgs[0].Version)
	require.Equal(t, "requests", pkgs[1].Name)
	require.Equal(t, "unknown", pkgs[1].Version)
}

func TestCollectPackagesFromVirtualenvWithoutRequirementsFile(t *testing.T) {
	dir := t.TempDir()
	venv := filepath.Join(dir, ".venv")
	distInfo := filepath.Join(venv, "lib", "python3.11", "site-packages", "flask-3.0.0.dist-info")
	require.NoError(t, os.MkdirAll(distInfo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(distInfo, "METADATA"), []byte("Metadata-Version: 2.1\nName: flask\nVersion: 3.0.0\n"), 0o644))

	pkgs, err := CollectPackages(dir, "requirements.txt", project.DependenciesSource{Kind: project.DepsVirtualenv, Path: venv})
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	require.Equal(t, "flask", pkgs[0].Name)
	require.Equal(t, "3.0.0", pkgs[0].Version)
}

func TestCollectPackagesMergesVirtualenvIntoRequirementsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask==3.0.0\n"), 0o644))

	venv := filepath.Join(dir, ".venv")
	writeDistInfo := func(name, version string) {
		distInfo := filepath.Join(venv, "lib", "python3.11", "site-packages", name+"-"+version+".dist-info")
		require.NoError(t, os.MkdirAll(distInfo, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(distInfo, "METADATA"), []byte("Name: "+name+"\nVersion: "+version+"\n"), 0o644))
	}
	writeDistInfo("flask", "2.9.9") // already declared; requirements.txt's pinned version wins
	writeDistInfo("click", "8.1.7") // only discovered live, must be merged in

	pkgs, err := CollectPackages(dir, "requirements.txt", project.DependenciesSource{Kind: project.DepsVirtualenv, Path: venv})
	require.NoError(t, err)
	require.Len(t, pkgs, 2)

	byName := map[string]Package{}
	for _, p := range pkgs {
		byName[p.Name] = p
	}
	require.Equal(t, "3.0.0", byName["flask"].Version)
	require.Equal(t, "8.1.7", byName["click"].Version)
}

func TestCollectPackagesNoneWhenNeitherSourcePresent(t *testing.T) {
	dir := t.TempDir()
	pkgs, err := CollectPackages(dir, "requirements.txt", project.DependenciesSource{Kind: project.DepsNone})
	require.NoError(t, err)
	require.Nil(t, pkgs)
}

func TestGenerateSPDXIsCanonicalAndDeterministic(t *testing.T) {
	pkgs := []Package{{Name: "flask", Version: "3.0.0"}}
	docID := DocID(digest.FromString("config"))

	a, err := Generate(FormatSPDX, "demo", pkgs, docID)
	require.NoError(t, err)
	b, err := Generate(FormatSPDX, "demo", pkgs, docID)
	require.NoError(t, err)
	require.Equal(t, a, b)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(a, &parsed))
	require.Equal(t, "SPDX-2.3", parsed["spdxVersion"])
}

func TestGenerateCycloneDX(t *testing.T) {
	pkgs := []Package{{Name: "flask", Version: "3.0.0"}}
	data, err := Generate(FormatCycloneDX, "demo", pkgs, DocID(digest.FromString("config")))
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Equal(t, "CycloneDX", parsed["bomFormat"])
}

func TestGenerateUnsupportedFormat(t *testing.T) {
	_, err := Generate(Format("bogus"), "demo", nil, "x")
	require.Error(t, err)
}
