// Package sbom implements the SBOM emitter of spec.md §4.12: SPDX 2.3 and
// CycloneDX 1.4 document synthesis from the same dependencies source the
// layer builder reads, never from OS packages inside base image layers.
package sbom

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/spboyer/pycontainer-build/pkg/oci"
	"github.com/spboyer/pycontainer-build/pkg/pcerr"
	"github.com/spboyer/pycontainer-build/pkg/project"
)

// Format identifies which of the two supported document schemas to emit.
type Format string

const (
	FormatSPDX      Format = "spdx"
	FormatCycloneDX Format = "cyclonedx"
)

// Package is one enumerated dependency: a name and, when determinable, a
// version. Version is "unknown" when a requirements.txt line has no
// pinned version.
type Package struct {
	Name    string
	Version string
}

// CollectPackages enumerates the packages that would be installed into
// the dependency layer. A declared requirements.txt is read first when
// present; when the active dependencies source is a virtualenv, its
// installed *.dist-info metadata is read as a live enumeration (this
// module's equivalent of `pip freeze`) and merged in, skipping any name
// already declared in requirements.txt. This mirrors the original
// implementation's two-source merge in _get_python_packages.
func CollectPackages(contextDir, requirementsFile string, source project.DependenciesSource) ([]Package, error) {
	var declared []Package
	if requirementsFile != "" {
		reqPath := filepath.Join(contextDir, requirementsFile)
		if _, err := os.Stat(reqPath); err == nil {
			pkgs, err := fromRequirementsFile(reqPath)
			if err != nil {
				return nil, err
			}
			declared = pkgs
		}
	}

	switch source.Kind {
	case project.DepsVirtualenv:
		live, err := fromVirtualenv(source.Path)
		if err != nil {
			return nil, err
		}
		merged := mergePackages(declared, live)
		sortPackages(merged)
		return merged, nil
	case project.DepsRequirementsFile:
		if declared != nil {
			return declared, nil
		}
		return fromRequirementsFile(source.Path)
	default:
		sortPackages(declared)
		return declared, nil
	}
}

// mergePackages appends every entry of extra whose name isn't already
// present in base, preserving base's order and sort position.
func mergePackages(base, extra []Package) []Package {
	seen := make(map[string]struct{}, len(base))
	for _, p := range base {
		seen[p.Name] = struct{}{}
	}
	merged := append([]Package{}, base...)
	for _, p := range extra {
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		merged = append(merged, p)
	}
	return merged
}

func fromRequirementsFile(path string) ([]Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &pcerr.IoError{Path: path, Cause: err}
	}
	defer f.Close()

	var pkgs []Package
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "=="); idx >= 0 {
			pkgs = append(pkgs, Package{Name: strings.TrimSpace(line[:idx]), Version: strings.TrimSpace(line[idx+2:])})
		} else {
			pkgs = append(pkgs, Package{Name: line, Version: "unknown"})
		}
	}
	sortPackages(pkgs)
	return pkgs, nil
}

// fromVirtualenv reads the Name/Version fields out of every installed
// package's *.dist-info/METADATA file, the same metadata `pip freeze`
// itself derives from.
func fromVirtualenv(venvPath string) ([]Package, error) {
	sitePackages, err := project.SitePackagesPath(venvPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(sitePackages)
	if err != nil {
		return nil, &pcerr.IoError{Path: sitePackages, Cause: err}
	}

	var pkgs []Package
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}
		pkg, ok := readDistInfoMetadata(filepath.Join(sitePackages, e.Name(), "METADATA"))
		if ok {
			pkgs = append(pkgs, pkg)
		}
	}
	sortPackages(pkgs)
	return pkgs, nil
}

func readDistInfoMetadata(path string) (Package, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Package{}, false
	}
	defer f.Close()

	var pkg Package
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Name:"):
			pkg.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "Version:"):
			pkg.Version = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		}
		if pkg.Name != "" && pkg.Version != "" {
			break
		}
	}
	if pkg.Name == "" {
		return Package{}, false
	}
	if pkg.Version == "" {
		pkg.Version = "unknown"
	}
	return pkg, true
}

func sortPackages(pkgs []Package) {
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
}

// Generate builds the requested document as canonical JSON bytes.
// docID is a caller-supplied stable identifier (conventionally DocID of
// the config digest) used in place of a wall-clock-derived one, so output
// is reproducible given the same inputs.
func Generate(format Format, projectName string, pkgs []Package, docID string) ([]byte, error) {
	switch format {
	case FormatSPDX:
		return oci.CanonicalJSON(spdxDocument(projectName, pkgs, docID))
	case FormatCycloneDX:
		return oci.CanonicalJSON(cyclonedxDocument(pkgs, docID))
	default:
		return nil, &pcerr.SBOMGenerationFailed{Reason: fmt.Sprintf("unsupported sbom format %q", format)}
	}
}

type spdxPackage struct {
	SPDXID           string `json:"SPDXID"`
	Name             string `json:"name"`
	VersionInfo      string `json:"versionInfo"`
	DownloadLocation string `json:"downloadLocation"`
	FilesAnalyzed    bool   `json:"filesAnalyzed"`
	LicenseConcluded string `json:"licenseConcluded"`
	LicenseDeclared  string `json:"licenseDeclared"`
	CopyrightText    string `json:"copyrightText"`
}

type spdxDoc struct {
	SPDXVersion       string            `json:"spdxVersion"`
	DataLicense       string            `json:"dataLicense"`
	SPDXID            string            `json:"SPDXID"`
	Name              string            `json:"name"`
	DocumentNamespace string            `json:"documentNamespace"`
	CreationInfo      spdxCreationInfo  `json:"creationInfo"`
	Packages          []spdxPackage     `json:"packages"`
}

type spdxCreationInfo struct {
	Creators           []string `json:"creators"`
	LicenseListVersion string   `json:"licenseListVersion"`
}

func spdxDocument(projectName string, pkgs []Package, docID string) spdxDoc {
	doc := spdxDoc{
		SPDXVersion:       "SPDX-2.3",
		DataLicense:       "CC0-1.0",
		SPDXID:            "SPDXRef-DOCUMENT",
		Name:              fmt.Sprintf("pycontainer-%s", projectName),
		DocumentNamespace: fmt.Sprintf("https://sbom.pycontainer/%s/%s", projectName, docID),
		CreationInfo: spdxCreationInfo{
			Creators:           []string{"Tool: pycontainer-build"},
			LicenseListVersion: "3.21",
		},
	}
	for _, p := range pkgs {
		doc.Packages = append(doc.Packages, spdxPackage{
			SPDXID:           "SPDXRef-Package-" + sanitizeSPDXID(p.Name),
			Name:             p.Name,
			VersionInfo:      p.Version,
			DownloadLocation: "NOASSERTION",
			LicenseConcluded: "NOASSERTION",
			LicenseDeclared:  "NOASSERTION",
			CopyrightText:    "NOASSERTION",
		})
	}
	return doc
}

func sanitizeSPDXID(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return '-'
	}, name)
}

type cyclonedxComponent struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version string `json:"version"`
	PURL    string `json:"purl"`
}

type cyclonedxDoc struct {
	BOMFormat    string               `json:"bomFormat"`
	SpecVersion  string               `json:"specVersion"`
	SerialNumber string               `json:"serialNumber"`
	Version      int                  `json:"version"`
	Metadata     cyclonedxMetadata    `json:"metadata"`
	Components   []cyclonedxComponent `json:"components"`
}

type cyclonedxMetadata struct {
	Tools []cyclonedxTool `json:"tools"`
}

type cyclonedxTool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func cyclonedxDocument(pkgs []Package, docID string) cyclonedxDoc {
	doc := cyclonedxDoc{
		BOMFormat:    "CycloneDX",
		SpecVersion:  "1.4",
		SerialNumber: "urn:uuid:" + docID,
		Version:      1,
		Metadata: cyclonedxMetadata{
			Tools: []cyclonedxTool{{Name: "pycontainer-build", Version: "0.1.0"}},
		},
	}
	for _, p := range pkgs {
		doc.Components = append(doc.Components, cyclonedxComponent{
			Type:    "library",
			Name:    p.Name,
			Version: p.Version,
			PURL:    fmt.Sprintf("pkg:pypi/%s@%s", p.Name, p.Version),
		})
	}
	return doc
}

// DocID derives a stable, content-based document identifier from the
// config digest, instead of a wall-clock timestamp hash (the original
// implementation's approach), so two builds of identical inputs produce
// byte-identical SBOM documents.
func DocID(configDigest digest.Digest) string {
	return configDigest.Hex()[:16]
}
