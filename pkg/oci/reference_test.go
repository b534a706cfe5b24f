package oci

import "testing"

func TestParseReferenceNormalizesBareNames(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare name defaults to docker.io/library", "nginx", "docker.io/library/nginx:latest"},
		{"tagged bare name", "nginx:1.21", "docker.io/library/nginx:1.21"},
		{"fully qualified docker.io", "docker.io/library/nginx:latest", "docker.io/library/nginx:latest"},
		{"owner/repo defaults to docker.io", "owner/repo:v1", "docker.io/owner/repo:v1"},
		{"ghcr reference kept as-is", "ghcr.io/owner/repo:v1.0", "ghcr.io/owner/repo:v1.0"},
		{"localhost registry kept as-is", "localhost:5000/myimage:latest", "localhost:5000/myimage:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseReference(tt.input)
			if err != nil {
				t.Fatalf("ParseReference(%q) error: %v", tt.input, err)
			}
			if got := ref.String(); got != tt.want {
				t.Errorf("ParseReference(%q).String() = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseReferenceDigest(t *testing.T) {
	const d = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	ref, err := ParseReference("docker.io/library/nginx@" + d)
	if err != nil {
		t.Fatalf("ParseReference error: %v", err)
	}
	if !ref.IsDigest {
		t.Error("expected IsDigest to be true")
	}
	if ref.String() != "docker.io/library/nginx@"+d {
		t.Errorf("String() = %q", ref.String())
	}
}

func TestRegistryHostTranslatesDockerIO(t *testing.T) {
	ref, err := ParseReference("nginx")
	if err != nil {
		t.Fatalf("ParseReference error: %v", err)
	}
	if got := ref.RegistryHost(); got != "registry-1.docker.io" {
		t.Errorf("RegistryHost() = %q, want registry-1.docker.io", got)
	}
}
