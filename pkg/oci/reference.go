package oci

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// Reference is a parsed, normalized image reference: registry host,
// repository path, and tag-or-digest.
type Reference struct {
	Host       string
	Repository string
	Identifier string // tag, or "sha256:..." digest
	IsDigest   bool
}

// ParseReference normalizes and parses an image reference the same way
// the teacher's registry provider does: bare names default to
// docker.io/library/<name>, single-segment-prefix names default to
// docker.io/<name>.
func ParseReference(ref string) (*Reference, error) {
	normalized := ref
	if !strings.Contains(ref, "/") {
		normalized = "docker.io/library/" + ref
	} else {
		first := strings.Split(ref, "/")[0]
		if !strings.Contains(first, ".") && !strings.Contains(first, ":") && first != "localhost" {
			normalized = "docker.io/" + ref
		}
	}

	parsed, err := name.ParseReference(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	r := &Reference{
		Host:       parsed.Context().RegistryStr(),
		Repository: parsed.Context().RepositoryStr(),
	}
	if r.Host == name.DefaultRegistry {
		// go-containerregistry rewrites docker.io to index.docker.io; keep
		// the docker.io form the normalization above produced.
		r.Host = "docker.io"
	}
	switch t := parsed.(type) {
	case name.Tag:
		r.Identifier = t.TagStr()
	case name.Digest:
		r.Identifier = t.DigestStr()
		r.IsDigest = true
	default:
		r.Identifier = parsed.Identifier()
	}
	return r, nil
}

// String renders the reference back to "host/repo:tag" or "host/repo@digest".
func (r *Reference) String() string {
	if r.IsDigest {
		return fmt.Sprintf("%s/%s@%s", r.Host, r.Repository, r.Identifier)
	}
	return fmt.Sprintf("%s/%s:%s", r.Host, r.Repository, r.Identifier)
}

// RegistryHost returns the authority used for registry API calls,
// translating the docker.io alias to its actual API host.
func (r *Reference) RegistryHost() string {
	if r.Host == "docker.io" || r.Host == "index.docker.io" {
		return "registry-1.docker.io"
	}
	return r.Host
}
