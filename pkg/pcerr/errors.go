// Package pcerr defines the typed error kinds the build pipeline can
// return, so callers can discriminate failures with errors.As instead of
// string-matching messages.
package pcerr

import "fmt"

// InvalidConfig signals an unknown option, a contradictory combination of
// options, or an unreadable/unparseable config file.
type InvalidConfig struct {
	Reason string
}

func (e *InvalidConfig) Error() string { return fmt.Sprintf("invalid config: %s", e.Reason) }

// ProjectNotFound signals that the context path is missing or not a directory.
type ProjectNotFound struct {
	Path string
}

func (e *ProjectNotFound) Error() string { return fmt.Sprintf("project not found: %s", e.Path) }

// ProjectMetadataMissing signals that the project manifest could not be parsed.
type ProjectMetadataMissing struct {
	Path   string
	Reason string
}

func (e *ProjectMetadataMissing) Error() string {
	return fmt.Sprintf("project metadata missing at %s: %s", e.Path, e.Reason)
}

// NoEntryPoint signals that no entry point could be determined: there was
// no explicit entrypoint, framework default, project, or base image to
// take one from.
type NoEntryPoint struct{}

func (e *NoEntryPoint) Error() string { return "no entry point determinable" }

// IoError wraps any filesystem failure with the offending path.
type IoError struct {
	Path  string
	Cause error
}

func (e *IoError) Error() string { return fmt.Sprintf("io error at %s: %v", e.Path, e.Cause) }
func (e *IoError) Unwrap() error { return e.Cause }

// UnsafePath signals an archive-escape attempt (a path, or a symlink
// target, that would resolve outside the archive/context root).
type UnsafePath struct {
	Path string
}

func (e *UnsafePath) Error() string { return fmt.Sprintf("unsafe path: %s", e.Path) }

// DuplicateEntry signals a tar writer invariant violation: the same
// archive path was added twice.
type DuplicateEntry struct {
	Path string
}

func (e *DuplicateEntry) Error() string { return fmt.Sprintf("duplicate archive entry: %s", e.Path) }

// RegistryHTTPError signals a non-retriable HTTP failure, or a retriable
// one that exhausted its retry budget.
type RegistryHTTPError struct {
	Status   int
	Endpoint string
}

func (e *RegistryHTTPError) Error() string {
	return fmt.Sprintf("registry http error: %d from %s", e.Status, e.Endpoint)
}

// AuthFailure signals that the auth chain was exhausted without success,
// or that a request failed again after a bearer token exchange.
type AuthFailure struct {
	Host string
}

func (e *AuthFailure) Error() string { return fmt.Sprintf("auth failure for host %s", e.Host) }

// DigestMismatch signals an integrity violation; always fatal.
type DigestMismatch struct {
	Expected, Actual string
}

func (e *DigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// NoMatchingPlatform signals that an index lookup found no descriptor
// matching the requested platform.
type NoMatchingPlatform struct {
	Wanted  string
	Offered []string
}

func (e *NoMatchingPlatform) Error() string {
	return fmt.Sprintf("no manifest matches platform %s (offered: %v)", e.Wanted, e.Offered)
}

// PlatformMismatch signals that the user's requested platform conflicts
// with the base image's actual platform.
type PlatformMismatch struct {
	Wanted, Got string
}

func (e *PlatformMismatch) Error() string {
	return fmt.Sprintf("platform mismatch: wanted %s, base image is %s", e.Wanted, e.Got)
}

// PushFailed signals a terminal push error.
type PushFailed struct {
	Reason string
}

func (e *PushFailed) Error() string { return fmt.Sprintf("push failed: %s", e.Reason) }

// SBOMGenerationFailed is recoverable at the orchestrator level: the
// build still succeeds and this is reported as a warning.
type SBOMGenerationFailed struct {
	Reason string
}

func (e *SBOMGenerationFailed) Error() string {
	return fmt.Sprintf("sbom generation failed: %s", e.Reason)
}
