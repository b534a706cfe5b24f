package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spboyer/pycontainer-build/pkg/oci"
)

func TestNoOpResolverReturnsEntrypoint(t *testing.T) {
	r := NewNoOpResolver()
	base, err := r.Resolve(context.Background(), "python:3.12-slim", oci.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/sh"}, base.Config.Entrypoint)
	require.Empty(t, base.Layers)
}
