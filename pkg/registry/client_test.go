package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

type stubAuth struct{ cred Credential }

func (s stubAuth) CredentialFor(ctx context.Context, host string) (Credential, error) {
	return s.cred, nil
}

func TestHasBlobReturnsTrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ok, err := c.HasBlob(context.Background(), digest.FromString("x"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHasBlobReturnsFalseOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ok, err := c.HasBlob(context.Background(), digest.FromString("x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPushBlobSkipsExisting(t *testing.T) {
	var uploadsInitiated int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		uploadsInitiated++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	uploaded, err := c.PushBlob(context.Background(), digest.FromString("x"), []byte("data"))
	require.NoError(t, err)
	require.False(t, uploaded)
	require.Zero(t, uploadsInitiated)
}

func TestPushManifestSendsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/vnd.oci.image.manifest.v1+json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.PushManifest(context.Background(), "latest", "application/vnd.oci.image.manifest.v1+json", []byte(`{}`))
	require.NoError(t, err)
}

func TestBearerChallengeIsExchangedAndCached(t *testing.T) {
	var tokenRequests int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		w.Write([]byte(`{"token":"abc123"}`))
	}))
	defer tokenSrv.Close()

	var sawBearer int
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer abc123" {
			sawBearer++
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registrySrv.Close()

	c := NewClient(hostOf(registrySrv), "repo", stubAuth{}, nil)
	c.scheme = "http"
	c.httpClient = registrySrv.Client()

	ok, err := c.HasBlob(context.Background(), digest.FromString("x"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, tokenRequests)
	require.Equal(t, 1, sawBearer)

	_, _ = c.HasBlob(context.Background(), digest.FromString("y"))
	require.Equal(t, 1, tokenRequests, "bearer token should be cached across calls")
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(hostOf(srv), "repo", stubAuth{}, nil)
	c.scheme = "http"
	c.httpClient = srv.Client()
	return c
}

func hostOf(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}
