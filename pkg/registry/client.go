package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/spboyer/pycontainer-build/pkg/pcerr"
)

// Credential is what an Authenticator hands the client for one request:
// either a bearer token, or a username/password pair to send as Basic.
type Credential struct {
	Bearer   string
	Username string
	Password string
}

// Empty reports whether the credential carries neither a bearer token
// nor a username.
func (c Credential) Empty() bool {
	return c.Bearer == "" && c.Username == ""
}

// Authenticator resolves credentials for a registry host. The auth
// subpackage's Chain is the production implementation; tests use a
// fixed-credential stub.
type Authenticator interface {
	CredentialFor(ctx context.Context, host string) (Credential, error)
}

var wwwAuthenticateParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// Client is a Registry v2 API client scoped to one repository. It holds
// no long-lived connection; a bearer token obtained via the OAuth2
// challenge-response flow is cached for the lifetime of the Client and
// reused across calls, since a single build typically pushes dozens of
// blobs against one repository.
type Client struct {
	host       string
	repository string
	scheme     string
	auth       Authenticator
	httpClient *http.Client
	log        *slog.Logger

	mu          sync.Mutex
	bearerToken string
}

// NewClient returns a Client for the given registry host and
// "namespace/name" repository path. host should already be translated to
// the registry's real API authority (see oci.Reference.RegistryHost).
func NewClient(host, repository string, auth Authenticator, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		host:       host,
		repository: repository,
		scheme:     "https",
		auth:       auth,
		httpClient: http.DefaultClient,
		log:        log.With("registry", host, "repository", repository),
	}
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("%s://%s/v2/%s", c.scheme, c.host, c.repository)
}

// do sends one request, attaching whatever credential is currently known,
// and on a 401 performs the OAuth2 bearer exchange described by the
// Www-Authenticate challenge and retries exactly once.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	return c.doAttempt(ctx, method, url, body, headers, true)
}

func (c *Client) doAttempt(ctx context.Context, method, url string, body io.Reader, headers map[string]string, retryAuth bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.applyCredential(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", url, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		challenge := resp.Header.Get("Www-Authenticate")
		resp.Body.Close()

		if err := c.exchangeBearerToken(ctx, challenge); err != nil {
			return nil, &pcerr.AuthFailure{Host: c.host}
		}

		var rewound io.Reader
		if seeker, ok := body.(io.Seeker); ok {
			_, _ = seeker.Seek(0, io.SeekStart)
			rewound = body
		}
		return c.doAttempt(ctx, method, url, rewound, headers, false)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &pcerr.AuthFailure{Host: c.host}
	}

	return resp, nil
}

func (c *Client) applyCredential(req *http.Request) {
	c.mu.Lock()
	token := c.bearerToken
	c.mu.Unlock()

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if c.auth == nil {
		return
	}
	cred, err := c.auth.CredentialFor(req.Context(), c.host)
	if err != nil || cred.Empty() {
		return
	}
	if cred.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Bearer)
		return
	}
	creds := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
	req.Header.Set("Authorization", "Basic "+creds)
}

// exchangeBearerToken parses a Bearer Www-Authenticate challenge and
// trades the configured credential for a short-lived token, caching it
// for the remainder of the Client's lifetime.
func (c *Client) exchangeBearerToken(ctx context.Context, challenge string) error {
	if !strings.HasPrefix(challenge, "Bearer ") {
		return fmt.Errorf("unsupported auth challenge: %s", challenge)
	}
	params := map[string]string{}
	for _, m := range wwwAuthenticateParamPattern.FindAllStringSubmatch(challenge, -1) {
		params[m[1]] = m[2]
	}
	realm := params["realm"]
	if realm == "" {
		return fmt.Errorf("auth challenge missing realm")
	}

	q := make([]string, 0, 2)
	if service := params["service"]; service != "" {
		q = append(q, "service="+service)
	}
	if scope := params["scope"]; scope != "" {
		q = append(q, "scope="+scope)
	}
	url := realm
	if len(q) > 0 {
		url += "?" + strings.Join(q, "&")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.auth != nil {
		if cred, err := c.auth.CredentialFor(ctx, c.host); err == nil && !cred.Empty() {
			if cred.Username != "" {
				creds := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
				req.Header.Set("Authorization", "Basic "+creds)
			} else if cred.Bearer != "" {
				req.Header.Set("Authorization", "Bearer "+cred.Bearer)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token exchange failed: %d", resp.StatusCode)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return fmt.Errorf("token exchange response had no token")
	}

	c.mu.Lock()
	c.bearerToken = token
	c.mu.Unlock()
	return nil
}

// HasBlob checks whether d already exists in the repository.
func (c *Client) HasBlob(ctx context.Context, d digest.Digest) (bool, error) {
	url := fmt.Sprintf("%s/blobs/%s", c.baseURL(), d)
	resp, err := c.do(ctx, http.MethodHead, url, nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) initiateBlobUpload(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/blobs/uploads/", c.baseURL())
	resp, err := c.do(ctx, http.MethodPost, url, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", &pcerr.RegistryHTTPError{Status: resp.StatusCode, Endpoint: url}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &pcerr.RegistryHTTPError{Status: resp.StatusCode, Endpoint: url}
	}
	if !strings.HasPrefix(location, "http") {
		location = fmt.Sprintf("%s://%s%s", c.scheme, c.host, location)
	}
	return location, nil
}

// chunkSize bounds a single PATCH body in the chunked upload fallback.
const chunkSize = 10 << 20 // 10 MiB

// maxRetries bounds the exponential backoff loop on a 5xx response.
const maxRetries = 4

// PushBlob uploads data unless it already exists in the repository, in
// which case it is skipped. It attempts a single monolithic PUT first; a
// 413 Payload Too Large degrades to the chunked PATCH/PUT sequence.
// Returns true if an upload actually happened.
func (c *Client) PushBlob(ctx context.Context, d digest.Digest, data []byte) (bool, error) {
	exists, err := c.HasBlob(ctx, d)
	if err != nil {
		return false, err
	}
	if exists {
		c.log.Debug("blob already present", "digest", d)
		return false, nil
	}

	uploadURL, err := c.initiateBlobUpload(ctx)
	if err != nil {
		return false, err
	}

	status, err := c.uploadMonolithic(ctx, uploadURL, d, data)
	if err != nil {
		return false, err
	}
	if status == http.StatusRequestEntityTooLarge {
		uploadURL, err = c.initiateBlobUpload(ctx)
		if err != nil {
			return false, err
		}
		if err := c.uploadChunked(ctx, uploadURL, d, data); err != nil {
			return false, err
		}
		return true, nil
	}
	if status != http.StatusCreated && status != http.StatusAccepted {
		return false, &pcerr.PushFailed{Reason: fmt.Sprintf("blob %s: status %d", d, status)}
	}
	return true, nil
}

func (c *Client) uploadMonolithic(ctx context.Context, uploadURL string, d digest.Digest, data []byte) (int, error) {
	finalURL := withQueryParam(uploadURL, "digest", d.String())

	var status int
	err := c.withRetry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodPut, finalURL, bytes.NewReader(data), map[string]string{
			"Content-Type":   "application/octet-stream",
			"Content-Length": strconv.Itoa(len(data)),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		return retriableStatus(status)
	})
	if err != nil && status == 0 {
		return 0, err
	}
	return status, nil
}

// uploadChunked sends data as a sequence of PATCH chunks against the
// upload session, finishing with an empty-body PUT carrying the digest.
// A 416 Range Not Satisfiable response repositions the next chunk's
// start at the server-reported end, per spec.md §4.8.
func (c *Client) uploadChunked(ctx context.Context, uploadURL string, d digest.Digest, data []byte) error {
	offset := 0
	currentURL := uploadURL

	for offset < len(data) {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		var nextURL string
		var gotRange string
		err := c.withRetry(ctx, func() error {
			resp, err := c.do(ctx, http.MethodPatch, currentURL, bytes.NewReader(chunk), map[string]string{
				"Content-Type":   "application/octet-stream",
				"Content-Range":  fmt.Sprintf("%d-%d", offset, end-1),
				"Content-Length": strconv.Itoa(len(chunk)),
			})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
				gotRange = resp.Header.Get("Range")
				return nil
			}
			if resp.StatusCode != http.StatusAccepted {
				if retryErr := retriableStatus(resp.StatusCode); retryErr != nil {
					return retryErr
				}
				return &pcerr.PushFailed{Reason: fmt.Sprintf("blob %s chunk upload: status %d", d, resp.StatusCode)}
			}
			nextURL = resp.Header.Get("Location")
			return nil
		})
		if err != nil {
			return err
		}

		if gotRange != "" {
			if _, end, ok := parseRangeEnd(gotRange); ok {
				offset = end + 1
				continue
			}
		}
		if nextURL != "" {
			if !strings.HasPrefix(nextURL, "http") {
				nextURL = fmt.Sprintf("%s://%s%s", c.scheme, c.host, nextURL)
			}
			currentURL = nextURL
		}
		offset = end
	}

	finalURL := withQueryParam(currentURL, "digest", d.String())
	var status int
	err := c.withRetry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodPut, finalURL, nil, map[string]string{
			"Content-Length": "0",
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != d.String() {
			return &pcerr.DigestMismatch{Expected: d.String(), Actual: got}
		}
		return retriableStatus(status)
	})
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return &pcerr.PushFailed{Reason: fmt.Sprintf("blob %s: chunked finalize status %d", d, status)}
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff when fn returns a
// retriableError: one first attempt plus up to maxRetries retries.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		var re *retriableError
		if !errorsAsRetriable(err, &re) {
			return err
		}
		if attempt == maxRetries {
			return re.cause
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return err
}

type retriableError struct{ cause error }

func (e *retriableError) Error() string { return e.cause.Error() }

func errorsAsRetriable(err error, target **retriableError) bool {
	re, ok := err.(*retriableError)
	if !ok {
		return false
	}
	*target = re
	return true
}

func retriableStatus(status int) error {
	if status >= 500 {
		return &retriableError{cause: &pcerr.RegistryHTTPError{Status: status}}
	}
	return nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func withQueryParam(url, key, value string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=%s", url, sep, key, value)
}

// parseRangeEnd parses a "Range: 0-N" response header.
func parseRangeEnd(header string) (start, end int, ok bool) {
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	e, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, e, true
}

// BlobToPush is one item of a bounded-concurrency blob push batch.
type BlobToPush struct {
	Digest digest.Digest
	Data   []byte
}

// PushBlobs pushes each blob with at most concurrency uploads in flight,
// per spec.md §5's bounded push pool. The first error cancels the context
// every upload runs under, which also aborts uploads already in flight,
// and is the error returned.
func (c *Client) PushBlobs(ctx context.Context, blobs []BlobToPush, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, b := range blobs {
		b := b
		g.Go(func() error {
			if _, err := c.PushBlob(gctx, b.Digest, b.Data); err != nil {
				return fmt.Errorf("push blob %s: %w", b.Digest, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// PushManifest PUTs a manifest or index document under reference (a tag
// or a digest string).
func (c *Client) PushManifest(ctx context.Context, reference, mediaType string, data []byte) error {
	url := fmt.Sprintf("%s/manifests/%s", c.baseURL(), reference)
	resp, err := c.do(ctx, http.MethodPut, url, bytes.NewReader(data), map[string]string{
		"Content-Type": mediaType,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return &pcerr.PushFailed{Reason: fmt.Sprintf("manifest %s: status %d: %s", reference, resp.StatusCode, body)}
	}
	return nil
}

// GetManifest fetches reference and returns its raw body, the server's
// reported content digest, and its media type.
func (c *Client) GetManifest(ctx context.Context, reference string) (data []byte, d digest.Digest, mediaType string, err error) {
	url := fmt.Sprintf("%s/manifests/%s", c.baseURL(), reference)
	resp, getErr := c.do(ctx, http.MethodGet, url, nil, map[string]string{
		"Accept": strings.Join([]string{
			"application/vnd.oci.image.manifest.v1+json",
			"application/vnd.oci.image.index.v1+json",
			"application/vnd.docker.distribution.manifest.v2+json",
			"application/vnd.docker.distribution.manifest.list.v2+json",
		}, ","),
	})
	if getErr != nil {
		return nil, "", "", getErr
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", "", &pcerr.RegistryHTTPError{Status: resp.StatusCode, Endpoint: url}
	}
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", err
	}
	if len(data) == 0 {
		return nil, "", "", &pcerr.RegistryHTTPError{Status: resp.StatusCode, Endpoint: url}
	}
	headerDigest := resp.Header.Get("Docker-Content-Digest")
	if headerDigest != "" {
		d = digest.Digest(headerDigest)
	} else {
		d = digest.FromBytes(data)
	}
	return data, d, resp.Header.Get("Content-Type"), nil
}

// GetBlob downloads a blob's content. Go's http.Client follows redirects
// by default, so the 30x-to-CDN hop registries commonly use for blob
// storage needs no special handling here.
func (c *Client) GetBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/blobs/%s", c.baseURL(), d)
	resp, err := c.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &pcerr.RegistryHTTPError{Status: resp.StatusCode, Endpoint: url}
	}
	return resp.Body, nil
}
