// Package auth implements the credential provider chain: explicit
// flags, environment variables, the docker CLI config file (including
// its credential-helper delegation), and cloud CLI token exchange.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/spboyer/pycontainer-build/pkg/registry"
)

// Provider resolves a credential for a registry host. A provider that
// has nothing for host returns a zero Credential and a nil error;
// returning an error is reserved for unexpected failures a Chain should
// still treat as "try the next provider" for, which is why Chain ignores
// errors from all but the last provider.
type Provider interface {
	CredentialFor(ctx context.Context, host string) (registry.Credential, error)
}

// Explicit returns a fixed credential regardless of host, for
// --username/--password or --token flags.
type Explicit struct {
	Username, Password, Token string
}

func (e Explicit) CredentialFor(ctx context.Context, host string) (registry.Credential, error) {
	if e.Token != "" {
		return registry.Credential{Bearer: e.Token}, nil
	}
	if e.Username != "" {
		return registry.Credential{Username: e.Username, Password: e.Password}, nil
	}
	return registry.Credential{}, nil
}

// Environment reads REGISTRY_USERNAME/REGISTRY_PASSWORD for any host,
// REGISTRY_TOKEN as a bearer fallback, and GITHUB_TOKEN specifically for
// ghcr.io hosts (the common case of a GitHub Actions job pushing to its
// own package registry without separate secrets configured).
type Environment struct{}

func (Environment) CredentialFor(ctx context.Context, host string) (registry.Credential, error) {
	if user, pwd := os.Getenv("REGISTRY_USERNAME"), os.Getenv("REGISTRY_PASSWORD"); user != "" && pwd != "" {
		return registry.Credential{Username: user, Password: pwd}, nil
	}
	if strings.Contains(host, "ghcr.io") {
		if token := os.Getenv("GITHUB_TOKEN"); token != "" {
			return registry.Credential{Username: "USERNAME", Password: token}, nil
		}
	}
	if token := os.Getenv("REGISTRY_TOKEN"); token != "" {
		return registry.Credential{Bearer: token}, nil
	}
	return registry.Credential{}, nil
}

// CredentialsFile reads ~/.docker/config.json: first the registry's
// inline "auth"/"username"+"password" entry, then falling back to the
// credential helper named by credHelpers[host] or the global credsStore.
type CredentialsFile struct {
	// Path overrides the default ~/.docker/config.json location; used by tests.
	Path string
}

type dockerConfig struct {
	Auths       map[string]dockerAuthEntry `json:"auths"`
	CredsStore  string                     `json:"credsStore"`
	CredHelpers map[string]string          `json:"credHelpers"`
}

type dockerAuthEntry struct {
	Auth     string `json:"auth"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c CredentialsFile) configPath() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".docker", "config.json"), nil
}

func (c CredentialsFile) load() (*dockerConfig, error) {
	path, err := c.configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg dockerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c CredentialsFile) CredentialFor(ctx context.Context, host string) (registry.Credential, error) {
	cfg, err := c.load()
	if err != nil {
		return registry.Credential{}, nil
	}

	for _, key := range []string{"https://" + host, host, "https://" + host + "/v2/", host + "/v2/"} {
		entry, ok := cfg.Auths[key]
		if !ok {
			continue
		}
		if entry.Auth != "" {
			user, pass, err := decodeBasicAuth(entry.Auth)
			if err == nil {
				return registry.Credential{Username: user, Password: pass}, nil
			}
		}
		if entry.Username != "" {
			return registry.Credential{Username: entry.Username, Password: entry.Password}, nil
		}
	}

	helper := cfg.CredHelpers[host]
	if helper == "" {
		helper = cfg.CredsStore
	}
	if helper == "" {
		return registry.Credential{}, nil
	}
	return c.fromCredentialHelper(helper, host)
}

func (c CredentialsFile) fromCredentialHelper(helper, host string) (registry.Credential, error) {
	program := client.NewShellProgramFunc("docker-credential-" + helper)
	creds, err := client.Get(program, host)
	if err != nil {
		if credentials.IsErrCredentialsNotFound(err) {
			return registry.Credential{}, nil
		}
		return registry.Credential{}, nil
	}
	return registry.Credential{Username: creds.Username, Password: creds.Secret}, nil
}

func decodeBasicAuth(encoded string) (string, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", err
	}
	if idx := strings.IndexByte(string(decoded), ':'); idx >= 0 {
		return string(decoded[:idx]), string(decoded[idx+1:]), nil
	}
	return "", string(decoded), nil
}

// CloudCLI shells out to a cloud provider's CLI to mint a short-lived
// registry token. Only Azure Container Registry is implemented: `az acr
// login --expose-token` is the documented non-interactive way to get an
// ACR refresh token without the CLI touching the docker config file.
type CloudCLI struct {
	// Timeout bounds the CLI invocation; zero uses a 10-second default,
	// matching the original implementation's subprocess timeout.
	Timeout time.Duration
}

func (c CloudCLI) CredentialFor(ctx context.Context, host string) (registry.Credential, error) {
	if !strings.Contains(host, "azurecr.io") {
		return registry.Credential{}, nil
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	registryName := strings.SplitN(host, ".", 2)[0]
	cmd := exec.CommandContext(ctx, "az", "acr", "login", "--name", registryName, "--expose-token", "--output", "json")
	out, err := cmd.Output()
	if err != nil {
		return registry.Credential{}, nil
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(out, &payload); err != nil || payload.AccessToken == "" {
		return registry.Credential{}, nil
	}
	return registry.Credential{Username: "00000000-0000-0000-0000-000000000000", Password: payload.AccessToken}, nil
}

// Chain tries each provider in order and returns the first non-empty
// credential. A provider error is logged by returning it only when it is
// the last provider in the chain; earlier providers' errors are treated
// like "no credential" so one misconfigured source doesn't block a later
// one that would have worked.
type Chain struct {
	Providers []Provider
}

// Default returns the provider chain spec.md §4.9 specifies: explicit
// flags first, then environment, then the docker config file, then cloud
// CLI token exchange.
func Default(explicit Explicit) Chain {
	return Chain{Providers: []Provider{
		explicit,
		Environment{},
		CredentialsFile{},
		CloudCLI{},
	}}
}

func (c Chain) CredentialFor(ctx context.Context, host string) (registry.Credential, error) {
	var lastErr error
	for i, p := range c.Providers {
		cred, err := p.CredentialFor(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}
		if !cred.Empty() {
			return cred, nil
		}
		if i == len(c.Providers)-1 {
			lastErr = nil
		}
	}
	if lastErr != nil {
		return registry.Credential{}, fmt.Errorf("auth chain exhausted for %s: %w", host, lastErr)
	}
	return registry.Credential{}, nil
}
