package hostapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
)

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	APIBaseURL     string
	BaseTransport  http.RoundTripper
}

// TokenSource yields the credential embedded in clone URLs.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed personal access token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// BearerTransport adds a bearer token to every request it forwards.
type BearerTransport struct {
	Token string
	Base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if strings.TrimSpace(t.Token) == "" {
		return base.RoundTrip(req)
	}
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+t.Token)
	return base.RoundTrip(authed)
}

// NewTokenHTTPClient creates the provider session for token authentication.
func NewTokenHTTPClient(token string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &BearerTransport{Token: token, Base: http.DefaultTransport},
		Timeout:   timeout,
	}
}

// NewInstallationHTTPClient creates an authenticated HTTP client for one
// GitHub App installation, plus a TokenSource for clone credentials.
func NewInstallationHTTPClient(cfg InstallationAuthConfig, timeout time.Duration) (*http.Client, TokenSource, error) {
	if cfg.AppID <= 0 {
		return nil, nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create github app transport: %w", err)
	}
	if trimmed := strings.TrimSuffix(strings.TrimSpace(cfg.APIBaseURL), "/"); trimmed != "" {
		transport.BaseURL = trimmed
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	return client, transport.Token, nil
}

// NewGitHubRESTClient builds a go-github client rooted at apiBaseURL, or at
// api.github.com when it is blank.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	if strings.TrimSpace(apiBaseURL) == "" {
		return client, nil
	}
	base, err := parseAPIBaseURL(apiBaseURL, "")
	if err != nil {
		return nil, fmt.Errorf("github rest client: %w", err)
	}
	client.BaseURL = base
	return client, nil
}
