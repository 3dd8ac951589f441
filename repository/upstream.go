package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/invokerpm/invokerpm"
	"github.com/invokerpm/invokerpm/telemetry"
)

const (
	// DefaultBaseURL serves raw file content for GitHub repositories.
	DefaultBaseURL = "https://raw.githubusercontent.com"

	// ManifestTimeout bounds registry.json fetches.
	ManifestTimeout = 10 * time.Second

	// ScriptTimeout bounds script content fetches, which may be larger.
	ScriptTimeout = 30 * time.Second

	// ScriptFilename is the entry-point file within a package directory.
	ScriptFilename = "invoker.py"
)

// Client fetches manifests and script content for a source.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the raw-content base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates an upstream raw-content client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchManifest fetches and decodes a source's registry.json.
func (c *Client) FetchManifest(ctx context.Context, src Source) (Manifest, error) {
	owner, repo, err := src.OwnerRepo()
	if err != nil {
		return Manifest{}, err
	}

	url := fmt.Sprintf("%s/%s/%s/%s/registry.json", c.baseURL, owner, repo, src.Branch)

	ctx, cancel := context.WithTimeout(ctx, ManifestTimeout)
	defer cancel()

	start := time.Now()
	body, err := c.fetch(ctx, url)
	telemetry.RecordUpstreamFetch(ctx, "registry", time.Since(start), int64(len(body)), fetchOutcome(err))
	if err != nil {
		return Manifest{}, err
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("%w: decoding manifest for %q: %w", invokerpm.ErrHTTP, src.Name, err)
	}
	return manifest, nil
}

// FetchScript fetches a package's script content from pkgPath/invoker.py
// within the source repository.
func (c *Client) FetchScript(ctx context.Context, src Source, pkgPath string) ([]byte, error) {
	owner, repo, err := src.OwnerRepo()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/%s/%s/%s/%s", c.baseURL, owner, repo, src.Branch, strings.Trim(pkgPath, "/"), ScriptFilename)

	ctx, cancel := context.WithTimeout(ctx, ScriptTimeout)
	defer cancel()

	start := time.Now()
	body, err := c.fetch(ctx, url)
	telemetry.RecordUpstreamFetch(ctx, "script", time.Since(start), int64(len(body)), fetchOutcome(err))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// fetch performs one GET and returns the body. Network failures and non-2xx
// statuses both map to the HTTP error category.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %w", invokerpm.ErrHTTP, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", invokerpm.ErrHTTP, url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func fetchOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
