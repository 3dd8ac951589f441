// Package repository manages GitHub-backed package sources: the persisted
// source list, the per-source manifest cache, and the upstream client that
// fetches manifests and script content from raw.githubusercontent.com.
package repository

import (
	"fmt"
	"regexp"

	"github.com/invokerpm/invokerpm"
)

var (
	// ErrInvalidURL is returned when a source URL is not a GitHub repository URL.
	ErrInvalidURL = fmt.Errorf("%w: invalid github repository url", invokerpm.ErrValidation)

	// ErrDuplicateSource is returned when a source name is already taken.
	ErrDuplicateSource = fmt.Errorf("%w: source already exists", invokerpm.ErrValidation)
)

// githubURLPattern matches github.com/<owner>/<repo>, with an optional
// scheme and an optional trailing .git.
var githubURLPattern = regexp.MustCompile(`^(?:https?://)?github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)

// Source is a configured GitHub repository acting as a package feed.
type Source struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Branch   string `json:"branch"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
}

// ParseGitHubURL extracts the owner and repository name from a GitHub URL.
func ParseGitHubURL(rawURL string) (owner, repo string, err error) {
	m := githubURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return m[1], m[2], nil
}

// OwnerRepo returns the owner and repository name parsed from the source URL.
func (s Source) OwnerRepo() (owner, repo string, err error) {
	return ParseGitHubURL(s.URL)
}

// PackageInfo describes one package as listed in a source's manifest.
// Source is filled in when manifests are merged; it is not part of the
// manifest wire format.
type PackageInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
	Path        string   `json:"path"`
	Source      string   `json:"source,omitzero"`
}

// Manifest is the per-source registry.json document. CachedAt is injected
// when the manifest is written to the local cache.
type Manifest struct {
	Packages map[string]PackageInfo `json:"packages"`
	CachedAt string                 `json:"_cached_at,omitzero"`
}
