package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/invokerpm/invokerpm"
)

const (
	sourcesFilename  = "sources.json"
	registryCacheDir = "cache/registry"

	// DefaultBranch is used when a source does not name one.
	DefaultBranch = "main"

	// DefaultPriority is used when a source does not set one. Lower sorts
	// first when sources are merged.
	DefaultPriority = 10
)

// ErrSourceNotFound is returned when a named source is not configured.
var ErrSourceNotFound = fmt.Errorf("%w: source not found", invokerpm.ErrValidation)

// sourcesFile is the wire format of sources.json.
type sourcesFile struct {
	Sources []Source `json:"sources"`
}

// Manager owns the configured source list and the per-source manifest cache.
// It is not safe for concurrent use; callers serialize access, and concurrent
// processes sharing one config directory are unsupported.
type Manager struct {
	configDir string
	sources   []Source // insertion order; ListSources sorts a copy
	client    *Client
	logger    *slog.Logger
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClient sets the upstream client.
func WithClient(client *Client) ManagerOption {
	return func(m *Manager) {
		m.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager rooted at configDir, loading sources.json if
// present. An empty configDir selects the OS config location.
func NewManager(configDir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		client: NewClient(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if configDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("%w: resolving user config dir: %w", invokerpm.ErrPath, err)
		}
		configDir = filepath.Join(base, "invokerpm")
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating config dir: %w", invokerpm.ErrPath, err)
	}
	m.configDir = configDir

	if err := m.loadSources(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the config directory.
func (m *Manager) Dir() string {
	return m.configDir
}

func (m *Manager) sourcesPath() string {
	return filepath.Join(m.configDir, sourcesFilename)
}

func (m *Manager) registryCachePath(name string) string {
	return filepath.Join(m.configDir, registryCacheDir, name+".json")
}

func (m *Manager) loadSources() error {
	data, err := os.ReadFile(m.sourcesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading sources: %w", invokerpm.ErrPath, err)
	}

	var file sourcesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", sourcesFilename, err)
	}
	m.sources = file.Sources
	return nil
}

func (m *Manager) saveSources() error {
	data, err := json.MarshalIndent(sourcesFile{Sources: m.sources}, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing sources: %w", err)
	}
	if err := os.WriteFile(m.sourcesPath(), data, 0o644); err != nil {
		return fmt.Errorf("%w: writing sources: %w", invokerpm.ErrPath, err)
	}
	return nil
}

// SourceOption configures a source being added.
type SourceOption func(*Source)

// WithName overrides the derived "<owner>/<repo>" name.
func WithName(name string) SourceOption {
	return func(s *Source) {
		s.Name = name
	}
}

// WithBranch sets the branch to fetch from.
func WithBranch(branch string) SourceOption {
	return func(s *Source) {
		s.Branch = branch
	}
}

// WithPriority sets the merge priority. Lower sorts first.
func WithPriority(priority int) SourceOption {
	return func(s *Source) {
		s.Priority = priority
	}
}

// AddSource registers a GitHub repository as a package source and persists
// the source list. The name defaults to "<owner>/<repo>"; names are unique
// regardless of URL.
func (m *Manager) AddSource(url string, opts ...SourceOption) (Source, error) {
	owner, repo, err := ParseGitHubURL(url)
	if err != nil {
		return Source{}, err
	}

	src := Source{
		URL:      url,
		Branch:   DefaultBranch,
		Enabled:  true,
		Priority: DefaultPriority,
	}
	for _, opt := range opts {
		opt(&src)
	}
	if src.Name == "" {
		src.Name = owner + "/" + repo
	}

	for _, existing := range m.sources {
		if existing.Name == src.Name {
			return Source{}, fmt.Errorf("%w: %q", ErrDuplicateSource, src.Name)
		}
	}

	m.sources = append(m.sources, src)
	if err := m.saveSources(); err != nil {
		return Source{}, err
	}

	m.logger.Info("added source", "name", src.Name, "url", src.URL, "branch", src.Branch)
	return src, nil
}

// RemoveSource removes a source by name, deleting its cached manifest. It
// reports whether a source was removed; a missing name is not an error.
func (m *Manager) RemoveSource(name string) (bool, error) {
	idx := -1
	for i, src := range m.sources {
		if src.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	m.sources = append(m.sources[:idx], m.sources[idx+1:]...)
	if err := m.saveSources(); err != nil {
		return false, err
	}

	if err := os.Remove(m.registryCachePath(name)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove cached manifest", "name", name, "error", err)
	}

	m.logger.Info("removed source", "name", name)
	return true, nil
}

// SetEnabled toggles a source's participation in registry updates and
// merges. It reports whether the named source exists.
func (m *Manager) SetEnabled(name string, enabled bool) (bool, error) {
	for i, src := range m.sources {
		if src.Name == name {
			m.sources[i].Enabled = enabled
			if err := m.saveSources(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// ListSources returns all sources ordered ascending by priority. Sources
// with equal priority keep their insertion order.
func (m *Manager) ListSources() []Source {
	sources := make([]Source, len(m.sources))
	copy(sources, m.sources)
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority < sources[j].Priority
	})
	return sources
}

// GetSource returns a source by name.
func (m *Manager) GetSource(name string) (Source, bool) {
	for _, src := range m.sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// UpdateRegistry fetches and caches manifests, returning a package count per
// source name. An empty sourceName updates all enabled sources; disabled
// sources are never fetched, even when named explicitly. One source's fetch
// failure is logged and counted as 0; it never aborts the batch.
func (m *Manager) UpdateRegistry(ctx context.Context, sourceName string) (map[string]int, error) {
	var targets []Source
	if sourceName != "" {
		src, ok := m.GetSource(sourceName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, sourceName)
		}
		if !src.Enabled {
			m.logger.Debug("skipping disabled source", "name", src.Name)
			return map[string]int{}, nil
		}
		targets = []Source{src}
	} else {
		for _, src := range m.ListSources() {
			if src.Enabled {
				targets = append(targets, src)
			}
		}
	}

	counts := make(map[string]int, len(targets))
	for _, src := range targets {
		manifest, err := m.client.FetchManifest(ctx, src)
		if err != nil {
			m.logger.Warn("failed to update registry", "source", src.Name, "error", err)
			counts[src.Name] = 0
			continue
		}

		if err := m.writeCachedManifest(src.Name, manifest); err != nil {
			m.logger.Warn("failed to cache manifest", "source", src.Name, "error", err)
			counts[src.Name] = 0
			continue
		}

		counts[src.Name] = len(manifest.Packages)
		m.logger.Info("updated registry", "source", src.Name, "packages", len(manifest.Packages))
	}
	return counts, nil
}

func (m *Manager) writeCachedManifest(name string, manifest Manifest) error {
	manifest.CachedAt = m.now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing manifest: %w", err)
	}

	path := m.registryCachePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating registry cache dir: %w", invokerpm.ErrPath, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing cached manifest: %w", invokerpm.ErrPath, err)
	}
	return nil
}

// CachedRegistry returns the last successfully cached manifest for a source.
// A never-cached or unreadable manifest reports absent rather than an error.
func (m *Manager) CachedRegistry(name string) (Manifest, bool) {
	data, err := os.ReadFile(m.registryCachePath(name))
	if err != nil {
		return Manifest{}, false
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		m.logger.Warn("discarding corrupt cached manifest", "name", name, "error", err)
		return Manifest{}, false
	}
	return manifest, true
}
