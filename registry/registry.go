// Package registry merges all enabled sources' cached manifests into one
// name-indexed view with filtered search. It never performs network I/O;
// refreshing the underlying manifests is the repository manager's job.
package registry

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/invokerpm/invokerpm/repository"
)

// Uncategorized is the category bucket for packages without one.
const Uncategorized = "Uncategorized"

// Registry is the merged package view.
type Registry struct {
	manager  *repository.Manager
	packages map[string]repository.PackageInfo
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a Registry over the given source manager. The view is empty
// until Refresh is called.
func New(manager *repository.Manager, opts ...Option) *Registry {
	r := &Registry{
		manager:  manager,
		packages: make(map[string]repository.PackageInfo),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh rebuilds the merged view from the enabled sources' cached
// manifests. Sources are visited in ascending priority order, so when two
// sources offer the same package name, the source visited last wins.
func (r *Registry) Refresh() {
	merged := make(map[string]repository.PackageInfo)

	for _, src := range r.manager.ListSources() {
		if !src.Enabled {
			continue
		}

		manifest, ok := r.manager.CachedRegistry(src.Name)
		if !ok {
			r.logger.Debug("no cached manifest for source", "source", src.Name)
			continue
		}

		for name, pkg := range manifest.Packages {
			if pkg.Name == "" {
				pkg.Name = name
			}
			pkg.Source = src.Name
			merged[name] = pkg
		}
	}

	r.packages = merged
	r.logger.Debug("refreshed registry", "packages", len(merged))
}

// Filter selects packages in Search. All set fields must match.
type Filter struct {
	// Query matches case-insensitively against name, description, or any tag.
	Query string

	// Tag requires an exact tag match.
	Tag string

	// Category requires an exact category match.
	Category string

	// Source requires the owning source's name.
	Source string
}

// Search returns packages matching all set filter fields, sorted by name.
func (r *Registry) Search(filter Filter) []repository.PackageInfo {
	var results []repository.PackageInfo
	for _, pkg := range r.packages {
		if matches(pkg, filter) {
			results = append(results, pkg)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
	return results
}

func matches(pkg repository.PackageInfo, filter Filter) bool {
	if filter.Tag != "" && !hasTag(pkg, filter.Tag) {
		return false
	}
	if filter.Category != "" && pkg.Category != filter.Category {
		return false
	}
	if filter.Source != "" && pkg.Source != filter.Source {
		return false
	}

	if filter.Query == "" {
		return true
	}

	query := strings.ToLower(filter.Query)
	if strings.Contains(strings.ToLower(pkg.Name), query) {
		return true
	}
	if strings.Contains(strings.ToLower(pkg.Description), query) {
		return true
	}
	for _, tag := range pkg.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

func hasTag(pkg repository.PackageInfo, tag string) bool {
	for _, t := range pkg.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Package returns a package by name.
func (r *Registry) Package(name string) (repository.PackageInfo, bool) {
	pkg, ok := r.packages[name]
	return pkg, ok
}

// All returns every package, sorted by name.
func (r *Registry) All() []repository.PackageInfo {
	return r.Search(Filter{})
}

// ByCategory groups packages by category; packages without one land in the
// Uncategorized bucket. Each group is sorted by name.
func (r *Registry) ByCategory() map[string][]repository.PackageInfo {
	groups := make(map[string][]repository.PackageInfo)
	for _, pkg := range r.All() {
		category := pkg.Category
		if category == "" {
			category = Uncategorized
		}
		groups[category] = append(groups[category], pkg)
	}
	return groups
}

// Stats summarizes the merged view.
type Stats struct {
	TotalPackages int `json:"total_packages"`
	Sources       int `json:"sources"`
	Categories    int `json:"categories"`
}

// Stats counts packages, distinct sources, and distinct non-empty categories.
func (r *Registry) Stats() Stats {
	sources := make(map[string]struct{})
	categories := make(map[string]struct{})
	for _, pkg := range r.packages {
		if pkg.Source != "" {
			sources[pkg.Source] = struct{}{}
		}
		if pkg.Category != "" {
			categories[pkg.Category] = struct{}{}
		}
	}
	return Stats{
		TotalPackages: len(r.packages),
		Sources:       len(sources),
		Categories:    len(categories),
	}
}
