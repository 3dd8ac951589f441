// Package update detects version drift between installed packages and the
// freshest registry data, and applies upgrades through the installer.
package update

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/invokerpm/invokerpm"
	"github.com/invokerpm/invokerpm/install"
	"github.com/invokerpm/invokerpm/registry"
	"github.com/invokerpm/invokerpm/repository"
)

// ErrNoUpdate is returned when a package has no pending update.
var ErrNoUpdate = fmt.Errorf("%w: no update available", invokerpm.ErrValidation)

// Update describes one pending version change. Versions are compared as
// plain strings, so a registry downgrade is still reported as an update.
type Update struct {
	Name      string `json:"name"`
	Current   string `json:"current"`
	Available string `json:"available"`
	Source    string `json:"source"`
}

// Updater drives update detection and application.
type Updater struct {
	sources   *repository.Manager
	registry  *registry.Registry
	installer *install.Installer
	logger    *slog.Logger
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Updater) {
		u.logger = logger
	}
}

// New creates an Updater over the given source manager, registry, and
// installer.
func New(sources *repository.Manager, reg *registry.Registry, installer *install.Installer, opts ...Option) *Updater {
	u := &Updater{
		sources:   sources,
		registry:  reg,
		installer: installer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// CheckUpdates refreshes all registries and reports every installed package
// whose registry version differs from the installed one. Installed packages
// no longer present in any registry are silently skipped.
func (u *Updater) CheckUpdates(ctx context.Context) ([]Update, error) {
	if _, err := u.sources.UpdateRegistry(ctx, ""); err != nil {
		return nil, err
	}
	u.registry.Refresh()

	var updates []Update
	for _, rec := range u.installer.Installed() {
		pkg, ok := u.registry.Package(rec.Name)
		if !ok {
			continue
		}
		if pkg.Version != rec.Version {
			updates = append(updates, Update{
				Name:      rec.Name,
				Current:   rec.Version,
				Available: pkg.Version,
				Source:    pkg.Source,
			})
		}
	}
	return updates, nil
}

// UpdatePackage applies a pending update for one package by reinstalling it.
func (u *Updater) UpdatePackage(ctx context.Context, name string) error {
	if !u.installer.IsInstalled(name) {
		return fmt.Errorf("%w: %q", install.ErrNotInstalled, name)
	}

	updates, err := u.CheckUpdates(ctx)
	if err != nil {
		return err
	}

	pending := false
	for _, upd := range updates {
		if upd.Name == name {
			pending = true
			break
		}
	}
	if !pending {
		return fmt.Errorf("%w: %q", ErrNoUpdate, name)
	}

	return u.installer.Install(ctx, name, u.registry, install.WithForce())
}

// UpdateAll attempts every pending update independently and reports
// per-package success. One package's failure never stops the others.
func (u *Updater) UpdateAll(ctx context.Context) (map[string]bool, error) {
	updates, err := u.CheckUpdates(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]bool, len(updates))
	for _, upd := range updates {
		err := u.installer.Install(ctx, upd.Name, u.registry, install.WithForce())
		if err != nil {
			u.logger.Warn("update failed", "name", upd.Name, "error", err)
		}
		results[upd.Name] = err == nil
	}
	return results, nil
}
