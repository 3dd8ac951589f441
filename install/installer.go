// Package install materializes package scripts into a local scripts
// directory and tracks them in a JSON ledger. Downloads for the same package
// are deduplicated, and a pluggable validator can reject a script before it
// replaces the installed copy.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/invokerpm/invokerpm"
	"github.com/invokerpm/invokerpm/download"
	"github.com/invokerpm/invokerpm/registry"
	"github.com/invokerpm/invokerpm/repository"
	"github.com/invokerpm/invokerpm/telemetry"
)

var (
	// ErrAlreadyInstalled is returned by Install without force for an
	// installed package.
	ErrAlreadyInstalled = fmt.Errorf("%w: package already installed", invokerpm.ErrValidation)

	// ErrNotInstalled is returned when an operation needs an installed package.
	ErrNotInstalled = fmt.Errorf("%w: package not installed", invokerpm.ErrValidation)

	// ErrPackageNotFound is returned when the registry has no such package.
	ErrPackageNotFound = fmt.Errorf("%w: package not found in registry", invokerpm.ErrValidation)

	// ErrValidationFailed is returned when the validator rejects a script.
	ErrValidationFailed = fmt.Errorf("%w: script validation failed", invokerpm.ErrValidation)
)

// Validator checks a downloaded script before it is installed. The report is
// included in the error when the script is rejected.
type Validator interface {
	Validate(ctx context.Context, path string) (valid bool, report string, err error)
}

// Installer owns the scripts directory and the installed-package ledger.
// It is not safe for concurrent use from multiple goroutines; the download
// dedup only collapses identical in-flight fetches.
type Installer struct {
	scriptsDir string
	sources    *repository.Manager
	client     *repository.Client
	validator  Validator
	downloads  *download.Downloader
	ledger     *ledger
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Installer.
type Option func(*Installer)

// WithClient sets the upstream client used for script downloads.
func WithClient(client *repository.Client) Option {
	return func(i *Installer) {
		i.client = client
	}
}

// WithValidator sets the script validator. Without one, scripts install
// unvalidated.
func WithValidator(v Validator) Option {
	return func(i *Installer) {
		i.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Installer) {
		i.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(i *Installer) {
		i.now = now
	}
}

// New creates an Installer writing scripts to scriptsDir and its ledger to
// configDir. Both directories are created if missing.
func New(configDir, scriptsDir string, sources *repository.Manager, opts ...Option) (*Installer, error) {
	i := &Installer{
		scriptsDir: scriptsDir,
		sources:    sources,
		client:     repository.NewClient(),
		downloads:  download.New(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating config dir: %w", invokerpm.ErrPath, err)
	}
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating scripts dir: %w", invokerpm.ErrPath, err)
	}

	l, err := openLedger(configDir)
	if err != nil {
		return nil, err
	}
	i.ledger = l

	return i, nil
}

// installConfig holds per-call Install options.
type installConfig struct {
	force          bool
	skipValidation bool
}

// InstallOption configures a single Install call.
type InstallOption func(*installConfig)

// WithForce reinstalls over an existing installation.
func WithForce() InstallOption {
	return func(c *installConfig) {
		c.force = true
	}
}

// WithSkipValidation bypasses the validator for this install.
func WithSkipValidation() InstallOption {
	return func(c *installConfig) {
		c.skipValidation = true
	}
}

// ScriptPath returns where a package's script lives once installed. Hyphens
// in the package name become underscores so the filename is a valid module
// name; the same mapping is applied on every lookup.
func (i *Installer) ScriptPath(name string) string {
	return filepath.Join(i.scriptsDir, strings.ReplaceAll(name, "-", "_")+".py")
}

// Install resolves a package through the registry, downloads its script,
// validates it, and atomically replaces any existing installed copy. The
// ledger records the version, source, path, content digest, and a metadata
// snapshot.
func (i *Installer) Install(ctx context.Context, name string, reg *registry.Registry, opts ...InstallOption) error {
	var cfg installConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, installed := i.ledger.get(name); installed && !cfg.force {
		return fmt.Errorf("%w: %q", ErrAlreadyInstalled, name)
	}

	pkg, ok := reg.Package(name)
	if !ok {
		telemetry.RecordInstall(ctx, "error")
		return fmt.Errorf("%w: %q", ErrPackageNotFound, name)
	}

	src, ok := i.sources.GetSource(pkg.Source)
	if !ok {
		telemetry.RecordInstall(ctx, "error")
		return fmt.Errorf("%w: %q", repository.ErrSourceNotFound, pkg.Source)
	}

	result, shared, err := i.downloads.Do(ctx, pkg.Source+"/"+pkg.Name, func(ctx context.Context) ([]byte, error) {
		return i.client.FetchScript(ctx, src, pkg.Path)
	})
	if err != nil {
		i.downloads.Forget(pkg.Source + "/" + pkg.Name)
		telemetry.RecordInstall(ctx, "error")
		return fmt.Errorf("downloading %q: %w", name, err)
	}
	if shared {
		i.logger.Debug("joined in-flight download", "package", name)
	}

	tmpPath := filepath.Join(i.scriptsDir, ".staging-"+uuid.NewString()+".py")
	if err := os.WriteFile(tmpPath, result.Body, 0o644); err != nil {
		telemetry.RecordInstall(ctx, "error")
		return fmt.Errorf("%w: staging script: %w", invokerpm.ErrPath, err)
	}

	if !cfg.skipValidation && i.validator != nil {
		valid, report, err := i.validator.Validate(ctx, tmpPath)
		if err != nil {
			_ = os.Remove(tmpPath)
			telemetry.RecordInstall(ctx, "error")
			return fmt.Errorf("%w: validating %q: %w", invokerpm.ErrExecution, name, err)
		}
		if !valid {
			_ = os.Remove(tmpPath)
			telemetry.RecordInstall(ctx, "validation_failed")
			return fmt.Errorf("%w: %q: %s", ErrValidationFailed, name, report)
		}
	}

	scriptPath := i.ScriptPath(name)
	if err := os.Rename(tmpPath, scriptPath); err != nil {
		_ = os.Remove(tmpPath)
		telemetry.RecordInstall(ctx, "error")
		return fmt.Errorf("%w: installing script: %w", invokerpm.ErrPath, err)
	}

	rec := Record{
		Name:          name,
		Version:       pkg.Version,
		InstalledDate: i.now().UTC().Format(time.RFC3339),
		Source:        pkg.Source,
		Path:          scriptPath,
		Digest:        result.Digest,
		Metadata: Metadata{
			Description: pkg.Description,
			Author:      pkg.Author,
			Tags:        pkg.Tags,
		},
	}
	if err := i.ledger.put(rec); err != nil {
		telemetry.RecordInstall(ctx, "error")
		return err
	}

	telemetry.RecordInstall(ctx, "installed")
	i.logger.Info("installed package", "name", name, "version", pkg.Version, "source", pkg.Source)
	return nil
}

// Remove uninstalls a package: the script file is deleted (tolerating its
// prior absence) and the ledger entry is removed.
func (i *Installer) Remove(name string) error {
	rec, ok := i.ledger.get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotInstalled, name)
	}

	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing script: %w", invokerpm.ErrPath, err)
	}

	if err := i.ledger.delete(name); err != nil {
		return err
	}

	i.logger.Info("removed package", "name", name)
	return nil
}

// IsInstalled reports whether a package is in the ledger.
func (i *Installer) IsInstalled(name string) bool {
	_, ok := i.ledger.get(name)
	return ok
}

// InstalledVersion returns the installed version of a package.
func (i *Installer) InstalledVersion(name string) (string, bool) {
	rec, ok := i.ledger.get(name)
	if !ok {
		return "", false
	}
	return rec.Version, true
}

// Installed returns every ledger entry, sorted by package name.
func (i *Installer) Installed() []Record {
	return i.ledger.list()
}
