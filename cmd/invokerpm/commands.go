package main

import (
	"fmt"
	"sort"

	"github.com/invokerpm/invokerpm/install"
	"github.com/invokerpm/invokerpm/registry"
	"github.com/invokerpm/invokerpm/repository"
)

type sourceCmd struct {
	Add     sourceAddCmd     `cmd:"" help:"Add a GitHub repository as a package source."`
	Remove  sourceRemoveCmd  `cmd:"" help:"Remove a source."`
	List    sourceListCmd    `cmd:"" help:"List configured sources."`
	Enable  sourceEnableCmd  `cmd:"" help:"Enable a source."`
	Disable sourceDisableCmd `cmd:"" help:"Disable a source."`
}

type sourceAddCmd struct {
	URL      string `arg:"" help:"GitHub repository URL (github.com/<owner>/<repo>)."`
	Name     string `help:"Source name (default: <owner>/<repo>)."`
	Branch   string `help:"Branch to fetch from." default:"main"`
	Priority int    `help:"Merge priority; lower sorts first." default:"10"`
}

func (c *sourceAddCmd) Run(a *app) error {
	src, err := a.sources.AddSource(c.URL,
		repository.WithName(c.Name),
		repository.WithBranch(c.Branch),
		repository.WithPriority(c.Priority))
	if err != nil {
		return err
	}
	fmt.Printf("Added source %s (%s, branch %s)\n", src.Name, src.URL, src.Branch)
	return nil
}

type sourceRemoveCmd struct {
	Name string `arg:"" help:"Source name."`
}

func (c *sourceRemoveCmd) Run(a *app) error {
	removed, err := a.sources.RemoveSource(c.Name)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("No source named %q\n", c.Name)
		return nil
	}
	fmt.Printf("Removed source %s\n", c.Name)
	return nil
}

type sourceListCmd struct{}

func (c *sourceListCmd) Run(a *app) error {
	sources := a.sources.ListSources()
	if len(sources) == 0 {
		fmt.Println("No sources configured")
		return nil
	}
	for _, src := range sources {
		state := "enabled"
		if !src.Enabled {
			state = "disabled"
		}
		fmt.Printf("%-30s %s (branch %s, priority %d, %s)\n", src.Name, src.URL, src.Branch, src.Priority, state)
	}
	return nil
}

type sourceEnableCmd struct {
	Name string `arg:"" help:"Source name."`
}

func (c *sourceEnableCmd) Run(a *app) error {
	return setSourceEnabled(a, c.Name, true)
}

type sourceDisableCmd struct {
	Name string `arg:"" help:"Source name."`
}

func (c *sourceDisableCmd) Run(a *app) error {
	return setSourceEnabled(a, c.Name, false)
}

func setSourceEnabled(a *app, name string, enabled bool) error {
	found, err := a.sources.SetEnabled(name, enabled)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q", repository.ErrSourceNotFound, name)
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("Source %s %s\n", name, state)
	return nil
}

type updateCmd struct {
	Source string `help:"Update only this source."`
}

func (c *updateCmd) Run(a *app) error {
	counts, err := a.sources.UpdateRegistry(a.ctx, c.Source)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-30s %d packages\n", name, counts[name])
	}

	a.registry.Refresh()
	return nil
}

type searchCmd struct {
	Query    string `arg:"" optional:"" help:"Match against name, description, or tags."`
	Tag      string `help:"Require an exact tag."`
	Category string `help:"Require a category."`
	Source   string `help:"Require a source."`
}

func (c *searchCmd) Run(a *app) error {
	results := a.registry.Search(registry.Filter{
		Query:    c.Query,
		Tag:      c.Tag,
		Category: c.Category,
		Source:   c.Source,
	})
	if len(results) == 0 {
		fmt.Println("No packages found")
		return nil
	}
	for _, pkg := range results {
		marker := " "
		if a.installer.IsInstalled(pkg.Name) {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, registry.FormatSummary(pkg))
	}
	return nil
}

type infoCmd struct {
	Name string `arg:"" help:"Package name."`
}

func (c *infoCmd) Run(a *app) error {
	pkg, ok := a.registry.Package(c.Name)
	if !ok {
		return fmt.Errorf("%w: %q", install.ErrPackageNotFound, c.Name)
	}
	fmt.Print(registry.FormatDetails(pkg))
	if version, ok := a.installer.InstalledVersion(c.Name); ok {
		fmt.Printf("Installed:   %s\n", version)
	}
	return nil
}

type installCmd struct {
	Name           string `arg:"" help:"Package name."`
	Force          bool   `help:"Reinstall even if already installed."`
	SkipValidation bool   `help:"Skip script validation."`
}

func (c *installCmd) Run(a *app) error {
	var opts []install.InstallOption
	if c.Force {
		opts = append(opts, install.WithForce())
	}
	if c.SkipValidation {
		opts = append(opts, install.WithSkipValidation())
	}
	if err := a.installer.Install(a.ctx, c.Name, a.registry, opts...); err != nil {
		return err
	}
	fmt.Printf("Installed %s\n", c.Name)
	return nil
}

type uninstallCmd struct {
	Name string `arg:"" help:"Package name."`
}

func (c *uninstallCmd) Run(a *app) error {
	if err := a.installer.Remove(c.Name); err != nil {
		return err
	}
	fmt.Printf("Uninstalled %s\n", c.Name)
	return nil
}

type upgradeCmd struct {
	Name  string `arg:"" optional:"" help:"Package to upgrade (default: all)."`
	Check bool   `help:"Only report pending updates."`
}

func (c *upgradeCmd) Run(a *app) error {
	if c.Check {
		updates, err := a.updater.CheckUpdates(a.ctx)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			fmt.Println("Everything is up to date")
			return nil
		}
		for _, upd := range updates {
			fmt.Printf("%-30s %s -> %s (%s)\n", upd.Name, upd.Current, upd.Available, upd.Source)
		}
		return nil
	}

	if c.Name != "" {
		if err := a.updater.UpdatePackage(a.ctx, c.Name); err != nil {
			return err
		}
		fmt.Printf("Upgraded %s\n", c.Name)
		return nil
	}

	results, err := a.updater.UpdateAll(a.ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("Everything is up to date")
		return nil
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := "ok"
		if !results[name] {
			status = "failed"
		}
		fmt.Printf("%-30s %s\n", name, status)
	}
	return nil
}

type listCmd struct{}

func (c *listCmd) Run(a *app) error {
	records := a.installer.Installed()
	if len(records) == 0 {
		fmt.Println("No packages installed")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%-30s %-10s %s\n", rec.Name, rec.Version, rec.Source)
	}
	return nil
}

type cacheCmd struct {
	Stats cacheStatsCmd `cmd:"" help:"Show cache statistics."`
	Clean cacheCleanCmd `cmd:"" help:"Remove expired cache entries."`
	Clear cacheClearCmd `cmd:"" help:"Remove all cache entries."`
}

type cacheStatsCmd struct{}

func (c *cacheStatsCmd) Run(a *app) error {
	stats, err := a.cache.Stats(a.ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Entries:      %d (%d in memory, %d expired)\n", stats.TotalEntries, stats.MemoryEntries, stats.ExpiredEntries)
	fmt.Printf("Size:         %d bytes\n", stats.TotalSizeBytes)
	fmt.Printf("Directory:    %s\n", stats.Dir)
	fmt.Printf("Last cleanup: %s\n", stats.LastCleanup.Format("2006-01-02 15:04:05"))
	return nil
}

type cacheCleanCmd struct{}

func (c *cacheCleanCmd) Run(a *app) error {
	removed, err := a.cache.Cleanup(a.ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired entries\n", removed)
	return nil
}

type cacheClearCmd struct{}

func (c *cacheClearCmd) Run(a *app) error {
	if err := a.cache.Clear(a.ctx); err != nil {
		return err
	}
	fmt.Println("Cache cleared")
	return nil
}
