package update

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invokerpm/invokerpm/install"
	"github.com/invokerpm/invokerpm/registry"
	"github.com/invokerpm/invokerpm/repository"
)

// upstream is a mutable fake source repository.
type upstream struct {
	mu       sync.Mutex
	versions map[string]string // package name -> version
	broken   map[string]bool   // package name -> serve 404 for the script
}

func (u *upstream) setVersion(name, version string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.versions[name] = version
}

func (u *upstream) setBroken(name string, broken bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.broken[name] = broken
}

func (u *upstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		defer u.mu.Unlock()

		if r.URL.Path == "/acme/tools/main/registry.json" {
			manifest := repository.Manifest{Packages: map[string]repository.PackageInfo{}}
			for name, version := range u.versions {
				manifest.Packages[name] = repository.PackageInfo{
					Name:    name,
					Version: version,
					Path:    "packages/" + name,
				}
			}
			_ = json.NewEncoder(w).Encode(manifest)
			return
		}

		for name := range u.versions {
			if r.URL.Path == "/acme/tools/main/packages/"+name+"/invoker.py" {
				if u.broken[name] {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_, _ = w.Write([]byte("# " + name + " " + u.versions[name] + "\n"))
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

type world struct {
	upstream  *upstream
	updater   *Updater
	installer *install.Installer
	registry  *registry.Registry
}

func setupWorld(t *testing.T, versions map[string]string) *world {
	t.Helper()

	up := &upstream{versions: versions, broken: make(map[string]bool)}
	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	client := repository.NewClient(repository.WithBaseURL(srv.URL))

	configDir := t.TempDir()
	mgr, err := repository.NewManager(configDir, repository.WithClient(client))
	require.NoError(t, err)

	_, err = mgr.AddSource("github.com/acme/tools")
	require.NoError(t, err)
	_, err = mgr.UpdateRegistry(context.Background(), "")
	require.NoError(t, err)

	reg := registry.New(mgr)
	reg.Refresh()

	inst, err := install.New(configDir, filepath.Join(configDir, "scripts"), mgr, install.WithClient(client))
	require.NoError(t, err)

	return &world{
		upstream:  up,
		updater:   New(mgr, reg, inst),
		installer: inst,
		registry:  reg,
	}
}

func TestCheckUpdatesDetectsDrift(t *testing.T) {
	w := setupWorld(t, map[string]string{"p": "1.0.0"})
	ctx := context.Background()

	require.NoError(t, w.installer.Install(ctx, "p", w.registry))

	updates, err := w.updater.CheckUpdates(ctx)
	require.NoError(t, err)
	require.Empty(t, updates)

	w.upstream.setVersion("p", "1.1.0")

	updates, err = w.updater.CheckUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, Update{Name: "p", Current: "1.0.0", Available: "1.1.0", Source: "acme/tools"}, updates[0])
}

func TestCheckUpdatesSkipsVanishedPackages(t *testing.T) {
	w := setupWorld(t, map[string]string{"p": "1.0.0", "q": "1.0.0"})
	ctx := context.Background()

	require.NoError(t, w.installer.Install(ctx, "p", w.registry))
	require.NoError(t, w.installer.Install(ctx, "q", w.registry))

	// "q" disappears from the registry entirely; it must not be reported.
	w.upstream.mu.Lock()
	delete(w.upstream.versions, "q")
	w.upstream.mu.Unlock()
	w.upstream.setVersion("p", "2.0.0")

	updates, err := w.updater.CheckUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "p", updates[0].Name)
}

func TestUpdatePackage(t *testing.T) {
	w := setupWorld(t, map[string]string{"p": "1.0.0"})
	ctx := context.Background()

	require.NoError(t, w.installer.Install(ctx, "p", w.registry))
	w.upstream.setVersion("p", "1.1.0")

	require.NoError(t, w.updater.UpdatePackage(ctx, "p"))

	version, ok := w.installer.InstalledVersion("p")
	require.True(t, ok)
	require.Equal(t, "1.1.0", version)

	// Drift resolved: nothing left to update.
	updates, err := w.updater.CheckUpdates(ctx)
	require.NoError(t, err)
	require.Empty(t, updates)
}

func TestUpdatePackageNotInstalled(t *testing.T) {
	w := setupWorld(t, map[string]string{"p": "1.0.0"})

	err := w.updater.UpdatePackage(context.Background(), "p")
	require.ErrorIs(t, err, install.ErrNotInstalled)
}

func TestUpdatePackageNoUpdate(t *testing.T) {
	w := setupWorld(t, map[string]string{"p": "1.0.0"})
	ctx := context.Background()

	require.NoError(t, w.installer.Install(ctx, "p", w.registry))

	err := w.updater.UpdatePackage(ctx, "p")
	require.ErrorIs(t, err, ErrNoUpdate)
}

func TestStringInequalityReportsDowngrades(t *testing.T) {
	w := setupWorld(t, map[string]string{"p": "2.0.0"})
	ctx := context.Background()

	require.NoError(t, w.installer.Install(ctx, "p", w.registry))
	w.upstream.setVersion("p", "1.9.0")

	updates, err := w.updater.CheckUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "1.9.0", updates[0].Available)
}

func TestUpdateAllIsolatesFailures(t *testing.T) {
	w := setupWorld(t, map[string]string{"good": "1.0.0", "bad": "1.0.0"})
	ctx := context.Background()

	require.NoError(t, w.installer.Install(ctx, "good", w.registry))
	require.NoError(t, w.installer.Install(ctx, "bad", w.registry))

	w.upstream.setVersion("good", "2.0.0")
	w.upstream.setVersion("bad", "2.0.0")
	w.upstream.setBroken("bad", true)

	results, err := w.updater.UpdateAll(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"good": true, "bad": false}, results)

	version, ok := w.installer.InstalledVersion("good")
	require.True(t, ok)
	require.Equal(t, "2.0.0", version)

	version, ok = w.installer.InstalledVersion("bad")
	require.True(t, ok)
	require.Equal(t, "1.0.0", version)
}
