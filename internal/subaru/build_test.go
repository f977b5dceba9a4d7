package subaru

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBuilder wires a Builder to fakes, with the snapshot fetch
// replaced by a manifest writer that optionally drops the build
// artifact in place.
type testBuilder struct {
	builder  *Builder
	backend  *fakeBackend
	meta     *fakeMeta
	tool     *fakeTool
	manifest string
	artifact bool
}

func newTestBuilder(t *testing.T) *testBuilder {
	t.Helper()

	oldRoot := BuildRoot
	BuildRoot = t.TempDir()
	oldEuid := geteuid
	geteuid = func() int { return 1000 }
	t.Cleanup(func() {
		BuildRoot = oldRoot
		geteuid = oldEuid
	})

	tb := &testBuilder{
		backend:  newFakeBackend(),
		meta:     newFakeMeta(),
		tool:     &fakeTool{},
		artifact: true,
	}
	tb.builder = NewBuilder(tb.backend, tb.meta, tb.tool, &DiskCache{Dir: t.TempDir()})
	tb.builder.fetchSource = func(ctx context.Context, base, buildDir string, req *BuildRequest) (string, error) {
		projectDir := filepath.Join(buildDir, base)
		if err := os.MkdirAll(projectDir, 0o755); err != nil {
			return "", err
		}
		manifest := tb.manifest
		if manifest == "" {
			manifest = tb.meta.manifests[base]
		}
		if err := os.WriteFile(filepath.Join(projectDir, ".SRCINFO"), []byte(manifest), 0o644); err != nil {
			return "", err
		}
		if tb.artifact {
			name := fmt.Sprintf("%s-1.0-1-x86_64.pkg.tar.zst", req.Pkg.Name)
			if err := os.WriteFile(filepath.Join(projectDir, name), []byte("pkg"), 0o644); err != nil {
				return "", err
			}
		}
		return projectDir, nil
	}
	return tb
}

func (tb *testBuilder) request(name string, w ProcessWatcher) *BuildRequest {
	return &BuildRequest{
		Pkg:      &Package{Name: name, PackageBase: name, Repository: AurBase, LatestVersion: "1.0-1"},
		Settings: &Settings{Repositories: true, AUR: true},
		Watcher:  w,
	}
}

func TestInstallHappyPath(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"
	w := &scriptWatcher{}

	req := tb.request("foo", w)
	err := tb.builder.Install(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, tb.backend.installs, 1)
	assert.Contains(t, tb.backend.installs[0], "foo-1.0-1-x86_64.pkg.tar.zst")
	assert.Equal(t, 1, tb.tool.makeCalls)
	assert.True(t, req.Pkg.Installed)
	assert.Equal(t, "1.0-1", req.Pkg.Version)
	assert.Contains(t, w.progress, 10)
	assert.Contains(t, w.progress, 100)
}

func TestInstallCleansWorkspace(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"

	err := tb.builder.Install(context.Background(), tb.request("foo", &scriptWatcher{}))
	require.NoError(t, err)

	entries, err := os.ReadDir(BuildRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallDeclinedDependenciesCancels(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\ndepends = ghostlib\n"
	tb.meta.manifests["ghostlib"] = "pkgbase = ghostlib\npkgver = 2\npkgrel = 1\n"
	w := &scriptWatcher{confirmations: []bool{false}}

	err := tb.builder.Install(context.Background(), tb.request("foo", w))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, tb.tool.makeCalls)
	assert.Empty(t, tb.backend.installs)
}

func TestInstallAcceptedDependenciesInstalledFirst(t *testing.T) {
	tb := newTestBuilder(t)
	tb.backend.repos["cmake"] = "extra"
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\nmakedepends = cmake\n"
	w := &scriptWatcher{}

	err := tb.builder.Install(context.Background(), tb.request("foo", w))
	require.NoError(t, err)

	require.Len(t, tb.backend.installs, 2)
	assert.Equal(t, "cmake", tb.backend.installs[0])
	assert.Contains(t, tb.backend.installs[1], "foo-1.0-1")
}

func TestInstallCompileFailure(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"
	tb.tool.makeOutput = "gcc: fatal error: ld returned 1"
	tb.tool.makeErr = errors.New("exit status 4")

	err := tb.builder.Install(context.Background(), tb.request("foo", &scriptWatcher{}))
	var bErr *BuildToolError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "foo", bErr.Pkg)
	assert.Contains(t, bErr.Output, "ld returned 1")
	assert.Empty(t, tb.backend.installs)
}

func TestInstallMissingArtifact(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"
	tb.artifact = false

	err := tb.builder.Install(context.Background(), tb.request("foo", &scriptWatcher{}))
	var aErr *ArtifactNotFoundError
	require.ErrorAs(t, err, &aErr)
	assert.Equal(t, "foo", aErr.Pkg)
	assert.Empty(t, tb.backend.installs)
}

func TestInstallConflictDeclined(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"
	tb.backend.dryRunOut = ":: foo and foo-git are in conflict. Remove foo-git?"
	w := &scriptWatcher{confirmations: []bool{false}}

	err := tb.builder.Install(context.Background(), tb.request("foo", w))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, tb.backend.installs)
	assert.Empty(t, tb.backend.uninstalls)
}

func TestInstallConflictAccepted(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"
	tb.backend.dryRunOut = ":: foo and foo-git are in conflict. Remove foo-git?"
	w := &scriptWatcher{}

	err := tb.builder.Install(context.Background(), tb.request("foo", w))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo-git"}, tb.backend.uninstalls)
	require.Len(t, tb.backend.installs, 1)
}

func TestInstallUnknownKeyTrusted(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"
	tb.tool.checks = []*CheckResult{{UnknownKeys: []string{"77721F63BD38B4796"}}}
	w := &scriptWatcher{}

	err := tb.builder.Install(context.Background(), tb.request("foo", w))
	require.NoError(t, err)
	assert.Equal(t, []string{"77721F63BD38B4796"}, tb.backend.received)
	assert.Equal(t, []string{"77721F63BD38B4796"}, tb.backend.signed)
}

func TestInstallKeyImportFailure(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\n"
	tb.tool.checks = []*CheckResult{{UnknownKeys: []string{"DEADBEEF"}}}
	tb.backend.keyErr = errors.New("keyserver timeout")

	err := tb.builder.Install(context.Background(), tb.request("foo", &scriptWatcher{}))
	var kErr *KeyVerificationError
	require.ErrorAs(t, err, &kErr)
	assert.Equal(t, "DEADBEEF", kErr.Key)
	assert.Empty(t, tb.backend.installs)
}

func TestOptionalDependenciesNotSelected(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\noptdepends = pipewire: screen sharing\n"
	w := &scriptWatcher{selections: [][]string{nil}}

	err := tb.builder.Install(context.Background(), tb.request("foo", w))
	require.NoError(t, err)

	// the optional dependency was offered but never resolved or
	// installed
	require.Len(t, tb.backend.installs, 1)
	assert.NotContains(t, tb.meta.fetched, "pipewire")
}

func TestOptionalDependenciesSelected(t *testing.T) {
	tb := newTestBuilder(t)
	tb.backend.repos["pipewire"] = "extra"
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\noptdepends = pipewire: screen sharing\n"
	w := &scriptWatcher{selections: [][]string{{"pipewire: screen sharing"}}}

	err := tb.builder.Install(context.Background(), tb.request("foo", w))
	require.NoError(t, err)
	require.Len(t, tb.backend.installs, 2)
	assert.Equal(t, "pipewire", tb.backend.installs[1])
}

func TestDependencyBuildSuppressesProgressAndOptdeps(t *testing.T) {
	tb := newTestBuilder(t)
	tb.meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\noptdepends = pipewire\n"
	w := &scriptWatcher{}

	req := tb.request("foo", w)
	req.Dependency = true
	err := tb.builder.Install(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, w.progress)
	// no optional dependency prompt for sub-builds
	for _, p := range w.prompts {
		assert.NotContains(t, p, "optional")
	}
}

func TestInstallRefusesRoot(t *testing.T) {
	tb := newTestBuilder(t)
	geteuid = func() int { return 0 }

	err := tb.builder.Install(context.Background(), tb.request("foo", &scriptWatcher{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root")
}

func TestParseConflicts(t *testing.T) {
	out := ":: foo and bar are in conflict. Remove bar?\n:: foo and baz are in conflict."
	assert.Equal(t, []string{"bar", "baz"}, parseConflicts(out, "foo"))
	assert.Empty(t, parseConflicts("resolving dependencies...", "foo"))
}

func TestLocateArtifact(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "foo")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "foo-1.2-1-any.pkg.tar.zst"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "foo-debug-1.2-1-any.pkg.tar.zst"), []byte("x"), 0o644))

	path, err := locateArtifact(dir, "foo")
	require.NoError(t, err)
	assert.Contains(t, path, "foo-1.2-1-any.pkg.tar.zst")

	_, err = locateArtifact(dir, "bar")
	var aErr *ArtifactNotFoundError
	require.ErrorAs(t, err, &aErr)
}

func TestLocateArtifactRejectsDebugPackage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo-debug-1.2-1-any.pkg.tar.zst"), []byte("x"), 0o644))

	_, err := locateArtifact(dir, "foo")
	var aErr *ArtifactNotFoundError
	require.ErrorAs(t, err, &aErr)
}
