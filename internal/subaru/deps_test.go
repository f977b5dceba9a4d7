package subaru

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitDepToken(t *testing.T) {
	cases := []struct {
		token, name, op, constraint string
	}{
		{"glibc", "glibc", "", ""},
		{"python>=3.10", "python", ">=", "3.10"},
		{"gcc<=12", "gcc", "<=", "12"},
		{"pkg==1.0", "pkg", "==", "1.0"},
		{"pkg=1.0", "pkg", "=", "1.0"},
		{" spaced <2", "spaced", "<", "2"},
	}
	for _, c := range cases {
		name, op, constraint := splitDepToken(c.token)
		assert.Equal(t, c.name, name, c.token)
		assert.Equal(t, c.op, op, c.token)
		assert.Equal(t, c.constraint, constraint, c.token)
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("1.2.3", "1.2.3"))
	assert.Equal(t, -1, compareVersions("1.2", "1.10"))
	assert.Equal(t, 1, compareVersions("2.0-2", "2.0-1"))
	assert.Equal(t, -1, compareVersions("1.9", "1.9.1"))
	assert.Equal(t, 1, compareVersions("1.0b", "1.0a"))
}

func TestVersionSatisfies(t *testing.T) {
	assert.True(t, versionSatisfies("1.5", ">=", "1.2"))
	assert.False(t, versionSatisfies("1.1", ">=", "1.2"))
	assert.True(t, versionSatisfies("1.2", "==", "1.2"))
	assert.True(t, versionSatisfies("1.2", "", "whatever"))
}

func TestResolveOrdersDependenciesBeforeDependents(t *testing.T) {
	backend := newFakeBackend()
	backend.repos["bar"] = "extra"
	meta := newFakeMeta()
	meta.manifests["foo"] = "pkgbase = foo\npkgver = 1.0\npkgrel = 1\ndepends = bar\ndepends = baz\n"
	meta.manifests["baz"] = "pkgbase = baz\npkgver = 2.0\npkgrel = 1\ndepends = bar\n"

	r := NewResolver(backend, meta)
	provided, err := backend.MapProvided(context.Background())
	require.NoError(t, err)

	plan, err := r.Resolve(context.Background(), []DepEdge{{Name: "foo", Repository: AurBase}}, provided, nil)
	require.NoError(t, err)

	require.Equal(t, []string{"bar", "baz"}, plan.Names())
	assert.NotContains(t, plan.Names(), "foo")
	assert.Equal(t, "extra", plan.Edges[0].Repository)
	assert.Equal(t, AurBase, plan.Edges[1].Repository)
	assert.Empty(t, plan.Unresolved)
}

func TestResolveSkipsInstalledAndProvided(t *testing.T) {
	backend := newFakeBackend()
	backend.installed["glibc"] = "2.38-1"
	backend.provided["libfoo.so"] = "foolib"
	meta := newFakeMeta()
	meta.manifests["app"] = "pkgbase = app\npkgver = 1\npkgrel = 1\ndepends = glibc\ndepends = libfoo.so\n"

	r := NewResolver(backend, meta)
	provided, err := backend.MapProvided(context.Background())
	require.NoError(t, err)

	plan, err := r.Resolve(context.Background(), []DepEdge{{Name: "app", Repository: AurBase}}, provided, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Edges)
}

func TestResolveTerminatesOnCycles(t *testing.T) {
	backend := newFakeBackend()
	meta := newFakeMeta()
	meta.manifests["a"] = "pkgbase = a\npkgver = 1\npkgrel = 1\ndepends = b\n"
	meta.manifests["b"] = "pkgbase = b\npkgver = 1\npkgrel = 1\ndepends = a\n"

	r := NewResolver(backend, meta)
	plan, err := r.Resolve(context.Background(), []DepEdge{{Name: "a", Repository: AurBase}}, map[string]string{}, nil)
	require.NoError(t, err)

	// each package appears at most once despite the cycle
	require.Equal(t, []string{"b"}, plan.Names())
}

func TestResolveReportsUnresolvedName(t *testing.T) {
	backend := newFakeBackend()
	meta := newFakeMeta()
	meta.manifests["app"] = "pkgbase = app\npkgver = 1\npkgrel = 1\ndepends = ghost>=9\n"

	r := NewResolver(backend, meta)
	plan, err := r.Resolve(context.Background(), []DepEdge{{Name: "app", Repository: AurBase}}, map[string]string{}, nil)
	require.Error(t, err)

	var unresolved *UnresolvedDepError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "ghost", unresolved.Name)
	assert.Contains(t, plan.Unresolved, "ghost")
}

func TestResolveNativeTargetUsesDeclaredDepends(t *testing.T) {
	backend := newFakeBackend()
	backend.depends["vlc"] = []string{"qt5-base", "ffmpeg"}
	backend.repos["qt5-base"] = "extra"
	backend.repos["ffmpeg"] = "extra"
	meta := newFakeMeta()

	r := NewResolver(backend, meta)
	plan, err := r.Resolve(context.Background(), []DepEdge{{Name: "vlc", Repository: "extra"}}, map[string]string{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"qt5-base", "ffmpeg"}, plan.Names())
}

func TestMapMissingResolvesOrigins(t *testing.T) {
	backend := newFakeBackend()
	backend.repos["cmake"] = "extra"
	backend.installed["make"] = "4.4-1"
	meta := newFakeMeta()
	meta.manifests["yay"] = "pkgbase = yay\npkgver = 12\npkgrel = 1\n"

	r := NewResolver(backend, meta)
	provided, err := backend.MapProvided(context.Background())
	require.NoError(t, err)

	plan, err := r.MapMissing(context.Background(), []string{"cmake", "make", "yay", "cmake"}, provided)
	require.NoError(t, err)
	require.Equal(t, []string{"cmake", "yay"}, plan.Names())
	assert.Equal(t, "extra", plan.Edges[0].Repository)
	assert.Equal(t, AurBase, plan.Edges[1].Repository)
}

func TestMapMissingUnknownName(t *testing.T) {
	backend := newFakeBackend()
	meta := newFakeMeta()

	r := NewResolver(backend, meta)
	_, err := r.MapMissing(context.Background(), []string{"nope"}, map[string]string{})
	var unresolved *UnresolvedDepError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "nope", unresolved.Name)
}
