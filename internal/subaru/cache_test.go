package subaru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskCacheRoundTrip(t *testing.T) {
	d := &DiskCache{Dir: t.TempDir()}
	pkg := &Package{Name: "yay", Repository: AurBase, Maintainer: "jguer", Categories: []string{"aur-helper"}}
	require.NoError(t, d.Save(pkg))

	fresh := &Package{Name: "yay"}
	d.Fill(fresh)
	assert.Equal(t, AurBase, fresh.Repository)
	assert.Equal(t, "jguer", fresh.Maintainer)
	assert.Equal(t, []string{"aur-helper"}, fresh.Categories)
}

func TestDiskCacheFillDoesNotOverwrite(t *testing.T) {
	d := &DiskCache{Dir: t.TempDir()}
	require.NoError(t, d.Save(&Package{Name: "yay", Repository: AurBase, Maintainer: "jguer"}))

	pkg := &Package{Name: "yay", Repository: "extra"}
	d.Fill(pkg)
	assert.Equal(t, "extra", pkg.Repository)
	assert.Equal(t, "jguer", pkg.Maintainer)
}

func TestDiskCacheClean(t *testing.T) {
	d := &DiskCache{Dir: t.TempDir()}
	pkg := &Package{Name: "yay", Repository: AurBase}
	require.NoError(t, d.Save(pkg))

	d.Clean("yay")
	fresh := &Package{Name: "yay"}
	d.Fill(fresh)
	assert.Empty(t, fresh.Repository)
}

func TestDiskCacheFillMissingEntry(t *testing.T) {
	d := &DiskCache{Dir: t.TempDir()}
	pkg := &Package{Name: "unknown"}
	d.Fill(pkg)
	assert.Empty(t, pkg.Repository)
}
