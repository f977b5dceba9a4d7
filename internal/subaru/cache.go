package subaru

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// cachedData is the derived package data persisted after a
// successful install, read later to enrich display without hitting
// the network or the package database again.
type cachedData struct {
	Repository string   `json:"repository"`
	Maintainer string   `json:"maintainer,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// DiskCache is the side cache of per-package metadata keyed by
// package name. It is write-after-install, read-to-display; losing it
// is harmless.
type DiskCache struct {
	Dir string
}

func NewDiskCache() *DiskCache {
	return &DiskCache{Dir: SideCacheDir}
}

func (d *DiskCache) path(name string) string {
	return filepath.Join(d.Dir, name, "data.json")
}

// Save persists the package's derived data, overwriting any previous
// entry.
func (d *DiskCache) Save(pkg *Package) error {
	data := cachedData{
		Repository: pkg.Repository,
		Maintainer: pkg.Maintainer,
		Categories: pkg.Categories,
	}
	path := d.path(pkg.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Fill enriches a package with cached data, if any exists.
func (d *DiskCache) Fill(pkg *Package) {
	raw, err := os.ReadFile(d.path(pkg.Name))
	if err != nil {
		return
	}
	var data cachedData
	if err := json.Unmarshal(raw, &data); err != nil {
		debugf("unreadable cache entry for %s: %v\n", pkg.Name, err)
		return
	}
	if pkg.Repository == "" {
		pkg.Repository = data.Repository
	}
	if pkg.Maintainer == "" {
		pkg.Maintainer = data.Maintainer
	}
	if len(pkg.Categories) == 0 {
		pkg.Categories = data.Categories
	}
}

// Clean removes a package's cache entry, used after uninstall.
func (d *DiskCache) Clean(name string) {
	_ = os.RemoveAll(filepath.Join(d.Dir, name))
}
