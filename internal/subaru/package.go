package subaru

// Package is a unit manageable by the system, regardless of whether
// it comes from a native repository or the source ecosystem.
// Constructed by the adapters from query results and mutated in place
// as operations complete; derived data lives in the side cache.
type Package struct {
	Name             string
	Version          string
	LatestVersion    string
	Description      string
	Repository       string // native repository name, or AurBase
	Maintainer       string
	PackageBase      string
	Installed        bool
	Update           bool
	DowngradeEnabled bool
	Size             int64
	Categories       []string
	Manifest         *Srcinfo // build manifest, filled on demand
}

// IsAur reports whether the package belongs to the source ecosystem.
func (p *Package) IsAur() bool {
	return p.Repository == AurBase
}

// BaseName returns the build recipe repository name: split packages
// share one recipe under the package base.
func (p *Package) BaseName() string {
	if p.PackageBase != "" {
		return p.PackageBase
	}
	return p.Name
}

func pkgFromAurInfo(info AurInfo) *Package {
	return &Package{
		Name:          info.Name,
		Version:       info.Version,
		LatestVersion: info.Version,
		Description:   info.Description,
		Maintainer:    info.Maintainer,
		PackageBase:   info.PackageBase,
		Repository:    AurBase,
	}
}

func pkgFromRepo(rp RepoPackage, installed bool) *Package {
	return &Package{
		Name:             rp.Name,
		Version:          rp.Version,
		LatestVersion:    rp.Version,
		Description:      rp.Description,
		Repository:       rp.Repository,
		Installed:        installed,
		DowngradeEnabled: true,
	}
}
