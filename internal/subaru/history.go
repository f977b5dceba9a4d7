package subaru

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// HistoryEntry is one released version of a package, newest first in
// a PackageHistory.
type HistoryEntry struct {
	Version   string
	Release   string
	Timestamp time.Time
}

// full returns the "version-release" form matched against installed
// versions.
func (e HistoryEntry) full() string {
	if e.Release == "" {
		return e.Version
	}
	return e.Version + "-" + e.Release
}

// PackageHistory is the version timeline of a package. Current is the
// index of the installed version within Entries, or -1 when the
// installed version no longer appears in the timeline.
type PackageHistory struct {
	Pkg     *Package
	Entries []HistoryEntry
	Current int
}

// aurTimeline pairs history entries with the commits that produced
// them, so a downgrade can check the matching revision out again.
type aurTimeline struct {
	entries []HistoryEntry
	hashes  []plumbing.Hash
}

// HistoryEngine reconstructs package version timelines and performs
// downgrades. Source-ecosystem packages are walked through their
// version control history; native packages through the archive cache
// the package manager keeps on disk.
type HistoryEngine struct {
	backend Backend
	builder *Builder

	// cloneRepo is replaceable in tests, where a local repository
	// stands in for the remote.
	cloneRepo func(ctx context.Context, base, dir string) (*git.Repository, error)
}

func NewHistoryEngine(backend Backend, builder *Builder) *HistoryEngine {
	h := &HistoryEngine{backend: backend, builder: builder}
	h.cloneRepo = func(ctx context.Context, base, dir string) (*git.Repository, error) {
		return git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:   fmt.Sprintf(aurGitURL, base),
			Depth: 0,
		})
	}
	return h
}

// History returns the version timeline of a package, newest first.
// Calling it never mutates any state: temporary checkouts are
// discarded before returning.
func (h *HistoryEngine) History(ctx context.Context, pkg *Package) (*PackageHistory, error) {
	if pkg.IsAur() {
		dir, err := newWorkspace()
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(dir)

		timeline, _, err := h.aurHistory(ctx, pkg, dir)
		if err != nil {
			return nil, err
		}
		return historyFromEntries(pkg, timeline.entries), nil
	}

	entries, _, err := h.cachedArchiveHistory(ctx, pkg)
	if err != nil {
		return nil, err
	}
	return historyFromEntries(pkg, entries), nil
}

func historyFromEntries(pkg *Package, entries []HistoryEntry) *PackageHistory {
	hist := &PackageHistory{Pkg: pkg, Entries: entries, Current: -1}
	for i, e := range entries {
		if e.full() == pkg.Version {
			hist.Current = i
			break
		}
	}
	return hist
}

// aurHistory clones the package repository into dir and walks its
// commits newest first, reading the build manifest at each revision.
// Commits without a parseable manifest are skipped. When the same
// version appears in several commits only the newest one is kept.
func (h *HistoryEngine) aurHistory(ctx context.Context, pkg *Package, dir string) (*aurTimeline, *git.Repository, error) {
	base := pkg.BaseName()
	cloneDir := filepath.Join(dir, base)
	repo, err := h.cloneRepo(ctx, base, cloneDir)
	if err != nil {
		return nil, nil, fmt.Errorf("could not clone history of %s: %w", base, err)
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	timeline := &aurTimeline{}
	seen := make(map[string]bool)
	err = iter.ForEach(func(c *object.Commit) error {
		f, err := c.File(".SRCINFO")
		if err != nil {
			return nil
		}
		raw, err := f.Contents()
		if err != nil {
			return nil
		}
		info := ParseSrcinfo(raw)
		if info.PkgVer() == "" {
			return nil
		}
		if seen[info.Version()] {
			return nil
		}
		seen[info.Version()] = true
		timeline.entries = append(timeline.entries, HistoryEntry{
			Version:   info.PkgVer(),
			Release:   info.PkgRel(),
			Timestamp: c.Committer.When,
		})
		timeline.hashes = append(timeline.hashes, c.Hash)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(timeline.entries) == 0 {
		return nil, nil, fmt.Errorf("no history found for %s", base)
	}
	return timeline, repo, nil
}

// cachedArchivePattern matches the file name of a cached package
// archive belonging to name. The version segment cannot contain
// hyphens, which keeps archives of hyphenated sibling packages
// (name-extras, name-docs) out of name's own matches.
func cachedArchivePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(
		`^%s-([^-]+)-([^-]+)-(?:x86_64|aarch64|i686|any)\.pkg\.tar\.\w+$`,
		regexp.QuoteMeta(name)))
}

// splitVersionRelease splits a "version-release" string the way the
// native package manager reports it. Versions without a release part
// come back with an empty release.
func splitVersionRelease(full string) (string, string) {
	if i := strings.LastIndex(full, "-"); i > 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

// installedBuildDate asks the backend when the installed copy of a
// package was built. The backend reports it as formatted text, so an
// unparseable answer degrades to a zero timestamp.
func (h *HistoryEngine) installedBuildDate(ctx context.Context, name string) time.Time {
	raw, err := h.backend.BuildDate(ctx, name)
	if err != nil || raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"Mon 02 Jan 2006 03:04:05 PM MST",
		"Mon Jan 2 15:04:05 2006",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// cachedArchiveHistory reconstructs the version timeline of a native
// package: the archives still present in the package manager's cache,
// seeded with the installed version and the latest known update so
// the timeline stays anchored even when their archives were already
// evicted. Newest first; timestamps come from each archive's embedded
// build metadata.
func (h *HistoryEngine) cachedArchiveHistory(ctx context.Context, pkg *Package) ([]HistoryEntry, map[string]string, error) {
	matches, err := filepath.Glob(filepath.Join(PacmanCacheDir, pkg.Name+"-*.pkg.tar.*"))
	if err != nil {
		return nil, nil, err
	}

	re := cachedArchivePattern(pkg.Name)

	var entries []HistoryEntry
	files := make(map[string]string)
	seen := make(map[string]bool)
	for _, path := range matches {
		if strings.HasSuffix(path, ".sig") {
			continue
		}
		m := re.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		entry := HistoryEntry{
			Version:   m[1],
			Release:   m[2],
			Timestamp: scanPkgBuildDate(path),
		}
		entries = append(entries, entry)
		files[entry.full()] = path
		seen[entry.full()] = true
	}

	if pkg.Version != "" && !seen[pkg.Version] {
		ver, rel := splitVersionRelease(pkg.Version)
		entries = append(entries, HistoryEntry{
			Version:   ver,
			Release:   rel,
			Timestamp: h.installedBuildDate(ctx, pkg.Name),
		})
		seen[pkg.Version] = true
	}
	if pkg.Update && pkg.LatestVersion != "" && !seen[pkg.LatestVersion] {
		ver, rel := splitVersionRelease(pkg.LatestVersion)
		entries = append(entries, HistoryEntry{Version: ver, Release: rel})
		seen[pkg.LatestVersion] = true
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("no version history found for %s", pkg.Name)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if c := compareVersions(a.Version, b.Version); c != 0 {
			return c > 0
		}
		return compareVersions(a.Release, b.Release) > 0
	})
	return entries, files, nil
}

// Downgrade replaces the installed version of a package with the next
// older one from its timeline. Source-ecosystem packages are rebuilt
// from the matching revision; native packages are reinstalled from
// the cached archive.
func (h *HistoryEngine) Downgrade(ctx context.Context, pkg *Package, settings *Settings, watcher ProcessWatcher) error {
	if !pkg.Installed {
		return fmt.Errorf("%s is not installed", pkg.Name)
	}
	if pkg.IsAur() {
		return h.downgradeAur(ctx, pkg, settings, watcher)
	}
	return h.downgradeRepo(ctx, pkg, watcher)
}

func (h *HistoryEngine) downgradeAur(ctx context.Context, pkg *Package, settings *Settings, watcher ProcessWatcher) error {
	if geteuid() == 0 {
		return fmt.Errorf("source packages must not be built as root")
	}

	buildDir, err := newWorkspace()
	if err != nil {
		return err
	}
	defer os.RemoveAll(buildDir)

	watcher.ChangeSubstatus(fmt.Sprintf("Reading history of %s", pkg.Name))
	timeline, repo, err := h.aurHistory(ctx, pkg, buildDir)
	if err != nil {
		return err
	}

	current := -1
	for i, e := range timeline.entries {
		if e.full() == pkg.Version {
			current = i
			break
		}
	}
	if current == -1 || current+1 >= len(timeline.entries) {
		return ErrNoOlderVersion
	}
	target := timeline.entries[current+1]

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	watcher.ChangeSubstatus(fmt.Sprintf("Checking out %s %s", pkg.Name, target.full()))
	if err := wt.Reset(&git.ResetOptions{
		Commit: timeline.hashes[current+1],
		Mode:   git.HardReset,
	}); err != nil {
		return fmt.Errorf("could not check out %s of %s: %w", target.full(), pkg.Name, err)
	}

	req := &BuildRequest{
		Pkg:         pkg,
		Settings:    settings,
		Watcher:     watcher,
		SkipOptdeps: true,
	}
	pkg.LatestVersion = target.full()
	projectDir := filepath.Join(buildDir, pkg.BaseName())
	return h.builder.buildAndInstall(ctx, req, buildDir, projectDir)
}

func (h *HistoryEngine) downgradeRepo(ctx context.Context, pkg *Package, watcher ProcessWatcher) error {
	entries, files, err := h.cachedArchiveHistory(ctx, pkg)
	if err != nil {
		return err
	}

	current := -1
	for i, e := range entries {
		if e.full() == pkg.Version {
			current = i
			break
		}
	}
	if current == -1 || current+1 >= len(entries) {
		return ErrNoOlderVersion
	}
	target := entries[current+1]
	archive, ok := files[target.full()]
	if !ok {
		return fmt.Errorf("no cached archive for %s %s", pkg.Name, target.full())
	}

	watcher.ChangeSubstatus(fmt.Sprintf("Installing %s %s from the archive cache", pkg.Name, target.full()))
	if err := h.backend.Install(ctx, archive, true, ""); err != nil {
		return err
	}
	pkg.Version = target.full()
	return nil
}
