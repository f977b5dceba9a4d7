package subaru

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Database synchronization is throttled: a successful sync within
// this window suppresses the next one.
const dbSyncInterval = time.Hour

// Search terms users commonly type that map to a different package
// name in either ecosystem.
var searchAliases = map[string]string{
	"google chrome":      "google-chrome",
	"chrome":             "google-chrome",
	"visual studio code": "visual-studio-code-bin",
	"vscode":             "visual-studio-code-bin",
	"sublime":            "sublime-text",
	"mongo":              "mongodb",
}

// Manager is the orchestration facade: every user-facing operation
// enters here and is dispatched to the repository backend, the
// metadata source, the build orchestrator or the history engine.
type Manager struct {
	backend  Backend
	aur      *AurClient
	builder  *Builder
	history  *HistoryEngine
	cache    *DiskCache
	settings *Settings
	http     *http.Client
}

func NewManager(ctx context.Context, settings *Settings) *Manager {
	backend := NewPacmanBackend(ctx)
	aur := NewAurClient()
	cache := NewDiskCache()
	builder := NewBuilder(backend, aur, NewMakepkg(ctx), cache)
	return &Manager{
		backend:  backend,
		aur:      aur,
		builder:  builder,
		history:  NewHistoryEngine(backend, builder),
		cache:    cache,
		settings: settings,
		http:     newHTTPClient(),
	}
}

// Startup performs the boot-time work the settings ask for: refresh
// the name index and synchronize the native databases when stale.
func (m *Manager) Startup(ctx context.Context, watcher ProcessWatcher) {
	if m.settings.AUR {
		if err := m.aur.UpdateIndex(ctx); err != nil {
			debugf("index refresh failed: %v\n", err)
		}
	}
	if m.settings.SyncDatabasesStartup {
		m.maybeSyncDatabases(ctx, watcher)
	}
}

// maybeSyncDatabases synchronizes the native databases unless a sync
// happened recently. Sync failures are reported, never fatal: stale
// databases still serve reads.
func (m *Manager) maybeSyncDatabases(ctx context.Context, watcher ProcessWatcher) {
	if !m.settings.SyncDatabases || !m.backend.MirrorsAvailable() {
		return
	}
	if raw, err := os.ReadFile(LastSyncFile); err == nil {
		if ts, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
			if time.Since(time.Unix(ts, 0)) < dbSyncInterval {
				return
			}
		}
	}

	watcher.ChangeSubstatus("Synchronizing package databases")
	if err := m.backend.SyncDatabases(ctx); err != nil {
		watcher.Print(fmt.Sprintf("Database synchronization failed: %v", err))
		return
	}
	if err := os.WriteFile(LastSyncFile, []byte(strconv.FormatInt(time.Now().Unix(), 10)), 0o644); err != nil {
		debugf("could not record sync time: %v\n", err)
	}
}

// checkDatabaseLock refuses to mutate while another process holds the
// database lock, unless the user confirms removing a lock presumed
// stale.
func (m *Manager) checkDatabaseLock(ctx context.Context, watcher ProcessWatcher) error {
	if !m.backend.DatabaseLocked() {
		return nil
	}
	if !watcher.RequestConfirmation(
		"The package database is locked by another process. Remove the lock file?",
		"Only do this if no other package manager is running.") {
		return ErrDatabaseLocked
	}
	return m.backend.UnlockDatabase(ctx)
}

// Search queries the enabled origins concurrently and merges their
// results, source-ecosystem matches last. A metadata service outage
// degrades the source-ecosystem side to the local name index.
func (m *Manager) Search(ctx context.Context, words string) ([]*Package, error) {
	words = strings.ToLower(strings.TrimSpace(words))
	if alias, ok := searchAliases[words]; ok {
		words = alias
	}

	type result struct {
		pkgs []*Package
		err  error
	}
	results := make(chan result, 2)
	fanout := 0

	if m.settings.Repositories && m.backend.Available() {
		fanout++
		go func() {
			repos, err := m.backend.Search(ctx, words)
			var pkgs []*Package
			for _, rp := range repos {
				pkgs = append(pkgs, pkgFromRepo(rp, m.backend.CheckInstalled(ctx, rp.Name)))
			}
			results <- result{pkgs: pkgs, err: err}
		}()
	}
	if m.settings.AUR {
		fanout++
		go func() {
			pkgs, err := m.searchAur(ctx, words)
			results <- result{pkgs: pkgs, err: err}
		}()
	}

	var merged []*Package
	var firstErr error
	seen := make(map[string]bool)
	for i := 0; i < fanout; i++ {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
		for _, p := range res.pkgs {
			if !seen[p.Name] {
				seen[p.Name] = true
				merged = append(merged, p)
			}
		}
	}
	if len(merged) == 0 && firstErr != nil {
		return nil, firstErr
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return !merged[i].IsAur() && merged[j].IsAur()
	})
	return merged, nil
}

func (m *Manager) searchAur(ctx context.Context, words string) ([]*Package, error) {
	infos, err := m.aur.Search(ctx, words)
	if err != nil {
		// degrade to the local name index
		names := m.aur.SearchIndex(words, 25)
		if len(names) == 0 {
			return nil, err
		}
		infos, err = m.aur.Info(ctx, names)
		if err != nil {
			return nil, err
		}
	}
	var pkgs []*Package
	for _, info := range infos {
		p := pkgFromAurInfo(info)
		p.Installed = m.backend.CheckInstalled(ctx, p.Name)
		m.cache.Fill(p)
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

// ReadInstalled lists every installed package the enabled origins
// know about, enriching the foreign ones with remote metadata in
// parallel. Without connectivity the foreign side falls back to the
// on-disk cache.
func (m *Manager) ReadInstalled(ctx context.Context) ([]*Package, error) {
	native, foreign, err := m.backend.MapInstalled(ctx)
	if err != nil {
		return nil, err
	}

	var pkgs []*Package
	if m.settings.Repositories {
		updates, _ := m.backend.ListUpdates(ctx)
		for _, rp := range native {
			p := pkgFromRepo(rp, true)
			if latest, ok := updates[p.Name]; ok {
				p.LatestVersion = latest
				p.Update = true
			}
			pkgs = append(pkgs, p)
		}
	}

	if m.settings.AUR && len(foreign) > 0 {
		aurPkgs, err := m.readForeign(ctx, foreign)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, aurPkgs...)
	}

	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

func (m *Manager) readForeign(ctx context.Context, foreign map[string]RepoPackage) ([]*Package, error) {
	names := make([]string, 0, len(foreign))
	for name := range foreign {
		names = append(names, name)
	}

	byName := make(map[string]AurInfo)
	infos, err := m.aur.Info(ctx, names)
	if err != nil {
		debugf("metadata lookup failed, serving cached data: %v\n", err)
	} else {
		for _, info := range infos {
			byName[info.Name] = info
		}
	}

	var pkgs []*Package
	var g errgroup.Group
	g.SetLimit(8)
	out := make([]*Package, len(names))
	for i, name := range names {
		g.Go(func() error {
			rp := foreign[name]
			p := pkgFromRepo(rp, true)
			p.Repository = AurBase
			p.DowngradeEnabled = true
			if info, ok := byName[name]; ok {
				p.LatestVersion = info.Version
				p.PackageBase = info.PackageBase
				p.Maintainer = info.Maintainer
				p.Description = info.Description
				p.Update = versionSatisfies(info.Version, ">", rp.Version)
			}
			m.cache.Fill(p)
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if p != nil {
			pkgs = append(pkgs, p)
		}
	}
	return pkgs, nil
}

// Install routes to the backend for native packages and to the build
// orchestrator for source-ecosystem ones. The database lock is
// checked before any mutation is attempted.
func (m *Manager) Install(ctx context.Context, pkg *Package, watcher ProcessWatcher) error {
	if err := m.checkDatabaseLock(ctx, watcher); err != nil {
		return err
	}
	m.maybeSyncDatabases(ctx, watcher)

	if !pkg.IsAur() {
		watcher.ChangeSubstatus(fmt.Sprintf("Installing %s", pkg.Name))
		if err := m.backend.Install(ctx, pkg.Name, false, ""); err != nil {
			return err
		}
		pkg.Installed = true
		return nil
	}

	if pkg.LatestVersion == "" {
		if infos, err := m.aur.Info(ctx, []string{pkg.Name}); err == nil && len(infos) > 0 {
			pkg.LatestVersion = infos[0].Version
			pkg.PackageBase = infos[0].PackageBase
		}
	}
	return m.builder.Install(ctx, &BuildRequest{
		Pkg:      pkg,
		Settings: m.settings,
		Watcher:  watcher,
	})
}

// Uninstall removes a package. When other installed packages depend
// on it the user chooses between removing the whole set and aborting.
func (m *Manager) Uninstall(ctx context.Context, pkg *Package, watcher ProcessWatcher) error {
	if err := m.checkDatabaseLock(ctx, watcher); err != nil {
		return err
	}

	required, err := m.backend.RequiredBy(ctx, pkg.Name)
	if err != nil {
		return err
	}
	if len(required) > 0 {
		if !watcher.RequestConfirmation(
			fmt.Sprintf("%s is required by %s. Remove them all?", pkg.Name, strings.Join(required, ", ")), "") {
			return ErrCancelled
		}
		if err := m.backend.RemoveSeveral(ctx, append(required, pkg.Name)); err != nil {
			return err
		}
	} else {
		if err := m.backend.Uninstall(ctx, pkg.Name); err != nil {
			return err
		}
	}

	pkg.Installed = false
	if m.settings.CleanCached {
		m.cache.Clean(pkg.Name)
		if !pkg.IsAur() {
			if err := m.backend.CleanCache(ctx, pkg.Name); err != nil {
				debugf("could not clean cached archives of %s: %v\n", pkg.Name, err)
			}
		}
	}
	return nil
}

// UpgradeSet is one upgrade transaction: packages to remove first,
// then native upgrades as a single batch, then source-ecosystem
// rebuilds one at a time.
type UpgradeSet struct {
	Removals []string
	Repo     []string
	Aur      []*Package
}

// Upgrade applies an upgrade transaction in order. Optional
// dependencies are never offered during upgrades.
func (m *Manager) Upgrade(ctx context.Context, set UpgradeSet, watcher ProcessWatcher) error {
	if err := m.checkDatabaseLock(ctx, watcher); err != nil {
		return err
	}
	m.maybeSyncDatabases(ctx, watcher)

	if len(set.Removals) > 0 {
		watcher.ChangeSubstatus(fmt.Sprintf("Removing %d packages", len(set.Removals)))
		if err := m.backend.RemoveSeveral(ctx, set.Removals); err != nil {
			return err
		}
	}
	if len(set.Repo) > 0 {
		watcher.ChangeSubstatus(fmt.Sprintf("Upgrading %d repository packages", len(set.Repo)))
		if err := m.backend.UpgradeSeveral(ctx, set.Repo); err != nil {
			return err
		}
	}
	for _, pkg := range set.Aur {
		if err := m.builder.Install(ctx, &BuildRequest{
			Pkg:         pkg,
			Settings:    m.settings,
			Watcher:     watcher,
			SkipOptdeps: true,
		}); err != nil {
			return fmt.Errorf("upgrade of %s failed: %w", pkg.Name, err)
		}
	}
	return nil
}

// ListUpdates returns every pending update across the enabled
// origins.
func (m *Manager) ListUpdates(ctx context.Context) ([]*Package, error) {
	var updates []*Package

	if m.settings.Repositories {
		pending, err := m.backend.ListUpdates(ctx)
		if err != nil {
			return nil, err
		}
		native, _, err := m.backend.MapInstalled(ctx)
		if err != nil {
			return nil, err
		}
		for name, latest := range pending {
			p := &Package{Name: name, LatestVersion: latest, Installed: true, Update: true}
			if rp, ok := native[name]; ok {
				p.Version = rp.Version
				p.Repository = rp.Repository
				p.Description = rp.Description
			}
			updates = append(updates, p)
		}
	}

	if m.settings.AUR {
		_, foreign, err := m.backend.MapInstalled(ctx)
		if err != nil {
			return nil, err
		}
		aurPkgs, err := m.readForeign(ctx, foreign)
		if err != nil {
			return nil, err
		}
		for _, p := range aurPkgs {
			if p.Update {
				updates = append(updates, p)
			}
		}
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].Name < updates[j].Name })
	return updates, nil
}

// History and Downgrade delegate to the history engine.

func (m *Manager) History(ctx context.Context, pkg *Package) (*PackageHistory, error) {
	return m.history.History(ctx, pkg)
}

func (m *Manager) Downgrade(ctx context.Context, pkg *Package, watcher ProcessWatcher) error {
	if err := m.checkDatabaseLock(ctx, watcher); err != nil {
		return err
	}
	return m.history.Downgrade(ctx, pkg, m.settings, watcher)
}

// ListSuggestions downloads the curated suggestions list and returns
// the highest-priority entries, filled with remote metadata.
func (m *Manager) ListSuggestions(ctx context.Context) ([]*Package, error) {
	limit := m.settings.SuggestionsLimit
	if limit <= 0 {
		return nil, nil
	}

	body, err := httpGet(ctx, m.http, suggestionsURL)
	if err != nil {
		return nil, err
	}

	type suggestion struct {
		name     string
		priority int
	}
	var suggestions []suggestion
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		prio, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		suggestions = append(suggestions, suggestion{name: parts[1], priority: prio})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].priority > suggestions[j].priority
	})
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}

	names := make([]string, len(suggestions))
	for i, s := range suggestions {
		names[i] = s.name
	}
	infos, err := m.aur.Info(ctx, names)
	if err != nil {
		return nil, err
	}
	var pkgs []*Package
	for _, info := range infos {
		p := pkgFromAurInfo(info)
		p.Installed = m.backend.CheckInstalled(ctx, p.Name)
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

// CustomAction is a maintenance operation exposed alongside the
// package operations. Each variant carries its own handler.
type CustomAction struct {
	ID                   string
	Label                string
	RequiresConfirmation bool
	run                  func(ctx context.Context, m *Manager, watcher ProcessWatcher) error
}

// CustomActions lists the maintenance operations this manager
// supports.
func (m *Manager) CustomActions() []CustomAction {
	return []CustomAction{
		{
			ID:    "sync-databases",
			Label: "Synchronize package databases",
			run: func(ctx context.Context, m *Manager, watcher ProcessWatcher) error {
				if err := m.checkDatabaseLock(ctx, watcher); err != nil {
					return err
				}
				return m.backend.SyncDatabases(ctx)
			},
		},
		{
			ID:                   "clean-cache",
			Label:                "Clean cached package data",
			RequiresConfirmation: true,
			run: func(ctx context.Context, m *Manager, watcher ProcessWatcher) error {
				return os.RemoveAll(SideCacheDir)
			},
		},
		{
			ID:    "refresh-index",
			Label: "Refresh the package name index",
			run: func(ctx context.Context, m *Manager, watcher ProcessWatcher) error {
				m.aur.ClearCaches()
				return m.aur.UpdateIndex(ctx)
			},
		},
		{
			ID:    "upgrade-system",
			Label: "Upgrade the whole system",
			run: func(ctx context.Context, m *Manager, watcher ProcessWatcher) error {
				if err := m.checkDatabaseLock(ctx, watcher); err != nil {
					return err
				}
				m.maybeSyncDatabases(ctx, watcher)
				return m.backend.UpgradeSystem(ctx)
			},
		},
	}
}

// RunCustomAction executes one maintenance operation by its
// identifier.
func (m *Manager) RunCustomAction(ctx context.Context, id string, watcher ProcessWatcher) error {
	for _, action := range m.CustomActions() {
		if action.ID != id {
			continue
		}
		if action.RequiresConfirmation &&
			!watcher.RequestConfirmation(fmt.Sprintf("%s?", action.Label), "") {
			return ErrCancelled
		}
		watcher.ChangeSubstatus(action.Label)
		return action.run(ctx, m, watcher)
	}
	return fmt.Errorf("unknown action %q", id)
}
