package subaru

import (
	"context"
	"fmt"
)

// fakeBackend is an in-memory Backend for tests. Maps configure the
// visible state, slices record the mutations.
type fakeBackend struct {
	installed   map[string]string
	foreign     map[string]string
	repos       map[string]string
	provided    map[string]string
	requiredBy  map[string][]string
	updates     map[string]string
	depends     map[string][]string
	buildDates  map[string]string
	dryRunOut   string
	locked      bool
	trustedKeys map[string]bool
	keyErr      error

	installs   []string
	uninstalls []string
	removed    [][]string
	upgraded   [][]string
	calls      []string
	syncs      int
	unlocked   bool
	received   []string
	signed     []string
	cleaned    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		installed:   make(map[string]string),
		foreign:     make(map[string]string),
		repos:       make(map[string]string),
		provided:    make(map[string]string),
		requiredBy:  make(map[string][]string),
		updates:     make(map[string]string),
		depends:     make(map[string][]string),
		buildDates:  make(map[string]string),
		trustedKeys: make(map[string]bool),
	}
}

func (f *fakeBackend) Available() bool { return true }

func (f *fakeBackend) Search(ctx context.Context, words string) ([]RepoPackage, error) {
	var out []RepoPackage
	for name, repo := range f.repos {
		out = append(out, RepoPackage{Name: name, Version: "1.0-1", Repository: repo})
	}
	return out, nil
}

func (f *fakeBackend) MapInstalled(ctx context.Context) (map[string]RepoPackage, map[string]RepoPackage, error) {
	native := make(map[string]RepoPackage)
	foreign := make(map[string]RepoPackage)
	for name, ver := range f.installed {
		native[name] = RepoPackage{Name: name, Version: ver, Repository: f.repos[name]}
	}
	for name, ver := range f.foreign {
		foreign[name] = RepoPackage{Name: name, Version: ver}
	}
	return native, foreign, nil
}

func (f *fakeBackend) MapProvided(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for name := range f.installed {
		out[name] = name
	}
	for name := range f.foreign {
		out[name] = name
	}
	for alias, name := range f.provided {
		out[alias] = name
	}
	return out, nil
}

func (f *fakeBackend) MapRepositories(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range names {
		if repo, ok := f.repos[name]; ok {
			out[name] = repo
		}
	}
	return out, nil
}

func (f *fakeBackend) ListUpdates(ctx context.Context) (map[string]string, error) {
	return f.updates, nil
}

func (f *fakeBackend) ListDepends(ctx context.Context, name string) ([]string, error) {
	return f.depends[name], nil
}

func (f *fakeBackend) CheckInstalled(ctx context.Context, name string) bool {
	_, native := f.installed[name]
	_, foreign := f.foreign[name]
	return native || foreign
}

func (f *fakeBackend) RequiredBy(ctx context.Context, name string) ([]string, error) {
	return f.requiredBy[name], nil
}

func (f *fakeBackend) DryRunInstall(ctx context.Context, ref string, fromFile bool) (string, error) {
	return f.dryRunOut, nil
}

func (f *fakeBackend) Install(ctx context.Context, ref string, fromFile bool, dir string) error {
	f.calls = append(f.calls, "install")
	f.installs = append(f.installs, ref)
	return nil
}

func (f *fakeBackend) Uninstall(ctx context.Context, name string) error {
	f.calls = append(f.calls, "uninstall")
	f.uninstalls = append(f.uninstalls, name)
	return nil
}

func (f *fakeBackend) RemoveSeveral(ctx context.Context, names []string) error {
	f.calls = append(f.calls, "remove")
	f.removed = append(f.removed, names)
	return nil
}

func (f *fakeBackend) UpgradeSeveral(ctx context.Context, names []string) error {
	f.calls = append(f.calls, "upgrade")
	f.upgraded = append(f.upgraded, names)
	return nil
}

func (f *fakeBackend) UpgradeSystem(ctx context.Context) error { return nil }

func (f *fakeBackend) SyncDatabases(ctx context.Context) error {
	f.syncs++
	return nil
}

func (f *fakeBackend) DatabaseLocked() bool { return f.locked }

func (f *fakeBackend) UnlockDatabase(ctx context.Context) error {
	f.unlocked = true
	f.locked = false
	return nil
}

func (f *fakeBackend) IsKeyTrusted(ctx context.Context, key string) bool {
	return f.trustedKeys[key]
}

func (f *fakeBackend) ReceiveKey(ctx context.Context, key string) error {
	if f.keyErr != nil {
		return f.keyErr
	}
	f.received = append(f.received, key)
	return nil
}

func (f *fakeBackend) SignKey(ctx context.Context, key string) error {
	if f.keyErr != nil {
		return f.keyErr
	}
	f.signed = append(f.signed, key)
	return nil
}

func (f *fakeBackend) BuildDate(ctx context.Context, name string) (string, error) {
	return f.buildDates[name], nil
}

func (f *fakeBackend) CleanCache(ctx context.Context, name string) error {
	f.cleaned = append(f.cleaned, name)
	return nil
}

func (f *fakeBackend) MirrorsAvailable() bool { return true }

// fakeMeta serves build manifests from memory.
type fakeMeta struct {
	manifests map[string]string
	fetched   []string
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{manifests: make(map[string]string)}
}

func (f *fakeMeta) Srcinfo(ctx context.Context, name string) (*Srcinfo, error) {
	f.fetched = append(f.fetched, name)
	raw, ok := f.manifests[name]
	if !ok {
		return nil, fmt.Errorf("no manifest for %s: %w", name, errPackageNotFound)
	}
	return ParseSrcinfo(raw), nil
}

func (f *fakeMeta) InIndex(ctx context.Context, name string) bool {
	_, ok := f.manifests[name]
	return ok
}

// fakeTool scripts the build tool: check results are consumed in
// order, the last one repeating.
type fakeTool struct {
	checks     []*CheckResult
	checkCalls int
	makeOutput string
	makeErr    error
	makeCalls  int
	onMake     func(dir string)
}

func (f *fakeTool) Check(ctx context.Context, dir string, optimize bool) (*CheckResult, error) {
	i := f.checkCalls
	f.checkCalls++
	if len(f.checks) == 0 {
		return &CheckResult{}, nil
	}
	if i >= len(f.checks) {
		i = len(f.checks) - 1
	}
	return f.checks[i], nil
}

func (f *fakeTool) Make(ctx context.Context, dir string, optimize bool) (string, error) {
	f.makeCalls++
	if f.onMake != nil {
		f.onMake(dir)
	}
	return f.makeOutput, f.makeErr
}

// scriptWatcher answers prompts from queues and records everything.
type scriptWatcher struct {
	confirmations []bool
	selections    [][]string
	prompts       []string
	messages      []string
	progress      []int
}

func (w *scriptWatcher) Print(msg string)           { w.messages = append(w.messages, msg) }
func (w *scriptWatcher) ChangeSubstatus(msg string) { w.messages = append(w.messages, msg) }
func (w *scriptWatcher) ChangeProgress(pct int)     { w.progress = append(w.progress, pct) }

func (w *scriptWatcher) RequestConfirmation(title, body string) bool {
	w.prompts = append(w.prompts, title)
	if len(w.confirmations) == 0 {
		return true
	}
	answer := w.confirmations[0]
	w.confirmations = w.confirmations[1:]
	return answer
}

func (w *scriptWatcher) RequestSelection(title string, options []string) []string {
	w.prompts = append(w.prompts, title)
	if len(w.selections) == 0 {
		return nil
	}
	selected := w.selections[0]
	w.selections = w.selections[1:]
	return selected
}

func (w *scriptWatcher) ShowMessage(title, body string, kind MessageKind) {
	w.messages = append(w.messages, fmt.Sprintf("%s: %s", title, body))
}
