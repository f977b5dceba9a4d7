package subaru

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RepoPackage is a package as reported by the native package manager.
type RepoPackage struct {
	Name        string
	Version     string
	Description string
	Repository  string
}

// Backend is the repository backend contract: everything this core
// needs from the native package manager. The subprocess
// implementation below drives pacman; tests substitute fakes.
type Backend interface {
	Available() bool
	Search(ctx context.Context, words string) ([]RepoPackage, error)
	// MapInstalled partitions installed packages into native-repo
	// packages and foreign (source-ecosystem) ones.
	MapInstalled(ctx context.Context) (native map[string]RepoPackage, foreign map[string]RepoPackage, err error)
	// MapProvided returns the provided-name alias table: each
	// provided name mapped to the installed package supplying it.
	MapProvided(ctx context.Context) (map[string]string, error)
	// MapRepositories resolves names to their repository; names
	// unknown to the native repositories are absent from the result.
	MapRepositories(ctx context.Context, names []string) (map[string]string, error)
	ListUpdates(ctx context.Context) (map[string]string, error)
	// ListDepends returns the declared direct dependencies of a
	// repository package.
	ListDepends(ctx context.Context, name string) ([]string, error)
	CheckInstalled(ctx context.Context, name string) bool
	RequiredBy(ctx context.Context, name string) ([]string, error)
	// DryRunInstall returns the install preamble output, which the
	// orchestrator scans for conflict markers.
	DryRunInstall(ctx context.Context, ref string, fromFile bool) (string, error)
	Install(ctx context.Context, ref string, fromFile bool, dir string) error
	Uninstall(ctx context.Context, name string) error
	RemoveSeveral(ctx context.Context, names []string) error
	UpgradeSeveral(ctx context.Context, names []string) error
	UpgradeSystem(ctx context.Context) error
	SyncDatabases(ctx context.Context) error
	DatabaseLocked() bool
	UnlockDatabase(ctx context.Context) error
	IsKeyTrusted(ctx context.Context, key string) bool
	ReceiveKey(ctx context.Context, key string) error
	SignKey(ctx context.Context, key string) error
	BuildDate(ctx context.Context, name string) (string, error)
	// CleanCache removes a package's archives from the package
	// manager's on-disk cache.
	CleanCache(ctx context.Context, name string) error
	MirrorsAvailable() bool
}

// PacmanBackend implements Backend by shelling out to pacman and
// pacman-key through the privilege-aware executors.
type PacmanBackend struct {
	userExec *Executor
	rootExec *Executor
}

func NewPacmanBackend(ctx context.Context) *PacmanBackend {
	return &PacmanBackend{
		userExec: NewExecutor(ctx),
		rootExec: &Executor{Context: ctx, ShouldRunAsRoot: true},
	}
}

func (p *PacmanBackend) Available() bool {
	_, err := exec.LookPath("pacman")
	return err == nil
}

func (p *PacmanBackend) CleanCache(ctx context.Context, name string) error {
	matches, err := filepath.Glob(filepath.Join(PacmanCacheDir, name+"-*.pkg.tar.*"))
	if err != nil {
		return err
	}
	re := cachedArchivePattern(name)
	var victims []string
	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), ".sig")
		if re.MatchString(base) {
			victims = append(victims, path)
		}
	}
	if len(victims) == 0 {
		return nil
	}
	args := append([]string{"-f"}, victims...)
	return p.rootExec.Run(exec.CommandContext(ctx, "rm", args...))
}

func (p *PacmanBackend) MirrorsAvailable() bool {
	_, err := exec.LookPath("pacman-mirrors")
	return err == nil
}

func (p *PacmanBackend) Search(ctx context.Context, words string) ([]RepoPackage, error) {
	out, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Ss", words))
	if err != nil {
		// pacman -Ss exits 1 on no matches
		if strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("repository search failed: %w", err)
	}

	var pkgs []RepoPackage
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, " ") {
			// description line of the previous entry
			if len(pkgs) > 0 && pkgs[len(pkgs)-1].Description == "" {
				pkgs[len(pkgs)-1].Description = strings.TrimSpace(line)
			}
			continue
		}
		// "repo/name version [extras]"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		slash := strings.Index(fields[0], "/")
		if slash == -1 {
			continue
		}
		pkgs = append(pkgs, RepoPackage{
			Name:       fields[0][slash+1:],
			Repository: fields[0][:slash],
			Version:    fields[1],
		})
	}
	return pkgs, nil
}

// parseQueryLines parses "name version" pairs as printed by pacman -Q.
func parseQueryLines(out string) map[string]RepoPackage {
	pkgs := make(map[string]RepoPackage)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		pkgs[fields[0]] = RepoPackage{Name: fields[0], Version: fields[1]}
	}
	return pkgs
}

func (p *PacmanBackend) MapInstalled(ctx context.Context) (map[string]RepoPackage, map[string]RepoPackage, error) {
	nativeOut, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Qn"))
	if err != nil && strings.TrimSpace(nativeOut) != "" {
		return nil, nil, fmt.Errorf("failed to list native packages: %w", err)
	}
	foreignOut, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Qm"))
	if err != nil && strings.TrimSpace(foreignOut) != "" {
		return nil, nil, fmt.Errorf("failed to list foreign packages: %w", err)
	}
	return parseQueryLines(nativeOut), parseQueryLines(foreignOut), nil
}

func (p *PacmanBackend) MapProvided(ctx context.Context) (map[string]string, error) {
	out, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Qi"))
	if err != nil {
		return nil, fmt.Errorf("failed to query installed package info: %w", err)
	}

	provided := make(map[string]string)
	var current string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "Name":
			current = val
			provided[val] = val
		case "Provides":
			if val == "None" || current == "" {
				continue
			}
			for _, prov := range strings.Fields(val) {
				name, _, _ := splitDepToken(prov)
				provided[name] = current
			}
		}
	}
	return provided, nil
}

func (p *PacmanBackend) MapRepositories(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	args := append([]string{"-Si"}, names...)
	// pacman -Si exits non-zero when any name is unknown; the output
	// for the known ones is still complete, so the error is ignored.
	out, _ := p.userExec.Capture(exec.CommandContext(ctx, "pacman", args...))

	repos := make(map[string]string)
	var repo string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "Repository":
			repo = val
		case "Name":
			if repo != "" {
				repos[val] = repo
			}
		}
	}
	return repos, nil
}

func (p *PacmanBackend) ListUpdates(ctx context.Context) (map[string]string, error) {
	out, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Qu"))
	if err != nil && strings.TrimSpace(out) != "" {
		return nil, fmt.Errorf("failed to list updates: %w", err)
	}

	updates := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		// "name oldver -> newver"
		fields := strings.Fields(scanner.Text())
		if len(fields) == 4 && fields[2] == "->" {
			updates[fields[0]] = fields[3]
		}
	}
	return updates, nil
}

func (p *PacmanBackend) ListDepends(ctx context.Context, name string) ([]string, error) {
	out, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Si", name))
	if err != nil {
		// Fall back to the local database for installed packages.
		out, err = p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Qi", name))
		if err != nil {
			return nil, fmt.Errorf("failed to query dependencies of %s: %w", name, err)
		}
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) != "Depends On" {
			continue
		}
		val := strings.TrimSpace(parts[1])
		if val == "None" || val == "" {
			return nil, nil
		}
		return strings.Fields(val), nil
	}
	return nil, nil
}

func (p *PacmanBackend) CheckInstalled(ctx context.Context, name string) bool {
	// pacman -T exits 0 when the dependency is satisfied, which also
	// honors provided names.
	_, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-T", name))
	return err == nil
}

func (p *PacmanBackend) RequiredBy(ctx context.Context, name string) ([]string, error) {
	out, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Qi", name))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", name, err)
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) != "Required By" {
			continue
		}
		val := strings.TrimSpace(parts[1])
		if val == "None" || val == "" {
			return nil, nil
		}
		return strings.Fields(val), nil
	}
	return nil, nil
}

func (p *PacmanBackend) DryRunInstall(ctx context.Context, ref string, fromFile bool) (string, error) {
	op := "-S"
	if fromFile {
		op = "-U"
	}
	out, _ := p.rootExec.Capture(exec.CommandContext(ctx, "pacman", op, ref, "--print"))
	return out, nil
}

func (p *PacmanBackend) Install(ctx context.Context, ref string, fromFile bool, dir string) error {
	op := "-S"
	if fromFile {
		op = "-U"
	}
	cmd := exec.CommandContext(ctx, "pacman", op, ref, "--noconfirm")
	cmd.Dir = dir
	if err := p.rootExec.Run(cmd); err != nil {
		return fmt.Errorf("pacman install of %s failed: %w", ref, err)
	}
	return nil
}

func (p *PacmanBackend) Uninstall(ctx context.Context, name string) error {
	if err := p.rootExec.Run(exec.CommandContext(ctx, "pacman", "-R", name, "--noconfirm")); err != nil {
		return fmt.Errorf("pacman removal of %s failed: %w", name, err)
	}
	return nil
}

func (p *PacmanBackend) RemoveSeveral(ctx context.Context, names []string) error {
	args := append([]string{"-R"}, names...)
	args = append(args, "--noconfirm")
	if err := p.rootExec.Run(exec.CommandContext(ctx, "pacman", args...)); err != nil {
		return fmt.Errorf("pacman removal failed: %w", err)
	}
	return nil
}

func (p *PacmanBackend) UpgradeSeveral(ctx context.Context, names []string) error {
	args := append([]string{"-S"}, names...)
	args = append(args, "--noconfirm")
	if err := p.rootExec.Run(exec.CommandContext(ctx, "pacman", args...)); err != nil {
		return fmt.Errorf("pacman upgrade failed: %w", err)
	}
	return nil
}

func (p *PacmanBackend) UpgradeSystem(ctx context.Context) error {
	if err := p.rootExec.Run(exec.CommandContext(ctx, "pacman", "-Syu", "--noconfirm")); err != nil {
		return fmt.Errorf("system upgrade failed: %w", err)
	}
	return nil
}

func (p *PacmanBackend) SyncDatabases(ctx context.Context) error {
	if err := p.rootExec.Run(exec.CommandContext(ctx, "pacman", "-Syy", "--noconfirm")); err != nil {
		return fmt.Errorf("database sync failed: %w", err)
	}
	return nil
}

func (p *PacmanBackend) DatabaseLocked() bool {
	_, err := os.Stat(DBLockFile)
	return err == nil
}

func (p *PacmanBackend) UnlockDatabase(ctx context.Context) error {
	if err := p.rootExec.Run(exec.CommandContext(ctx, "rm", "-f", DBLockFile)); err != nil {
		return fmt.Errorf("failed to remove database lock: %w", err)
	}
	return nil
}

func (p *PacmanBackend) IsKeyTrusted(ctx context.Context, key string) bool {
	_, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman-key", "--list-keys", key))
	return err == nil
}

func (p *PacmanBackend) ReceiveKey(ctx context.Context, key string) error {
	if err := p.rootExec.Run(exec.CommandContext(ctx, "pacman-key", "--recv-keys", key)); err != nil {
		return fmt.Errorf("failed to receive key %s: %w", key, err)
	}
	return nil
}

func (p *PacmanBackend) SignKey(ctx context.Context, key string) error {
	if err := p.rootExec.Run(exec.CommandContext(ctx, "pacman-key", "--lsign-key", key)); err != nil {
		return fmt.Errorf("failed to locally sign key %s: %w", key, err)
	}
	return nil
}

func (p *PacmanBackend) BuildDate(ctx context.Context, name string) (string, error) {
	out, err := p.userExec.Capture(exec.CommandContext(ctx, "pacman", "-Qi", name))
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) == 2 && strings.TrimSpace(parts[0]) == "Build Date" {
			return strings.TrimSpace(parts[1]), nil
		}
	}
	return "", nil
}
