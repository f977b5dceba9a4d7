package subaru

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Protocols considered safe for parallel pre-downloading. Version
// control references and signature files are left for the build tool.
var (
	rePreDownloadOK  = regexp.MustCompile(`^(.+::)?(https?|ftp)://.+`)
	rePreDownloadBad = regexp.MustCompile(`.+\.(git|gpg|sig|asc)$`)
	reConflict       = regexp.MustCompile(`(\S+) and (\S+) are in conflict`)
)

// The dependency/key check re-enters itself after installing missing
// items. The visited set already guarantees a satisfied dependency
// cannot re-appear as missing; the cap makes termination obvious.
const maxDepCheckPasses = 10

var geteuid = os.Geteuid

// BuildRequest drives one run of the build state machine.
type BuildRequest struct {
	Pkg      *Package
	Settings *Settings
	Watcher  ProcessWatcher
	// Dependency marks this build as a sub-build of another build:
	// progress reporting is suppressed and optional dependencies are
	// never offered.
	Dependency  bool
	SkipOptdeps bool
}

// Builder is the build orchestrator: it owns the end-to-end lifecycle
// of a single source-ecosystem package build, from workspace creation
// to install and the optional-dependency offer.
type Builder struct {
	backend  Backend
	meta     MetadataSource
	resolver *Resolver
	tool     BuildTool
	cache    *DiskCache
	http     *http.Client

	// fetchSource downloads and extracts the package snapshot into
	// the workspace, returning the project directory. Replaceable in
	// tests.
	fetchSource func(ctx context.Context, base, buildDir string, req *BuildRequest) (string, error)
}

func NewBuilder(backend Backend, meta MetadataSource, tool BuildTool, cache *DiskCache) *Builder {
	b := &Builder{
		backend:  backend,
		meta:     meta,
		resolver: NewResolver(backend, meta),
		tool:     tool,
		cache:    cache,
		http:     newHTTPClient(),
	}
	b.fetchSource = b.fetchSnapshot
	return b
}

// progress reports a checkpoint unless this build is a dependency
// sub-build (suppressed to avoid progress-bar flicker in the parent).
func (b *Builder) progress(req *BuildRequest, pct int) {
	if !req.Dependency {
		req.Watcher.ChangeProgress(pct)
	}
}

// newWorkspace creates an isolated, timestamped build directory. The
// monotonic time component guarantees concurrent builds of different
// packages never collide.
func newWorkspace() (string, error) {
	dir := filepath.Join(BuildRoot, fmt.Sprintf("build_%d", time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create build workspace: %w", err)
	}
	return dir, nil
}

// Install runs the whole state machine for one source-ecosystem
// package. The workspace is released on every exit path.
func (b *Builder) Install(ctx context.Context, req *BuildRequest) error {
	if geteuid() == 0 {
		return fmt.Errorf("source packages must not be built as root")
	}

	buildDir, err := newWorkspace()
	if err != nil {
		return err
	}
	defer os.RemoveAll(buildDir)

	b.progress(req, 10)

	base := req.Pkg.BaseName()
	req.Watcher.ChangeSubstatus(fmt.Sprintf("Downloading sources of %s", base))
	projectDir, err := b.fetchSource(ctx, base, buildDir, req)
	if err != nil {
		return err
	}
	b.progress(req, 40)

	return b.buildAndInstall(ctx, req, buildDir, projectDir)
}

// fetchSnapshot downloads the package snapshot archive and extracts
// it into the workspace.
func (b *Builder) fetchSnapshot(ctx context.Context, base, buildDir string, req *BuildRequest) (string, error) {
	archivePath := filepath.Join(buildDir, base+".tar.gz")
	url := fmt.Sprintf(aurSnapshotURL, base)
	if err := downloadFile(ctx, b.http, url, archivePath, downloadOptions{Quiet: req.Dependency}); err != nil {
		return "", fmt.Errorf("could not download snapshot of %s: %w", base, err)
	}
	b.progress(req, 30)

	projectDir := filepath.Join(buildDir, base)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return "", err
	}
	if err := extractArchive(archivePath, projectDir); err != nil {
		return "", fmt.Errorf("could not extract snapshot of %s: %w", base, err)
	}
	return projectDir, nil
}

// readProjectManifest parses the .SRCINFO checked out in the project
// directory.
func readProjectManifest(projectDir string) (*Srcinfo, error) {
	raw, err := os.ReadFile(filepath.Join(projectDir, ".SRCINFO"))
	if err != nil {
		return nil, fmt.Errorf("project has no build manifest: %w", err)
	}
	return ParseSrcinfo(string(raw)), nil
}

// preDownloadSources fetches the manifest's explicitly declared
// upstream sources in parallel, when multi-threaded downloading is
// enabled. Only safe protocols qualify; anything else is left to the
// build tool.
func (b *Builder) preDownloadSources(ctx context.Context, info *Srcinfo, projectDir string, req *BuildRequest) error {
	if !req.Settings.MultithreadedDownload {
		return nil
	}

	var urls []string
	for _, src := range info.Sources() {
		if rePreDownloadOK.MatchString(src) && !rePreDownloadBad.MatchString(src) {
			urls = append(urls, src)
		}
	}
	if len(urls) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, src := range urls {
		g.Go(func() error {
			// "name::url" renames the downloaded file
			rawURL := src
			dest := ""
			if parts := strings.SplitN(src, "::", 2); len(parts) == 2 {
				dest = parts[0]
				rawURL = parts[1]
			} else {
				dest = filepath.Base(rawURL)
			}
			return downloadFile(gctx, b.http, rawURL, filepath.Join(projectDir, dest), downloadOptions{Quiet: true})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("source pre-download failed: %w", err)
	}
	return nil
}

// buildAndInstall runs the state machine from the dependency check
// onwards, against an already-populated project directory. The
// downgrade path enters here with a version-control checkout instead
// of a snapshot.
func (b *Builder) buildAndInstall(ctx context.Context, req *BuildRequest, buildDir, projectDir string) error {
	info, err := readProjectManifest(projectDir)
	if err != nil {
		return err
	}

	if err := b.preDownloadSources(ctx, info, projectDir, req); err != nil {
		req.Watcher.Print(fmt.Sprintf("Could not pre-download sources: %v", err))
	}
	b.progress(req, 50)

	if err := b.checkDepsAndKeys(ctx, req, info, projectDir); err != nil {
		return err
	}

	req.Watcher.ChangeSubstatus(fmt.Sprintf("Building %s", req.Pkg.Name))
	output, err := b.tool.Make(ctx, projectDir, req.Settings.Optimize)
	if err != nil {
		return &BuildToolError{Pkg: req.Pkg.Name, Output: output, Err: err}
	}
	b.progress(req, 65)

	artifact, err := locateArtifact(buildDir, req.Pkg.Name)
	if err != nil {
		return err
	}

	if err := b.installArchive(ctx, req, artifact, projectDir); err != nil {
		return err
	}

	if req.Dependency || req.SkipOptdeps {
		return nil
	}
	return b.offerOptionalDeps(ctx, req, info)
}

// checkDepsAndKeys is the DEPENDENCY_CHECK / KEY_VERIFICATION loop:
// resolve missing dependencies, ask, install, re-check. Bounded, with
// the visited set shared across passes so a satisfied dependency can
// never come back as missing.
func (b *Builder) checkDepsAndKeys(ctx context.Context, req *BuildRequest, info *Srcinfo, projectDir string) error {
	checked := make(map[string]bool)

	for pass := 0; pass < maxDepCheckPasses; pass++ {
		req.Watcher.ChangeSubstatus(fmt.Sprintf("Checking dependencies of %s", req.Pkg.Name))

		var plan *ResolutionPlan
		var err error
		if req.Settings.SimpleChecking {
			res, checkErr := b.tool.Check(ctx, projectDir, req.Settings.Optimize)
			if checkErr != nil {
				return checkErr
			}
			if keyErr := b.verifyKeys(ctx, req, res.UnknownKeys); keyErr != nil {
				return keyErr
			}
			if res.ValidityWarning {
				if !req.Watcher.RequestConfirmation(
					fmt.Sprintf("Sources of %s did not pass the validity check. Proceed anyway?", req.Pkg.Name), "") {
					return ErrCancelled
				}
			}
			if len(res.MissingDeps) == 0 {
				return nil
			}
			provided, provErr := b.backend.MapProvided(ctx)
			if provErr != nil {
				return provErr
			}
			plan, err = b.resolver.MapMissing(ctx, res.MissingDeps, provided)
		} else {
			provided, provErr := b.backend.MapProvided(ctx)
			if provErr != nil {
				return provErr
			}
			// The extracted manifest is the authority here: during a
			// downgrade it describes an older revision than the
			// published one.
			plan, err = b.resolver.ResolveDeclared(ctx, req.Pkg.Name, info.AllDepends(), provided, checked)
		}
		if err != nil {
			return err
		}

		if len(plan.Edges) == 0 {
			// Missing signing keys are only reported by the tool once
			// dependencies are satisfied.
			if !req.Settings.SimpleChecking {
				res, checkErr := b.tool.Check(ctx, projectDir, req.Settings.Optimize)
				if checkErr != nil {
					return checkErr
				}
				if keyErr := b.verifyKeys(ctx, req, res.UnknownKeys); keyErr != nil {
					return keyErr
				}
			}
			if keyErr := b.verifyManifestKeys(ctx, req, info); keyErr != nil {
				return keyErr
			}
			return nil
		}

		if !req.Watcher.RequestConfirmation(
			fmt.Sprintf("%s requires %d missing dependencies: %s. Install them?",
				req.Pkg.Name, len(plan.Edges), strings.Join(plan.Names(), ", ")), "") {
			return ErrCancelled
		}

		for _, edge := range plan.Edges {
			if err := b.installDependency(ctx, req, edge); err != nil {
				return fmt.Errorf("dependency %s could not be installed: %w", edge.Name, err)
			}
		}
	}

	return fmt.Errorf("dependency check for %s did not converge", req.Pkg.Name)
}

// installDependency installs one resolved edge: native-repo edges go
// straight to the backend, source-ecosystem edges re-enter the build
// machine as sub-builds.
func (b *Builder) installDependency(ctx context.Context, req *BuildRequest, edge DepEdge) error {
	req.Watcher.ChangeSubstatus(fmt.Sprintf("Installing dependency %s (%s)", edge.Name, edge.Repository))

	if edge.Repository != AurBase {
		return b.backend.Install(ctx, edge.Name, false, "")
	}

	info, err := b.meta.Srcinfo(ctx, edge.Name)
	if err != nil {
		return err
	}
	dep := &BuildRequest{
		Pkg:        &Package{Name: edge.Name, PackageBase: info.PkgBase(), Repository: AurBase},
		Settings:   req.Settings,
		Watcher:    req.Watcher,
		Dependency: true,
	}
	return b.Install(ctx, dep)
}

// verifyManifestKeys trusts the signing keys the manifest declares,
// after confirmation. Keys already trusted locally are skipped.
func (b *Builder) verifyManifestKeys(ctx context.Context, req *BuildRequest, info *Srcinfo) error {
	var missing []string
	for _, key := range info.ValidPGPKeys() {
		if !b.backend.IsKeyTrusted(ctx, key) {
			missing = append(missing, key)
		}
	}
	return b.verifyKeys(ctx, req, missing)
}

func (b *Builder) verifyKeys(ctx context.Context, req *BuildRequest, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	if !req.Watcher.RequestConfirmation(
		fmt.Sprintf("%s requires signing keys that are not trusted yet: %s. Trust them?",
			req.Pkg.Name, strings.Join(keys, ", ")), "") {
		return ErrCancelled
	}

	for _, key := range keys {
		req.Watcher.ChangeSubstatus(fmt.Sprintf("Importing signing key %s", key))
		if err := b.backend.ReceiveKey(ctx, key); err != nil {
			return &KeyVerificationError{Key: key, Err: err}
		}
		if err := b.backend.SignKey(ctx, key); err != nil {
			return &KeyVerificationError{Key: key, Err: err}
		}
	}
	return nil
}

// locateArtifact finds the produced package archive in the workspace.
// The version and release segments cannot contain hyphens, which
// keeps split debug packages (name-debug-...) from matching. The
// build tool reporting success without producing the artifact is an
// integrity violation, never silently ignored.
func locateArtifact(buildDir, pkgName string) (string, error) {
	pattern := fmt.Sprintf(`^%s-[^-]+-[^-]+-(?:x86_64|aarch64|i686|any)\.pkg\.tar\.(?:xz|zst|gz)$`,
		regexp.QuoteMeta(pkgName))
	re := regexp.MustCompile(pattern)

	var found string
	err := filepath.WalkDir(buildDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return err
		}
		if re.MatchString(d.Name()) {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", &ArtifactNotFoundError{Pkg: pkgName, Pattern: pattern}
	}
	return found, nil
}

// installArchive is CONFLICT_CHECK + INSTALL: scan a dry run for
// conflict markers, offer to uninstall the conflicting packages, then
// delegate the real install to the backend and persist the side
// cache.
func (b *Builder) installArchive(ctx context.Context, req *BuildRequest, artifact, projectDir string) error {
	req.Watcher.ChangeSubstatus(fmt.Sprintf("Checking conflicts of %s", req.Pkg.Name))
	dryOut, err := b.backend.DryRunInstall(ctx, artifact, true)
	if err != nil {
		return err
	}
	b.progress(req, 70)

	if conflicts := parseConflicts(dryOut, req.Pkg.Name); len(conflicts) > 0 {
		if !req.Watcher.RequestConfirmation(
			fmt.Sprintf("%s conflicts with %s. Uninstall the conflicting packages?",
				req.Pkg.Name, strings.Join(conflicts, ", ")), "") {
			return ErrCancelled
		}
		b.progress(req, 75)
		for _, conflict := range conflicts {
			req.Watcher.ChangeSubstatus(fmt.Sprintf("Uninstalling %s", conflict))
			if err := b.backend.Uninstall(ctx, conflict); err != nil {
				return fmt.Errorf("could not uninstall conflicting package %s: %w", conflict, err)
			}
		}
	}

	req.Watcher.ChangeSubstatus(fmt.Sprintf("Installing %s", req.Pkg.Name))
	b.progress(req, 80)
	if err := b.backend.Install(ctx, artifact, true, projectDir); err != nil {
		return err
	}
	b.progress(req, 95)

	req.Pkg.Installed = true
	req.Pkg.Version = req.Pkg.LatestVersion
	if err := b.cache.Save(req.Pkg); err != nil {
		debugf("could not persist cache for %s: %v\n", req.Pkg.Name, err)
	}
	b.progress(req, 100)
	return nil
}

// parseConflicts extracts conflicting package names from install
// output, excluding the package being installed.
func parseConflicts(output, pkgName string) []string {
	seen := make(map[string]bool)
	var conflicts []string
	for _, match := range reConflict.FindAllStringSubmatch(output, -1) {
		for _, name := range match[1:3] {
			name = strings.TrimSuffix(name, ":")
			if name != pkgName && !seen[name] {
				seen[name] = true
				conflicts = append(conflicts, name)
			}
		}
	}
	return conflicts
}

// offerOptionalDeps presents optional dependencies not yet installed
// and installs the selected subset, resolving cross-dependencies
// among the selections first. Failure here is reported but never
// reverts the primary install.
func (b *Builder) offerOptionalDeps(ctx context.Context, req *BuildRequest, info *Srcinfo) error {
	odeps := info.OptDepends()
	if len(odeps) == 0 {
		return nil
	}

	var options []string
	byLabel := make(map[string]string)
	for name, desc := range odeps {
		if b.backend.CheckInstalled(ctx, name) {
			continue
		}
		label := name
		if desc != "" {
			label = fmt.Sprintf("%s: %s", name, desc)
		}
		options = append(options, label)
		byLabel[label] = name
	}
	if len(options) == 0 {
		return nil
	}

	selected := req.Watcher.RequestSelection(
		fmt.Sprintf("%s has optional dependencies", req.Pkg.Name), options)
	if len(selected) == 0 {
		return nil
	}

	var names []string
	for _, label := range selected {
		names = append(names, byLabel[label])
	}

	provided, err := b.backend.MapProvided(ctx)
	if err != nil {
		return nil // primary install already succeeded
	}
	plan, err := b.resolver.MapMissing(ctx, names, provided)
	if err != nil {
		req.Watcher.ShowMessage("Optional dependencies",
			fmt.Sprintf("Could not resolve optional dependencies: %v", err), MessageWarning)
		return nil
	}

	for _, edge := range plan.Edges {
		if err := b.installDependency(ctx, req, edge); err != nil {
			req.Watcher.ShowMessage("Optional dependencies",
				fmt.Sprintf("Optional dependency %s could not be installed: %v", edge.Name, err), MessageWarning)
		}
	}
	return nil
}
