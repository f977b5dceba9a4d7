package subaru

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// Set to 1 while a package transaction is in flight: the first
// interrupt is held back and a second one forces exit.
var isCriticalAtomic atomic.Int32

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: subaru <command> [arguments]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"search, s", "<query>", "Search the repositories and the AUR"},
		{"list, ls", "", "List installed packages"},
		{"install, i", "<pkg>", "Install a package"},
		{"uninstall, r", "<pkg>", "Uninstall a package"},
		{"updates", "", "List pending updates"},
		{"upgrade, u", "", "Upgrade everything that has an update"},
		{"downgrade, d", "<pkg>", "Downgrade a package to its previous version"},
		{"history, h", "<pkg>", "Show the version history of a package"},
		{"suggestions", "", "Show curated package suggestions"},
		{"sync", "", "Synchronize the package databases"},
		{"refresh-index", "", "Refresh the AUR name index"},
		{"clean-cache", "", "Clean cached package data"},
	}

	// widest usage string decides the first column width
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for cmd/subaru.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					colArrow.Print("\n-> ")
					colError.Printf("Transaction in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()
					time.Sleep(100 * time.Millisecond)
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	settings, err := ReadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not read settings: %v\n", err)
		settings = &Settings{Repositories: true, AUR: true}
	}

	mgr := NewManager(ctx, settings)
	watcher := &ConsoleWatcher{}

	var exitCode int

	switch os.Args[1] {
	case "version", "--version":
		colSuccess.Printf("subaru %s built %s\n", version, buildDate)

	case "search", "s":
		if len(os.Args) < 3 {
			fmt.Println("Usage: subaru search <query>")
			os.Exit(1)
		}
		exitCode = handleSearch(ctx, mgr, strings.Join(os.Args[2:], " "))

	case "list", "ls":
		exitCode = handleListInstalled(ctx, mgr)

	case "install", "i":
		if len(os.Args) < 3 {
			fmt.Println("Usage: subaru install <pkg>")
			os.Exit(1)
		}
		mgr.Startup(ctx, watcher)
		exitCode = handleInstall(ctx, mgr, watcher, os.Args[2])

	case "uninstall", "r":
		if len(os.Args) < 3 {
			fmt.Println("Usage: subaru uninstall <pkg>")
			os.Exit(1)
		}
		exitCode = handleUninstall(ctx, mgr, watcher, os.Args[2])

	case "updates":
		exitCode = handleListUpdates(ctx, mgr)

	case "upgrade", "u":
		mgr.Startup(ctx, watcher)
		exitCode = handleUpgrade(ctx, mgr, watcher)

	case "downgrade", "d":
		if len(os.Args) < 3 {
			fmt.Println("Usage: subaru downgrade <pkg>")
			os.Exit(1)
		}
		exitCode = handleDowngrade(ctx, mgr, watcher, os.Args[2])

	case "history", "h":
		if len(os.Args) < 3 {
			fmt.Println("Usage: subaru history <pkg>")
			os.Exit(1)
		}
		exitCode = handleHistory(ctx, mgr, os.Args[2])

	case "suggestions":
		exitCode = handleSuggestions(ctx, mgr)

	case "sync":
		exitCode = runAction(ctx, mgr, watcher, "sync-databases")

	case "refresh-index":
		exitCode = runAction(ctx, mgr, watcher, "refresh-index")

	case "clean-cache":
		exitCode = runAction(ctx, mgr, watcher, "clean-cache")

	default:
		colError.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	cancel()
	os.Exit(exitCode)
}

func reportError(err error) int {
	switch {
	case IsCancellation(err):
		colWarn.Println("Cancelled.")
		return 130
	case errors.Is(err, ErrDatabaseLocked):
		colError.Println("The package database is locked. Aborting.")
		return 1
	default:
		colArrow.Print("-> ")
		colError.Printf("Error: %v\n", err)
		return 1
	}
}

func printPackages(pkgs []*Package) {
	for _, p := range pkgs {
		colArrow.Print("-> ")
		color.Bold.Printf("%s/%s", p.Repository, p.Name)
		fmt.Printf(" %s", p.Version)
		if p.Update {
			colWarn.Printf(" (update: %s)", p.LatestVersion)
		}
		if p.Installed {
			colSuccess.Print(" [installed]")
		}
		fmt.Println()
		if p.Description != "" {
			fmt.Printf("     %s\n", p.Description)
		}
	}
}

func handleSearch(ctx context.Context, mgr *Manager, query string) int {
	pkgs, err := mgr.Search(ctx, query)
	if err != nil {
		return reportError(err)
	}
	if len(pkgs) == 0 {
		colWarn.Println("No matches found.")
		return 1
	}
	printPackages(pkgs)
	return 0
}

func handleListInstalled(ctx context.Context, mgr *Manager) int {
	pkgs, err := mgr.ReadInstalled(ctx)
	if err != nil {
		return reportError(err)
	}
	printPackages(pkgs)
	colSuccess.Printf("%d packages installed\n", len(pkgs))
	return 0
}

// findPackage resolves a bare name to a package, native repositories
// first.
func findPackage(ctx context.Context, mgr *Manager, name string) (*Package, error) {
	repos, err := mgr.backend.MapRepositories(ctx, []string{name})
	if err == nil {
		if repo, ok := repos[name]; ok {
			return &Package{Name: name, Repository: repo}, nil
		}
	}
	if mgr.settings.AUR && mgr.aur.InIndex(ctx, name) {
		return &Package{Name: name, Repository: AurBase, DowngradeEnabled: true}, nil
	}
	return nil, fmt.Errorf("package %s not found: %w", name, errPackageNotFound)
}

// findInstalled resolves a bare name to its installed package record.
func findInstalled(ctx context.Context, mgr *Manager, name string) (*Package, error) {
	native, foreign, err := mgr.backend.MapInstalled(ctx)
	if err != nil {
		return nil, err
	}
	if rp, ok := native[name]; ok {
		return pkgFromRepo(rp, true), nil
	}
	if rp, ok := foreign[name]; ok {
		p := pkgFromRepo(rp, true)
		p.Repository = AurBase
		p.DowngradeEnabled = true
		return p, nil
	}
	return nil, fmt.Errorf("%s is not installed", name)
}

func handleInstall(ctx context.Context, mgr *Manager, watcher ProcessWatcher, name string) int {
	pkg, err := findPackage(ctx, mgr, name)
	if err != nil {
		return reportError(err)
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := mgr.Install(ctx, pkg, watcher); err != nil {
		var bErr *BuildToolError
		if errors.As(err, &bErr) && bErr.Output != "" {
			fmt.Fprintln(os.Stderr, bErr.Output)
		}
		return reportError(err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("%s installed\n", pkg.Name)
	return 0
}

func handleUninstall(ctx context.Context, mgr *Manager, watcher ProcessWatcher, name string) int {
	pkg, err := findInstalled(ctx, mgr, name)
	if err != nil {
		return reportError(err)
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := mgr.Uninstall(ctx, pkg, watcher); err != nil {
		return reportError(err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("%s uninstalled\n", pkg.Name)
	return 0
}

func handleListUpdates(ctx context.Context, mgr *Manager) int {
	updates, err := mgr.ListUpdates(ctx)
	if err != nil {
		return reportError(err)
	}
	if len(updates) == 0 {
		colSuccess.Println("Everything is up to date.")
		return 0
	}
	printPackages(updates)
	return 0
}

func handleUpgrade(ctx context.Context, mgr *Manager, watcher ProcessWatcher) int {
	updates, err := mgr.ListUpdates(ctx)
	if err != nil {
		return reportError(err)
	}
	if len(updates) == 0 {
		colSuccess.Println("Everything is up to date.")
		return 0
	}

	printPackages(updates)
	if !watcher.RequestConfirmation(fmt.Sprintf("Upgrade %d packages?", len(updates)), "") {
		return reportError(ErrCancelled)
	}

	var set UpgradeSet
	for _, p := range updates {
		if p.IsAur() {
			set.Aur = append(set.Aur, p)
		} else {
			set.Repo = append(set.Repo, p.Name)
		}
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := mgr.Upgrade(ctx, set, watcher); err != nil {
		return reportError(err)
	}
	colArrow.Print("-> ")
	colSuccess.Println("Upgrade complete")
	return 0
}

func handleDowngrade(ctx context.Context, mgr *Manager, watcher ProcessWatcher, name string) int {
	pkg, err := findInstalled(ctx, mgr, name)
	if err != nil {
		return reportError(err)
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := mgr.Downgrade(ctx, pkg, watcher); err != nil {
		if errors.Is(err, ErrNoOlderVersion) {
			colWarn.Printf("No older version of %s is available.\n", pkg.Name)
			return 1
		}
		return reportError(err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("%s downgraded to %s\n", pkg.Name, pkg.Version)
	return 0
}

func handleHistory(ctx context.Context, mgr *Manager, name string) int {
	pkg, err := findInstalled(ctx, mgr, name)
	if err != nil {
		return reportError(err)
	}

	hist, err := mgr.History(ctx, pkg)
	if err != nil {
		return reportError(err)
	}
	for i, e := range hist.Entries {
		colArrow.Print("-> ")
		color.Bold.Printf("%s-%s", e.Version, e.Release)
		if !e.Timestamp.IsZero() {
			fmt.Printf("  %s", e.Timestamp.Format("2006-01-02 15:04"))
		}
		if i == hist.Current {
			colSuccess.Print("  [current]")
		}
		fmt.Println()
	}
	return 0
}

func handleSuggestions(ctx context.Context, mgr *Manager) int {
	pkgs, err := mgr.ListSuggestions(ctx)
	if err != nil {
		return reportError(err)
	}
	printPackages(pkgs)
	return 0
}

func runAction(ctx context.Context, mgr *Manager, watcher ProcessWatcher, id string) int {
	if err := mgr.RunCustomAction(ctx, id, watcher); err != nil {
		return reportError(err)
	}
	colArrow.Print("-> ")
	colSuccess.Println("Done")
	return 0
}
