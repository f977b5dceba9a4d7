package subaru

import (
	"fmt"
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	BuildRoot      = "/tmp/subaru/build"
	CacheDir       = "/var/cache/subaru"
	SideCacheDir   = "/var/cache/subaru/installed"
	IndexFile      = "/var/cache/subaru/aur-index"
	LastSyncFile   = "/var/cache/subaru/last_db_sync"
	PacmanCacheDir = "/var/cache/pacman/pkg"
	DBLockFile     = "/var/lib/pacman/db.lck"
	ConfigFile     = "/etc/subaru.conf"

	// AurBase is the source-ecosystem marker used as a package origin.
	AurBase = "aur"

	aurRPCURL         = "https://aur.archlinux.org/rpc/?v=5"
	aurSnapshotURL    = "https://aur.archlinux.org/cgit/aur.git/snapshot/%s.tar.gz"
	aurGitURL         = "https://aur.archlinux.org/%s.git"
	aurIndexURL       = "https://aur.archlinux.org/packages.gz"
	suggestionsURL    = "https://raw.githubusercontent.com/subaru-pm/subaru-files/master/aur/suggestions.txt"
	versionOperators  = []string{"<=", ">=", "==", "=", "<", ">"}
	sysArch           = runtime.GOARCH
	Verbose           bool
	Debug             bool
	version           = "dev"     // overridden at build time
	buildDate         = "unknown" // overridden at build time
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

func cPrintln(p colorPrinter, a ...any) {
	if p == nil {
		fmt.Println(a...)
		return
	}
	p.Println(a...)
}

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}
