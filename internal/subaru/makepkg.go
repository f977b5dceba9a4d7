package subaru

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
)

// CheckResult is the parsed outcome of the build tool's dependency /
// integrity pre-check.
type CheckResult struct {
	MissingDeps     []string
	UnknownKeys     []string
	ValidityWarning bool
}

// BuildTool abstracts the native source build tool. The orchestrator
// only needs two operations: a pre-check and the build itself.
type BuildTool interface {
	// Check performs the tool's own dependency and source validation
	// without building.
	Check(ctx context.Context, dir string, optimize bool) (*CheckResult, error)
	// Make compiles and packages the sources in dir, returning the
	// tool's combined output.
	Make(ctx context.Context, dir string, optimize bool) (string, error)
}

var (
	reMissingDep = regexp.MustCompile(`^\s*->\s*(\S+)`)
	reUnknownKey = regexp.MustCompile(`unknown public key ([0-9A-Fa-f]+)`)
)

// Makepkg drives the makepkg binary. It must never run as root, so
// commands go through the plain user executor.
type Makepkg struct {
	exec *Executor
}

func NewMakepkg(ctx context.Context) *Makepkg {
	return &Makepkg{exec: &Executor{Context: ctx}}
}

func (m *Makepkg) env(optimize bool) []string {
	if !optimize {
		return nil
	}
	return append(os.Environ(), fmt.Sprintf("MAKEFLAGS=-j%d", runtime.NumCPU()))
}

func (m *Makepkg) Check(ctx context.Context, dir string, optimize bool) (*CheckResult, error) {
	cmd := exec.CommandContext(ctx, "makepkg", "-ALcf", "--check", "--noarchive", "--noconfirm")
	cmd.Dir = dir
	cmd.Env = m.env(optimize)
	out, runErr := m.exec.Capture(cmd)

	res := &CheckResult{}
	inMissing := false
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()

		if strings.Contains(line, "Missing dependencies") {
			inMissing = true
			continue
		}
		if inMissing {
			if match := reMissingDep.FindStringSubmatch(line); match != nil {
				res.MissingDeps = append(res.MissingDeps, match[1])
				continue
			}
			inMissing = false
		}

		if match := reUnknownKey.FindStringSubmatch(line); match != nil {
			res.UnknownKeys = append(res.UnknownKeys, match[1])
		}
		if strings.Contains(line, "did not pass the validity check") {
			res.ValidityWarning = true
		}
	}

	// The check exits non-zero whenever anything is missing; that is
	// the expected way for it to report, not a tool failure.
	if runErr != nil && len(res.MissingDeps) == 0 && len(res.UnknownKeys) == 0 && !res.ValidityWarning {
		return res, fmt.Errorf("build tool check failed: %w\n%s", runErr, out)
	}
	return res, nil
}

func (m *Makepkg) Make(ctx context.Context, dir string, optimize bool) (string, error) {
	cmd := exec.CommandContext(ctx, "makepkg", "-f", "--noconfirm")
	cmd.Dir = dir
	cmd.Env = m.env(optimize)
	return m.exec.Capture(cmd)
}
