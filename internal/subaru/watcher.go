package subaru

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"
)

// MessageKind classifies messages surfaced to the caller.
type MessageKind int

const (
	MessageInfo MessageKind = iota
	MessageWarning
	MessageError
)

// ProcessWatcher is the contract between this core and the external
// shell driving it: progress, status lines and user confirmations.
// Every confirmation point is a cancellation point; a declined
// confirmation aborts the current operation without being a failure.
type ProcessWatcher interface {
	Print(msg string)
	ChangeSubstatus(msg string)
	ChangeProgress(pct int)
	RequestConfirmation(title, body string) bool
	// RequestSelection offers options and returns the chosen subset.
	RequestSelection(title string, options []string) []string
	ShowMessage(title, body string, kind MessageKind)
}

// interactiveMu ensures only one interactive prompt reads stdin at a
// time. This prevents background goroutines from hanging invisibly
// while waiting for input.
var interactiveMu sync.Mutex

func askForConfirmation(p colorPrinter, format string, a ...any) bool {
	interactiveMu.Lock()
	defer interactiveMu.Unlock()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// Non-interactive invocation: default to "no" so nothing
		// destructive happens without a user behind the keyboard.
		return false
	}

	reader := bufio.NewReader(os.Stdin)
	mainPrompt := fmt.Sprintf(format, a...)
	fullPrompt := fmt.Sprintf("%s [Y/n]: ", mainPrompt)

	for {
		cPrintf(p, "%s", fullPrompt)
		response, err := reader.ReadString('\n')
		if err != nil {
			return false // On error (like Ctrl+D), default to "no"
		}
		response = strings.ToLower(strings.TrimSpace(response))

		if response == "y" || response == "yes" || response == "" {
			return true
		}
		if response == "n" || response == "no" {
			return false
		}
		cPrintln(colWarn, "Invalid input.")
	}
}

// ConsoleWatcher implements ProcessWatcher on the terminal. The
// graphical shell supplies its own implementation; this one exists
// for the command-line entrypoint and as reference behavior.
type ConsoleWatcher struct {
	// Quiet suppresses progress output (used for dependency
	// sub-builds to avoid progress flicker).
	Quiet bool
}

func (w *ConsoleWatcher) Print(msg string) {
	colArrow.Print("-> ")
	colSuccess.Println(msg)
}

func (w *ConsoleWatcher) ChangeSubstatus(msg string) {
	if msg == "" {
		return
	}
	colArrow.Print("-> ")
	colInfo.Println(msg)
}

func (w *ConsoleWatcher) ChangeProgress(pct int) {
	if w.Quiet {
		return
	}
	debugf("progress: %d%%\n", pct)
}

func (w *ConsoleWatcher) RequestConfirmation(title, body string) bool {
	if body != "" {
		cPrintln(colInfo, body)
	}
	return askForConfirmation(colArrow, "%s", title)
}

func (w *ConsoleWatcher) RequestSelection(title string, options []string) []string {
	interactiveMu.Lock()
	defer interactiveMu.Unlock()

	if len(options) == 0 || !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	cPrintln(colInfo, title)
	for i, opt := range options {
		fmt.Printf("  %d) %s\n", i+1, opt)
	}
	cPrintf(colArrow, "Select (comma separated, empty for none): ")

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return nil
	}

	var chosen []string
	for _, tok := range strings.Split(strings.TrimSpace(response), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 1 || idx > len(options) {
			continue
		}
		chosen = append(chosen, options[idx-1])
	}
	return chosen
}

func (w *ConsoleWatcher) ShowMessage(title, body string, kind MessageKind) {
	var p colorPrinter
	switch kind {
	case MessageError:
		p = colError
	case MessageWarning:
		p = colWarn
	default:
		p = colInfo
	}
	cPrintf(p, "%s: %s\n", title, body)
}
