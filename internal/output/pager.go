package output

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// defaultPageHeight is used when the terminal height is unknown.
const defaultPageHeight = 40

// ShouldPage reports whether content is taller than the terminal and
// stdout is a terminal.
func ShouldPage(content string, termHeight int) bool {
	if !isTerminal() {
		return false
	}
	return strings.Count(content, "\n") > termHeight
}

// Page pipes content through $PAGER, or less.
func Page(content string) error {
	pager := os.Getenv("PAGER")
	if pager == "" {
		pager = "less"
	}

	cmd := exec.Command(pager)
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// Show pages long content on a terminal and prints it otherwise. A pager
// that fails to start falls back to printing.
func Show(content string) error {
	if Stdout == os.Stdout && ShouldPage(content, defaultPageHeight) {
		if err := Page(content); err == nil {
			return nil
		}
	}
	_, err := fmt.Fprint(Stdout, content)
	return err
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
