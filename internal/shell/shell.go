// Package shell provides the interactive sheetkit REPL.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

// CommandRunner executes one command line and writes its output. It is set
// by the cmd package, which owns the command tree.
type CommandRunner func(ctx context.Context, args []string, stdout, stderr io.Writer) error

// DefaultRunner is the command runner used by the shell session.
var DefaultRunner CommandRunner

var errNoRunner = errors.New("shell runner not configured")

// builtins are handled by the session itself.
var builtins = []string{"help", "history", "set", "unset", "exit", "quit"}

// Session manages an interactive shell session.
type Session struct {
	// As is injected as --as into commands that act on behalf of a user.
	As             string
	LastOutput     string
	CommandHistory []string
	HistoryFile    string
	StartTime      time.Time
	Out            io.Writer

	// Commands maps each top-level command to its subcommands.
	Commands map[string][]string
	// ActsAs lists command paths ("workbook export") that accept --as.
	ActsAs map[string]bool
}

// NewSession creates a session. commands drives tab completion.
func NewSession(historyDir string, commands map[string][]string) *Session {
	return &Session{
		HistoryFile: filepath.Join(historyDir, "shell_history"),
		StartTime:   time.Now(),
		Out:         os.Stdout,
		Commands:    commands,
		ActsAs:      map[string]bool{},
	}
}

// KnownCommands lists top-level and built-in commands, sorted.
func (s *Session) KnownCommands() []string {
	out := append([]string(nil), builtins...)
	for c := range s.Commands {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Run starts the REPL loop. Blocks until 'exit' or Ctrl+D.
func (s *Session) Run(ctx context.Context) error {
	if DefaultRunner == nil {
		return errNoRunner
	}
	_ = os.MkdirAll(filepath.Dir(s.HistoryFile), 0o700)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     s.HistoryFile,
		AutoComplete:    readline.NewPrefixCompleter(s.buildCompleter()...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(s.Out, "sheetkit interactive shell")
	fmt.Fprintln(s.Out, "Type 'help' for commands, 'exit' to quit.")
	fmt.Fprintln(s.Out)

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or interrupt
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.CommandHistory = append(s.CommandHistory, line)

		if line == "exit" || line == "quit" {
			fmt.Fprintf(s.Out, "\nSession ended. %d commands run in %s.\n",
				len(s.CommandHistory)-1, formatDuration(time.Since(s.StartTime)))
			return nil
		}
		if s.builtin(line) {
			rl.SetPrompt(s.prompt())
			continue
		}

		output, err := s.Eval(ctx, line)
		if output != "" {
			fmt.Fprint(s.Out, output)
			if !strings.HasSuffix(output, "\n") {
				fmt.Fprintln(s.Out)
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
	}
	return nil
}

func (s *Session) prompt() string {
	if s.As != "" {
		return "sheetkit(" + s.As + ")> "
	}
	return "sheetkit> "
}

// builtin handles session commands and reports whether line was one.
func (s *Session) builtin(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		s.printHelp()
	case "history":
		for i, c := range s.CommandHistory {
			fmt.Fprintf(s.Out, "  %d  %s\n", i+1, c)
		}
	case "set":
		if len(fields) != 3 || fields[1] != "as" {
			fmt.Fprintln(s.Out, "usage: set as <username>")
			return true
		}
		s.As = fields[2]
		fmt.Fprintf(s.Out, "Acting as %s\n", s.As)
	case "unset":
		s.As = ""
		fmt.Fprintln(s.Out, "No default user")
	default:
		return false
	}
	return true
}

// Expand splits a command line and adds --as when the session has a default
// user, the command accepts it and the line does not already set it.
func (s *Session) Expand(command string) []string {
	args := strings.Fields(command)
	if s.As == "" || len(args) < 2 || !s.ActsAs[args[0]+" "+args[1]] {
		return args
	}
	for _, a := range args {
		if a == "--as" || strings.HasPrefix(a, "--as=") {
			return args
		}
	}
	return append(args, "--as", s.As)
}

// Eval runs a single command line and returns its output.
func (s *Session) Eval(ctx context.Context, command string) (string, error) {
	if DefaultRunner == nil {
		return "", errNoRunner
	}
	args := s.Expand(command)
	if len(args) == 0 {
		return "", nil
	}

	var stdout, stderr bytes.Buffer
	err := DefaultRunner(ctx, args, &stdout, &stderr)

	output := stdout.String()
	s.LastOutput = output

	if errOut := strings.TrimSpace(stderr.String()); errOut != "" && err != nil {
		return output, fmt.Errorf("%s: %w", errOut, err)
	}
	return output, err
}

// Complete returns tab-completion candidates for the given input.
func (s *Session) Complete(input string) []string {
	parts := strings.Fields(input)
	trailing := strings.HasSuffix(input, " ")

	switch {
	case len(parts) == 0:
		return s.KnownCommands()
	case len(parts) == 1 && !trailing:
		return withPrefix(s.KnownCommands(), parts[0])
	case len(parts) == 1 && trailing:
		return s.Commands[parts[0]]
	case len(parts) == 2 && !trailing:
		return withPrefix(s.Commands[parts[0]], parts[1])
	}
	if last := parts[len(parts)-1]; strings.HasPrefix(last, "-") && !trailing {
		return withPrefix([]string{"--as", "--help", "--json", "--no-color", "--verbose"}, last)
	}
	return nil
}

func withPrefix(words []string, prefix string) []string {
	var out []string
	for _, w := range words {
		if strings.HasPrefix(w, prefix) {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) printHelp() {
	fmt.Fprintln(s.Out, "Commands:")
	for _, c := range s.KnownCommands() {
		if subs := s.Commands[c]; len(subs) > 0 {
			fmt.Fprintf(s.Out, "  %-12s %s\n", c, strings.Join(subs, ", "))
		}
	}
	fmt.Fprintln(s.Out)
	fmt.Fprintln(s.Out, "Shell:")
	fmt.Fprintln(s.Out, "  set as <user>   act as <user> in commands that take --as")
	fmt.Fprintln(s.Out, "  unset           clear the default user")
	fmt.Fprintln(s.Out, "  history         show command history")
	fmt.Fprintln(s.Out, "  exit            leave the shell")
}

func (s *Session) buildCompleter() []readline.PrefixCompleterInterface {
	var items []readline.PrefixCompleterInterface
	for _, c := range s.KnownCommands() {
		var subItems []readline.PrefixCompleterInterface
		for _, sub := range s.Commands[c] {
			subItems = append(subItems, readline.PcItem(sub))
		}
		items = append(items, readline.PcItem(c, subItems...))
	}
	return items
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", m, s)
}
