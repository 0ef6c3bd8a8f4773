package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mediadb/pkg/mediadb"
)

// lineReader is the shell's input.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// linerReader reads from the terminal with line editing and history.
type linerReader struct {
	state   *liner.State
	history string
}

func newLinerReader(history string, commands []string) *linerReader {
	st := liner.NewLiner()
	st.SetCtrlCAborts(true)
	st.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}

		return out
	})

	if f, err := os.Open(history); err == nil {
		_, _ = st.ReadHistory(f)
		_ = f.Close()
	}

	return &linerReader{state: st, history: history}
}

func (r *linerReader) Prompt(prompt string) (string, error) { return r.state.Prompt(prompt) }

func (r *linerReader) AppendHistory(line string) { r.state.AppendHistory(line) }

func (r *linerReader) Close() error {
	if f, err := os.Create(r.history); err == nil {
		_, _ = r.state.WriteHistory(f)
		_ = f.Close()
	}

	return r.state.Close()
}

// scanReader reads lines from a non-terminal input such as a pipe.
type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (r *scanReader) AppendHistory(string) {}

func (r *scanReader) Close() error { return nil }

// syncWriter serializes writes from the prompt loop and the change watcher.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.w.Write(p)
}

func (a *app) reader(commands []string) lineReader {
	if a.in == os.Stdin {
		return newLinerReader(filepath.Join(a.cfg.DataDir, a.cfg.Namespace, ".shell_history"), commands)
	}

	in := a.in
	if in == nil {
		in = strings.NewReader("")
	}

	return &scanReader{sc: bufio.NewScanner(in)}
}

func (a *app) shellCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell <catalogue>",
		Short: "Interactive prompt on one catalogue",
		Long: `Open the catalogue and read commands from the prompt. Commands take the
same arguments as on the command line without the catalogue name, for
example "add artist=Foo title=Bar" or "ls --tags id,title". Changes made by
any process are printed as they arrive.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 1, "catalogue"); err != nil {
				return err
			}

			typ := args[0]

			return a.withCatalogue(ctx, typ, func(ctx context.Context, s session) error {
				return a.shell(ctx, typ, s, &syncWriter{w: o.out}, &syncWriter{w: o.errOut})
			})
		},
	}
}

func (a *app) shell(ctx context.Context, typ string, s session, out, errOut io.Writer) error {
	attached := func(ctx context.Context, _ string, fn func(context.Context, session) error) error {
		return fn(ctx, s)
	}

	names := []string{"exit", "help"}
	for _, c := range catalogueCommands(attached) {
		names = append(names, c.Name())
	}

	if s.cat != nil {
		stop := s.cat.Watch(func(ch mediadb.Change) {
			if ch.Kind == mediadb.ChangeReloaded {
				_, _ = fmt.Fprintf(out, "* %s now %s\n", typ, s.cat.Role())
				return
			}

			_, _ = fmt.Fprintf(out, "* %s %d\n", ch.Kind, ch.ID)
		})
		defer stop()
	}

	lr := a.reader(names)
	defer func() { _ = lr.Close() }()

	st, err := s.api.Status(ctx)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "mediadb shell on %s (%s, %d records). Type 'help' for commands.\n", typ, st.Role, st.Records)

	for ctx.Err() == nil {
		line, err := lr.Prompt(typ + "> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lr.AppendHistory(line)

		words := strings.Fields(line)

		switch name := strings.ToLower(words[0]); name {
		case "exit", "quit", "q":
			return nil
		case "help", "?":
			for _, c := range catalogueCommands(attached) {
				_, _ = fmt.Fprintln(out, c.HelpLine())
			}

			_, _ = fmt.Fprintln(out, "  exit")
		default:
			cmd := findCommand(catalogueCommands(attached), name)
			if cmd == nil {
				_, _ = fmt.Fprintf(errOut, "unknown command: %s (type 'help' for commands)\n", name)
				continue
			}

			cmd.Run(ctx, NewIO(out, errOut), append([]string{typ}, words[1:]...))
		}
	}

	return nil
}

func findCommand(commands []*Command, name string) *Command {
	for _, c := range commands {
		if c.Name() == name {
			return c
		}
	}

	return nil
}
