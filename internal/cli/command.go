package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one mediadb subcommand.
type Command struct {
	// Flags are the command's own flags. May be nil.
	Flags *flag.FlagSet

	// Usage follows "mediadb" in help, starting with the command name.
	// Examples: "get <catalogue> <id> [flags]", "print-config".
	Usage string

	// Short is the one-line description in the global listing.
	Short string

	// Long is shown by "mediadb <cmd> --help". Short is used when empty.
	Long string

	// Exec runs the command with the positional arguments left after parsing.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine returns the entry for the global usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-34s %s", c.Usage, c.Short)
}

// PrintHelp prints "mediadb <cmd> --help" output to w.
func (c *Command) PrintHelp(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: mediadb", c.Usage)
	_, _ = fmt.Fprintln(w)

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	_, _ = fmt.Fprintln(w, desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "Flags:")

		c.Flags.SetOutput(w)
		c.Flags.PrintDefaults()
		c.Flags.SetOutput(io.Discard)
	}
}

// Run parses flags, executes the command and returns its exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(io.Discard)

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o.out)
			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o.errOut)

		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		if errors.Is(err, errUsage) {
			o.ErrPrintln("error:", err)
			o.ErrPrintln()
			c.PrintHelp(o.errOut)

			return 1
		}

		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}

var errUsage = errors.New("usage")

// usageError reports bad positional arguments; Run prints help after it.
func usageError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, a...))
}
