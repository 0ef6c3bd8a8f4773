// Package cli implements the mediadb command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/mediadb/internal/config"
	"github.com/calvinalkan/mediadb/internal/logging"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus/zmqbus"
)

// Deps are the process-level collaborators of [RunWith].
type Deps struct {
	// Dial connects to the bus. Default: zmqbus in cfg.RuntimeDir.
	Dial func(cfg config.Config, log *zap.Logger) (bus.Conn, error)
}

func dialZMQ(cfg config.Config, log *zap.Logger) (bus.Conn, error) {
	return zmqbus.Dial(cfg.RuntimeDir, zmqbus.Options{Logger: log})
}

// Run is the main entry point. Returns the exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	return RunWith(Deps{}, in, out, errOut, args, env, sigCh)
}

// RunWith is [Run] with injected dependencies.
func RunWith(deps Deps, in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if deps.Dial == nil {
		deps.Dial = dialZMQ
	}

	o := NewIO(out, errOut)

	globals := flag.NewFlagSet("mediadb", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(io.Discard)

	configPath := globals.StringP("config", "c", "", "use the given config `file`")
	namespace := globals.String("namespace", "", "bus and directory namespace")
	dataDir := globals.String("data-dir", "", "parent `dir` of the namespace snapshot directory")
	runtimeDir := globals.String("runtime-dir", "", "`dir` for bus sockets and name locks")
	verbose := globals.BoolP("verbose", "v", false, "log at debug level")
	remote := globals.Bool("remote", false, "talk to the running owner instead of joining the catalogue")
	help := globals.BoolP("help", "h", false, "show help")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.Parse(args); err != nil {
		o.ErrPrintln("error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	overrides := config.Overrides{
		Namespace:  *namespace,
		DataDir:    *dataDir,
		RuntimeDir: *runtimeDir,
	}
	if *verbose {
		overrides.LogLevel = "debug"
	}

	cfg, err := config.Load(config.LoadInput{ConfigPath: *configPath, Overrides: overrides, Env: env})
	if err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	log, err := logging.New(errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	defer func() { _ = log.Sync() }()

	a := &app{cfg: cfg, log: log, deps: deps, remote: *remote, in: in, sigCh: sigCh}
	defer a.close()

	commands := a.commands()

	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(out, globals, commands)
		return 0
	}

	cmd := findCommand(commands, rest[0])
	if cmd == nil {
		o.ErrPrintln("error: unknown command:", rest[0])
		printUsage(errOut, globals, commands)

		return 1
	}

	ctx, stop := a.signalContext()
	defer stop()

	return cmd.Run(ctx, o, rest[1:])
}

// signalContext returns a context canceled by the first signal on sigCh.
func (a *app) signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	if a.sigCh == nil {
		return ctx, cancel
	}

	go func() {
		select {
		case sig := <-a.sigCh:
			a.log.Info("signal received, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	_, _ = fmt.Fprintln(w, "mediadb - replicated media catalogue")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Usage: mediadb [options] <command> [args]")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Options:")

	globals.SetOutput(w)
	globals.PrintDefaults()
	globals.SetOutput(io.Discard)

	if len(commands) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Commands:")

	for _, cmd := range commands {
		_, _ = fmt.Fprintln(w, cmd.HelpLine())
	}
}
