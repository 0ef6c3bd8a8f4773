package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/mediadb/pkg/mediadb"
)

func (a *app) serveCmd() *Command {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsEvery := fs.Duration("metrics-interval", 0, "log metrics at this `interval` (0 disables)")

	return &Command{
		Flags: fs,
		Usage: "serve [catalogue...] [flags]",
		Short: "Host catalogues until clients release them",
		Long: `Open the given catalogues (default: the configured ones) and serve them on
the bus. Clients take references with Ref and drop them with Unref. A
catalogue is closed once its references drop back to zero; serve exits when
every catalogue has been closed, or on SIGINT/SIGTERM.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if a.remote {
				return fmt.Errorf("serve: %w", errLocalOnly)
			}

			types := args
			if len(types) == 0 {
				types = a.cfg.Catalogues
			}

			if len(types) == 0 {
				return usageError("no catalogues to serve")
			}

			conn, err := a.bus()
			if err != nil {
				return err
			}

			opts, err := a.options(conn)
			if err != nil {
				return err
			}

			scope, closer := newMetricsScope(a.log, *metricsEvery)
			defer func() { _ = closer.Close() }()

			opts.Metrics = scope

			sup := mediadb.NewSupervisor(opts)

			for _, typ := range types {
				if _, err := sup.Host(ctx, typ); err != nil {
					// Close what was opened so far.
					cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
					cancel()

					return errors.Join(err, sup.Run(cctx))
				}
			}

			for _, cat := range sup.Catalogues() {
				o.Printf("serving %s as %s\n", cat.Type(), cat.Role())
			}

			start := time.Now()
			err = sup.Run(ctx)

			a.log.Info("supervisor stopped", zap.Duration("uptime", time.Since(start)), zap.Error(err))

			return err
		},
	}
}
