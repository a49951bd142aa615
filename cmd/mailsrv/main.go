/*
Mailsrv - Multi-protocol mail server (SMTP/IMAP/POP3) for a single administrative domain.
Copyright © 2026 Mailsrv contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command mailsrv is the process entry point (spec §6): it parses the two
// positional arguments (domain, max worker count), builds the compiled-in
// credential table and storage root, and spawns the three protocol
// listeners behind one shared worker pool.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ulg-ingi/mailsrv/internal/dispatch"
	"github.com/ulg-ingi/mailsrv/internal/dnsresolver"
	"github.com/ulg-ingi/mailsrv/internal/imapd"
	"github.com/ulg-ingi/mailsrv/internal/lockmgr"
	"github.com/ulg-ingi/mailsrv/internal/log"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
	"github.com/ulg-ingi/mailsrv/internal/metrics"
	"github.com/ulg-ingi/mailsrv/internal/pop3d"
	"github.com/ulg-ingi/mailsrv/internal/procconfig"
	"github.com/ulg-ingi/mailsrv/internal/smtpd"
)

// staticCredentials is the compiled-in {username -> password} table (spec
// §1: "out of scope... the fixed in-memory user/password table"). A real
// deployment would source this from wherever provisioning puts it; it is
// inlined here since the spec treats it as a process-entry-point concern,
// not a core one.
var staticCredentials = procconfig.StaticCredentials{
	"dcd":   "password",
	"admin": "admin",
}

const defaultStorageBase = "/var/lib/mailsrv"

func main() {
	app := &cli.App{
		Name:      "mailsrv",
		Usage:     "multi-protocol mail server (SMTP/IMAP/POP3)",
		ArgsUsage: "<domain> <maxWorkers>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "storage",
				Value: defaultStorageBase,
				Usage: "root directory mailboxes are stored under",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug-level logging",
			},
			&cli.IntFlag{
				Name:  "metrics-port",
				Value: 9797,
				Usage: "port to serve Prometheus metrics on (0 disables)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// named returns a copy of l scoped to a sub-component, sharing its Out and
// Debug setting; log.Logger has no Named method of its own, so every
// construction site builds the qualified name directly.
func named(l log.Logger, component string) log.Logger {
	l.Name = l.Name + "." + component
	return l
}

// serveMetrics exposes the Prometheus registry on /metrics. It runs for the
// process lifetime; a bind failure is logged rather than fatal, matching
// spec §7's "listener bind failures are fatal only for that protocol" for
// the ambient observability listener too.
func serveMetrics(logger log.Logger, reg *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	logger.Printf("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", err)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit(fmt.Sprintf("usage: %s <domain> <maxWorkers>", c.App.Name), 1)
	}
	domain := c.Args().Get(0)
	maxWorkers, err := strconv.Atoi(c.Args().Get(1))
	if err != nil || maxWorkers <= 0 {
		return cli.Exit(fmt.Sprintf("maxWorkers must be a positive integer, got %q", c.Args().Get(1)), 1)
	}

	logger := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Name:  "mailsrv",
		Debug: c.Bool("debug"),
	}

	cfg, err := procconfig.New(domain, maxWorkers, staticCredentials, c.String("storage"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	if port := c.Int("metrics-port"); port != 0 {
		go serveMetrics(logger, registry, port)
	}

	locks := lockmgr.New()
	store := mailstore.New(cfg.StorageBase, locks, named(logger, "store"))
	resolver := dnsresolver.New(named(logger, "dns"), collector)

	var signer smtpd.Signer
	if dkimSigner, signerErr := smtpd.NewDKIMSigner("mailsrv"); signerErr != nil {
		logger.Error("DKIM signer unavailable, relayed mail will be sent unsigned", signerErr)
	} else {
		signer = dkimSigner
	}

	smtpEngine := &smtpd.Engine{
		Config:   cfg,
		Store:    store,
		Resolver: resolver,
		Signer:   signer,
		Metrics:  collector,
		Log:      named(logger, "smtp"),
	}
	imapEngine := &imapd.Engine{
		Config:  cfg,
		Store:   store,
		Metrics: collector,
		Log:     named(logger, "imap"),
	}
	pop3Engine := &pop3d.Engine{
		Config:  cfg,
		Store:   store,
		Metrics: collector,
		Log:     named(logger, "pop3"),
	}

	d := &dispatch.Dispatcher{
		Config: cfg,
		SMTP:   smtpEngine,
		IMAP:   imapEngine,
		POP3:   pop3Engine,
		Log:    named(logger, "dispatch"),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Printf("starting for domain %q with %d workers (storage=%s)", cfg.Domain, cfg.MaxWorkers, cfg.StorageBase)
	if err := d.Run(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger.Printf("shutdown complete")
	return nil
}
