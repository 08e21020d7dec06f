package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"cpdbcups/internal/backend"
	"cpdbcups/internal/config"
	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/jobs"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/notifier"
	"cpdbcups/internal/printer"
	"cpdbcups/internal/server"
	"cpdbcups/internal/session"
	"cpdbcups/internal/spool"
	"cpdbcups/internal/store"
)

// transferRetention is how long finished transfers stay in the ledger.
const transferRetention = 30 * 24 * time.Hour

func main() {
	cfg := config.Load()
	applyFlags(&cfg, os.Args[1:])
	logging.Configure(cfg.ErrorLogPath, cfg.CallLogPath, cfg.MaxLogSize, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	pruneTransfers(ctx, st)

	sp := spool.Spool{Dir: cfg.SocketDir()}
	if err := sp.Ensure(); err != nil {
		log.Fatalf("failed to ensure socket dir: %v", err)
	}

	client := cupsclient.NewFromConfig(
		cupsclient.WithServer(cfg.CupsServer),
		cupsclient.WithIdleTimeout(cfg.IdleTimeout),
	)
	defer client.Close()

	sources := []backend.Source{&backend.CUPSSource{Client: client}}
	if cfg.BrowseDNSSD {
		sources = append(sources, backend.NewDNSSDSource(cfg.DNSSDTimeout))
	}
	catalog := backend.NewCatalog(sources...)
	catalog.Timeout = cfg.EnumTimeout
	catalog.FilteredTimeout = cfg.FilteredTimeout

	env := &printer.Env{
		Client:     client,
		CatalogDir: cfg.CatalogDir,
		Prober:     backend.NewStateProber(cfg.SNMPCommunity),
	}
	registry := session.NewRegistry(env)
	defer registry.Close()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		log.Fatalf("failed to connect to session bus: %v", err)
	}
	defer conn.Close()

	streamer := jobs.New(client, sp, st)
	defer streamer.Close()

	defaults := &backend.DefaultResolver{Client: client, LpoptionsPath: cfg.LpoptionsPath}
	if err := defaults.Watch(ctx); err != nil {
		logging.Warnf("not watching %s: %v", cfg.LpoptionsPath, err)
	}

	diff := &session.Notifier{Registry: registry, Catalog: catalog, Emitter: server.NewEmitter(conn)}
	srv := &server.Server{
		Registry:    registry,
		Notifier:    diff,
		Jobs:        streamer,
		Defaults:    defaults,
		BaseContext: func() context.Context { return ctx },
	}
	if err := server.Export(conn, srv); err != nil {
		log.Fatalf("failed to export %s: %v", server.BusName, err)
	}
	if err := server.WatchFrontends(ctx, conn, srv); err != nil {
		logging.Warnf("not tracking frontend disconnects: %v", err)
	}

	bridge := notifier.NewBridge(client, st, cfg.LeaseDuration)
	if cfg.UseSystemNotifier {
		bridge.Start(ctx)
		go bridge.Run(ctx, cfg.RenewInterval())
		if sys, err := dbus.ConnectSystemBus(); err != nil {
			logging.Warnf("no system bus, printer events disabled: %v", err)
		} else {
			defer sys.Close()
			if l, err := notifier.Listen(sys); err != nil {
				logging.Warnf("subscribing to scheduler events: %v", err)
			} else {
				go l.Run(ctx, diff)
			}
		}
	}

	logging.Infof("%s ready (cups %s:%d, sockets in %s)", server.BusName, client.Host, client.Port, sp.Dir)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	logging.Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if cfg.UseSystemNotifier {
		bridge.Stop(shutdownCtx)
	}
	cancel()
	if _, err := conn.ReleaseName(server.BusName); err != nil {
		logging.Debugf("release %s: %v", server.BusName, err)
	}
}

func applyFlags(cfg *config.Config, args []string) {
	fs := pflag.NewFlagSet("cpdb-backend-cups", pflag.ExitOnError)
	fs.StringVar(&cfg.RuntimeDir, "runtime-dir", cfg.RuntimeDir, "directory for job sockets")
	fs.StringVar(&cfg.CatalogDir, "catalog-dir", cfg.CatalogDir, "directory of <locale>.strings message catalogs")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite ledger path")
	fs.StringVar(&cfg.ErrorLogPath, "error-log", cfg.ErrorLogPath, "error log path, stderr or none")
	fs.StringVar(&cfg.CallLogPath, "call-log", cfg.CallLogPath, "bus call log path or none")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVarP(&cfg.CupsServer, "server", "h", cfg.CupsServer, "CUPS server host[:port] or socket path")
	fs.DurationVar(&cfg.EnumTimeout, "enum-timeout", cfg.EnumTimeout, "printer enumeration time limit")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "scheduler connection idle timeout")
	fs.BoolVar(&cfg.BrowseDNSSD, "dnssd", cfg.BrowseDNSSD, "offer DNS-SD printers as temporary queues")
	fs.BoolVar(&cfg.UseSystemNotifier, "notifier", cfg.UseSystemNotifier, "subscribe to scheduler printer events")
	_ = fs.Parse(args)
	if cfg.FilteredTimeout > cfg.EnumTimeout {
		cfg.FilteredTimeout = cfg.EnumTimeout
	}
}

func pruneTransfers(ctx context.Context, st *store.Store) {
	err := st.WithTx(ctx, false, func(tx *sql.Tx) error {
		n, err := st.PruneTransfers(ctx, tx, time.Now().Add(-transferRetention))
		if err == nil && n > 0 {
			logging.Infof("pruned %d old job transfers", n)
		}
		return err
	})
	if err != nil {
		logging.Warnf("pruning job ledger: %v", err)
	}
}
