// Command central runs the EV charging Central Coordinator: the TCP broker
// for agent connections, the dashboard HTTP API, the registry reconciler,
// the operator console, and the periodic dashboard printer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evgrid/central/internal/api"
	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/config"
	"github.com/evgrid/central/internal/console"
	"github.com/evgrid/central/internal/dashboard"
	"github.com/evgrid/central/internal/events"
	"github.com/evgrid/central/internal/logging"
	"github.com/evgrid/central/internal/registry"
	"github.com/evgrid/central/internal/server"
	"github.com/evgrid/central/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "central.yaml", "path to the YAML configuration file")
	noConsole := flag.Bool("no-console", false, "disable the interactive operator console")
	flag.Parse()

	// Local .env files carry EVC_* overrides in development; absence is the
	// normal production case.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "central: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(logging.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})
	log := logging.Component("main")

	st, err := store.New(cfg.Storage.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("data_dir", cfg.Storage.DataDir).Msg("open persistence store")
	}
	audit, err := store.NewAuditLogger(cfg.Storage.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open audit log")
	}

	// Event publishing is best effort: a backend that cannot be reached at
	// startup degrades to the in-process bus with a warning.
	bus := events.NewBus()
	var emitter events.Emitter = bus
	var closeEmitter func() error
	switch {
	case cfg.Events.RedisAddr != "":
		re, err := events.NewRedisEmitter(bus, cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB, cfg.Events.ChannelPrefix)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Events.RedisAddr).Msg("redis event publisher unavailable, events stay in-process")
		} else {
			emitter = re
			closeEmitter = re.Close
		}
	case cfg.Events.PubSubProject != "":
		pe, err := events.NewPubSubEmitter(bus, cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Warn().Err(err).Str("project", cfg.Events.PubSubProject).Msg("pubsub event publisher unavailable, events stay in-process")
		} else {
			emitter = pe
			closeEmitter = pe.Close
		}
	}

	core, err := central.New(central.Options{
		Store:           st,
		Audit:           audit,
		Emitter:         emitter,
		Metrics:         central.NewMetrics(prometheus.DefaultRegisterer),
		NominalDuration: cfg.Session.NominalDuration,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("initialise coordinator")
	}

	tcp := server.New(cfg.Server, core)
	if err := tcp.Start(); err != nil {
		log.Fatal().Err(err).Msg("start agent listener")
	}

	httpSrv := api.New(cfg.HTTP, api.Options{Core: core, Store: st, Audit: audit, Bus: bus})
	httpSrv.Start()

	var poller *registry.Poller
	if cfg.Registry.URL != "" {
		poller = registry.NewPoller(registry.NewClient(cfg.Registry.URL), core, cfg.Registry.PollInterval)
		poller.Start()
	} else {
		log.Info().Msg("registry url not configured, reconciliation disabled")
	}

	var dash *dashboard.Printer
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(core, os.Stdout, cfg.Dashboard.Interval, true)
		dash.Start()
	}

	// Operator quit and OS signals converge on the same shutdown path.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if !*noConsole {
		console.New(core, st, os.Stdin, os.Stdout, func() {
			sigs <- syscall.SIGTERM
		}).Start()
	}

	log.Info().
		Str("agents", cfg.Server.Listen).
		Str("http", cfg.HTTP.Listen).
		Msg("central coordinator running")

	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if poller != nil {
		poller.Stop()
	}
	if dash != nil {
		dash.Stop()
	}
	if err := tcp.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("agent listener shutdown")
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if closeEmitter != nil {
		if err := closeEmitter(); err != nil {
			log.Debug().Err(err).Msg("close event publisher")
		}
	}

	log.Info().Msg("central coordinator stopped")
}
