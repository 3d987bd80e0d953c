// Command slothunter polls a medical booking portal for appointment slots
// matching a saved search and notifies once per newly offered slot.
//
// Configuration comes from the environment (optionally a .env file); see
// internal/config. Exit status is 0 after SIGINT/SIGTERM, 1 when the
// poller stops on its own because of a corrupt seen-set or repeated
// failures, and 2 on invalid flags or configuration.
//
// Usage:
//
//	slothunter                 poll until interrupted
//	slothunter -list cities    print a portal dictionary and exit
//
// -list accepts cities, services, clinics and doctors. Clinics and doctors
// are scoped to CITY_NAME and SERVICE_NAME (and doctors to CLINIC_NAME).
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/slot-hunter/internal/config"
	httpapi "github.com/tbourn/slot-hunter/internal/http"
	"github.com/tbourn/slot-hunter/internal/http/handlers"
	"github.com/tbourn/slot-hunter/internal/observability"
	"github.com/tbourn/slot-hunter/internal/portal"
	"github.com/tbourn/slot-hunter/internal/services"
	"github.com/tbourn/slot-hunter/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// @title       Slot Hunter ops API
// @version     1.0
// @description Read-only ops endpoints of the slot hunter: health checks, poll loop status and the notified seen-set.
// @BasePath    /
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("slothunter", flag.ContinueOnError)
	list := fs.String("list", "", "print a portal dictionary ("+strings.Join(portal.ListKinds, ", ")+") and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if *list != "" {
		return runList(*list)
	}

	cfg, err := config.Load()
	if err != nil {
		sysutil.SetupLogger("info", false)
		log.Error().Err(err).Msg("invalid configuration")
		return 2
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Error().Err(err).Msg("otel setup failed")
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	store, closer, err := buildStore(ctx, cfg.Store)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Store.Driver).Msg("open seen-set store")
		return 1
	}
	defer closer.Close()

	sender, err := buildSender(cfg.Notify)
	if err != nil {
		log.Error().Err(err).Msg("notifier setup failed")
		return 1
	}

	pc, err := portalConfig(cfg.Portal)
	if err != nil {
		log.Error().Err(err).Msg("portal setup failed")
		return 1
	}

	metrics := observability.NewHunterMetrics(nil)
	seedSeenGauge(ctx, store, metrics)

	poller, err := services.NewPoller(
		pollerConfig(cfg),
		store,
		sender,
		portalFactory(pc),
		services.WithMetrics(metrics),
	)
	if err != nil {
		log.Error().Err(err).Msg("poller setup failed")
		return 1
	}

	var srv *http.Server
	if cfg.Ops.Enabled {
		srv = httpapi.NewServer(cfg.Ops, httpapi.NewEngine(handlers.New(poller, store), cfg))
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("ops server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("ops server failed")
			}
		}()
	}

	log.Info().
		Str("version", version).
		Str("city", cfg.Search.City).
		Str("service", cfg.Search.Service).
		Str("doctor", cfg.Search.Doctor).
		Str("clinic", cfg.Search.Clinic).
		Str("store", cfg.Store.Driver).
		Str("notify", cfg.Notify.Provider).
		Msg("slot hunter starting")

	runErr := poller.Run(ctx)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("ops server shutdown")
		}
	}

	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		log.Info().Msg("slot hunter stopped")
		return 0
	default:
		log.Error().Err(runErr).Msg("slot hunter stopped on error")
		return 1
	}
}
