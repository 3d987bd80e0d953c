package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/slot-hunter/internal/config"
	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/portal"
	"github.com/tbourn/slot-hunter/internal/sysutil"
)

// runList prints one portal dictionary and exits. Only the portal settings
// are required; CITY_NAME and SERVICE_NAME scope the clinic and doctor
// listings when set.
func runList(kind string) int {
	cfg, err := config.LoadPortal()
	if err != nil {
		sysutil.SetupLogger("info", false)
		log.Error().Err(err).Msg("invalid configuration")
		return 2
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pc, err := portalConfig(cfg.Portal)
	if err != nil {
		log.Error().Err(err).Msg("portal setup failed")
		return 1
	}
	if err := listDictionary(ctx, os.Stdout, pc, kind, domainCriteria(cfg.Search)); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("listing failed")
		return 1
	}
	return 0
}

// listDictionary logs in and writes the entries of kind to w as an aligned
// ID/NAME table.
func listDictionary(ctx context.Context, w io.Writer, pc portal.Config, kind string, crit domain.Criteria) error {
	c, err := portal.Dial(ctx, pc)
	if err != nil {
		return err
	}
	entries, err := c.List(ctx, kind, crit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\n", e.ID, e.Name)
	}
	return tw.Flush()
}
