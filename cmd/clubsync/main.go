// cmd/clubsync/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chedoparti/clubsync/internal/client"
	"github.com/chedoparti/clubsync/internal/config"
	"github.com/chedoparti/clubsync/internal/persist"
	"github.com/chedoparti/clubsync/internal/realtime"
	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/scheduler"
)

func setupLogger(environment string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	role := flag.String("role", string(reservation.RoleUser), "session role")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.App.Environment)

	viewer := reservation.Viewer{
		UserID: cfg.Session.UserID,
		Role:   reservation.Role(*role),
	}
	c := client.New(cfg, viewer, log.Logger)

	// Warm the store from the last snapshot, when persistence is on.
	var snap *persist.Store
	if cfg.Snapshot.Filename != "" {
		snap, err = persist.Open(cfg.Snapshot.Filename, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("Snapshot store unavailable, continuing without persistence")
		} else {
			defer snap.Close()
			snap.WarmStart(context.Background(), c.Store())
		}
	}

	if err := scheduler.Init(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scheduler")
	}
	sched, err := scheduler.ServiceInstance()
	if err != nil {
		log.Fatal().Err(err).Msg("Scheduler unavailable")
	}
	if err := sched.RegisterMaintenance(c.Cache(), c.Store(), snap, scheduler.MaintenanceOptions{
		SnapshotInterval: cfg.Snapshot.Interval.Std(),
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance jobs")
	}
	sched.Start()

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("institution", cfg.Session.InstitutionID).Msg("Starting realtime sync")
		err := c.RunRealtime(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		// Prime the store so reads are warm before the first event lands.
		if err := c.SyncAll(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial sync failed, continuing with cached data")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		if snap != nil {
			snap.SaveFrom(context.Background(), c.Store())
		}
		return scheduler.Stop()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, realtime.ErrReconnectExhausted) {
		log.Error().Err(err).Msg("Sync terminated with error")
		os.Exit(1)
	}
}
