// Package scheduler runs the background maintenance the sync layer
// needs: cache garbage collection, stale-entry refresh and periodic
// snapshots.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chedoparti/clubsync/internal/cache"
	"github.com/chedoparti/clubsync/internal/persist"
	"github.com/chedoparti/clubsync/internal/store"
)

var (
	service     *Service
	serviceOnce sync.Once
	serviceErr  error
)

var (
	ErrNotInitialized = errors.New("scheduler not initialized")
	ErrEmptyJobName   = errors.New("job name is required")
	ErrZeroInterval   = errors.New("job interval must be positive")
)

// Service wraps a gocron scheduler for app-wide scheduling.
type Service struct {
	scheduler gocron.Scheduler
	stopOnce  sync.Once
	stopErr   error
}

// Init initializes the scheduler singleton.
func Init() error {
	serviceOnce.Do(func() {
		sched, err := gocron.NewScheduler(
			gocron.WithGlobalJobOptions(
				gocron.WithEventListeners(
					gocron.AfterJobRunsWithPanic(func(jobID uuid.UUID, jobName string, recoverData any) {
						log.Error().
							Str("job_id", jobID.String()).
							Str("job_name", jobName).
							Interface("panic", recoverData).
							Msg("Scheduler job panicked")
					}),
				),
			),
		)
		if err != nil {
			serviceErr = err
			return
		}
		service = &Service{scheduler: sched}
		log.Info().Msg("Scheduler initialized")
	})
	return serviceErr
}

// ServiceInstance returns the initialized scheduler singleton.
func ServiceInstance() (*Service, error) {
	if service == nil && serviceErr == nil {
		return nil, ErrNotInitialized
	}
	return service, serviceErr
}

// Start begins running scheduled jobs on the singleton scheduler.
func Start() error {
	svc, err := ServiceInstance()
	if err != nil {
		return err
	}
	svc.Start()
	return nil
}

// Stop shuts down the singleton scheduler.
func Stop() error {
	svc, err := ServiceInstance()
	if err != nil {
		return err
	}
	return svc.Stop()
}

// Start begins running scheduled jobs.
func (s *Service) Start() {
	if s == nil {
		log.Error().Msg("Scheduler start requested before initialization")
		return
	}
	log.Info().Msg("Scheduler starting")
	s.scheduler.Start()
}

// Stop shuts down the scheduler and prevents new jobs from running.
func (s *Service) Stop() error {
	if s == nil {
		return ErrNotInitialized
	}
	s.stopOnce.Do(func() {
		log.Info().Msg("Scheduler stopping")
		s.stopErr = s.scheduler.Shutdown()
	})
	return s.stopErr
}

// AddIntervalJob registers a fixed-interval job with the scheduler.
func (s *Service) AddIntervalJob(name string, interval time.Duration, task func()) (gocron.Job, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyJobName
	}
	if interval <= 0 {
		return nil, ErrZeroInterval
	}
	jobLogger := log.With().Str("job_name", name).Dur("interval", interval).Logger()
	jobLogger.Info().Msg("Registering scheduler job")

	wrappedTask := func() {
		jobLogger.Debug().Msg("Scheduler job started")
		task()
		jobLogger.Debug().Msg("Scheduler job completed")
	}

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(wrappedTask),
		gocron.WithName(name),
	)
	if err != nil {
		jobLogger.Error().Err(err).Msg("Failed to register scheduler job")
		return nil, err
	}
	jobLogger.Info().Msg("Scheduler job registered")
	return job, nil
}

// MaintenanceOptions tunes the standard background jobs. Zero intervals
// fall back to the listed defaults.
type MaintenanceOptions struct {
	// GCInterval sweeps idle cache entries. Default 5m.
	GCInterval time.Duration
	// RefreshInterval refetches stale cache entries. Default 1m.
	RefreshInterval time.Duration
	// SnapshotInterval persists the store. Default 2m; ignored when the
	// snapshot store is nil.
	SnapshotInterval time.Duration
}

// RegisterMaintenance wires the sync layer's standing jobs onto the
// scheduler: a cache GC sweep, a stale refresh pass and, when a snapshot
// store is present, a periodic snapshot of the live store.
func (s *Service) RegisterMaintenance(c *cache.Cache, live *store.Store, snap *persist.Store, opts MaintenanceOptions) error {
	if opts.GCInterval == 0 {
		opts.GCInterval = 5 * time.Minute
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = time.Minute
	}
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = 2 * time.Minute
	}

	if _, err := s.AddIntervalJob("cache-gc", opts.GCInterval, func() {
		if evicted := c.GC(); evicted > 0 {
			log.Debug().Int("evicted", evicted).Msg("Cache GC swept idle entries")
		}
	}); err != nil {
		return err
	}

	if _, err := s.AddIntervalJob("cache-refresh", opts.RefreshInterval, func() {
		c.RefreshStale(context.Background())
	}); err != nil {
		return err
	}

	if snap != nil {
		if _, err := s.AddIntervalJob("store-snapshot", opts.SnapshotInterval, func() {
			snap.SaveFrom(context.Background(), live)
		}); err != nil {
			return err
		}
	}
	return nil
}
