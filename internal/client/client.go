// Package client is the outward surface of the sync layer: cached reads,
// optimistic mutations, the manual sync-all operation and the realtime
// feed, wired together from configuration.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chedoparti/clubsync/internal/api"
	"github.com/chedoparti/clubsync/internal/cache"
	"github.com/chedoparti/clubsync/internal/config"
	"github.com/chedoparti/clubsync/internal/debounce"
	"github.com/chedoparti/clubsync/internal/events"
	"github.com/chedoparti/clubsync/internal/mutation"
	"github.com/chedoparti/clubsync/internal/realtime"
	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/roster"
	"github.com/chedoparti/clubsync/internal/rules"
	"github.com/chedoparti/clubsync/internal/store"
)

// ErrNotPermitted marks a write the session's role may not perform.
var ErrNotPermitted = errors.New("not permitted for this role")

// Client owns one synchronized session against the backend.
type Client struct {
	cfg    *config.Config
	viewer reservation.Viewer

	api       *api.Client
	endpoints *api.Reservations
	store     *store.Store
	cache     *cache.Cache
	bus       *events.Bus
	mutations *mutation.Coordinator
	roster    *roster.Service
	bridge    *realtime.Bridge
	rules     *rules.Checker
	filterDeb *debounce.Debouncer
	log       zerolog.Logger
}

// New wires a client from configuration. The viewer decides redaction and
// permission checks for this session.
func New(cfg *config.Config, viewer reservation.Viewer, log zerolog.Logger) *Client {
	bus := events.NewBus()
	st := store.New(store.WithBus(bus))

	apiClient := api.NewClient(cfg.Backend.BaseURL,
		api.WithLogger(log),
		api.WithLogoutHandler(func() {
			st.SetError("session expired")
		}),
	)
	if cfg.Backend.Token != "" {
		apiClient.SetToken(cfg.Backend.Token)
	}

	ca := cache.New(cache.Options{
		ListStale:   cfg.Cache.ListStale.Std(),
		ScopedStale: cfg.Cache.ScopedStale.Std(),
		GCTime:      cfg.Cache.GCTime.Std(),
		MaxRetries:  cfg.Cache.MaxRetries,
		BaseDelay:   cfg.Cache.BaseDelay.Std(),
		MaxDelay:    cfg.Cache.MaxDelay.Std(),
	}, log)

	endpoints := api.NewReservations(apiClient)
	bridge := realtime.New(realtime.Options{
		URL:            cfg.WebSocketURL(),
		InstitutionID:  cfg.Session.InstitutionID,
		UserID:         cfg.Session.UserID,
		CourtIDs:       cfg.Session.CourtIDs,
		MaxReconnects:  cfg.Realtime.MaxReconnects,
		ReconnectDelay: cfg.Realtime.ReconnectDelay.Std(),
		SyncInterval:   cfg.Realtime.SyncInterval.Std(),
	}, st, ca, bus, log)

	return &Client{
		cfg:       cfg,
		viewer:    viewer,
		api:       apiClient,
		endpoints: endpoints,
		store:     st,
		cache:     ca,
		bus:       bus,
		mutations: mutation.New(st, ca, endpoints, log),
		roster:    roster.New(apiClient, ca, log),
		bridge:    bridge,
		rules:     rules.New(),
		filterDeb: debounce.New(debounce.DefaultQuiet),
		log:       log,
	}
}

// Store exposes the reservation store for selectors and subscriptions.
func (c *Client) Store() *store.Store { return c.store }

// Cache exposes the query cache, mainly for maintenance jobs.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Bus exposes the change-notification bus.
func (c *Client) Bus() *events.Bus { return c.bus }

// Roster exposes the coach-management client.
func (c *Client) Roster() *roster.Service { return c.roster }

// Rules exposes the permission checker bound to this session.
func (c *Client) Rules() *rules.Checker { return c.rules }

// Viewer returns the session's identity.
func (c *Client) Viewer() reservation.Viewer { return c.viewer }

// RunRealtime processes the realtime feed until the context ends.
func (c *Client) RunRealtime(ctx context.Context) error {
	return c.bridge.Run(ctx)
}

// Reservations returns the records matching the store's active filters,
// fetching through the cache when stale or absent.
func (c *Client) Reservations(ctx context.Context) ([]reservation.Reservation, error) {
	f := c.store.Filters()
	_, err := c.cache.Get(ctx, cache.ListKey(f),
		func(ctx context.Context) (any, error) {
			return c.endpoints.List(ctx, f)
		},
		func(v any) {
			if list, ok := v.([]reservation.Reservation); ok {
				c.store.SetReservations(list, f.Date)
			}
		})
	if err != nil {
		c.store.SetError(err.Error())
		return nil, err
	}
	return c.redactAll(c.store.Filtered()), nil
}

// ReservationsByDate returns a calendar day's records.
func (c *Client) ReservationsByDate(ctx context.Context, date string) ([]reservation.Reservation, error) {
	_, err := c.cache.Get(ctx, cache.ByDateKey(date),
		func(ctx context.Context) (any, error) {
			return c.endpoints.ByDate(ctx, date)
		},
		func(v any) {
			if list, ok := v.([]reservation.Reservation); ok {
				c.store.SetReservations(list, date)
			}
		})
	if err != nil {
		c.store.SetError(err.Error())
		return nil, err
	}
	return c.redactAll(c.store.ByDate(date)), nil
}

// ReservationsByCourt returns a court's records.
func (c *Client) ReservationsByCourt(ctx context.Context, courtID int64) ([]reservation.Reservation, error) {
	_, err := c.cache.Get(ctx, cache.ByCourtKey(courtID),
		func(ctx context.Context) (any, error) {
			return c.endpoints.ByCourt(ctx, courtID)
		},
		func(v any) {
			if list, ok := v.([]reservation.Reservation); ok {
				c.store.SetReservations(list, "")
			}
		})
	if err != nil {
		c.store.SetError(err.Error())
		return nil, err
	}
	return c.redactAll(c.store.ByCourt(courtID)), nil
}

// Reservation returns one record by id.
func (c *Client) Reservation(ctx context.Context, id any) (reservation.Reservation, error) {
	rid := reservation.NormalizeID(id)
	_, err := c.cache.Get(ctx, cache.DetailKey(rid),
		func(ctx context.Context) (any, error) {
			return c.endpoints.Get(ctx, rid)
		},
		func(v any) {
			if r, ok := v.(reservation.Reservation); ok {
				c.store.SetReservations([]reservation.Reservation{r}, "")
			}
		})
	if err != nil {
		return reservation.Reservation{}, err
	}
	r, ok := c.store.ByID(rid)
	if !ok {
		return reservation.Reservation{}, mutation.ErrNotFound
	}
	return reservation.Redact(r, c.viewer), nil
}

// Stats fetches the server-side aggregate counters through the cache.
func (c *Client) Stats(ctx context.Context) (api.StatsOverview, error) {
	v, err := c.cache.Get(ctx, cache.StatsKey(),
		func(ctx context.Context) (any, error) {
			return c.endpoints.Stats(ctx)
		},
		func(any) {})
	if err != nil {
		return api.StatsOverview{}, err
	}
	stats, _ := v.(api.StatsOverview)
	return stats, nil
}

// LocalStats derives the counters from the store without a round-trip.
func (c *Client) LocalStats() store.Stats {
	return c.store.Stats()
}

// Create validates the candidate against the session's role and submits
// it optimistically.
func (c *Client) Create(ctx context.Context, r reservation.Reservation) (reservation.Reservation, error) {
	if errs := c.rules.Validate(c.viewer, r); errs != nil {
		return reservation.Reservation{}, errs
	}
	return c.mutations.Create(ctx, r)
}

// Update patches an existing reservation optimistically. The permission
// check runs against the stored record, not the patch.
func (c *Client) Update(ctx context.Context, id any, patch reservation.Patch) (reservation.Reservation, error) {
	if current, ok := c.store.ByID(id); ok {
		if !c.rules.CanEdit(c.viewer, current) {
			return reservation.Reservation{}, fmt.Errorf("reservation %s: %w", current.ID, ErrNotPermitted)
		}
	}
	return c.mutations.Update(ctx, id, patch)
}

// Cancel transitions a reservation to cancelled optimistically.
func (c *Client) Cancel(ctx context.Context, id any, reason string) (reservation.Reservation, error) {
	if current, ok := c.store.ByID(id); ok {
		if !c.rules.CanCancel(c.viewer, current) {
			return reservation.Reservation{}, fmt.Errorf("reservation %s: %w", current.ID, ErrNotPermitted)
		}
	}
	return c.mutations.Cancel(ctx, id, reason)
}

// SyncAll drops every cached entry and refetches the primary list, the
// pull-to-refresh path. The error, if any, lands on the store's error
// field as well.
func (c *Client) SyncAll(ctx context.Context) error {
	c.store.SetLoading(true)
	defer c.store.SetLoading(false)

	c.cache.InvalidateAll()
	if _, err := c.Reservations(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	c.store.SetError("")
	return nil
}

// SetFilters applies the filter set to the store immediately and
// schedules the matching refetch behind a quiet period, so a typing burst
// costs one round-trip.
func (c *Client) SetFilters(f reservation.Filters) {
	c.store.SetFilters(f)
	c.filterDeb.Trigger(func() {
		ctx := context.Background()
		c.cache.Invalidate(cache.ListKey(c.store.Filters()))
		if _, err := c.Reservations(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Filtered refetch failed")
		}
	})
}

func (c *Client) redactAll(list []reservation.Reservation) []reservation.Reservation {
	for i, r := range list {
		list[i] = reservation.Redact(r, c.viewer)
	}
	return list
}
