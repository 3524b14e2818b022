// Package mutation coordinates optimistic writes: the store is changed
// immediately so the UI feels instant, then reconciled with the server's
// answer or rolled back to the pre-mutation snapshot on failure.
package mutation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chedoparti/clubsync/internal/api"
	"github.com/chedoparti/clubsync/internal/cache"
	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/store"
)

// ErrNotFound is returned when a mutation targets an id the store does
// not hold.
var ErrNotFound = errors.New("reservation not found")

// ConflictError rejects a create locally when the candidate range
// overlaps an active reservation; no network round-trip happens.
type ConflictError struct {
	Conflicts []reservation.Reservation
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "scheduling conflict"
	}
	return fmt.Sprintf("scheduling conflict with reservation %s", e.Conflicts[0].ID)
}

// ReservationAPI is the slice of the REST surface the coordinator needs.
type ReservationAPI interface {
	Create(ctx context.Context, r reservation.Reservation) (reservation.Reservation, error)
	Update(ctx context.Context, id reservation.ID, r reservation.Reservation) (reservation.Reservation, error)
	Cancel(ctx context.Context, id reservation.ID, reason string) (reservation.Reservation, error)
}

// retryTransport runs a write call, retrying exactly once when the failure
// never reached the server. A server-reported error is final: repeating it
// could apply the write twice.
func retryTransport[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	out, err := call(ctx)
	if err == nil || ctx.Err() != nil {
		return out, err
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return out, err
	}
	return call(ctx)
}

// Coordinator wraps create, update and cancel with the optimistic
// protocol.
type Coordinator struct {
	store *store.Store
	cache *cache.Cache
	api   ReservationAPI
	log   zerolog.Logger
}

// New wires a coordinator.
func New(s *store.Store, c *cache.Cache, a ReservationAPI, log zerolog.Logger) *Coordinator {
	return &Coordinator{store: s, cache: c, api: a, log: log}
}

// Create submits a new reservation. The store gets an optimistic
// placeholder immediately; on success the placeholder is replaced by the
// server-confirmed record and the affected cache keys are invalidated; on
// failure the pre-mutation snapshot is restored.
func (m *Coordinator) Create(ctx context.Context, r reservation.Reservation) (reservation.Reservation, error) {
	iv, err := r.Interval()
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("invalid reservation: %w", err)
	}
	if conflicts := m.store.Conflicting(r.CourtID, iv); len(conflicts) > 0 {
		return reservation.Reservation{}, &ConflictError{Conflicts: conflicts}
	}

	// A late stale read must not clobber the optimistic write.
	m.cache.CancelInFlight(cache.ResourceReservations)
	snapshot := m.store.Snapshot()

	placeholder := r
	placeholder.ID = reservation.TempID(uuid.NewString())
	if placeholder.Status == "" {
		placeholder.Status = reservation.StatusPending
	}
	placeholder.IsOptimistic = true
	m.store.Add(placeholder)

	confirmed, err := retryTransport(ctx, func(ctx context.Context) (reservation.Reservation, error) {
		return m.api.Create(ctx, r)
	})
	if err != nil {
		m.store.Restore(snapshot)
		m.log.Warn().Err(err).Msg("Create rejected, optimistic state rolled back")
		return reservation.Reservation{}, fmt.Errorf("creating reservation: %w", err)
	}

	m.store.ReplaceID(placeholder.ID, confirmed.ID)
	m.confirm(confirmed)
	m.cache.InvalidateReservation(confirmed)
	m.log.Info().Str("id", string(confirmed.ID)).Msg("Reservation created")
	return confirmed, nil
}

// Update patches an existing reservation optimistically.
func (m *Coordinator) Update(ctx context.Context, id any, patch reservation.Patch) (reservation.Reservation, error) {
	prev, ok := m.store.ByID(id)
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("%w: %v", ErrNotFound, id)
	}

	m.cache.CancelInFlight(cache.ResourceReservations)
	snapshot := m.store.Snapshot()

	optimistic := true
	patch.IsOptimistic = &optimistic
	m.store.Update(id, patch)

	payload, _ := m.store.ByID(id)
	payload.IsOptimistic = false
	confirmed, err := retryTransport(ctx, func(ctx context.Context) (reservation.Reservation, error) {
		return m.api.Update(ctx, prev.ID, payload)
	})
	if err != nil {
		m.store.Restore(snapshot)
		m.log.Warn().Err(err).Str("id", string(prev.ID)).
			Msg("Update rejected, optimistic state rolled back")
		return reservation.Reservation{}, fmt.Errorf("updating reservation %s: %w", prev.ID, err)
	}

	m.confirm(confirmed)
	m.cache.InvalidateReservation(confirmed)
	// The slot may have moved; the old day's view is stale too.
	if prev.Day() != confirmed.Day() {
		m.cache.Invalidate(cache.ByDateKey(prev.Day()))
	}
	m.log.Info().Str("id", string(confirmed.ID)).Msg("Reservation updated")
	return confirmed, nil
}

// Cancel flips a reservation to cancelled optimistically. The record is
// kept in the store for history; it simply stops occupying its slot.
func (m *Coordinator) Cancel(ctx context.Context, id any, reason string) (reservation.Reservation, error) {
	prev, ok := m.store.ByID(id)
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("%w: %v", ErrNotFound, id)
	}

	m.cache.CancelInFlight(cache.ResourceReservations)
	snapshot := m.store.Snapshot()

	optimistic := true
	m.store.ChangeStatus(id, reservation.StatusCancelled, map[string]any{"reason": reason})
	m.store.Update(id, reservation.Patch{IsOptimistic: &optimistic})

	confirmed, err := retryTransport(ctx, func(ctx context.Context) (reservation.Reservation, error) {
		return m.api.Cancel(ctx, prev.ID, reason)
	})
	if err != nil {
		m.store.Restore(snapshot)
		m.log.Warn().Err(err).Str("id", string(prev.ID)).
			Msg("Cancel rejected, optimistic state rolled back")
		return reservation.Reservation{}, fmt.Errorf("cancelling reservation %s: %w", prev.ID, err)
	}

	m.confirm(confirmed)
	m.cache.InvalidateReservation(confirmed)
	m.log.Info().Str("id", string(confirmed.ID)).Str("reason", reason).
		Msg("Reservation cancelled")
	return confirmed, nil
}

// confirm merges the server's record over the optimistic one and clears
// the optimistic flag.
func (m *Coordinator) confirm(confirmed reservation.Reservation) {
	patch := reservation.PatchFrom(confirmed)
	settled := false
	patch.IsOptimistic = &settled
	m.store.Update(confirmed.ID, patch)
}
