// Package store holds the authoritative client-side view of reservations.
// Every component that touches reservation state goes through its mutators;
// the underlying collection is never handed out for direct mutation.
package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chedoparti/clubsync/internal/events"
	"github.com/chedoparti/clubsync/internal/reservation"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is a mutex-guarded keyed collection of reservations plus the
// bookkeeping the UI layer reads: filters, selection, loading and error
// state, and which date-scoped fetches have completed.
type Store struct {
	mu    sync.RWMutex
	clock Clock
	bus   *events.Bus

	records map[reservation.ID]reservation.Reservation
	order   []reservation.ID

	loadedDates map[string]struct{}
	filters     reservation.Filters
	selectedID  reservation.ID

	lastUpdated time.Time
	loading     bool
	lastError   string
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock, used by tests to control timestamps.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithBus wires a bus the store publishes change events on.
func WithBus(b *events.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:       realClock{},
		records:     map[reservation.ID]reservation.Reservation{},
		loadedDates: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Topic: topic, Payload: payload})
	}
}

// SetReservations merges incoming records into the keyed collection.
// Existing records are shallow-merged field by field so a narrower fetch
// never destroys fields populated by an earlier, wider one. When cacheDate
// is non-empty that date is marked loaded.
func (s *Store) SetReservations(incoming []reservation.Reservation, cacheDate string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range incoming {
		if r.ID == "" {
			log.Warn().Msg("Dropping reservation without id during merge")
			continue
		}
		if existing, ok := s.records[r.ID]; ok {
			s.records[r.ID] = existing.Merge(reservation.PatchFrom(r))
		} else {
			s.records[r.ID] = r
			s.order = append(s.order, r.ID)
		}
	}
	if cacheDate != "" {
		s.loadedDates[cacheDate] = struct{}{}
	}
	s.lastUpdated = s.clock.Now()
	s.lastError = ""
}

// Add appends a new record, stamping CreatedAt/UpdatedAt. Typically the
// record is an optimistic placeholder awaiting server confirmation.
func (s *Store) Add(r reservation.Reservation) {
	s.mu.Lock()
	now := s.clock.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	if _, ok := s.records[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = r
	s.lastUpdated = now
	s.mu.Unlock()

	s.publish(events.TopicReservationCreated, r)
}

// Update merges the patch into the record addressed by id, tolerating
// string and numeric id representations. Unknown ids are a silent no-op
// to avoid manufacturing corrupt records; the return value lets callers
// that care distinguish "updated" from "target missing".
func (s *Store) Update(id any, patch reservation.Patch) bool {
	s.mu.Lock()
	target, ok := s.resolveLocked(reservation.NormalizeID(id))
	if !ok {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	merged := s.records[target].Merge(patch)
	merged.UpdatedAt = now
	s.records[target] = merged
	s.lastUpdated = now
	s.mu.Unlock()

	s.publish(events.TopicReservationUpdated, merged)
	return true
}

// resolveLocked finds the stored key for a normalized id. Caller holds
// the lock.
func (s *Store) resolveLocked(id reservation.ID) (reservation.ID, bool) {
	if _, ok := s.records[id]; ok {
		return id, true
	}
	return "", false
}

// Remove deletes a record by id and clears the selection if it pointed at
// the removed record.
func (s *Store) Remove(id any) bool {
	key := reservation.NormalizeID(id)

	s.mu.Lock()
	target, ok := s.resolveLocked(key)
	if !ok {
		s.mu.Unlock()
		return false
	}
	removed := s.records[target]
	delete(s.records, target)
	for i, oid := range s.order {
		if oid == target {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.selectedID == target {
		s.selectedID = ""
	}
	s.lastUpdated = s.clock.Now()
	s.mu.Unlock()

	s.publish(events.TopicReservationRemoved, removed)
	return true
}

// ChangeStatus flips a record's status, stamps StatusChangedAt and merges
// the given metadata into StatusMetadata.
func (s *Store) ChangeStatus(id any, status reservation.Status, metadata map[string]any) bool {
	now := s.clock.Now()
	ok := s.Update(id, reservation.Patch{
		Status:          &status,
		StatusChangedAt: &now,
		StatusMetadata:  metadata,
	})
	if !ok {
		return false
	}

	switch status {
	case reservation.StatusCancelled:
		if r, found := s.ByID(id); found {
			s.publish(events.TopicReservationCancelled, r)
		}
	case reservation.StatusConfirmed:
		if r, found := s.ByID(id); found {
			s.publish(events.TopicReservationConfirmed, r)
		}
	default:
		if r, found := s.ByID(id); found {
			s.publish(events.TopicReservationStatus, r)
		}
	}
	return true
}

// BatchUpdate applies several patches at once, skipping unknown ids, and
// reports how many records changed.
func (s *Store) BatchUpdate(patches map[reservation.ID]reservation.Patch) int {
	updated := 0
	for id, patch := range patches {
		if s.Update(id, patch) {
			updated++
		}
	}
	return updated
}

// ReplaceID rekeys a record, used when the server confirms a create and the
// optimistic placeholder id must become the real one. When the confirmed id
// is already present, because the pushed create event beat the local
// response, the placeholder is folded into that record instead of keyed
// alongside it.
func (s *Store) ReplaceID(oldID, newID reservation.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[oldID]
	if !ok {
		return false
	}
	delete(s.records, oldID)
	r.ID = newID
	if existing, dup := s.records[newID]; dup {
		s.records[newID] = r.Merge(reservation.PatchFrom(existing))
		for i, oid := range s.order {
			if oid == oldID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	} else {
		s.records[newID] = r
		for i, oid := range s.order {
			if oid == oldID {
				s.order[i] = newID
				break
			}
		}
	}
	if s.selectedID == oldID {
		s.selectedID = newID
	}
	return true
}

// Snapshot copies the current collection in listing order, for optimistic
// rollback and persistence.
func (s *Store) Snapshot() []reservation.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reservation.Reservation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Restore replaces the collection wholesale with a previously taken
// snapshot. Loaded-date markers are kept: the dates were fetched either way.
func (s *Store) Restore(snapshot []reservation.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[reservation.ID]reservation.Reservation, len(snapshot))
	s.order = s.order[:0]
	for _, r := range snapshot {
		s.records[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	s.lastUpdated = s.clock.Now()
}

// ClearAll drops every record and date marker.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[reservation.ID]reservation.Reservation{}
	s.order = nil
	s.loadedDates = map[string]struct{}{}
	s.selectedID = ""
	s.lastUpdated = s.clock.Now()
}

// HasDateLoaded reports whether a by-date fetch for the day has completed.
func (s *Store) HasDateLoaded(date string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.loadedDates[date]
	return ok
}

// LastUpdated returns the time of the most recent successful merge.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// SetLoading flags an in-progress bulk operation.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// Loading reports whether a bulk operation is in progress.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetError records the most recent read failure for optional display.
// Cached data stays visible; the error never blanks state.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// LastError returns the recorded error message, empty when healthy.
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// SetFilters merges the given filters over the active set.
func (s *Store) SetFilters(f reservation.Filters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Date != "" {
		s.filters.Date = f.Date
	}
	if f.CourtID != 0 {
		s.filters.CourtID = f.CourtID
	}
	if f.Status != "" {
		s.filters.Status = f.Status
	}
	if f.UserID != "" {
		s.filters.UserID = f.UserID
	}
}

// ClearFilters resets the active filter set.
func (s *Store) ClearFilters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = reservation.Filters{}
}

// Filters returns the active filter set.
func (s *Store) Filters() reservation.Filters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters
}

// Select marks a reservation as the UI's current selection.
func (s *Store) Select(id any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = reservation.NormalizeID(id)
}

// ClearSelection drops the current selection.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = ""
}

// SelectedID returns the current selection, empty when none.
func (s *Store) SelectedID() reservation.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}
