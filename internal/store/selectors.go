package store

import (
	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/timeutil"
)

// ByID returns the record addressed by id, tolerating string and numeric
// representations.
func (s *Store) ByID(id any) (reservation.Reservation, bool) {
	key := reservation.NormalizeID(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	return r, ok
}

// List returns every record in insertion order.
func (s *Store) List() []reservation.Reservation {
	return s.Snapshot()
}

// Filtered returns the records passing the active filter set.
func (s *Store) Filtered() []reservation.Reservation {
	s.mu.RLock()
	filters := s.filters
	s.mu.RUnlock()
	return s.where(filters.Match)
}

// ByDate returns the records occupying the given calendar day.
func (s *Store) ByDate(date string) []reservation.Reservation {
	return s.where(func(r reservation.Reservation) bool { return r.Day() == date })
}

// ByCourt returns the records on the given court.
func (s *Store) ByCourt(courtID int64) []reservation.Reservation {
	return s.where(func(r reservation.Reservation) bool { return r.CourtID == courtID })
}

// ByStatus returns the records in the given lifecycle state.
func (s *Store) ByStatus(status reservation.Status) []reservation.Reservation {
	return s.where(func(r reservation.Reservation) bool { return r.Status == status })
}

// Active returns the records that count toward occupancy.
func (s *Store) Active() []reservation.Reservation {
	return s.where(reservation.Reservation.IsActive)
}

func (s *Store) where(keep func(reservation.Reservation) bool) []reservation.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reservation.Reservation
	for _, id := range s.order {
		if r := s.records[id]; keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Stats aggregates counts over the collection.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Cancelled int `json:"cancelled"`
	Today     int `json:"today"`
}

// Stats returns aggregate counts; "today" is relative to the store clock.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	today := s.clock.Now().Format(timeutil.DateLayout)
	stats := Stats{Total: len(s.records)}
	for _, r := range s.records {
		switch r.Status {
		case reservation.StatusPending:
			stats.Pending++
		case reservation.StatusConfirmed:
			stats.Confirmed++
		case reservation.StatusCancelled:
			stats.Cancelled++
		}
		if r.Day() == today {
			stats.Today++
		}
	}
	return stats
}

// Conflicting returns the active reservations on the court whose occupied
// interval overlaps the candidate half-open range. Cancelled records and
// records without a resolvable time range never conflict.
func (s *Store) Conflicting(courtID int64, candidate timeutil.Interval) []reservation.Reservation {
	return s.where(func(r reservation.Reservation) bool {
		if r.CourtID != courtID || !r.IsActive() {
			return false
		}
		iv, err := r.Interval()
		if err != nil {
			return false
		}
		return candidate.Overlaps(iv)
	})
}

// ConflictingRange is the clock-string form of Conflicting, matching how
// form inputs express a candidate slot.
func (s *Store) ConflictingRange(courtID int64, date, startTime, endTime string) ([]reservation.Reservation, error) {
	start, err := timeutil.ParseClock(startTime)
	if err != nil {
		return nil, err
	}
	end, err := timeutil.ParseClock(endTime)
	if err != nil {
		return nil, err
	}
	return s.Conflicting(courtID, timeutil.Interval{Date: date, Start: start, End: end}), nil
}
