// Package slots derives the calendar-grid view of a court's day: which
// display slot is occupied by which reservation, and how long a new
// reservation could run from a given start without colliding.
package slots

import (
	"fmt"

	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/timeutil"
)

// SlotMinutes is the display grid granularity.
const SlotMinutes = 30

// SweepDurations are the candidate lengths tried when a reservation's
// duration is not fixed yet, shortest first.
var SweepDurations = []int{30, 60, 90, 120, 150, 180}

// Entry is one occupied display slot. IsStart is true only on the first
// slot a reservation covers, so the grid can merge its later cells.
type Entry struct {
	Reservation reservation.Reservation
	IsStart     bool
}

// Map indexes occupied slots by their "HH:MM" start clock.
type Map map[string]Entry

// Build computes the slot map for one court and date. Cancelled
// reservations and records whose schedule cannot be resolved are skipped.
// When two active reservations cover the same slot the earlier-listed one
// wins; the store is expected to prevent that case up front.
func Build(list []reservation.Reservation, courtID int64, date string) Map {
	m := Map{}
	for _, r := range list {
		if r.CourtID != courtID || !r.IsActive() {
			continue
		}
		iv, err := r.Interval()
		if err != nil || iv.Date != date {
			continue
		}
		first := true
		for s := alignUp(iv.Start); s < iv.End; s += SlotMinutes {
			key := timeutil.FormatClock(s)
			if _, taken := m[key]; taken {
				first = false
				continue
			}
			m[key] = Entry{Reservation: r, IsStart: first}
			first = false
		}
	}
	return m
}

// alignUp rounds a minute offset up to the next grid boundary.
func alignUp(minute int) int {
	if rem := minute % SlotMinutes; rem != 0 {
		return minute + SlotMinutes - rem
	}
	return minute
}

// At reports the reservation occupying the slot that contains the given
// clock, aligning the query down to the grid.
func (m Map) At(clock string) (reservation.Reservation, bool) {
	min, err := timeutil.ParseClock(clock)
	if err != nil {
		return reservation.Reservation{}, false
	}
	e, ok := m[timeutil.FormatClock(min-min%SlotMinutes)]
	return e.Reservation, ok
}

// LongestFree returns the longest sweep duration, in minutes, that fits at
// startClock on the given court and date without overlapping an active
// reservation. It returns 0 when even the shortest duration collides.
func LongestFree(list []reservation.Reservation, courtID int64, date, startClock string) (int, error) {
	start, err := timeutil.ParseClock(startClock)
	if err != nil {
		return 0, fmt.Errorf("parsing start %q: %w", startClock, err)
	}

	var taken []timeutil.Interval
	for _, r := range list {
		if r.CourtID != courtID || !r.IsActive() {
			continue
		}
		iv, err := r.Interval()
		if err != nil || iv.Date != date {
			continue
		}
		taken = append(taken, iv)
	}

	// Candidate intervals nest, so the first colliding duration ends the
	// sweep.
	longest := 0
	for _, d := range SweepDurations {
		candidate := timeutil.Interval{Date: date, Start: start, End: start + d}
		if candidate.End > timeutil.MinutesPerDay {
			break
		}
		blocked := false
		for _, iv := range taken {
			if candidate.Overlaps(iv) {
				blocked = true
				break
			}
		}
		if blocked {
			break
		}
		longest = d
	}
	return longest, nil
}
