// Package rules holds the role and lead-time policy for reservation
// writes. Everything here is a local pre-check; the backend remains the
// authority and may still reject a request that passes.
package rules

import (
	"sort"
	"strings"
	"time"

	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/timeutil"
)

// Lead times a non-admin must leave before a reservation's start to edit
// or cancel it.
const (
	CoachLeadTime  = time.Hour
	MemberLeadTime = 2 * time.Hour
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Checker evaluates the policy against an injected clock.
type Checker struct {
	clock Clock
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(ch *Checker) { ch.clock = c }
}

// New builds a Checker.
func New(opts ...Option) *Checker {
	ch := &Checker{clock: realClock{}}
	for _, o := range opts {
		o(ch)
	}
	return ch
}

// CanCreateType reports whether the viewer may create a reservation of
// the given type. Admins may create anything; classes additionally allow
// coaches; tournament, school, birthday and season-pass bookings are
// admin-only.
func CanCreateType(v reservation.Viewer, t reservation.Type) bool {
	if v.IsAdmin() {
		return true
	}
	switch t {
	case reservation.TypeNormal:
		return true
	case reservation.TypeClase:
		return v.Role == reservation.RoleCoach
	case reservation.TypeTorneo, reservation.TypeEscuela, reservation.TypeCumpleanos, reservation.TypeAbono:
		return false
	default:
		return false
	}
}

// CanEdit reports whether the viewer may modify the reservation. Admins
// always can. Everyone else must own the record, the start must still be
// in the future, and the role's lead time must not have passed.
func (ch *Checker) CanEdit(v reservation.Viewer, r reservation.Reservation) bool {
	return ch.allowed(v, r)
}

// CanCancel mirrors CanEdit; cancellation carries the same lead times.
func (ch *Checker) CanCancel(v reservation.Viewer, r reservation.Reservation) bool {
	return ch.allowed(v, r)
}

func (ch *Checker) allowed(v reservation.Viewer, r reservation.Reservation) bool {
	if v.IsAdmin() {
		return true
	}
	start, err := StartTime(r)
	if err != nil {
		return false
	}
	until := start.Sub(ch.clock.Now())
	if until <= 0 {
		return false
	}
	if !v.Owns(r) {
		return false
	}
	switch v.Role {
	case reservation.RoleCoach:
		return until > CoachLeadTime
	case reservation.RoleUser, reservation.RoleSocio:
		return until > MemberLeadTime
	default:
		return false
	}
}

// EditableFields lists which reservation fields the viewer's role may
// change.
func EditableFields(v reservation.Viewer) []string {
	switch {
	case v.IsAdmin():
		return []string{"courtId", "date", "time", "duration", "type", "user", "notes", "price"}
	case v.Role == reservation.RoleCoach:
		return []string{"courtId", "date", "time", "duration", "type"}
	case v.Role == reservation.RoleUser || v.Role == reservation.RoleSocio:
		return []string{"courtId", "date", "time", "duration"}
	default:
		return nil
	}
}

// ValidationErrors maps a field name to what is wrong with it.
type ValidationErrors map[string]string

func (e ValidationErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+e[f])
	}
	return "invalid reservation: " + strings.Join(parts, "; ")
}

// Validate runs the pre-submit checks: required court, a resolvable
// schedule, a future start, and type permission for the viewer. An empty
// map means the reservation may be submitted.
func (ch *Checker) Validate(v reservation.Viewer, r reservation.Reservation) ValidationErrors {
	errs := ValidationErrors{}

	if r.CourtID == 0 {
		errs["courtId"] = "court is required"
	}
	if _, err := r.Interval(); err != nil {
		errs["time"] = "a date, time and duration (or startAt/endAt) are required"
	} else {
		start, err := StartTime(r)
		if err == nil && !start.After(ch.clock.Now()) {
			errs["time"] = "reservations cannot start in the past"
		}
	}
	if r.Type != "" && !CanCreateType(v, r.Type) {
		errs["type"] = "your role cannot create this reservation type"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// StartTime resolves the reservation's absolute start instant in the
// local timezone.
func StartTime(r reservation.Reservation) (time.Time, error) {
	iv, err := r.Interval()
	if err != nil {
		return time.Time{}, err
	}
	day, err := time.ParseInLocation(timeutil.DateLayout, iv.Date, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	return day.Add(time.Duration(iv.Start) * time.Minute), nil
}
