// Package reservation defines the client-side reservation domain model.
package reservation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chedoparti/clubsync/internal/timeutil"
)

// Status enumerates the reservation lifecycle states.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusConfirmed       Status = "confirmed"
	StatusInProgress      Status = "in_progress"
	StatusFinished        Status = "finished"
	StatusCancelled       Status = "cancelled"
	StatusNoShow          Status = "no_show"
)

// Type enumerates the reservation categories the club supports.
type Type string

const (
	TypeNormal     Type = "Normal"
	TypeFijo       Type = "Fijo"
	TypeTorneo     Type = "Torneo"
	TypeAcademia   Type = "Academia"
	TypeInvitado   Type = "Invitado"
	TypeClase      Type = "Clase"
	TypeEscuela    Type = "Escuela"
	TypeCumpleanos Type = "Cumpleaños"
	TypeAbono      Type = "Abono"
)

// TypePrivate replaces the real type in redacted projections.
const TypePrivate Type = "Privada"

const tempIDPrefix = "temp-"

// ID identifies a reservation. Server-issued ids are integers; the client
// holds a "temp-" prefixed placeholder until the server confirms a create.
// The wire format may carry ids as JSON numbers or strings, so both decode
// into the same canonical representation.
type ID string

// IsTemp reports whether the id is a client-side placeholder.
func (id ID) IsTemp() bool {
	return strings.HasPrefix(string(id), tempIDPrefix)
}

// TempID builds a placeholder id from a unique suffix.
func TempID(suffix string) ID {
	return ID(tempIDPrefix + suffix)
}

// NormalizeID canonicalizes an id that may arrive as a string or a number,
// so "42" and 42 address the same record.
func NormalizeID(raw any) ID {
	switch v := raw.(type) {
	case ID:
		return v
	case string:
		return ID(strings.TrimSpace(v))
	case int:
		return ID(fmt.Sprintf("%d", v))
	case int64:
		return ID(fmt.Sprintf("%d", v))
	case float64:
		return ID(fmt.Sprintf("%d", int64(v)))
	case json.Number:
		return ID(v.String())
	default:
		return ID(fmt.Sprintf("%v", v))
	}
}

// UnmarshalJSON accepts ids encoded as JSON numbers or strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid reservation id %s", string(data))
	}
	*id = ID(n.String())
	return nil
}

// Reservation is the core entity kept in the client store.
type Reservation struct {
	ID      ID    `json:"id"`
	CourtID int64 `json:"courtId"`

	// Slot representation: calendar day, start and elapsed duration.
	Date     string `json:"date,omitempty"`     // YYYY-MM-DD
	Time     string `json:"time,omitempty"`     // HH:MM
	Duration string `json:"duration,omitempty"` // HH:MM elapsed
	EndTime  string `json:"endTime,omitempty"`

	// Combined representation; authoritative over Date/Time/Duration
	// when both are present.
	StartAt string `json:"startAt,omitempty"`
	EndAt   string `json:"endAt,omitempty"`

	Type   Type   `json:"type,omitempty"`
	Status Status `json:"status,omitempty"`

	UserID           string `json:"userId,omitempty"`
	MembershipNumber string `json:"membershipNumber,omitempty"`
	IsPrivateInfo    bool   `json:"isPrivateInfo,omitempty"`

	Notes string `json:"notes,omitempty"`

	CreatedAt       time.Time      `json:"createdAt,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt,omitempty"`
	StatusChangedAt time.Time      `json:"statusChangedAt,omitempty"`
	StatusMetadata  map[string]any `json:"statusMetadata,omitempty"`

	// IsOptimistic marks a local write not yet confirmed by the server.
	IsOptimistic bool `json:"isOptimistic,omitempty"`
}

// IsActive reports whether the reservation should count toward slot
// occupancy and conflicts. Cancelled records stay in the store for history
// but never occupy a slot.
func (r Reservation) IsActive() bool {
	return r.Status != StatusCancelled
}

// Interval resolves the reservation's occupied time range into a canonical
// half-open minute interval. The StartAt/EndAt pair wins when present;
// otherwise Date+Time+Duration is used. An error means neither shape is
// resolvable.
func (r Reservation) Interval() (timeutil.Interval, error) {
	if r.StartAt != "" && r.EndAt != "" {
		return timeutil.IntervalFromTimestamps(r.StartAt, r.EndAt)
	}
	if r.Date != "" && r.Time != "" {
		duration := r.Duration
		if duration == "" && r.EndTime != "" {
			startMin, err := timeutil.ParseClock(r.Time)
			if err != nil {
				return timeutil.Interval{}, err
			}
			endMin, err := timeutil.ParseClock(r.EndTime)
			if err != nil {
				return timeutil.Interval{}, err
			}
			return timeutil.Interval{Date: r.Date, Start: startMin, End: endMin}, nil
		}
		return timeutil.NewInterval(r.Date, r.Time, duration)
	}
	return timeutil.Interval{}, fmt.Errorf("reservation %s has no resolvable time range", r.ID)
}

// Day returns the calendar day the reservation occupies, regardless of
// which scheduling shape it carries.
func (r Reservation) Day() string {
	if r.StartAt != "" {
		if iv, err := r.Interval(); err == nil {
			return iv.Date
		}
		if len(r.StartAt) >= len(timeutil.DateLayout) {
			return r.StartAt[:len(timeutil.DateLayout)]
		}
	}
	return r.Date
}

// Merge returns a copy of r with every non-zero field of patch applied.
// Identity and bookkeeping fields follow the patch when set.
func (r Reservation) Merge(patch Patch) Reservation {
	merged := r
	patch.apply(&merged)
	return merged
}

// Patch carries a partial update. Nil fields leave the target untouched.
type Patch struct {
	CourtID  *int64
	Date     *string
	Time     *string
	Duration *string
	EndTime  *string
	StartAt  *string
	EndAt    *string
	Type     *Type
	Status   *Status

	UserID           *string
	MembershipNumber *string
	IsPrivateInfo    *bool
	Notes            *string

	StatusChangedAt *time.Time
	StatusMetadata  map[string]any

	IsOptimistic *bool
}

func (p Patch) apply(r *Reservation) {
	if p.CourtID != nil {
		r.CourtID = *p.CourtID
	}
	if p.Date != nil {
		r.Date = *p.Date
	}
	if p.Time != nil {
		r.Time = *p.Time
	}
	if p.Duration != nil {
		r.Duration = *p.Duration
	}
	if p.EndTime != nil {
		r.EndTime = *p.EndTime
	}
	if p.StartAt != nil {
		r.StartAt = *p.StartAt
	}
	if p.EndAt != nil {
		r.EndAt = *p.EndAt
	}
	if p.Type != nil {
		r.Type = *p.Type
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.UserID != nil {
		r.UserID = *p.UserID
	}
	if p.MembershipNumber != nil {
		r.MembershipNumber = *p.MembershipNumber
	}
	if p.IsPrivateInfo != nil {
		r.IsPrivateInfo = *p.IsPrivateInfo
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
	if p.StatusChangedAt != nil {
		r.StatusChangedAt = *p.StatusChangedAt
	}
	if len(p.StatusMetadata) > 0 {
		// A fresh map keeps snapshots taken before the merge intact; the
		// target's map may be shared with older copies of the record.
		merged := make(map[string]any, len(r.StatusMetadata)+len(p.StatusMetadata))
		for k, v := range r.StatusMetadata {
			merged[k] = v
		}
		for k, v := range p.StatusMetadata {
			merged[k] = v
		}
		r.StatusMetadata = merged
	}
	if p.IsOptimistic != nil {
		r.IsOptimistic = *p.IsOptimistic
	}
}

// PatchFrom expresses a full record as a patch, used when a server-pushed
// record must be merged over a stored one field by field.
func PatchFrom(r Reservation) Patch {
	p := Patch{}
	if r.CourtID != 0 {
		p.CourtID = &r.CourtID
	}
	if r.Date != "" {
		p.Date = &r.Date
	}
	if r.Time != "" {
		p.Time = &r.Time
	}
	if r.Duration != "" {
		p.Duration = &r.Duration
	}
	if r.EndTime != "" {
		p.EndTime = &r.EndTime
	}
	if r.StartAt != "" {
		p.StartAt = &r.StartAt
	}
	if r.EndAt != "" {
		p.EndAt = &r.EndAt
	}
	if r.Type != "" {
		p.Type = &r.Type
	}
	if r.Status != "" {
		p.Status = &r.Status
	}
	if r.UserID != "" {
		p.UserID = &r.UserID
	}
	if r.MembershipNumber != "" {
		p.MembershipNumber = &r.MembershipNumber
	}
	if r.IsPrivateInfo {
		p.IsPrivateInfo = &r.IsPrivateInfo
	}
	if r.Notes != "" {
		p.Notes = &r.Notes
	}
	if !r.StatusChangedAt.IsZero() {
		p.StatusChangedAt = &r.StatusChangedAt
	}
	if len(r.StatusMetadata) > 0 {
		p.StatusMetadata = r.StatusMetadata
	}
	return p
}
