// Package cache deduplicates concurrent fetches for the same logical
// resource, caches responses under a staleness policy and commits results
// into the store. Every fetch carries a per-key sequence number so a stale
// response that arrives after a newer one is discarded instead of
// overwriting fresher state.
package cache

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/chedoparti/clubsync/internal/reservation"
)

// Kind disambiguates what a key addresses within a resource.
type Kind string

const (
	KindList    Kind = "list"
	KindDetail  Kind = "detail"
	KindByDate  Kind = "by-date"
	KindByCourt Kind = "by-court"
	KindStats   Kind = "stats"
)

// ResourceReservations is the primary resource this client synchronizes.
const ResourceReservations = "reservations"

// Key is a structured cache key: resource kind plus a disambiguator.
// Two callers requesting the same key concurrently share one in-flight
// request.
type Key struct {
	Resource string
	Kind     Kind
	Arg      string
}

// String renders the key in its canonical "resource/kind/arg" form.
func (k Key) String() string {
	if k.Arg == "" {
		return k.Resource + "/" + string(k.Kind)
	}
	return k.Resource + "/" + string(k.Kind) + "/" + k.Arg
}

// ListKey addresses a filtered reservation listing.
func ListKey(f reservation.Filters) Key {
	arg := ""
	if !f.IsZero() {
		encoded, _ := json.Marshal(f)
		arg = string(encoded)
	}
	return Key{Resource: ResourceReservations, Kind: KindList, Arg: arg}
}

// DetailKey addresses a single reservation.
func DetailKey(id reservation.ID) Key {
	return Key{Resource: ResourceReservations, Kind: KindDetail, Arg: string(id)}
}

// ByDateKey addresses the reservations of one calendar day.
func ByDateKey(date string) Key {
	return Key{Resource: ResourceReservations, Kind: KindByDate, Arg: date}
}

// ByCourtKey addresses the reservations of one court.
func ByCourtKey(courtID int64) Key {
	return Key{Resource: ResourceReservations, Kind: KindByCourt, Arg: strconv.FormatInt(courtID, 10)}
}

// StatsKey addresses the aggregate counters.
func StatsKey() Key {
	return Key{Resource: ResourceReservations, Kind: KindStats}
}

// InvalidateReservation marks every key the record can appear under: its
// detail, its day, its court, the unfiltered list and the stats. Local
// mutations and pushed events share this fan-out so both leave the cache in
// the same shape.
func (c *Cache) InvalidateReservation(r reservation.Reservation) {
	c.Invalidate(DetailKey(r.ID))
	if day := r.Day(); day != "" {
		c.Invalidate(ByDateKey(day))
	}
	if r.CourtID != 0 {
		c.Invalidate(ByCourtKey(r.CourtID))
	}
	c.Invalidate(ListKey(reservation.Filters{}))
	c.Invalidate(StatsKey())
}

// parseKey is the inverse of Key.String.
func parseKey(ks string) Key {
	parts := strings.SplitN(ks, "/", 3)
	k := Key{}
	if len(parts) > 0 {
		k.Resource = parts[0]
	}
	if len(parts) > 1 {
		k.Kind = Kind(parts[1])
	}
	if len(parts) > 2 {
		k.Arg = parts[2]
	}
	return k
}
