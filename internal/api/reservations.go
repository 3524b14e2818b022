package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chedoparti/clubsync/internal/reservation"
)

// Reservations groups the reservation endpoints.
type Reservations struct {
	client *Client
}

// NewReservations binds the reservation endpoints to a transport.
func NewReservations(c *Client) *Reservations {
	return &Reservations{client: c}
}

func filterQuery(f reservation.Filters) url.Values {
	q := url.Values{}
	if f.Date != "" {
		q.Set("date", f.Date)
	}
	if f.CourtID != 0 {
		q.Set("courtId", strconv.FormatInt(f.CourtID, 10))
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.UserID != "" {
		q.Set("userId", f.UserID)
	}
	return q
}

// List fetches reservations matching the filter set.
func (a *Reservations) List(ctx context.Context, f reservation.Filters) ([]reservation.Reservation, error) {
	var out []reservation.Reservation
	err := a.client.Do(ctx, http.MethodGet, "/reservation/reservations", filterQuery(f), nil, &out)
	return out, err
}

// Get fetches a single reservation by id.
func (a *Reservations) Get(ctx context.Context, id reservation.ID) (reservation.Reservation, error) {
	var out reservation.Reservation
	err := a.client.Do(ctx, http.MethodGet, "/reservation/reservations/"+url.PathEscape(string(id)), nil, nil, &out)
	return out, err
}

// ByDate fetches the reservations occupying a calendar day.
func (a *Reservations) ByDate(ctx context.Context, date string) ([]reservation.Reservation, error) {
	return a.List(ctx, reservation.Filters{Date: date})
}

// ByCourt fetches the reservations on a court.
func (a *Reservations) ByCourt(ctx context.Context, courtID int64) ([]reservation.Reservation, error) {
	return a.List(ctx, reservation.Filters{CourtID: courtID})
}

// StatsOverview is the server-side aggregate counters payload.
type StatsOverview struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Cancelled int `json:"cancelled"`
	Today     int `json:"today"`
}

// Stats fetches the server-side aggregate counters.
func (a *Reservations) Stats(ctx context.Context) (StatsOverview, error) {
	var out StatsOverview
	err := a.client.Do(ctx, http.MethodGet, "/reservation/stats/overview", nil, nil, &out)
	return out, err
}

// Create submits a new reservation and returns the server-issued record.
func (a *Reservations) Create(ctx context.Context, r reservation.Reservation) (reservation.Reservation, error) {
	payload := r
	payload.ID = "" // the server assigns the id
	payload.IsOptimistic = false
	var out reservation.Reservation
	err := a.client.Do(ctx, http.MethodPost, "/reservation/reservations", nil, payload, &out)
	return out, err
}

// Update replaces mutable fields of an existing reservation.
func (a *Reservations) Update(ctx context.Context, id reservation.ID, r reservation.Reservation) (reservation.Reservation, error) {
	var out reservation.Reservation
	err := a.client.Do(ctx, http.MethodPut, "/reservation/reservations/"+url.PathEscape(string(id)), nil, r, &out)
	return out, err
}

// Cancel transitions a reservation to cancelled with a reason.
func (a *Reservations) Cancel(ctx context.Context, id reservation.ID, reason string) (reservation.Reservation, error) {
	body := map[string]string{"reason": reason}
	var out reservation.Reservation
	err := a.client.Do(ctx, http.MethodPost, "/reservation/reservations/"+url.PathEscape(string(id))+"/cancel", nil, body, &out)
	return out, err
}

// ChangeStatus moves a reservation to an arbitrary lifecycle state.
func (a *Reservations) ChangeStatus(ctx context.Context, id reservation.ID, status reservation.Status, reason string) (reservation.Reservation, error) {
	q := url.Values{}
	q.Set("status", string(status))
	if reason != "" {
		q.Set("reason", reason)
	}
	var out reservation.Reservation
	err := a.client.Do(ctx, http.MethodPatch, "/reservation/reservations/"+url.PathEscape(string(id))+"/status", q, nil, &out)
	return out, err
}
