package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chedoparti/clubsync/internal/config"
	"github.com/chedoparti/clubsync/internal/reservation"
)

type backend struct {
	mu       sync.Mutex
	listHits int
	list     []reservation.Reservation
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/reservation/reservations", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.listHits++
		list := b.list
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
	})
	return mux
}

func (b *backend) hits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listHits
}

func testClient(t *testing.T, b *backend, viewer reservation.Viewer) *Client {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.App.Name = "clubsync"
	cfg.Backend.BaseURL = srv.URL
	cfg.Session.InstitutionID = "inst1"
	cfg.Session.UserID = viewer.UserID
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return New(cfg, viewer, zerolog.Nop())
}

func adminViewer() reservation.Viewer {
	return reservation.Viewer{UserID: "admin", Role: reservation.RoleAdmin}
}

func TestReservationsCachedAcrossCalls(t *testing.T) {
	b := &backend{list: []reservation.Reservation{
		{ID: "1", CourtID: 5, Date: "2024-06-01", Time: "10:00", Duration: "01:00"},
	}}
	c := testClient(t, b, adminViewer())

	for i := 0; i < 3; i++ {
		got, err := c.Reservations(context.Background())
		if err != nil {
			t.Fatalf("Reservations: %v", err)
		}
		if len(got) != 1 || got[0].ID != "1" {
			t.Fatalf("reservations = %+v", got)
		}
	}
	if b.hits() != 1 {
		t.Errorf("backend hits = %d, repeated reads must come from cache", b.hits())
	}
}

func TestSyncAllForcesRefetch(t *testing.T) {
	b := &backend{list: []reservation.Reservation{
		{ID: "1", CourtID: 5, Date: "2024-06-01", Time: "10:00", Duration: "01:00"},
	}}
	c := testClient(t, b, adminViewer())

	if _, err := c.Reservations(context.Background()); err != nil {
		t.Fatalf("Reservations: %v", err)
	}
	if err := c.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if b.hits() != 2 {
		t.Errorf("backend hits = %d, sync-all must bypass the cache", b.hits())
	}
	if c.Store().LastError() != "" {
		t.Errorf("LastError = %q after successful sync", c.Store().LastError())
	}
}

func TestRedactionAppliedToReads(t *testing.T) {
	b := &backend{list: []reservation.Reservation{
		{
			ID: "1", CourtID: 5, Date: "2024-06-01", Time: "10:00", Duration: "01:00",
			Type: reservation.TypeClase, UserID: "owner", IsPrivateInfo: true,
		},
	}}
	stranger := reservation.Viewer{UserID: "someone-else", Role: reservation.RoleUser}
	c := testClient(t, b, stranger)

	got, err := c.ReservationsByDate(context.Background(), "2024-06-01")
	if err != nil {
		t.Fatalf("ReservationsByDate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("reservations = %+v", got)
	}
	if got[0].Type != reservation.TypePrivate {
		t.Errorf("Type = %q, private records must be redacted for strangers", got[0].Type)
	}
	if got[0].UserID != "" {
		t.Error("identity fields must be withheld")
	}
}

func TestUpdateDeniedByRole(t *testing.T) {
	b := &backend{}
	owner := reservation.Viewer{UserID: "u1", Role: reservation.RoleUser}
	c := testClient(t, b, owner)

	// A past reservation is immutable for non-admins.
	c.Store().SetReservations([]reservation.Reservation{
		{ID: "1", CourtID: 5, Date: "2000-01-01", Time: "10:00", Duration: "01:00", UserID: "u1"},
	}, "")

	_, err := c.Update(context.Background(), "1", reservation.Patch{})
	if !errors.Is(err, ErrNotPermitted) {
		t.Errorf("err = %v, want ErrNotPermitted", err)
	}
}

func TestCreateValidationRejectedLocally(t *testing.T) {
	c := testClient(t, &backend{}, adminViewer())

	_, err := c.Create(context.Background(), reservation.Reservation{CourtID: 0})
	if err == nil {
		t.Fatal("invalid candidate must be rejected before the network")
	}
}
