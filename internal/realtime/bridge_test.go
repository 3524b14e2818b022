package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chedoparti/clubsync/internal/cache"
	"github.com/chedoparti/clubsync/internal/events"
	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/store"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBridge(opts Options) (*Bridge, *store.Store, *cache.Cache, *events.Bus) {
	s := store.New()
	c := cache.New(cache.Options{BaseDelay: time.Millisecond}, zerolog.Nop())
	bus := events.NewBus()
	if opts.Clock == nil {
		opts.Clock = &mockClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	}
	return New(opts, s, c, bus, zerolog.Nop()), s, c, bus
}

func marshalEvent(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// seedKey primes a cache key and returns a counter of how many fetches it
// has served, so invalidation can be observed as a second fetch.
func seedKey(t *testing.T, c *cache.Cache, key cache.Key) func() int {
	t.Helper()
	var mu sync.Mutex
	fetches := 0
	get := func() {
		_, err := c.Get(context.Background(), key, func(ctx context.Context) (any, error) {
			mu.Lock()
			fetches++
			mu.Unlock()
			return "v", nil
		}, func(any) {})
		if err != nil {
			t.Fatalf("cache.Get(%s): %v", key, err)
		}
	}
	get()
	return func() int {
		get()
		mu.Lock()
		defer mu.Unlock()
		return fetches
	}
}

func TestDispatchCreatedAddsAndInvalidates(t *testing.T) {
	b, s, c, _ := testBridge(Options{})
	byDate := seedKey(t, c, cache.ByDateKey("2024-06-01"))
	byCourt := seedKey(t, c, cache.ByCourtKey(5))

	b.Dispatch(events.TopicReservationCreated, marshalEvent(t, reservationEvent{
		Reservation: reservation.Reservation{
			ID: "10", CourtID: 5, Date: "2024-06-01", Time: "10:00", Duration: "01:00",
		},
	}))

	if _, ok := s.ByID("10"); !ok {
		t.Fatal("created event must add the record")
	}
	if byDate() != 2 {
		t.Error("by-date key should have been invalidated")
	}
	if byCourt() != 2 {
		t.Error("by-court key should have been invalidated")
	}
}

func TestDispatchUpdatedUnknownRecordIsAdded(t *testing.T) {
	b, s, _, _ := testBridge(Options{})

	b.Dispatch(events.TopicReservationUpdated, marshalEvent(t, reservationEvent{
		Reservation: reservation.Reservation{ID: "7", CourtID: 3, Date: "2024-06-02", Time: "09:00", Duration: "01:00"},
	}))

	if _, ok := s.ByID("7"); !ok {
		t.Error("update for an unseen record must land in the store")
	}
}

func TestDispatchUpdatedInvalidatesOldDay(t *testing.T) {
	b, s, c, _ := testBridge(Options{})
	r := reservation.Reservation{ID: "7", CourtID: 3, Date: "2024-06-01", Time: "09:00", Duration: "01:00"}
	s.SetReservations([]reservation.Reservation{r}, "")
	oldDay := seedKey(t, c, cache.ByDateKey("2024-06-01"))

	moved := r
	moved.Date = "2024-06-02"
	b.Dispatch(events.TopicReservationUpdated, marshalEvent(t, reservationEvent{
		Reservation:    moved,
		OldReservation: &r,
	}))

	if oldDay() != 2 {
		t.Error("the vacated day's key should have been invalidated")
	}
	got, _ := s.ByID("7")
	if got.Date != "2024-06-02" {
		t.Errorf("Date = %s, want 2024-06-02", got.Date)
	}
}

func TestDispatchCancelledStampsMetadata(t *testing.T) {
	b, s, _, _ := testBridge(Options{})
	r := reservation.Reservation{ID: "7", CourtID: 3, Date: "2024-06-01", Time: "09:00", Duration: "01:00", Status: reservation.StatusConfirmed}
	s.SetReservations([]reservation.Reservation{r}, "")

	b.Dispatch(events.TopicReservationCancelled, marshalEvent(t, reservationEvent{
		Reservation: reservation.Reservation{ID: "7"},
	}))

	got, ok := s.ByID("7")
	if !ok {
		t.Fatal("cancelled record must stay in the store")
	}
	if got.Status != reservation.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if got.StatusMetadata["cancelledAt"] == nil {
		t.Error("cancelledAt must be stamped")
	}
}

func TestDispatchCancelledInvalidatesScopedKeys(t *testing.T) {
	b, s, c, _ := testBridge(Options{})
	r := reservation.Reservation{ID: "7", CourtID: 3, Date: "2024-06-01", Time: "09:00", Duration: "01:00", Status: reservation.StatusConfirmed}
	s.SetReservations([]reservation.Reservation{r}, "")
	byDate := seedKey(t, c, cache.ByDateKey("2024-06-01"))
	byCourt := seedKey(t, c, cache.ByCourtKey(3))

	b.Dispatch(events.TopicReservationCancelled, marshalEvent(t, reservationEvent{
		Reservation: r,
	}))

	if byDate() != 2 {
		t.Error("a cancelled slot's by-date key should have been invalidated")
	}
	if byCourt() != 2 {
		t.Error("a cancelled slot's by-court key should have been invalidated")
	}
}

func TestDispatchConfirmedInvalidatesScopedKeys(t *testing.T) {
	b, s, c, _ := testBridge(Options{})
	r := reservation.Reservation{ID: "7", CourtID: 3, Date: "2024-06-01", Time: "09:00", Duration: "01:00", Status: reservation.StatusPending}
	s.SetReservations([]reservation.Reservation{r}, "")
	byDate := seedKey(t, c, cache.ByDateKey("2024-06-01"))

	b.Dispatch(events.TopicReservationConfirmed, marshalEvent(t, reservationEvent{
		Reservation: r,
	}))

	got, _ := s.ByID("7")
	if got.Status != reservation.StatusConfirmed {
		t.Errorf("Status = %q, want confirmed", got.Status)
	}
	if byDate() != 2 {
		t.Error("a confirmed slot's by-date key should have been invalidated")
	}
}

func TestDispatchStatusChanged(t *testing.T) {
	b, s, _, _ := testBridge(Options{})
	r := reservation.Reservation{ID: "7", CourtID: 3, Date: "2024-06-01", Time: "09:00", Duration: "01:00", Status: reservation.StatusPending}
	s.SetReservations([]reservation.Reservation{r}, "")

	b.Dispatch(events.TopicReservationStatus, marshalEvent(t, reservationEvent{
		Reservation: reservation.Reservation{ID: "7", Status: reservation.StatusInProgress},
	}))

	got, _ := s.ByID("7")
	if got.Status != reservation.StatusInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}
}

func TestRooms(t *testing.T) {
	b, _, _, _ := testBridge(Options{
		InstitutionID: "inst1",
		UserID:        "u1",
		CourtIDs:      []int64{5, 6},
	})
	got := strings.Join(b.Rooms(), ",")
	want := "institution:inst1,court:5,court:6,user:u1"
	if got != want {
		t.Errorf("Rooms = %s, want %s", got, want)
	}
}

// wsServer upgrades connections, records joined rooms and pushes queued
// frames to each client.
type wsServer struct {
	upgrader websocket.Upgrader
	// expectJoins is how many join frames to read before pushing outbound
	// frames.
	expectJoins int
	outbound    []frame
	// closeFirst drops the first connection right after the upgrade.
	closeFirst bool

	mu    sync.Mutex
	rooms []string
	query map[string]string
	conns int
}

func (ws *wsServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ws.mu.Lock()
	ws.conns++
	first := ws.conns == 1
	ws.query = map[string]string{
		"institutionId": r.URL.Query().Get("institutionId"),
		"userId":        r.URL.Query().Get("userId"),
		"type":          r.URL.Query().Get("type"),
	}
	ws.mu.Unlock()

	if first && ws.closeFirst {
		return
	}

	readFrame := func() (frame, bool) {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return frame{}, false
		}
		return f, true
	}

	for i := 0; i < ws.expectJoins; i++ {
		f, ok := readFrame()
		if !ok {
			return
		}
		if f.Event == "join" {
			var rm roomMessage
			json.Unmarshal(f.Data, &rm)
			ws.mu.Lock()
			ws.rooms = append(ws.rooms, rm.Room)
			ws.mu.Unlock()
		}
	}

	for _, f := range ws.outbound {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}

	// Hold the connection open until the client goes away.
	for {
		if _, ok := readFrame(); !ok {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunDeliversEvents(t *testing.T) {
	payload := marshalEvent(t, reservationEvent{
		Reservation: reservation.Reservation{ID: "42", CourtID: 5, Date: "2024-06-01", Time: "10:00", Duration: "01:00"},
	})
	ws := &wsServer{
		expectJoins: 2,
		outbound:    []frame{{Event: events.TopicReservationCreated, Data: payload}},
	}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	b, s, _, _ := testBridge(Options{
		URL:           wsURL(srv),
		InstitutionID: "inst1",
		UserID:        "u1",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := s.ByID("42"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("created event never reached the store")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.query["institutionId"] != "inst1" || ws.query["userId"] != "u1" || ws.query["type"] != "reservations" {
		t.Errorf("connection query = %v", ws.query)
	}
	joined := strings.Join(ws.rooms, ",")
	if !strings.Contains(joined, "institution:inst1") || !strings.Contains(joined, "user:u1") {
		t.Errorf("joined rooms = %s", joined)
	}
}

func TestRunReconnectBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b, _, _, bus := testBridge(Options{
		URL:            wsURL(srv),
		MaxReconnects:  3,
		ReconnectDelay: time.Millisecond,
	})

	var mu sync.Mutex
	errorsSeen := 0
	bus.Subscribe(events.TopicConnection, func(e events.Event) {
		if st, ok := e.Payload.(ConnectionState); ok && st.Status == "error" {
			mu.Lock()
			errorsSeen++
			mu.Unlock()
		}
	})

	err := b.Run(context.Background())
	if err != ErrReconnectExhausted {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if errorsSeen != 3 {
		t.Errorf("error states = %d, want 3", errorsSeen)
	}
}

func TestLongOutageForcesFullInvalidation(t *testing.T) {
	ws := &wsServer{closeFirst: true}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	clk := &mockClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	b, _, c, bus := testBridge(Options{
		URL:            wsURL(srv),
		ReconnectDelay: time.Millisecond,
		SyncInterval:   30 * time.Second,
		Clock:          clk,
	})

	byDate := seedKey(t, c, cache.ByDateKey("2024-06-01"))

	states := make(chan string, 16)
	bus.Subscribe(events.TopicConnection, func(e events.Event) {
		st, ok := e.Payload.(ConnectionState)
		if !ok {
			return
		}
		// The handler runs synchronously inside the reconnect loop, so the
		// jump lands before the bridge measures the outage.
		if st.Status == "disconnected" {
			clk.Advance(31 * time.Second)
		}
		states <- st.Status
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	waitFor := func(want string) {
		deadline := time.After(3 * time.Second)
		for {
			select {
			case got := <-states:
				if got == want {
					return
				}
			case <-deadline:
				t.Fatalf("never saw connection state %q", want)
			}
		}
	}

	waitFor("connected")
	waitFor("disconnected")
	waitFor("connected")

	if byDate() != 2 {
		t.Error("reconnect after a long outage must invalidate cached entries")
	}
}
