// Package realtime keeps the local store in step with changes other
// clients make, over a WebSocket feed of named reservation events.
//
// Incoming events flow through the same store mutators as local
// optimistic writes, so a pushed change and a local change leave the
// store in the same shape. Missed windows are reconciled coarsely: once
// an outage outlasts the sync interval, every cache entry is invalidated
// on reconnect rather than replayed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chedoparti/clubsync/internal/cache"
	"github.com/chedoparti/clubsync/internal/events"
	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/store"
)

// Defaults for the reconnect policy.
const (
	DefaultMaxReconnects  = 5
	DefaultReconnectDelay = time.Second
	DefaultSyncInterval   = 30 * time.Second
)

// ErrReconnectExhausted is returned by Run when the bounded reconnect
// budget is spent without reaching the server.
var ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

// ConnectionState is published on the connection topic whenever the link
// changes.
type ConnectionState struct {
	Status   string // connected, disconnected, error
	Reason   string
	Attempts int
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configures a Bridge.
type Options struct {
	// URL is the WebSocket endpoint, ws:// or wss://.
	URL string
	// InstitutionID and UserID are sent as connection-time query values
	// and decide the rooms joined after connect.
	InstitutionID string
	UserID        string
	// CourtIDs optionally narrows the feed to per-court rooms.
	CourtIDs []int64

	MaxReconnects  int
	ReconnectDelay time.Duration
	// SyncInterval bounds how long an outage may last before reconnect
	// forces a full cache invalidation.
	SyncInterval time.Duration

	Clock  Clock
	Dialer *websocket.Dialer
}

// Bridge owns the connection and the dispatch of incoming events.
type Bridge struct {
	opts  Options
	store *store.Store
	cache *cache.Cache
	bus   *events.Bus
	log   zerolog.Logger
}

// New builds a Bridge. Zero option fields get the package defaults.
func New(opts Options, s *store.Store, c *cache.Cache, bus *events.Bus, log zerolog.Logger) *Bridge {
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Bridge{opts: opts, store: s, cache: c, bus: bus, log: log}
}

// frame is the wire envelope, both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// reservationEvent is the payload of the reservation:* events.
type reservationEvent struct {
	Reservation    reservation.Reservation  `json:"reservation"`
	OldReservation *reservation.Reservation `json:"oldReservation,omitempty"`
}

// availabilityEvent is the payload of court:availability_changed.
type availabilityEvent struct {
	CourtID int64  `json:"courtId"`
	Date    string `json:"date"`
}

type roomMessage struct {
	Room string `json:"room"`
}

// Run connects and processes events until the context is cancelled. The
// connection is re-established after failures up to MaxReconnects times
// per outage with a fixed delay; the attempt counter resets on every
// successful connect.
func (b *Bridge) Run(ctx context.Context) error {
	attempts := 0
	var disconnectedAt time.Time

	for {
		conn, err := b.dial(ctx)
		if err != nil {
			attempts++
			b.publishState(ConnectionState{Status: "error", Reason: err.Error(), Attempts: attempts})
			if attempts >= b.opts.MaxReconnects {
				b.log.Error().Err(err).Int("attempts", attempts).Msg("Realtime reconnect budget exhausted")
				return ErrReconnectExhausted
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.opts.ReconnectDelay):
			}
			continue
		}

		attempts = 0
		if !disconnectedAt.IsZero() && b.opts.Clock.Now().Sub(disconnectedAt) > b.opts.SyncInterval {
			b.log.Info().Msg("Outage exceeded sync interval, invalidating all cached data")
			b.cache.InvalidateAll()
		}
		disconnectedAt = time.Time{}
		b.publishState(ConnectionState{Status: "connected"})

		err = b.readLoop(ctx, conn)
		conn.Close()
		disconnectedAt = b.opts.Clock.Now()
		if ctx.Err() != nil {
			b.publishState(ConnectionState{Status: "disconnected", Reason: "shutdown"})
			return ctx.Err()
		}
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		b.publishState(ConnectionState{Status: "disconnected", Reason: reason})
		b.log.Warn().Err(err).Msg("Realtime connection lost, reconnecting")
	}
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(b.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if b.opts.InstitutionID != "" {
		q.Set("institutionId", b.opts.InstitutionID)
	}
	if b.opts.UserID != "" {
		q.Set("userId", b.opts.UserID)
	}
	q.Set("type", "reservations")
	u.RawQuery = q.Encode()

	conn, _, err := b.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if err := b.joinRooms(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (b *Bridge) joinRooms(conn *websocket.Conn) error {
	for _, room := range b.Rooms() {
		if err := writeFrame(conn, "join", roomMessage{Room: room}); err != nil {
			return err
		}
	}
	return nil
}

// Rooms lists the broadcast scopes this bridge subscribes to.
func (b *Bridge) Rooms() []string {
	var rooms []string
	if b.opts.InstitutionID != "" {
		rooms = append(rooms, "institution:"+b.opts.InstitutionID)
	}
	for _, id := range b.opts.CourtIDs {
		rooms = append(rooms, "court:"+strconv.FormatInt(id, 10))
	}
	if b.opts.UserID != "" {
		rooms = append(rooms, "user:"+b.opts.UserID)
	}
	return rooms
}

func writeFrame(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame{Event: event, Data: raw})
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			b.log.Warn().Err(err).Msg("Dropping malformed realtime frame")
			continue
		}
		b.Dispatch(f.Event, f.Data)
	}
}

// Dispatch applies one named event to the store and cache. It is exported
// so the facade can replay events without a live connection.
func (b *Bridge) Dispatch(event string, data json.RawMessage) {
	switch event {
	case events.TopicReservationCreated,
		events.TopicReservationUpdated,
		events.TopicReservationCancelled,
		events.TopicReservationConfirmed,
		events.TopicReservationStatus:
		var ev reservationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			b.log.Warn().Err(err).Str("event", event).Msg("Dropping malformed reservation event")
			return
		}
		b.applyReservation(event, ev)
	case events.TopicCourtAvailability:
		var ev availabilityEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			b.log.Warn().Err(err).Msg("Dropping malformed availability event")
			return
		}
		if ev.Date != "" {
			b.cache.Invalidate(cache.ByDateKey(ev.Date))
		}
		if ev.CourtID != 0 {
			b.cache.Invalidate(cache.ByCourtKey(ev.CourtID))
		}
		b.bus.Publish(events.Event{Topic: events.TopicCourtAvailability, Payload: ev})
	case events.TopicPricingUpdated:
		b.cache.Invalidate(cache.ListKey(reservation.Filters{}))
		b.cache.Invalidate(cache.StatsKey())
		b.bus.Publish(events.Event{Topic: events.TopicPricingUpdated, Payload: data})
	default:
		b.log.Debug().Str("event", event).Msg("Ignoring unknown realtime event")
	}
}

func (b *Bridge) applyReservation(event string, ev reservationEvent) {
	r := ev.Reservation
	now := b.opts.Clock.Now()

	switch event {
	case events.TopicReservationCreated:
		b.store.Add(r)

	case events.TopicReservationUpdated:
		if !b.store.Update(r.ID, reservation.PatchFrom(r)) {
			// An update for a record this client never fetched still
			// belongs in the store.
			b.store.Add(r)
		}
		if old := ev.OldReservation; old != nil && old.Day() != r.Day() {
			b.cache.Invalidate(cache.ByDateKey(old.Day()))
		}

	case events.TopicReservationCancelled:
		b.store.ChangeStatus(r.ID, reservation.StatusCancelled, map[string]any{
			"cancelledAt": now.Format(time.RFC3339),
		})

	case events.TopicReservationConfirmed:
		b.store.ChangeStatus(r.ID, reservation.StatusConfirmed, map[string]any{
			"confirmedAt": now.Format(time.RFC3339),
		})

	case events.TopicReservationStatus:
		b.store.ChangeStatus(r.ID, r.Status, r.StatusMetadata)
	}

	b.cache.InvalidateReservation(r)
}

func (b *Bridge) publishState(s ConnectionState) {
	b.bus.Publish(events.Event{Topic: events.TopicConnection, Payload: s})
}
