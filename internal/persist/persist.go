// Package persist snapshots reservation state into a local SQLite file so
// a restart starts warm instead of refetching everything. The snapshot is
// advisory: saving never blocks mutations, and a load failure means a cold
// start, not an error the caller has to handle.
package persist

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/chedoparti/clubsync/internal/reservation"
	"github.com/chedoparti/clubsync/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Snapshot is what a save writes and a load returns.
type Snapshot struct {
	Reservations []reservation.Reservation
	Filters      reservation.Filters
	SavedAt      time.Time
}

// Store owns the snapshot database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates or opens the snapshot database at path, creating parent
// directories and applying embedded migrations.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", ensureForeignKeysEnabledDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating snapshot database: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with the given state.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	filters, err := json.Marshal(snap.Filters)
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations`); err != nil {
		return fmt.Errorf("clearing old snapshot: %w", err)
	}
	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO reservations (id, payload, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer insert.Close()

	for _, r := range snap.Reservations {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding reservation %s: %w", r.ID, err)
		}
		if _, err := insert.ExecContext(ctx, string(r.ID), string(payload),
			r.UpdatedAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("writing reservation %s: %w", r.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_state (id, filters, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET filters = excluded.filters, saved_at = excluded.saved_at`,
		string(filters), savedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("writing sync state: %w", err)
	}

	return tx.Commit()
}

// Load reads back the stored snapshot. A never-saved database yields an
// empty snapshot and no error.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM reservations ORDER BY id`)
	if err != nil {
		return snap, fmt.Errorf("reading snapshot: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return snap, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var r reservation.Reservation
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			// A corrupt row costs one record, not the whole warm start.
			s.log.Warn().Err(err).Msg("Skipping undecodable snapshot row")
			continue
		}
		snap.Reservations = append(snap.Reservations, r)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("reading snapshot: %w", err)
	}

	var filters string
	var savedAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT filters, saved_at FROM sync_state WHERE id = 1`).Scan(&filters, &savedAt)
	switch {
	case err == sql.ErrNoRows:
		return snap, nil
	case err != nil:
		return snap, fmt.Errorf("reading sync state: %w", err)
	}
	if err := json.Unmarshal([]byte(filters), &snap.Filters); err != nil {
		s.log.Warn().Err(err).Msg("Skipping undecodable filter state")
	}
	if t, err := time.Parse(time.RFC3339, savedAt); err == nil {
		snap.SavedAt = t
	}
	return snap, nil
}

// SaveFrom captures the live store. Failures are logged, not returned;
// losing a snapshot must never take down the sync path.
func (s *Store) SaveFrom(ctx context.Context, src *store.Store) {
	snap := Snapshot{
		Reservations: src.Snapshot(),
		Filters:      src.Filters(),
	}
	if err := s.Save(ctx, snap); err != nil {
		s.log.Warn().Err(err).Msg("Snapshot save failed")
		return
	}
	s.log.Debug().Int("reservations", len(snap.Reservations)).Msg("Snapshot saved")
}

// WarmStart seeds the live store from the last snapshot. A load failure
// logs and leaves the store cold.
func (s *Store) WarmStart(ctx context.Context, dst *store.Store) {
	snap, err := s.Load(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Warm start failed, starting cold")
		return
	}
	if len(snap.Reservations) == 0 {
		return
	}
	dst.SetReservations(snap.Reservations, "")
	if !snap.Filters.IsZero() {
		dst.SetFilters(snap.Filters)
	}
	s.log.Info().
		Int("reservations", len(snap.Reservations)).
		Time("saved_at", snap.SavedAt).
		Msg("Store warmed from snapshot")
}

func ensureForeignKeysEnabledDSN(dataSourceName string) string {
	if strings.Contains(dataSourceName, "_fk=") {
		return dataSourceName
	}
	if strings.Contains(dataSourceName, "?") {
		return dataSourceName + "&_fk=1"
	}
	return dataSourceName + "?_fk=1"
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("could not create migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not create source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}
