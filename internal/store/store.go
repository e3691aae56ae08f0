// Package store owns the sqlite persistence layer for this pipeline's
// own tables: GPS fixes, raw GPS messages, throttled sonar readings, and
// the reserved (but not core-written) waypoints table. Schema is managed
// by versioned migrations rather than ad hoc CREATE TABLE IF NOT EXISTS
// statements, so upgrades are explicit and reversible.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps a sqlite handle with this pipeline's schema.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// migrates it up to the latest schema version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// GPSPoint is one accepted fix.
type GPSPoint struct {
	Timestamp time.Time
	Lat       float64
	Lon       float64
	Speed     float64
	Track     float64
	Accuracy  float64
	FixMode   int
}

// InsertGPSPoint records one accepted fix.
func (s *Store) InsertGPSPoint(p GPSPoint) error {
	_, err := s.Exec(
		`INSERT INTO gps_points (id, timestamp, lat, lon, speed, track, accuracy, fix_mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), p.Timestamp, p.Lat, p.Lon, p.Speed, p.Track, p.Accuracy, p.FixMode,
	)
	if err != nil {
		return fmt.Errorf("store: insert gps_points: %w", err)
	}
	return nil
}

// InsertGPSRaw records one raw GPS message verbatim, for later replay or
// debugging of parser regressions.
func (s *Store) InsertGPSRaw(timestamp time.Time, message string) error {
	_, err := s.Exec(
		`INSERT INTO gps_raw (id, timestamp, message) VALUES (?, ?, ?)`,
		uuid.NewString(), timestamp, message,
	)
	if err != nil {
		return fmt.Errorf("store: insert gps_raw: %w", err)
	}
	return nil
}

// SonarReading is one throttled representative row.
type SonarReading struct {
	Timestamp      time.Time
	Latitude       float64
	Longitude      float64
	MaxValue       uint16
	MaxSampleIndex int
	MaxDistanceCM  float64
}

// InsertSonarReading records one throttled sonar reading.
func (s *Store) InsertSonarReading(r SonarReading) error {
	_, err := s.Exec(
		`INSERT INTO sonar_readings (id, timestamp, latitude, longitude, max_value, max_sample_index, max_distance_cm)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), r.Timestamp, r.Latitude, r.Longitude, r.MaxValue, r.MaxSampleIndex, r.MaxDistanceCM,
	)
	if err != nil {
		return fmt.Errorf("store: insert sonar_readings: %w", err)
	}
	return nil
}

// CountSonarReadings returns the number of rows in sonar_readings, used
// by tests to verify the persistence throttle fired the expected number
// of times.
func (s *Store) CountSonarReadings() (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM sonar_readings`).Scan(&n)
	return n, err
}

// AttachAdminRoutes mounts a SQL debug console under the given mux's
// /debug/ prefix.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("store: create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://sonar.db", s.DB, &tailsql.DBOptions{
		Label: "Sonar Telemetry DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
