// Package store is the boundary to the externally owned Bus/Route/BusStop
// records. The engine only ever reads the fleet through it and writes
// simulated positions back best-effort.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fleet-engine/internal/fleet"
	"fleet-engine/internal/geo"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store reads and writes fleet records. It satisfies sim.FleetSource.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// OperationalBuses returns buses whose status marks them eligible for
// simulation.
func (s *Store) OperationalBuses(ctx context.Context) ([]fleet.Bus, error) {
	q := `SELECT id, status, COALESCE(route_id, ''),
              latitude, longitude,
              COALESCE(heading, 0), COALESCE(speed, 0),
              COALESCE(updated_at, to_timestamp(0))
       FROM buses WHERE status = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, string(fleet.StatusOperational))
	if err != nil {
		return nil, fmt.Errorf("query buses: %w", err)
	}
	defer rows.Close()

	var buses []fleet.Bus
	for rows.Next() {
		var b fleet.Bus
		var status string
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&b.ID, &status, &b.RouteID, &lat, &lon, &b.Heading, &b.SpeedMps, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = fleet.BusStatus(status)
		if lat.Valid && lon.Valid {
			b.Location = &geo.Coordinate{Lat: lat.Float64, Lon: lon.Float64}
		}
		buses = append(buses, b)
	}
	return buses, rows.Err()
}

// ActiveRoutes returns active routes with their ordered stop IDs.
func (s *Store) ActiveRoutes(ctx context.Context) ([]fleet.Route, error) {
	q := `SELECT id, COALESCE(polyline, ''), COALESCE(completion_behavior, 'loop')
       FROM routes WHERE active ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []fleet.Route
	for rows.Next() {
		var r fleet.Route
		var completion string
		if err := rows.Scan(&r.ID, &r.Polyline, &completion); err != nil {
			return nil, err
		}
		r.Active = true
		r.Completion = fleet.ParseCompletionBehavior(completion)
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range routes {
		stopIDs, err := s.routeStopIDs(ctx, routes[i].ID)
		if err != nil {
			return nil, err
		}
		routes[i].StopIDs = stopIDs
	}
	return routes, nil
}

func (s *Store) routeStopIDs(ctx context.Context, routeID string) ([]string, error) {
	q := `SELECT stop_id FROM route_stops WHERE route_id = $1 ORDER BY position`
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route_stops for %s: %w", routeID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveStops returns active bus stops.
func (s *Store) ActiveStops(ctx context.Context) ([]fleet.BusStop, error) {
	q := `SELECT id, latitude, longitude FROM bus_stops WHERE active ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query bus_stops: %w", err)
	}
	defer rows.Close()

	var stops []fleet.BusStop
	for rows.Next() {
		var st fleet.BusStop
		if err := rows.Scan(&st.ID, &st.Coord.Lat, &st.Coord.Lon); err != nil {
			return nil, err
		}
		st.Active = true
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// UpdateBusPosition writes the simulated location back to the bus record.
// The record is shared with external writers, so this is last-write-wins.
func (s *Store) UpdateBusPosition(ctx context.Context, u PositionUpdate) error {
	q := `UPDATE buses
       SET latitude = $2, longitude = $3, heading = $4, speed = $5, updated_at = $6
       WHERE id = $1`
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, q, u.BusID, u.Lat, u.Lon, u.Heading, u.SpeedMps, u.At); err != nil {
		return fmt.Errorf("update bus %s position: %w", u.BusID, err)
	}
	return nil
}
