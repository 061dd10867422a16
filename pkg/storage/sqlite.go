package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id        TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	start_ns  INTEGER NOT NULL,
	status    TEXT NOT NULL,
	json      TEXT NOT NULL,
	version   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_start ON sessions (start_ns);

CREATE TABLE IF NOT EXISTS price_history (
	ts_ns   INTEGER PRIMARY KEY,
	json    TEXT NOT NULL,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS control_transitions (
	ts_ns     INTEGER NOT NULL,
	entity_id TEXT NOT NULL,
	json      TEXT NOT NULL,
	version   INTEGER NOT NULL,
	PRIMARY KEY (ts_ns, entity_id)
);
`

// SQLiteProvider implements Database on a local SQLite file. It suits a
// single collector without access to Google Cloud.
type SQLiteProvider struct {
	path string
	db   *sql.DB
}

// configuredSQLite sets up the SQLite provider.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "chargerudder.db", "Path of the SQLite database file, or :memory:")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite returns a provider for path. Init must be called before use.
func NewSQLite(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	dsn := s.path
	if dsn != ":memory:" {
		dsn = "file:" + s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite (%s): %w", s.path, err)
	}
	if s.path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteProvider) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func queryJSON[T any](ctx context.Context, db *sql.DB, kind, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", kind, err)
	}
	return out, nil
}

// UpsertSessions adds or replaces session records by ID.
func (s *SQLiteProvider) UpsertSessions(ctx context.Context, records []types.SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sessions (id, device_id, start_ns, status, json, version)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				device_id = excluded.device_id,
				start_ns = excluded.start_ns,
				status = excluded.status,
				json = excluded.json,
				version = excluded.version`)
		if err != nil {
			return fmt.Errorf("failed to prepare session upsert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range records {
			if rec.ID == "" {
				return fmt.Errorf("session record missing id")
			}
			jsonBytes, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, rec.ID, rec.DeviceID, rec.StartTime.UnixNano(), string(rec.Status), string(jsonBytes), types.CurrentSessionVersion); err != nil {
				return fmt.Errorf("failed to upsert session %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// GetSession returns one session record by ID.
func (s *SQLiteProvider) GetSession(ctx context.Context, id string) (types.SessionRecord, error) {
	recs, err := queryJSON[types.SessionRecord](ctx, s.db, "session", `SELECT json FROM sessions WHERE id = ?`, id)
	if err != nil {
		return types.SessionRecord{}, err
	}
	if len(recs) == 0 {
		return types.SessionRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// GetSessions returns every session record that started within [start, end).
func (s *SQLiteProvider) GetSessions(ctx context.Context, start, end time.Time) ([]types.SessionRecord, error) {
	return queryJSON[types.SessionRecord](
		ctx, s.db, "sessions",
		`SELECT json FROM sessions WHERE start_ns >= ? AND start_ns < ? ORDER BY start_ns, device_id`,
		start.UnixNano(), end.UnixNano(),
	)
}

// UpsertPrices adds or replaces price samples by timestamp.
func (s *SQLiteProvider) UpsertPrices(ctx context.Context, prices []types.PriceSample) error {
	if len(prices) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO price_history (ts_ns, json, version) VALUES (?, ?, ?)
			ON CONFLICT (ts_ns) DO UPDATE SET json = excluded.json, version = excluded.version`)
		if err != nil {
			return fmt.Errorf("failed to prepare price upsert: %w", err)
		}
		defer stmt.Close()
		for _, p := range prices {
			jsonBytes, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to marshal price: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, p.Timestamp.UnixNano(), string(jsonBytes), types.CurrentPriceHistoryVersion); err != nil {
				return fmt.Errorf("failed to upsert price: %w", err)
			}
		}
		return nil
	})
}

// GetPriceHistory retrieves price samples within [start, end).
func (s *SQLiteProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceSample, error) {
	return queryJSON[types.PriceSample](
		ctx, s.db, "prices",
		`SELECT json FROM price_history WHERE ts_ns >= ? AND ts_ns < ? ORDER BY ts_ns`,
		start.UnixNano(), end.UnixNano(),
	)
}

// GetLatestPriceTime returns the timestamp of the newest stored price.
func (s *SQLiteProvider) GetLatestPriceTime(ctx context.Context) (time.Time, error) {
	var ns sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts_ns) FROM price_history`).Scan(&ns); err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest price: %w", err)
	}
	if !ns.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ns.Int64).UTC(), nil
}

// InsertTransition appends a control transition.
func (s *SQLiteProvider) InsertTransition(ctx context.Context, tr types.Transition) error {
	jsonBytes, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO control_transitions (ts_ns, entity_id, json, version) VALUES (?, ?, ?, ?)`,
		tr.Timestamp.UnixNano(), tr.EntityID, string(jsonBytes), types.CurrentTransitionVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// GetTransitions returns control transitions within [start, end), oldest
// first.
func (s *SQLiteProvider) GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error) {
	return queryJSON[types.Transition](
		ctx, s.db, "transitions",
		`SELECT json FROM control_transitions WHERE ts_ns >= ? AND ts_ns < ? ORDER BY ts_ns, entity_id`,
		start.UnixNano(), end.UnixNano(),
	)
}
