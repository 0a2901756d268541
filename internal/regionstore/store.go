// Package regionstore persists bodies per region in sqlite so a region can be unloaded and
// restored later with the same body ids, types, state and synchronized data.
package regionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/spatial"
	"velthoric/physsync/internal/wire"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("regionstore: closed")

// Record is one persisted body.
type Record struct {
	BodyID  uuid.UUID
	TypeTag string
	State   body.State
	// Data holds every synchronized field as encoded by syncdata.
	Data []byte
}

// Store is a sqlite-backed region store.
type Store struct {
	db  *sql.DB
	log *logging.Logger
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" keeps everything in process.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("regionstore: empty db path")
	}
	if logger == nil {
		logger = logging.L()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	//1.- One connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db, path); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: logger.With(logging.String("component", "regionstore")), now: time.Now}, nil
}

func initPragmas(db *sql.DB, path string) error {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	if path != ":memory:" {
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("regionstore: %s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bodies (
			region_x INTEGER NOT NULL,
			region_z INTEGER NOT NULL,
			body_id TEXT NOT NULL,
			type_tag TEXT NOT NULL,
			state BLOB NOT NULL,
			data BLOB NOT NULL,
			saved_at INTEGER NOT NULL,
			PRIMARY KEY (region_x, region_z, body_id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS bodies_by_id ON bodies(body_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("regionstore: schema: %w", err)
		}
	}
	return nil
}

// SaveBodiesInRegion replaces everything stored for region with records in one transaction.
// A body saved into a new region is moved out of its previous one.
func (s *Store) SaveBodiesInRegion(ctx context.Context, region spatial.RegionPos, records []Record) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bodies WHERE region_x = ? AND region_z = ?`, region.X, region.Z); err != nil {
		return fmt.Errorf("regionstore: clear region: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO bodies
		(region_x, region_z, body_id, type_tag, state, data, saved_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	savedAt := s.now().UnixNano()
	for _, r := range records {
		if r.TypeTag == "" {
			return fmt.Errorf("regionstore: body %s has no type tag", r.BodyID)
		}
		//1.- The unique body index would reject a body still recorded under another region.
		if _, err := tx.ExecContext(ctx, `DELETE FROM bodies WHERE body_id = ?`, r.BodyID.String()); err != nil {
			return err
		}
		data := r.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, region.X, region.Z, r.BodyID.String(), r.TypeTag, wire.AppendState(nil, r.State), data, savedAt); err != nil {
			return fmt.Errorf("regionstore: insert %s: %w", r.BodyID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("region saved",
		logging.Int("region_x", int(region.X)),
		logging.Int("region_z", int(region.Z)),
		logging.Int("bodies", len(records)),
	)
	return nil
}

// LoadBodiesInRegion returns the records stored for region ordered by body id.
func (s *Store) LoadBodiesInRegion(ctx context.Context, region spatial.RegionPos) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body_id, type_tag, state, data FROM bodies
		WHERE region_x = ? AND region_z = ? ORDER BY body_id`, region.X, region.Z)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id, tag     string
			state, data []byte
		)
		if err := rows.Scan(&id, &tag, &state, &data); err != nil {
			return nil, err
		}
		bodyID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("regionstore: body id %q: %w", id, err)
		}
		st, err := wire.DecodeState(state)
		if err != nil {
			return nil, fmt.Errorf("regionstore: state of %s: %w", bodyID, err)
		}
		out = append(out, Record{BodyID: bodyID, TypeTag: tag, State: st, Data: data})
	}
	return out, rows.Err()
}

// DeleteRegion drops everything stored for region.
func (s *Store) DeleteRegion(ctx context.Context, region spatial.RegionPos) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM bodies WHERE region_x = ? AND region_z = ?`, region.X, region.Z)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Regions lists every region holding at least one body.
func (s *Store) Regions(ctx context.Context) ([]spatial.RegionPos, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT region_x, region_z FROM bodies ORDER BY region_x, region_z`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []spatial.RegionPos
	for rows.Next() {
		var r spatial.RegionPos
		if err := rows.Scan(&r.X, &r.Z); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
