// Package sessionarchive provides an optional, write-only SQLite audit
// trail of every command and session lifecycle event, for post-mortem
// review independent of the in-memory Command Registry's retention window.
package sessionarchive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/engine"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Archive is a write-only sink: it persists command terminal states and
// session lifecycle events to SQLite, and never feeds data back into the
// live engine. Opening one never blocks Submit/GetResult on the hot path;
// every write happens on a detached goroutine so a slow disk cannot stall
// command dispatch.
type Archive struct {
	db *sql.DB
	wg chan struct{}
}

// Open opens (creating and migrating if necessary) the SQLite database at
// path and returns an Archive ready to record events.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("sessionarchive: opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sessionarchive: pinging %s: %w", path, err)
	}
	if err := migrateSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db, wg: make(chan struct{}, 1)}, nil
}

// migrateSchema applies every embedded up-migration in order using
// golang-migrate's source/iofs driver to enumerate and read the embedded
// .sql files. It applies them with a direct db.Exec rather than the full
// migrate.Migrate engine: the official database/sqlite3 driver hard-depends
// on mattn/go-sqlite3 (cgo), which would conflict with the pure-Go
// ncruces/go-sqlite3 driver this archive is built on.
func migrateSchema(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sessionarchive: loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version UINT64 PRIMARY KEY)`); err != nil {
		return fmt.Errorf("sessionarchive: preparing schema_migrations: %w", err)
	}

	version, err := src.First()
	if err != nil {
		return fmt.Errorf("sessionarchive: reading first migration: %w", err)
	}
	for {
		var applied bool
		if err := db.QueryRow(`SELECT count(*) > 0 FROM schema_migrations WHERE version = ?`, version).Scan(&applied); err != nil {
			return fmt.Errorf("sessionarchive: checking migration state: %w", err)
		}
		if !applied {
			if err := applyMigration(db, src, version); err != nil {
				return err
			}
		}

		next, err := src.Next(version)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("sessionarchive: walking migrations: %w", err)
		}
		version = next
	}
	return nil
}

func applyMigration(db *sql.DB, src source.Driver, version uint) error {
	r, identifier, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("sessionarchive: reading migration %d: %w", version, err)
	}
	defer func() { _ = r.Close() }()

	stmt, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("sessionarchive: reading migration %d (%s): %w", version, identifier, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sessionarchive: starting migration transaction: %w", err)
	}
	if _, err := tx.Exec(string(stmt)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sessionarchive: applying migration %d (%s): %w", version, identifier, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sessionarchive: recording migration %d: %w", version, err)
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// RecordCommand persists one command's terminal snapshot. Failures are
// logged, not returned: a write-only audit trail must never affect the
// engine it observes.
func (a *Archive) RecordCommand(sessionID string, snap engine.Snapshot) {
	errMsg := ""
	if snap.Err != nil {
		errMsg = snap.Err.Error()
	}
	_, err := a.db.ExecContext(context.Background(), `
		INSERT INTO commands (id, session_id, batch_id, text, state, submitted_at, started_at, ended_at, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			output = excluded.output,
			error = excluded.error
	`, snap.ID, sessionID, snap.BatchID, snap.Text, snap.State.String(),
		snap.SubmittedAt, nullableTime(snap.StartedAt), nullableTime(snap.EndedAt), snap.Output, errMsg)
	if err != nil {
		log.Warn(log.CatArchive, "failed to record command", "id", snap.ID, "error", err)
	}
}

// RecordSessionEvent persists one lifecycle event (opened, closed,
// recovery attempted) for sessionID.
func (a *Archive) RecordSessionEvent(sessionID, kind, detail string) {
	_, err := a.db.ExecContext(context.Background(), `
		INSERT INTO session_events (session_id, kind, detail, occurred_at) VALUES (?, ?, ?, ?)
	`, sessionID, kind, detail, time.Now())
	if err != nil {
		log.Warn(log.CatArchive, "failed to record session event", "session", sessionID, "kind", kind, "error", err)
	}
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
