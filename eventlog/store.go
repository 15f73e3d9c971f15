// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventlog implements the append-only event store (spec §4.1, C1)
// and the replay cursor built on top of it (§4.2, C2).
package eventlog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"branchless.dev/core/internal/oid"
	"branchless.dev/core/internal/savepoint"
	"branchless.dev/core/internal/singleclose"
)

//go:embed sql/schema.sql
var sqlFiles embed.FS

const appID int32 = 0x62726e6c // "brnl"

const currentUserVersion = 1

const flockRetryInterval = 50 * time.Millisecond

// Store is a handle to the on-disk event log. A Store serializes writers
// across processes with a file lock (spec §5: "the event log is the single
// shared resource mutating processes must coordinate over"); readers never
// block.
type Store struct {
	conn     *sqlite.Conn
	closer   *singleclose.Closer
	lock     *flock.Flock
	log      *logrus.Entry
	dbPath   string
	lockPath string
}

// ErrWrongApplicationID is returned by Open when path exists but is not a
// branchless event log database.
var ErrWrongApplicationID = errors.New("eventlog: file is not a branchless event log")

// Open opens (creating if necessary) the event log database at path. log
// may be nil, in which case a default logrus logger (writing to stderr) is
// used.
func Open(ctx context.Context, path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	lockPath := path + ".lock"
	fl := flock.New(lockPath)

	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	conn.SetInterrupt(ctx.Done())
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	conn.SetInterrupt(nil)

	return &Store{conn: conn, closer: singleclose.For(conn), lock: fl, log: log, dbPath: path, lockPath: lockPath}, nil
}

// Close releases the store's database connection. Any held write lock is
// released first. Close is safe to call more than once; only the first
// call actually closes the underlying connection.
func (s *Store) Close() error {
	if locked, _ := s.lock.Locked(); locked {
		s.lock.Unlock()
	}
	return s.closer.Close()
}

// withWriteLock acquires the cross-process file lock, runs fn inside a
// SQLite immediate transaction, and always releases the lock afterward —
// matching the "durable before returning, serialized across processes"
// contract of spec §5.
func (s *Store) withWriteLock(ctx context.Context, fn func() error) (err error) {
	locked, err := s.lock.TryLockContext(ctx, flockRetryInterval)
	if err != nil {
		return fmt.Errorf("eventlog: acquire write lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("eventlog: acquire write lock: timed out")
	}
	defer func() {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("eventlog: release write lock: %w", uerr)
		}
	}()

	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)
	endFn, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return fmt.Errorf("eventlog: begin transaction: %w", err)
	}
	defer endFn(&err)

	return fn()
}

func migrate(conn *sqlite.Conn) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endFn(&err)

	gotVersion, err := ensureAppID(conn)
	if err != nil {
		return err
	}
	if gotVersion != currentUserVersion {
		if err := dropAllTables(conn); err != nil {
			return err
		}
	}
	if err := sqlitex.ExecuteScriptFS(conn, sqlFiles, "sql/schema.sql", nil); err != nil {
		return err
	}
	stmt := fmt.Sprintf("PRAGMA user_version = %d;", currentUserVersion)
	return sqlitex.ExecuteTransient(conn, stmt, nil)
}

func dropAllTables(conn *sqlite.Conn) (err error) {
	defer sqlitex.Save(conn)(&err)

	var tables, views []string
	err = sqlitex.ExecuteTransient(conn, `SELECT "type", "name" FROM sqlite_schema WHERE "type" in ('table', 'view');`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			name := stmt.ColumnText(1)
			switch stmt.ColumnText(0) {
			case "table":
				tables = append(tables, name)
			case "view":
				views = append(views, name)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("drop all tables: %w", err)
	}
	for _, name := range views {
		if err := sqlitex.ExecuteTransient(conn, `DROP VIEW "`+name+`";`, nil); err != nil {
			return fmt.Errorf("drop all tables: %w", err)
		}
	}
	for _, name := range tables {
		if err := sqlitex.ExecuteTransient(conn, `DROP TABLE "`+name+`";`, nil); err != nil {
			return fmt.Errorf("drop all tables: %w", err)
		}
	}
	return nil
}

func userVersion(conn *sqlite.Conn) (int32, error) {
	var version int32
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version;", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt32(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get database user_version: %w", err)
	}
	return version, nil
}

func ensureAppID(conn *sqlite.Conn) (schemaVersion int32, err error) {
	defer sqlitex.Save(conn)(&err)

	var hasSchema bool
	err = sqlitex.ExecuteTransient(conn, "VALUES ((SELECT COUNT(*) FROM sqlite_master) > 0);", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hasSchema = stmt.ColumnInt(0) != 0
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	var dbAppID int32
	err = sqlitex.ExecuteTransient(conn, "PRAGMA application_id;", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			dbAppID = stmt.ColumnInt32(0)
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	if dbAppID != appID && !(dbAppID == 0 && !hasSchema) {
		return 0, fmt.Errorf("%w: application_id = %#x (expected %#x)", ErrWrongApplicationID, dbAppID, appID)
	}
	schemaVersion, err = userVersion(conn)
	if err != nil {
		return 0, err
	}
	err = sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA application_id = %d;", appID), nil)
	if err != nil {
		return 0, err
	}
	return schemaVersion, nil
}

// AddEvents appends events to the log and records tx's transaction message,
// all inside one file-locked transaction so a crash mid-write can never
// leave a partial transaction visible to readers (spec §4.1 durability
// invariant).
func (s *Store) AddEvents(ctx context.Context, tx TransactionID, message string, createdUnixMs int64, events []Event) error {
	for i := range events {
		if events[i].TransactionID == "" {
			events[i].TransactionID = tx
		}
		if err := events[i].Validate(); err != nil {
			return err
		}
	}
	return s.withWriteLock(ctx, func() error {
		return savepoint.Run(s.conn, "add_events", func() error {
			err := sqlitex.ExecuteTransient(s.conn,
				`INSERT INTO event_transactions (transaction_id, message, created_unix_ms) VALUES (?, ?, ?)
				 ON CONFLICT (transaction_id) DO NOTHING;`,
				&sqlitex.ExecOptions{Args: []any{string(tx), message, createdUnixMs}})
			if err != nil {
				return fmt.Errorf("eventlog: record transaction: %w", err)
			}
			for _, e := range events {
				if err := insertEvent(s.conn, e); err != nil {
					return fmt.Errorf("eventlog: insert event: %w", err)
				}
			}
			return nil
		})
	})
}

func insertEvent(conn *sqlite.Conn, e Event) error {
	return sqlitex.ExecuteTransient(conn,
		`INSERT INTO event_log (transaction_id, timestamp_unix_ms, kind, subject_oid, old_oid, new_oid, ref_name, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			string(e.TransactionID),
			e.Timestamp,
			string(e.Kind),
			maybeOIDText(e.SubjectOID),
			maybeOIDText(e.OldOID),
			maybeOIDText(e.NewOID),
			nullableString(string(e.RefName)),
			nullableString(e.Message),
		}})
}

func maybeOIDText(m oid.MaybeZeroOid) any {
	h, ok := m.OID()
	if !ok {
		return nil
	}
	return h.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetEvents returns every event recorded so far, in ascending event-ID
// (insertion) order. A row whose OID columns cannot be parsed is skipped
// with a logged warning instead of failing the whole read.
func (s *Store) GetEvents(ctx context.Context) ([]Event, error) {
	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	var events []Event
	err := sqlitex.ExecuteTransient(s.conn,
		`SELECT event_id, transaction_id, timestamp_unix_ms, kind, subject_oid, old_oid, new_oid, ref_name, message
		 FROM event_log ORDER BY event_id ASC;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := scanEvent(stmt)
				if err != nil {
					s.log.WithError(err).WithFields(logrus.Fields{
						"component": "eventlog",
						"event_id":  stmt.GetInt64("event_id"),
					}).Warn("eventlog: skipping unreadable event row")
					return nil
				}
				events = append(events, e)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventlog: get events: %w", err)
	}
	return events, nil
}

func scanEvent(stmt *sqlite.Stmt) (Event, error) {
	e := Event{
		ID:            stmt.GetInt64("event_id"),
		TransactionID: TransactionID(stmt.GetText("transaction_id")),
		Timestamp:     stmt.GetInt64("timestamp_unix_ms"),
		Kind:          Kind(stmt.GetText("kind")),
		RefName:       oid.RefName(stmt.GetText("ref_name")),
		Message:       stmt.GetText("message"),
	}
	var err error
	if e.SubjectOID, err = parseMaybeOIDColumn(stmt, "subject_oid"); err != nil {
		return Event{}, err
	}
	if e.OldOID, err = parseMaybeOIDColumn(stmt, "old_oid"); err != nil {
		return Event{}, err
	}
	if e.NewOID, err = parseMaybeOIDColumn(stmt, "new_oid"); err != nil {
		return Event{}, err
	}
	return e, nil
}

func parseMaybeOIDColumn(stmt *sqlite.Stmt, col string) (oid.MaybeZeroOid, error) {
	text := stmt.GetText(col)
	if text == "" {
		return oid.Zero, nil
	}
	h, err := oid.ParseOID(text)
	if err != nil {
		return oid.Zero, fmt.Errorf("parse %s column: %w", col, err)
	}
	return oid.NonZero(h), nil
}

// GetTransactionMessage returns the message recorded for tx, or "" if tx is
// unknown.
func (s *Store) GetTransactionMessage(ctx context.Context, tx TransactionID) (string, error) {
	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	var message string
	err := sqlitex.ExecuteTransient(s.conn,
		`SELECT message FROM event_transactions WHERE transaction_id = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{string(tx)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("eventlog: get transaction message: %w", err)
	}
	return message, nil
}

// SetUntrackedFiles replaces the contents of the untracked_files table with
// paths (for example `ls-files --others --exclude-standard` output). Nothing
// in this package reads the table back; event recording does not consult
// it.
func (s *Store) SetUntrackedFiles(ctx context.Context, paths []string) error {
	return s.withWriteLock(ctx, func() error {
		if err := sqlitex.ExecuteTransient(s.conn, `DELETE FROM untracked_files;`, nil); err != nil {
			return err
		}
		for _, p := range paths {
			if err := sqlitex.ExecuteTransient(s.conn, `INSERT INTO untracked_files (path) VALUES (?);`, &sqlitex.ExecOptions{Args: []any{p}}); err != nil {
				return err
			}
		}
		return nil
	})
}
