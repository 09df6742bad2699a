package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comalice/statecore/internal/journal/migrations"
	"github.com/comalice/statecore/internal/wire"
)

// SQLStore is a Store backed by SQLite.
type SQLStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens a SQLite journal at path and applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := path
	if cleanPath != ":memory:" {
		cleanPath = strings.TrimPrefix(cleanPath, "file:")
	}
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return NewSQLStore(sqlDB), nil
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(sqlDB *sql.DB) *SQLStore {
	return &SQLStore{sqlDB: sqlDB}
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	if s == nil || s.sqlDB == nil {
		return ErrClosed
	}
	cmdJSON, err := json.Marshal(e.Command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	events := e.Events
	if events == nil {
		events = []wire.Envelope{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM entries WHERE session_id = ?", e.Session,
	).Scan(&last); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	if want := uint64(last) + 1; e.Seq != want {
		return fmt.Errorf("%w: expected %d got %d", ErrOutOfOrder, want, e.Seq)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)",
		e.Session, e.At.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entries (session_id, seq, tick, at, command_kind, command_json, events_json) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Session, int64(e.Seq), int64(e.Tick), e.At.UTC().UnixMilli(), e.Command.Kind, cmdJSON, eventsJSON,
	); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, session string, afterSeq uint64, limit int) ([]Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if err := s.requireSession(ctx, session); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT seq, tick, at, command_json, events_json FROM entries WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?",
		session, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			seq, tick, at   int64
			cmdJSON, evJSON []byte
		)
		if err := rows.Scan(&seq, &tick, &at, &cmdJSON, &evJSON); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e := Entry{
			Session: session,
			Seq:     uint64(seq),
			Tick:    uint64(tick),
			At:      time.UnixMilli(at).UTC(),
		}
		if err := json.Unmarshal(cmdJSON, &e.Command); err != nil {
			return nil, fmt.Errorf("decode command %d: %w", seq, err)
		}
		if err := json.Unmarshal(evJSON, &e.Events); err != nil {
			return nil, fmt.Errorf("decode events %d: %w", seq, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if s == nil || s.sqlDB == nil {
		return ErrClosed
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)",
		cp.Session, cp.At.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO checkpoints (session_id, seq, tick, revision, digest, at) VALUES (?, ?, ?, ?, ?, ?)",
		cp.Session, int64(cp.Seq), int64(cp.Tick), int64(cp.Revision), cp.Digest, cp.At.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) Checkpoints(ctx context.Context, session string) ([]Checkpoint, error) {
	if s == nil || s.sqlDB == nil {
		return nil, ErrClosed
	}
	if err := s.requireSession(ctx, session); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT seq, tick, revision, digest, at FROM checkpoints WHERE session_id = ? ORDER BY seq",
		session,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []Checkpoint{}
	for rows.Next() {
		var (
			seq, tick, revision, at int64
			digest                  string
		)
		if err := rows.Scan(&seq, &tick, &revision, &digest, &at); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, Checkpoint{
			Session:  session,
			Seq:      uint64(seq),
			Tick:     uint64(tick),
			Revision: uint64(revision),
			Digest:   digest,
			At:       time.UnixMilli(at).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if s == nil || s.sqlDB == nil {
		return nil, ErrClosed
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT s.id, s.started_at, COUNT(e.seq)
FROM sessions s LEFT JOIN entries e ON e.session_id = s.id
GROUP BY s.id, s.started_at
ORDER BY s.started_at, s.id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			id             string
			started, count int64
		)
		if err := rows.Scan(&id, &started, &count); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, SessionInfo{ID: id, StartedAt: time.UnixMilli(started).UTC(), Entries: uint64(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) requireSession(ctx context.Context, session string) error {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", session).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, session)
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}
