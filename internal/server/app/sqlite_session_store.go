package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/server/ports"
)

const sqliteDriverName = "sqlite"

// SQLiteSessionStore persists session records in a SQLite database.
type SQLiteSessionStore struct {
	db *sql.DB
}

// OpenSQLiteSessionStore opens (or creates) the database at dsn and ensures
// the schema exists. A plain file path is accepted as dsn.
func OpenSQLiteSessionStore(ctx context.Context, dsn string) (*SQLiteSessionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store := &SQLiteSessionStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteSessionStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	language TEXT NOT NULL,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	current_stage TEXT NOT NULL DEFAULT '',
	no_artifacts INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS sessions_created_at ON sessions(created_at DESC);`); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) Create(ctx context.Context, record ports.SessionRecord) error {
	if _, err := s.Get(ctx, record.ID); err == nil {
		return fmt.Errorf("session %s: %w", record.ID, scouterrors.ErrSessionExists)
	} else if !errors.Is(err, scouterrors.ErrSessionNotFound) {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, subject, language, status, progress, current_stage, no_artifacts, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Subject, record.Language, string(record.Status), record.Progress,
		record.CurrentStage, record.NoArtifacts, record.Error,
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (ports.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, subject, language, status, progress, current_stage, no_artifacts, error, created_at, updated_at
FROM sessions WHERE id = ?`, id)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.SessionRecord{}, fmt.Errorf("session %s: %w", id, scouterrors.ErrSessionNotFound)
	}
	return record, err
}

func (s *SQLiteSessionStore) Update(ctx context.Context, record ports.SessionRecord) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET subject = ?, language = ?, status = ?, progress = ?, current_stage = ?, no_artifacts = ?, error = ?, updated_at = ?
WHERE id = ?`,
		record.Subject, record.Language, string(record.Status), record.Progress, record.CurrentStage,
		record.NoArtifacts, record.Error, record.UpdatedAt.UnixNano(), record.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", record.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", record.ID, scouterrors.ErrSessionNotFound)
	}
	return nil
}

func (s *SQLiteSessionStore) List(ctx context.Context, limit, offset int) ([]ports.SessionRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject, language, status, progress, current_stage, no_artifacts, error, created_at, updated_at
FROM sessions ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := []ports.SessionRecord{}
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, record)
	}
	return records, total, rows.Err()
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteSessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (ports.SessionRecord, error) {
	var (
		record      ports.SessionRecord
		status      string
		noArtifacts bool
		created     int64
		updated     int64
	)
	if err := row.Scan(&record.ID, &record.Subject, &record.Language, &status, &record.Progress,
		&record.CurrentStage, &noArtifacts, &record.Error, &created, &updated); err != nil {
		return ports.SessionRecord{}, err
	}
	record.Status = events.RunStatus(status)
	record.NoArtifacts = noArtifacts
	record.CreatedAt = time.Unix(0, created).UTC()
	record.UpdatedAt = time.Unix(0, updated).UTC()
	return record, nil
}
