// Package eventstore keeps a SQLite-backed history of synthesis attempts.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/config"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// Entry is one recorded synthesis attempt.
type Entry struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"requestId,omitempty"`
	VoiceID      string    `json:"voiceId"`
	Engine       string    `json:"engine"`
	OutputFormat string    `json:"outputFormat"`
	TextChars    int       `json:"textChars"`
	MIMEType     string    `json:"mimeType,omitempty"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	HTTPStatus   int       `json:"httpStatus,omitempty"`
	LatencyMS    int64     `json:"latencyMs"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store wraps the history database. In ephemeral mode it holds no database
// and every operation is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to cfg.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM history`); err != nil {
			log.Warn("history reset on start failed", slogError(err))
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT,
    voice_id TEXT NOT NULL,
    engine TEXT,
    output_format TEXT,
    text_chars INTEGER NOT NULL DEFAULT 0,
    mime_type TEXT,
    source TEXT,
    status TEXT NOT NULL,
    error TEXT,
    http_status INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether entries are persisted.
func (s *Store) Enabled() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records e and returns its id. Entries beyond max_entries are
// dropped oldest first.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history(request_id, voice_id, engine, output_format, text_chars, mime_type, source, status, error, http_status, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.VoiceID, e.Engine, e.OutputFormat, e.TextChars, e.MIMEType, e.Source,
		e.Status, e.Error, e.HTTPStatus, e.LatencyMS, e.CreatedAt.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert history entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if s.cfg.MaxEntries > 0 {
		if err := s.trim(ctx, s.db); err != nil {
			s.log.Warn("history trim failed", slogError(err))
		}
	}
	return id, nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, voice_id, engine, output_format, text_chars, mime_type, source, status, error, http_status, latency_ms, created_at
		 FROM history ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
			reqID   sql.NullString
			mime    sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &reqID, &e.VoiceID, &e.Engine, &e.OutputFormat, &e.TextChars, &mime,
			&e.Source, &e.Status, &errText, &e.HTTPStatus, &e.LatencyMS, &created); err != nil {
			return nil, err
		}
		e.RequestID = reqID.String
		e.MIMEType = mime.String
		e.Error = errText.String
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies retention_days and max_entries.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		if err = s.trim(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) trim(ctx context.Context, db execer) error {
	_, err := db.ExecContext(ctx, `DELETE FROM history WHERE id IN (
		SELECT id FROM history ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxEntries)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
