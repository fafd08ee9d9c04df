// Package history persists terminal job outcomes to SQLite.
//
// This is an audit trail, not a durable queue: pending work is never stored
// and nothing is replayed on restart.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Record is one terminal job outcome.
type Record struct {
	JobID      string
	URL        string
	Tries      int
	Error      string
	Duration   time.Duration
	FinishedAt time.Time
}

type Config struct {
	Path string
	// Keep bounds the row count; older rows are pruned opportunistically.
	Keep int
}

// Store is an append-mostly SQLite store for job records.
type Store struct {
	db   *sql.DB
	log  zerolog.Logger
	keep int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log.With().Str("component", "history").Logger(), keep: cfg.Keep, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores one record. Every pruneEvery appends, rows beyond Keep are
// dropped oldest-first.
func (s *Store) Append(ctx context.Context, r Record) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, url, tries, err, took_ms, finished_at)
		 VALUES(?,?,?,?,?,?)`,
		r.JobID, nullStr(r.URL), r.Tries, nullStr(r.Error), r.Duration.Milliseconds(),
		r.FinishedAt.Format(time.RFC3339Nano),
	)
	if err == nil && s.keep > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug().Err(perr).Msg("prune failed")
		}
		cancel()
	}
	return err
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, url, tries, err, took_ms, finished_at
		 FROM jobs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			url, errStr sql.NullString
			tookMS   int64
			finished string
		)
		if err := rows.Scan(&r.JobID, &url, &r.Tries, &errStr, &tookMS, &finished); err != nil {
			return nil, err
		}
		r.URL = url.String
		r.Error = errStr.String
		r.Duration = time.Duration(tookMS) * time.Millisecond
		if t, perr := time.Parse(time.RFC3339Nano, finished); perr == nil {
			r.FinishedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id <= (
		   SELECT id FROM jobs ORDER BY id DESC LIMIT 1 OFFSET ?
		 )`, s.keep)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
