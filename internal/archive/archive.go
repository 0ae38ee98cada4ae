// Package archive keeps the full visit log in a local SQLite database.
//
// The persisted snapshot caps history at 100 records to keep the remote blob
// small; the archive has no such cap and serves operator analytics over the
// complete local record.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foxy1402/keep-me-alive/internal/store"
	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

const ddl = `
CREATE TABLE IF NOT EXISTS visits (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	url              TEXT NOT NULL,
	at               TEXT NOT NULL,
	success          INTEGER NOT NULL,
	response_time_ms REAL NOT NULL,
	error            TEXT
);
CREATE INDEX IF NOT EXISTS idx_visits_at ON visits(at);
CREATE INDEX IF NOT EXISTS idx_visits_url ON visits(url);
`

// Archive is a store.VisitSink backed by SQLite.
type Archive struct {
	db  *sql.DB
	log logx.Logger
}

// Stats summarizes archived visits inside a time window.
type Stats struct {
	Total         int
	Succeeded     int
	AvgResponseMs float64
}

func Open(path string, log logx.Logger) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db, log: log}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Record appends one visit. Implements store.VisitSink.
func (a *Archive) Record(ctx context.Context, r store.VisitRecord) error {
	if a == nil || a.db == nil {
		return nil
	}
	at := r.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO visits(url, at, success, response_time_ms, error) VALUES(?,?,?,?,?)`,
		r.URL, at.UTC().Format(time.RFC3339Nano), boolInt(r.Success), r.ResponseTimeMs, nullStr(r.ErrorMessage),
	)
	return err
}

// Recent returns up to limit archived visits, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]store.VisitRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT url, at, success, response_time_ms, COALESCE(error, '')
		 FROM visits ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.VisitRecord, 0, limit)
	for rows.Next() {
		var (
			r       store.VisitRecord
			at      string
			success int
		)
		if err := rows.Scan(&r.URL, &at, &success, &r.ResponseTimeMs, &r.ErrorMessage); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			r.Timestamp = t
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates visits newer than the window.
func (a *Archive) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	cutoff := time.Now().Add(-window).UTC().Format(time.RFC3339Nano)
	var (
		st  Stats
		avg sql.NullFloat64
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(response_time_ms)
		 FROM visits WHERE at >= ?`, cutoff).Scan(&st.Total, &st.Succeeded, &avg)
	if err != nil {
		return Stats{}, err
	}
	if avg.Valid {
		st.AvgResponseMs = avg.Float64
	}
	return st, nil
}

// Prune deletes visits older than maxAge and reports how many were removed.
func (a *Archive) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := a.db.ExecContext(ctx, `DELETE FROM visits WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
