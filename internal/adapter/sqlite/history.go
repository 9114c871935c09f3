// Package sqlite persists reconciliation pass history in a local SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"keelhaul/internal/reconcile"

	_ "modernc.org/sqlite"
)

// DefaultKeep is the number of passes retained when History.Keep is unset.
const DefaultKeep = 500

var _ reconcile.Reporter = (*History)(nil)

// PassRecord is one stored pass.
type PassRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Listed     int
	Checked    int
	Unchanged  int
	Updated    int
	Skipped    int
	Errored    int
	Deferred   int
	Ignored    int
	ListError  string
}

func (p PassRecord) Duration() time.Duration { return p.FinishedAt.Sub(p.StartedAt) }

// ResultRecord is one stored per-service result.
type ResultRecord struct {
	PassID       string
	ServiceID    string
	ServiceName  string
	Image        string
	Outcome      string
	Reason       string
	OldDigest    string
	NewDigest    string
	UpdatedImage string
	Detail       string
	Duration     time.Duration
}

// History stores pass summaries. It doubles as a reconcile.Reporter.
type History struct {
	db *sql.DB
	// Keep bounds the number of stored passes; older ones are pruned after
	// every write.
	Keep int
}

func Open(path string) (*History, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between the reporter and CLI reads.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA busy_timeout = 5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure history db (%s): %w", pragma, err)
		}
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &History{db: db, Keep: DefaultKeep}, nil
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS passes (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	dry_run INTEGER NOT NULL DEFAULT 0,
	listed INTEGER NOT NULL DEFAULT 0,
	checked INTEGER NOT NULL DEFAULT 0,
	unchanged INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	errored INTEGER NOT NULL DEFAULT 0,
	deferred INTEGER NOT NULL DEFAULT 0,
	ignored INTEGER NOT NULL DEFAULT 0,
	list_error TEXT NOT NULL DEFAULT ''
)`); err != nil {
		return fmt.Errorf("initialize passes schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS results (
	pass_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	service_name TEXT NOT NULL,
	image TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	old_digest TEXT NOT NULL DEFAULT '',
	new_digest TEXT NOT NULL DEFAULT '',
	updated_image TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0
)`); err != nil {
		return fmt.Errorf("initialize results schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS results_pass ON results(pass_id)`); err != nil {
		return fmt.Errorf("initialize results index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS passes_started ON passes(started_at)`); err != nil {
		return fmt.Errorf("initialize passes index: %w", err)
	}
	return nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// ReportPass records the summary and prunes old passes. Failures are
// logged; history never blocks reconciliation.
func (h *History) ReportPass(ctx context.Context, s reconcile.Summary) {
	log := slog.With("component", "history")
	if err := h.Record(ctx, s); err != nil {
		log.Warn("record pass failed", "pass", s.PassID, "err", err)
		return
	}
	if _, err := h.Prune(ctx, h.Keep); err != nil {
		log.Warn("prune history failed", "err", err)
	}
}

// Record stores the summary and its per-service results in one transaction.
func (h *History) Record(ctx context.Context, s reconcile.Summary) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	listErr := ""
	if s.ListErr != nil {
		listErr = s.ListErr.Error()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO passes (id, started_at, finished_at, dry_run, listed, checked, unchanged, updated, skipped, errored, deferred, ignored, list_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.PassID,
		formatTime(s.StartedAt),
		formatTime(s.FinishedAt),
		boolInt(s.DryRun),
		s.Listed, s.Checked, s.Unchanged, s.Updated, s.Skipped, s.Errored, s.Deferred, s.Ignored,
		listErr,
	); err != nil {
		return fmt.Errorf("insert pass %s: %w", s.PassID, err)
	}

	for _, r := range s.Results {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO results (pass_id, service_id, service_name, image, outcome, reason, old_digest, new_digest, updated_image, detail, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.PassID, r.ServiceID, r.ServiceName, r.Image,
			r.Outcome.String(), r.Reason.String(),
			r.OldDigest.String(), r.NewDigest.String(), r.UpdatedImage,
			r.Detail(), r.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert result %s/%s: %w", s.PassID, r.ServiceName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// RecentPasses returns up to limit passes, newest first.
func (h *History) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
SELECT id, started_at, finished_at, dry_run, listed, checked, unchanged, updated, skipped, errored, deferred, ignored, list_error
FROM passes ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	out := make([]PassRecord, 0, limit)
	for rows.Next() {
		var (
			p                 PassRecord
			started, finished string
			dryRun            int
		)
		if err := rows.Scan(&p.ID, &started, &finished, &dryRun,
			&p.Listed, &p.Checked, &p.Unchanged, &p.Updated, &p.Skipped, &p.Errored, &p.Deferred, &p.Ignored,
			&p.ListError); err != nil {
			return nil, fmt.Errorf("scan pass row: %w", err)
		}
		if p.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if p.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		p.DryRun = dryRun != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pass rows: %w", err)
	}
	return out, nil
}

// PassResults returns the per-service results of one pass. A pass id
// prefix is accepted when it is unambiguous.
func (h *History) PassResults(ctx context.Context, passID string) ([]ResultRecord, error) {
	id, err := h.resolvePassID(ctx, passID)
	if err != nil {
		return nil, err
	}
	rows, err := h.db.QueryContext(ctx, `
SELECT pass_id, service_id, service_name, image, outcome, reason, old_digest, new_digest, updated_image, detail, duration_ms
FROM results WHERE pass_id = ? ORDER BY service_name`, id)
	if err != nil {
		return nil, fmt.Errorf("list results of pass %s: %w", id, err)
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		var r ResultRecord
		var ms int64
		if err := rows.Scan(&r.PassID, &r.ServiceID, &r.ServiceName, &r.Image, &r.Outcome, &r.Reason,
			&r.OldDigest, &r.NewDigest, &r.UpdatedImage, &r.Detail, &ms); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}

// ErrPassNotFound is returned for unknown or ambiguous pass ids.
var ErrPassNotFound = errors.New("pass not found")

func (h *History) resolvePassID(ctx context.Context, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("%w: empty id", ErrPassNotFound)
	}
	rows, err := h.db.QueryContext(ctx, `SELECT id FROM passes WHERE id = ? OR id LIKE ? || '%' LIMIT 2`, prefix, prefix)
	if err != nil {
		return "", fmt.Errorf("look up pass %s: %w", prefix, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan pass id: %w", err)
		}
		if id == prefix {
			return id, nil
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate pass ids: %w", err)
	}
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return "", fmt.Errorf("%w: %s", ErrPassNotFound, prefix)
	default:
		return "", fmt.Errorf("%w: %s is ambiguous", ErrPassNotFound, prefix)
	}
}

// Prune keeps the newest keep passes and reports how many were deleted.
func (h *History) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := h.db.ExecContext(ctx, `
DELETE FROM passes WHERE id NOT IN (
	SELECT id FROM passes ORDER BY started_at DESC, rowid DESC LIMIT ?
)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune passes: %w", err)
	}
	if _, err := h.db.ExecContext(ctx, `DELETE FROM results WHERE pass_id NOT IN (SELECT id FROM passes)`); err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
