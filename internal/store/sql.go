package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/erpsync/internal/erp"
)

// SQLStore implements Store on database/sql. The same SQL text serves both the
// sqlite and postgres backends; timestamps are stored as unix seconds and
// placeholders are rebound to $N for postgres.
type SQLStore struct {
	db *sql.DB
	pg bool
}

func newSQLStore(db *sql.DB, pg bool) *SQLStore { return &SQLStore{db: db, pg: pg} }

// q rebinds ? placeholders to $1..$N for postgres.
func (s *SQLStore) q(query string) string {
	if !s.pg {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			domain TEXT PRIMARY KEY,
			last_page INTEGER NOT NULL DEFAULT 0,
			total_pages INTEGER NOT NULL DEFAULT 0,
			items_synced INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			completed_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			domain TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '',
			deleted_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (domain, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS changes (
			run_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			change_type TEXT NOT NULL,
			field TEXT NOT NULL DEFAULT '',
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_run ON changes(run_id)`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL DEFAULT 0,
			pages INTEGER NOT NULL DEFAULT 0,
			items INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			paused INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS order_jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			retry_of TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, d erp.Domain) (Checkpoint, error) {
	cp := Checkpoint{Domain: d}
	var completed, updated int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT last_page, total_pages, items_synced, status, last_error, completed_at, updated_at
		 FROM checkpoints WHERE domain = ?`), string(d)).
		Scan(&cp.LastPage, &cp.TotalPages, &cp.ItemsSynced, &cp.Status, &cp.LastError, &completed, &updated)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("get checkpoint %s: %w", d, err)
	}
	cp.CompletedAt = fromUnix(completed)
	cp.UpdatedAt = fromUnix(updated)
	return cp, nil
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO checkpoints (domain, last_page, total_pages, items_synced, status, last_error, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain) DO UPDATE SET
			last_page = excluded.last_page,
			total_pages = excluded.total_pages,
			items_synced = excluded.items_synced,
			status = excluded.status,
			last_error = excluded.last_error,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`),
		string(cp.Domain), cp.LastPage, cp.TotalPages, cp.ItemsSynced, string(cp.Status),
		cp.LastError, unix(cp.CompletedAt), unix(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Domain, err)
	}
	return nil
}

func (s *SQLStore) ResetCheckpoint(ctx context.Context, d erp.Domain) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM checkpoints WHERE domain = ?`), string(d))
	if err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", d, err)
	}
	return nil
}

func (s *SQLStore) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT domain, last_page, total_pages, items_synced, status, last_error, completed_at, updated_at
		 FROM checkpoints ORDER BY domain`))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var d string
		var completed, updated int64
		if err := rows.Scan(&d, &cp.LastPage, &cp.TotalPages, &cp.ItemsSynced, &cp.Status, &cp.LastError, &completed, &updated); err != nil {
			return nil, err
		}
		cp.Domain = erp.Domain(d)
		cp.CompletedAt = fromUnix(completed)
		cp.UpdatedAt = fromUnix(updated)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetEntity(ctx context.Context, d erp.Domain, id string) (Entity, bool, error) {
	e := Entity{Domain: d, ID: id}
	var fields string
	var deleted int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT hash, fields, deleted_at FROM entities WHERE domain = ? AND entity_id = ?`),
		string(d), id).Scan(&e.Hash, &fields, &deleted)
	if err == sql.ErrNoRows {
		return e, false, nil
	}
	if err != nil {
		return e, false, fmt.Errorf("get entity %s/%s: %w", d, id, err)
	}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return e, false, fmt.Errorf("decode entity fields %s/%s: %w", d, id, err)
		}
	}
	e.DeletedAt = fromUnix(deleted)
	return e, true, nil
}

func (s *SQLStore) UpsertEntity(ctx context.Context, e Entity) error {
	fields := ""
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("encode entity fields %s/%s: %w", e.Domain, e.ID, err)
		}
		fields = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO entities (domain, entity_id, hash, fields, deleted_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT (domain, entity_id) DO UPDATE SET
			hash = excluded.hash,
			fields = excluded.fields,
			deleted_at = 0,
			updated_at = excluded.updated_at`),
		string(e.Domain), e.ID, e.Hash, fields, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert entity %s/%s: %w", e.Domain, e.ID, err)
	}
	return nil
}

func (s *SQLStore) LiveIDs(ctx context.Context, d erp.Domain) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT entity_id FROM entities WHERE domain = ? AND deleted_at = 0`), string(d))
	if err != nil {
		return nil, fmt.Errorf("live ids %s: %w", d, err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) MarkDeleted(ctx context.Context, d erp.Domain, ids []string, hard bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n := 0
	now := time.Now().Unix()
	for _, id := range ids {
		var res sql.Result
		var err error
		if hard {
			res, err = s.db.ExecContext(ctx, s.q(
				`DELETE FROM entities WHERE domain = ? AND entity_id = ?`), string(d), id)
		} else {
			res, err = s.db.ExecContext(ctx, s.q(
				`UPDATE entities SET deleted_at = ? WHERE domain = ? AND entity_id = ? AND deleted_at = 0`),
				now, string(d), id)
		}
		if err != nil {
			return n, fmt.Errorf("delete entity %s/%s: %w", d, id, err)
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			n++
		}
	}
	return n, nil
}

func (s *SQLStore) RecordChange(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO changes (run_id, domain, entity_id, change_type, field, old_value, new_value, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.RunID, string(c.Domain), c.EntityID, string(c.Type), c.Field, c.OldValue, c.NewValue, c.At.Unix())
	if err != nil {
		return fmt.Errorf("record change %s/%s: %w", c.Domain, c.EntityID, err)
	}
	return nil
}

func (s *SQLStore) ChangesForRun(ctx context.Context, runID string) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT run_id, domain, entity_id, change_type, field, old_value, new_value, at
		 FROM changes WHERE run_id = ? ORDER BY at`), runID)
	if err != nil {
		return nil, fmt.Errorf("changes for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []Change
	for rows.Next() {
		var c Change
		var d, typ string
		var at int64
		if err := rows.Scan(&c.RunID, &d, &c.EntityID, &typ, &c.Field, &c.OldValue, &c.NewValue, &at); err != nil {
			return nil, err
		}
		c.Domain = erp.Domain(d)
		c.Type = ChangeType(typ)
		c.At = fromUnix(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateRun(ctx context.Context, d erp.Domain) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO sync_runs (id, domain, started_at) VALUES (?, ?, ?)`),
		id, string(d), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("create run %s: %w", d, err)
	}
	return id, nil
}

func (s *SQLStore) FinishRun(ctx context.Context, runID string, res RunResult) error {
	paused := 0
	if res.Paused {
		paused = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sync_runs SET finished_at = ?, pages = ?, items = ?, created = ?, updated = ?, deleted = ?, paused = ?, error = ?
		 WHERE id = ?`),
		time.Now().Unix(), res.Pages, res.Items, res.Created, res.Updated, res.Deleted, paused, res.Error, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLStore) SaveOrderJob(ctx context.Context, j OrderJob) error {
	payload, err := json.Marshal(j.Order)
	if err != nil {
		return fmt.Errorf("encode order payload %s: %w", j.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO order_jobs (id, user_id, payload, status, result, error, attempts, retry_of, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			finished_at = excluded.finished_at`),
		j.ID, j.UserID, string(payload), string(j.Status), j.Result, j.Error,
		j.Attempts, j.RetryOf, unix(j.CreatedAt), unix(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("save order job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLStore) GetOrderJob(ctx context.Context, id string) (OrderJob, bool, error) {
	var j OrderJob
	var payload, status string
	var created, finished int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, user_id, payload, status, result, error, attempts, retry_of, created_at, finished_at
		 FROM order_jobs WHERE id = ?`), id).
		Scan(&j.ID, &j.UserID, &payload, &status, &j.Result, &j.Error, &j.Attempts, &j.RetryOf, &created, &finished)
	if err == sql.ErrNoRows {
		return j, false, nil
	}
	if err != nil {
		return j, false, fmt.Errorf("get order job %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payload), &j.Order); err != nil {
		return j, false, fmt.Errorf("decode order payload %s: %w", id, err)
	}
	j.Status = OrderJobStatus(status)
	j.CreatedAt = fromUnix(created)
	j.FinishedAt = fromUnix(finished)
	return j, true, nil
}
