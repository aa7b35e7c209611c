package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warpmetrics/warp-go/internal/model"
)

// Run listing bounds.
const (
	DefaultRunLimit = 50
	MaxRunLimit     = 500
)

// InsertBatch stores every event in b in one transaction and returns how
// many were new. Events already stored (same id, or same parent and child
// for links) are skipped, so a re-delivered batch is harmless.
func (db *DB) InsertBatch(ctx context.Context, b model.Batch) (int, error) {
	var processed int
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		n, err := db.insertBatch(ctx, b)
		processed = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

func (db *DB) insertBatch(ctx context.Context, b model.Batch) (int, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	var processed int64
	exec := func(what, query string, args ...any) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("storage: insert %s: %w", what, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: insert %s: %w", what, err)
		}
		processed += n
		return nil
	}

	for _, r := range b.Runs {
		opts, err := encodeJSON(r.Opts)
		if err != nil {
			return 0, fmt.Errorf("storage: encode run %s: %w", r.ID, err)
		}
		if err := exec("run", `INSERT OR IGNORE INTO runs (id, label, ref_id, opts, ts, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.Label, r.RefID, opts, r.Timestamp.UnixNano(), now); err != nil {
			return 0, err
		}
	}

	for _, g := range b.Groups {
		opts, err := encodeJSON(g.Opts)
		if err != nil {
			return 0, fmt.Errorf("storage: encode group %s: %w", g.ID, err)
		}
		if err := exec("group", `INSERT OR IGNORE INTO run_groups (id, label, parent_id, opts, ts, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, g.Label, g.ParentID, opts, g.Timestamp.UnixNano(), now); err != nil {
			return 0, err
		}
	}

	for _, c := range b.Calls {
		if err := exec("call", insertCallSQL, callArgs(c, now)...); err != nil {
			return 0, err
		}
	}

	for _, l := range b.Links {
		if err := exec("link", `INSERT OR IGNORE INTO links (parent_id, child_id, type, ts)
			VALUES (?, ?, ?, ?)`,
			l.ParentID, l.ChildID, string(l.Type), l.Timestamp.UnixNano()); err != nil {
			return 0, err
		}
	}

	for _, o := range b.Outcomes {
		opts, err := encodeJSON(o.Opts)
		if err != nil {
			return 0, fmt.Errorf("storage: encode outcome %s: %w", o.ID, err)
		}
		if err := exec("outcome", `INSERT OR IGNORE INTO outcomes (id, ref_id, name, opts, ts, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, o.RefID, o.Name, opts, o.Timestamp.UnixNano(), now); err != nil {
			return 0, err
		}
	}

	for _, a := range b.Acts {
		opts, err := encodeJSON(a.Opts)
		if err != nil {
			return 0, fmt.Errorf("storage: encode act %s: %w", a.ID, err)
		}
		if err := exec("act", `INSERT OR IGNORE INTO acts (id, ref_id, name, opts, ts, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.RefID, a.Name, opts, a.Timestamp.UnixNano(), now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit batch: %w", err)
	}
	return int(processed), nil
}

const insertCallSQL = `INSERT OR IGNORE INTO calls (
	id, provider, model, status, error, messages, response, tools, tool_calls,
	prompt_tokens, completion_tokens, total_tokens, cache_write, cache_read, cached_input,
	duration_ms, latency_ms, started_at, ended_at, opts, cost_override, received_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func callArgs(c model.CallEvent, now int64) []any {
	var (
		prompt, completion, total        sql.NullInt64
		cacheWrite, cacheRead, cachedIn  sql.NullInt64
		startedAt                        sql.NullInt64
		messages, tools, toolCalls, opts sql.NullString
		errText                          sql.NullString
	)
	if t := c.Tokens; t != nil {
		prompt = sql.NullInt64{Int64: int64(t.Prompt), Valid: true}
		completion = sql.NullInt64{Int64: int64(t.Completion), Valid: true}
		total = sql.NullInt64{Int64: int64(t.Total), Valid: true}
		cacheWrite = nullInt(t.CacheWrite)
		cacheRead = nullInt(t.CacheRead)
		cachedIn = nullInt(t.CachedInput)
	}
	if c.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: c.StartedAt.UnixNano(), Valid: true}
	}
	if len(c.Messages) > 0 {
		messages = sql.NullString{String: string(c.Messages), Valid: true}
	}
	// Tool lists and opts were decoded from JSON, so re-encoding cannot fail.
	if s, _ := encodeJSON(c.Tools); s != nil {
		tools = sql.NullString{String: *s, Valid: true}
	}
	if s, _ := encodeJSON(c.ToolCalls); s != nil {
		toolCalls = sql.NullString{String: *s, Valid: true}
	}
	if s, _ := encodeJSON(c.Opts); s != nil {
		opts = sql.NullString{String: *s, Valid: true}
	}
	if c.Error != "" {
		errText = sql.NullString{String: c.Error, Valid: true}
	}
	return []any{
		c.ID, c.Provider, c.Model, c.Status, errText, messages, c.Response, tools, toolCalls,
		prompt, completion, total, cacheWrite, cacheRead, cachedIn,
		c.Duration, c.Latency, startedAt, c.EndedAt.UnixNano(), opts, c.CostOverride, now,
	}
}

// ListRuns returns the most recent runs, newest first. A limit outside
// (0, MaxRunLimit] is replaced by DefaultRunLimit or clamped.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]model.StoredRun, error) {
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	if limit > MaxRunLimit {
		limit = MaxRunLimit
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, label, ref_id, opts, ts, received_at
		FROM runs ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []model.StoredRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunDetail returns a run with its direct links, the calls those links
// attach and the outcomes recorded on it. Returns ErrNotFound for an
// unknown id.
func (db *DB) GetRunDetail(ctx context.Context, id string) (model.RunDetail, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT id, label, ref_id, opts, ts, received_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunDetail{}, ErrNotFound
	}
	if err != nil {
		return model.RunDetail{}, fmt.Errorf("storage: get run %s: %w", id, err)
	}

	detail := model.RunDetail{Run: run}
	if detail.Links, err = db.linksOf(ctx, id); err != nil {
		return model.RunDetail{}, err
	}
	if detail.Calls, err = db.callsOf(ctx, id); err != nil {
		return model.RunDetail{}, err
	}
	if detail.Outcomes, err = db.outcomesOf(ctx, id); err != nil {
		return model.RunDetail{}, err
	}
	return detail, nil
}

func (db *DB) linksOf(ctx context.Context, parentID string) ([]model.LinkEvent, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT parent_id, child_id, type, ts FROM links
		WHERE parent_id = ? ORDER BY ts, child_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	links := []model.LinkEvent{}
	for rows.Next() {
		var (
			l    model.LinkEvent
			kind string
			ts   int64
		)
		if err := rows.Scan(&l.ParentID, &l.ChildID, &kind, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan link: %w", err)
		}
		l.Type = model.LinkType(kind)
		l.Timestamp = fromNanos(ts)
		links = append(links, l)
	}
	return links, rows.Err()
}

func (db *DB) callsOf(ctx context.Context, parentID string) ([]model.StoredCall, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT c.id, c.provider, c.model, c.status,
		       c.prompt_tokens, c.completion_tokens, c.total_tokens,
		       c.cache_write, c.cache_read, c.cached_input,
		       c.cost_override, c.ended_at
		FROM links l JOIN calls c ON c.id = l.child_id
		WHERE l.parent_id = ? AND l.type = 'call'
		ORDER BY l.ts, c.id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calls := []model.StoredCall{}
	for rows.Next() {
		var (
			c                               model.StoredCall
			prompt, completion, total       sql.NullInt64
			cacheWrite, cacheRead, cachedIn sql.NullInt64
			cost                            sql.NullInt64
			endedAt                         int64
		)
		if err := rows.Scan(&c.ID, &c.Provider, &c.Model, &c.Status,
			&prompt, &completion, &total, &cacheWrite, &cacheRead, &cachedIn,
			&cost, &endedAt); err != nil {
			return nil, fmt.Errorf("storage: scan call: %w", err)
		}
		if total.Valid {
			c.Tokens = &model.Tokens{
				Prompt:      int(prompt.Int64),
				Completion:  int(completion.Int64),
				Total:       int(total.Int64),
				CacheWrite:  intPtr(cacheWrite),
				CacheRead:   intPtr(cacheRead),
				CachedInput: intPtr(cachedIn),
			}
		}
		if cost.Valid {
			c.CostOverride = &cost.Int64
		}
		c.EndedAt = fromNanos(endedAt)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (db *DB) outcomesOf(ctx context.Context, refID string) ([]model.OutcomeEvent, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, ref_id, name, opts, ts FROM outcomes
		WHERE ref_id = ? ORDER BY ts, id`, refID)
	if err != nil {
		return nil, fmt.Errorf("storage: list outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	outcomes := []model.OutcomeEvent{}
	for rows.Next() {
		var (
			o    model.OutcomeEvent
			opts sql.NullString
			ts   int64
		)
		if err := rows.Scan(&o.ID, &o.RefID, &o.Name, &opts, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan outcome: %w", err)
		}
		if o.Opts, err = decodeOpts(opts); err != nil {
			return nil, fmt.Errorf("storage: decode outcome %s opts: %w", o.ID, err)
		}
		o.Timestamp = fromNanos(ts)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (model.StoredRun, error) {
	var (
		r        model.StoredRun
		refID    sql.NullString
		opts     sql.NullString
		ts, recv int64
	)
	if err := s.Scan(&r.ID, &r.Label, &refID, &opts, &ts, &recv); err != nil {
		return model.StoredRun{}, err
	}
	if refID.Valid {
		r.RefID = &refID.String
	}
	var err error
	if r.Opts, err = decodeOpts(opts); err != nil {
		return model.StoredRun{}, err
	}
	r.Timestamp = fromNanos(ts)
	r.ReceivedAt = fromNanos(recv)
	return r, nil
}

// encodeJSON returns nil for nil maps and slices so they are stored as NULL.
func encodeJSON[T any](v T) (*string, error) {
	switch x := any(v).(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case []string:
		if x == nil {
			return nil, nil
		}
	case []model.ToolCall:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeOpts(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
