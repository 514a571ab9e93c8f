package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "crosspost/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id           TEXT PRIMARY KEY,
	data         BLOB NOT NULL,
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	run_at       INTEGER NOT NULL,
	lease_until  INTEGER,
	lease_token  TEXT,
	last_error   TEXT,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_state_run ON queue_jobs(state, run_at);
`

// SQLiteQueue stores jobs in one table. Every state change runs in a
// transaction on the single pooled connection, so claims never overlap.
type SQLiteQueue struct {
	db     *sql.DB
	ownsDB bool
	policy Policy
	now    func() time.Time
	log    logx.Logger
}

// OpenSQLite opens (or creates) a dedicated queue database at path.
func OpenSQLite(ctx context.Context, path string, policy Policy, opts ...Option) (*SQLiteQueue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	q, err := NewSQLite(ctx, db, policy, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// NewSQLite uses an existing handle, e.g. the one owned by the post store.
func NewSQLite(ctx context.Context, db *sql.DB, policy Policy, opts ...Option) (*SQLiteQueue, error) {
	o := buildOptions(opts)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	if err := addColumnIfMissing(ctx, db, "queue_jobs", "lease_token", "TEXT"); err != nil {
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	return &SQLiteQueue{db: db, policy: policy.withDefaults(), now: o.now, log: o.log}, nil
}

func (q *SQLiteQueue) Close() error {
	if q == nil || q.db == nil || !q.ownsDB {
		return nil
	}
	return q.db.Close()
}

// addColumnIfMissing upgrades queue files created before the column existed.
func addColumnIfMissing(ctx context.Context, db *sql.DB, table, column, decl string) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` `+decl)
	return err
}

const jobColumns = `id, data, state, attempts, max_attempts, run_at, lease_until, lease_token, last_error, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j                       Job
		state                   string
		runAt, created, updated int64
		lease, finished         sql.NullInt64
		token, lastErr          sql.NullString
	)
	if err := r.Scan(&j.ID, &j.Data, &state, &j.Attempts, &j.MaxAttempts, &runAt, &lease, &token, &lastErr, &created, &updated, &finished); err != nil {
		return Job{}, err
	}
	j.State = State(state)
	j.RunAt = time.UnixMilli(runAt)
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	if lease.Valid {
		j.LeaseUntil = time.UnixMilli(lease.Int64)
	}
	if finished.Valid {
		j.FinishedAt = time.UnixMilli(finished.Int64)
	}
	j.Token = token.String
	j.LastError = lastErr.String
	return j, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (Job, error) {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (q *SQLiteQueue) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (q *SQLiteQueue) Add(ctx context.Context, id string, data []byte, opts AddOptions) (Job, bool, error) {
	if err := checkID(id); err != nil {
		return Job{}, false, err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getJobTx(ctx, tx, id)
	switch {
	case err == nil && !existing.State.Terminal():
		return existing, false, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return Job{}, false, err
	}

	now := q.now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy.MaxAttempts
	}
	j := Job{
		ID: id, Data: data, State: StateWaiting, MaxAttempts: maxAttempts,
		RunAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
		j.RunAt = now.Add(opts.Delay)
	}
	if data == nil {
		data = []byte{}
	}
	// A terminal job with the same id is replaced by a fresh one.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO queue_jobs(id, data, state, attempts, max_attempts, run_at, lease_until, lease_token, last_error, created_at, updated_at, finished_at)
		 VALUES(?,?,?,0,?,?,NULL,NULL,NULL,?,?,NULL)`,
		id, data, string(j.State), maxAttempts, j.RunAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (q *SQLiteQueue) Fetch(ctx context.Context, n int, lease time.Duration) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE state = ? ORDER BY run_at, created_at, id LIMIT ?`,
		string(StateWaiting), n,
	)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	now := q.now()
	until := now.Add(lease)
	for i := range jobs {
		token := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_jobs SET state = ?, attempts = attempts + 1, lease_until = ?, lease_token = ?, updated_at = ? WHERE id = ?`,
			string(StateActive), until.UnixMilli(), token, now.UnixMilli(), jobs[i].ID,
		); err != nil {
			return nil, err
		}
		jobs[i].State = StateActive
		jobs[i].Attempts++
		jobs[i].LeaseUntil = until
		jobs[i].Token = token
		jobs[i].UpdatedAt = now
	}
	return jobs, tx.Commit()
}

func (q *SQLiteQueue) Complete(ctx context.Context, id, token string) error {
	now := q.now().UnixMilli()
	return q.transition(ctx, id, token, false,
		`UPDATE queue_jobs SET state = ?, lease_until = NULL, lease_token = NULL, finished_at = ?, updated_at = ? WHERE id = ?`,
		string(StateCompleted), now, now, id)
}

func (q *SQLiteQueue) Discard(ctx context.Context, id, token, cause string) error {
	now := q.now().UnixMilli()
	return q.transition(ctx, id, token, true,
		`UPDATE queue_jobs SET state = ?, lease_until = NULL, lease_token = NULL, last_error = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		string(StateFailed), cause, now, now, id)
}

// transition runs stmt if token holds the active job. With unclaimed set, a
// waiting or delayed job also qualifies when token is empty.
func (q *SQLiteQueue) transition(ctx context.Context, id, token string, unclaimed bool, stmt string, args ...any) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	j, err := getJobTx(ctx, tx, id)
	if err != nil {
		return err
	}
	idle := unclaimed && token == "" && slices.Contains([]State{StateWaiting, StateDelayed}, j.State)
	if !idle {
		if err := checkClaim(j, token); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *SQLiteQueue) Fail(ctx context.Context, id, token, cause string, retryAfter time.Duration) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	j, err := getJobTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if err := checkClaim(j, token); err != nil {
		return false, err
	}
	now := q.now()
	final := j.Attempts >= j.MaxAttempts
	if final {
		_, err = tx.ExecContext(ctx,
			`UPDATE queue_jobs SET state = ?, lease_until = NULL, lease_token = NULL, last_error = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
			string(StateFailed), cause, now.UnixMilli(), now.UnixMilli(), id)
	} else {
		runAt := now.Add(q.policy.Delay(j.Attempts, retryAfter))
		_, err = tx.ExecContext(ctx,
			`UPDATE queue_jobs SET state = ?, lease_until = NULL, lease_token = NULL, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
			string(StateDelayed), cause, runAt.UnixMilli(), now.UnixMilli(), id)
	}
	if err != nil {
		return false, err
	}
	return final, tx.Commit()
}

func (q *SQLiteQueue) PromoteDelayed(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET state = ?, updated_at = ? WHERE state = ? AND run_at <= ?`,
		string(StateWaiting), now, string(StateDelayed), now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *SQLiteQueue) RequeueStalled(ctx context.Context) (int, []Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE state = ? AND lease_until <= ?`,
		string(StateActive), now.UnixMilli())
	if err != nil {
		return 0, nil, err
	}
	var stalled []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return 0, nil, err
		}
		stalled = append(stalled, j)
	}
	if err := rows.Close(); err != nil {
		return 0, nil, err
	}

	var (
		requeued int
		dead     []Job
	)
	ms := now.UnixMilli()
	for _, j := range stalled {
		if j.Attempts < j.MaxAttempts {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_jobs SET state = ?, lease_until = NULL, lease_token = NULL, run_at = ?, updated_at = ? WHERE id = ?`,
				string(StateWaiting), ms, ms, j.ID); err != nil {
				return 0, nil, err
			}
			requeued++
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_jobs SET state = ?, lease_until = NULL, lease_token = NULL, last_error = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
			string(StateFailed), CauseStalled, ms, ms, j.ID); err != nil {
			return 0, nil, err
		}
		j.State, j.LastError, j.FinishedAt, j.LeaseUntil, j.Token = StateFailed, CauseStalled, now, time.Time{}, ""
		dead = append(dead, j)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return requeued, dead, nil
}

func (q *SQLiteQueue) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE state IN (?, ?) AND finished_at < ?`,
		string(StateCompleted), string(StateFailed), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *SQLiteQueue) Counts(ctx context.Context) (map[State]int, error) {
	out := map[State]int{
		StateWaiting: 0, StateActive: 0, StateDelayed: 0, StateCompleted: 0, StateFailed: 0,
	}
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[State(st)] = n
	}
	return out, rows.Err()
}
