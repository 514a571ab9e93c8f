package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteStore keeps everything in one database file. The pool is capped at a
// single connection, so transactions are serialized and must not call back
// into s.db while they are open.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &SQLiteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle so the sqlite queue driver can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM scheduled_posts
		 WHERE status = ? AND scheduled_for <= ?
		 ORDER BY scheduled_for, id LIMIT ?`,
		string(model.PostScheduled), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.ScheduledPost, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPost(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, postID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.PostProcessing), s.now().UnixMilli(), postID, string(model.PostScheduled),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) GetPost(ctx context.Context, id string) (model.ScheduledPost, error) {
	var (
		p                   model.ScheduledPost
		mediaURLs, refs     string
		team, org           sql.NullString
		sched, created, upd int64
		status              string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, media_urls, media_refs, scheduled_for, status, user_id, team_id, organization_id, created_at, updated_at
		 FROM scheduled_posts WHERE id = ?`, id,
	).Scan(&p.ID, &p.Content, &mediaURLs, &refs, &sched, &status, &p.UserID, &team, &org, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledPost{}, ErrNotFound
	}
	if err != nil {
		return model.ScheduledPost{}, err
	}
	p.Status = model.PostStatus(status)
	p.TeamID, p.OrganizationID = team.String, org.String
	p.ScheduledFor = time.UnixMilli(sched).UTC()
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(upd).UTC()
	_ = json.Unmarshal([]byte(mediaURLs), &p.MediaURLs)
	_ = json.Unmarshal([]byte(refs), &p.MediaRefs)

	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, account_id, status, published_at, error_message, post_ref, post_url
		 FROM post_platforms WHERE post_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return model.ScheduledPost{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t                 model.PlatformTarget
			st                string
			pub               sql.NullInt64
			errMsg, ref, link sql.NullString
		)
		if err := rows.Scan(&t.Platform, &t.AccountID, &st, &pub, &errMsg, &ref, &link); err != nil {
			return model.ScheduledPost{}, err
		}
		t.Status = model.SubStatus(st)
		if pub.Valid {
			at := time.UnixMilli(pub.Int64).UTC()
			t.PublishedAt = &at
		}
		t.ErrorMessage, t.PostID, t.PostURL = errMsg.String, ref.String, link.String
		p.Platforms = append(p.Platforms, t)
	}
	return p, rows.Err()
}

func (s *SQLiteStore) SetPlatformStatus(ctx context.Context, postID string, u PlatformUpdate) error {
	if err := checkUpdate(u); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM post_platforms WHERE post_id = ? AND account_id = ?`, postID, u.AccountID,
	).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.SubStatus(cur) == model.SubPublished {
		return ErrStickyPublished
	}
	if err := model.ValidateSubTransition(model.SubStatus(cur), u.Status); err != nil {
		return err
	}

	var pub any
	if u.Status == model.SubPublished {
		at := u.PublishedAt
		if at.IsZero() {
			at = s.now()
		}
		pub = at.UnixMilli()
	}
	errMsg := u.ErrorMessage
	if u.Status == model.SubPublished {
		errMsg = ""
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE post_platforms
		 SET status = ?, published_at = COALESCE(?, published_at), error_message = ?,
		     post_ref = COALESCE(?, post_ref), post_url = COALESCE(?, post_url)
		 WHERE post_id = ? AND account_id = ? AND status <> ?`,
		string(u.Status), pub, nullStr(errMsg), nullStr(u.PostID), nullStr(u.PostURL),
		postID, u.AccountID, string(model.SubPublished),
	)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE scheduled_posts SET updated_at = ? WHERE id = ?`, s.now().UnixMilli(), postID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecomputeAggregate(ctx context.Context, postID string, opt model.ReduceOptions) (model.PostStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM scheduled_posts WHERE id = ?`, postID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	rows, err := tx.QueryContext(ctx, `SELECT status FROM post_platforms WHERE post_id = ?`, postID)
	if err != nil {
		return "", err
	}
	var subs []model.SubStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			_ = rows.Close()
			return "", err
		}
		subs = append(subs, model.SubStatus(st))
	}
	if err := rows.Close(); err != nil {
		return "", err
	}

	agg, done := model.Reduce(subs, opt)
	if !done {
		return model.PostStatus(cur), nil
	}
	if string(agg) != cur {
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_posts SET status = ?, updated_at = ? WHERE id = ?`,
			string(agg), s.now().UnixMilli(), postID,
		); err != nil {
			return "", err
		}
	}
	return agg, tx.Commit()
}

const accountColumns = `id, platform, provider_account_id, access_token, refresh_token, token_expires_at, status,
	requires_reauth, long_lived, last_checked_at, status_reason, user_id, team_id, organization_id, updated_at`

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (model.SocialAccount, error) {
	var (
		a                model.SocialAccount
		refresh, reason  sql.NullString
		team, org        sql.NullString
		expires, checked sql.NullInt64
		status           string
		reauth, long     bool
		updated          int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM social_accounts WHERE id = ?`, id).Scan(
		&a.ID, &a.Platform, &a.ProviderAccountID, &a.AccessToken, &refresh, &expires, &status,
		&reauth, &long, &checked, &reason, &a.UserID, &team, &org, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SocialAccount{}, ErrNotFound
	}
	if err != nil {
		return model.SocialAccount{}, err
	}
	a.RefreshToken = refresh.String
	a.Status = model.AccountStatus(status)
	a.TokenExpiresAt = msPtr(expires)
	a.Metadata = model.AccountMetadata{
		RequiresReauth: reauth,
		LongLived:      long,
		LastCheckedAt:  msPtr(checked),
		StatusReason:   reason.String,
	}
	a.TeamID, a.OrganizationID = team.String, org.String
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return a, nil
}

func (s *SQLiteStore) UpdateAccountCredential(ctx context.Context, a model.SocialAccount) error {
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE social_accounts
		 SET access_token = ?, refresh_token = ?, token_expires_at = ?, status = ?,
		     requires_reauth = ?, long_lived = ?, last_checked_at = ?, status_reason = ?, updated_at = ?
		 WHERE id = ?`,
		a.AccessToken, nullStr(a.RefreshToken), ptrMs(a.TokenExpiresAt), string(a.Status),
		a.Metadata.RequiresReauth, a.Metadata.LongLived, ptrMs(a.Metadata.LastCheckedAt),
		nullStr(a.Metadata.StatusReason), s.now().UnixMilli(), a.ID,
	)
	return affectedOne(res, err)
}

func (s *SQLiteStore) MarkAccountExpired(ctx context.Context, id string, status model.AccountStatus, reason string) error {
	if status == "" || status == model.AccountActive {
		status = model.AccountExpired
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE social_accounts SET status = ?, requires_reauth = 1, status_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), nullStr(reason), s.now().UnixMilli(), id,
	)
	return affectedOne(res, err)
}

func (s *SQLiteStore) InsertPublishedPost(ctx context.Context, p model.PublishedPost) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO social_posts(id, scheduled_post_id, platform, account_id, post_id, post_url, content,
		   user_id, team_id, organization_id, published_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ScheduledPostID, p.Platform, p.AccountID, p.PostID, p.PostURL, nullStr(p.Content),
		p.UserID, nullStr(p.TeamID), nullStr(p.OrganizationID), p.PublishedAt.UnixMilli(), p.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) ListPublished(ctx context.Context, scheduledPostID string) ([]model.PublishedPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scheduled_post_id, platform, account_id, post_id, post_url, content,
		   user_id, team_id, organization_id, published_at, created_at
		 FROM social_posts WHERE scheduled_post_id = ? ORDER BY published_at, id`, scheduledPostID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PublishedPost
	for rows.Next() {
		var (
			p                  model.PublishedPost
			content, team, org sql.NullString
			published, created int64
		)
		if err := rows.Scan(&p.ID, &p.ScheduledPostID, &p.Platform, &p.AccountID, &p.PostID, &p.PostURL,
			&content, &p.UserID, &team, &org, &published, &created); err != nil {
			return nil, err
		}
		p.Content, p.TeamID, p.OrganizationID = content.String, team.String, org.String
		p.PublishedAt = time.UnixMilli(published).UTC()
		p.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreatePost(ctx context.Context, p model.ScheduledPost) (model.ScheduledPost, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := model.NormalizeUTC(s.now())
	if p.Status == "" {
		p.Status = model.PostScheduled
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.ScheduledFor = model.NormalizeUTC(p.ScheduledFor)
	for i := range p.Platforms {
		p.Platforms[i].Platform = model.NormalizePlatform(p.Platforms[i].Platform)
		if p.Platforms[i].Status == "" {
			p.Platforms[i].Status = model.SubPending
		}
	}
	urls, _ := json.Marshal(nonNil(p.MediaURLs))
	refs, _ := json.Marshal(nonNil(p.MediaRefs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ScheduledPost{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scheduled_posts(id, content, media_urls, media_refs, scheduled_for, status, user_id,
		   team_id, organization_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Content, string(urls), string(refs), p.ScheduledFor.UnixMilli(), string(p.Status), p.UserID,
		nullStr(p.TeamID), nullStr(p.OrganizationID), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	); err != nil {
		return model.ScheduledPost{}, err
	}
	for i, t := range p.Platforms {
		var pub any
		if t.PublishedAt != nil {
			pub = t.PublishedAt.UnixMilli()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_platforms(post_id, account_id, platform, position, status, published_at,
			   error_message, post_ref, post_url)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			p.ID, t.AccountID, t.Platform, i, string(t.Status), pub,
			nullStr(t.ErrorMessage), nullStr(t.PostID), nullStr(t.PostURL),
		); err != nil {
			return model.ScheduledPost{}, fmt.Errorf("platform %d: %w", i, err)
		}
	}
	return p, tx.Commit()
}

func (s *SQLiteStore) UpsertAccount(ctx context.Context, a model.SocialAccount) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("account id is required")
	}
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO social_accounts(`+accountColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   platform = excluded.platform, provider_account_id = excluded.provider_account_id,
		   access_token = excluded.access_token, refresh_token = excluded.refresh_token,
		   token_expires_at = excluded.token_expires_at, status = excluded.status,
		   requires_reauth = excluded.requires_reauth, long_lived = excluded.long_lived,
		   last_checked_at = excluded.last_checked_at, status_reason = excluded.status_reason,
		   user_id = excluded.user_id, team_id = excluded.team_id,
		   organization_id = excluded.organization_id, updated_at = excluded.updated_at`,
		a.ID, model.NormalizePlatform(a.Platform), a.ProviderAccountID, a.AccessToken, nullStr(a.RefreshToken),
		ptrMs(a.TokenExpiresAt), string(a.Status), a.Metadata.RequiresReauth, a.Metadata.LongLived,
		ptrMs(a.Metadata.LastCheckedAt), nullStr(a.Metadata.StatusReason), a.UserID,
		nullStr(a.TeamID), nullStr(a.OrganizationID), s.now().UnixMilli(),
	)
	return err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func ptrMs(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
