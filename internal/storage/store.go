package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStickyPublished is returned when a write would move a published entry.
	ErrStickyPublished = errors.New("platform entry already published")
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string // sqlite file
	DSN         string // mongo URI
	Database    string // mongo database name
	BusyTimeout time.Duration
	Timeout     time.Duration
}

// PlatformUpdate is a field-scoped write to one platforms[] entry.
type PlatformUpdate struct {
	AccountID    string
	Status       model.SubStatus
	PublishedAt  time.Time
	ErrorMessage string
	PostID       string
	PostURL      string
}

// Store is the persistence API used by the producer, dispatcher and credential manager.
type Store interface {
	// DuePosts returns posts with status scheduled and scheduledFor <= now, oldest first.
	DuePosts(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPost, error)
	// MarkProcessing flips scheduled -> processing. It reports false if the post
	// was no longer scheduled.
	MarkProcessing(ctx context.Context, postID string) (bool, error)
	GetPost(ctx context.Context, id string) (model.ScheduledPost, error)
	// SetPlatformStatus updates only the entry matching u.AccountID.
	// It returns ErrStickyPublished if the entry is already published.
	SetPlatformStatus(ctx context.Context, postID string, u PlatformUpdate) error
	// RecomputeAggregate applies model.Reduce to the stored entries and returns the result.
	RecomputeAggregate(ctx context.Context, postID string, opt model.ReduceOptions) (model.PostStatus, error)

	GetAccount(ctx context.Context, id string) (model.SocialAccount, error)
	// UpdateAccountCredential stores tokens, expiry and metadata from a refresh.
	UpdateAccountCredential(ctx context.Context, a model.SocialAccount) error
	// MarkAccountExpired sets status and metadata.requiresReauth.
	MarkAccountExpired(ctx context.Context, id string, status model.AccountStatus, reason string) error

	InsertPublishedPost(ctx context.Context, p model.PublishedPost) error
	ListPublished(ctx context.Context, scheduledPostID string) ([]model.PublishedPost, error)

	// CreatePost and UpsertAccount serve the authoring side and fixtures.
	CreatePost(ctx context.Context, p model.ScheduledPost) (model.ScheduledPost, error)
	UpsertAccount(ctx context.Context, a model.SocialAccount) error

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured driver.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "mongo", "mongodb":
		return OpenMongo(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func checkUpdate(u PlatformUpdate) error {
	if strings.TrimSpace(u.AccountID) == "" {
		return errors.New("platform update: account id is required")
	}
	if !u.Status.Valid() {
		return errors.New("platform update: invalid status " + string(u.Status))
	}
	return nil
}
