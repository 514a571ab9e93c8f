// Package credential keeps stored platform credentials usable.
//
// Each provider has a Strategy that knows how its tokens age: some refresh
// with an OAuth2 refresh token, some exchange once for a long-lived token and
// are probed afterwards, and some cannot be refreshed at all. The Manager
// picks the strategy by platform and persists whatever changed.
package credential

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"crosspost/internal/joberr"
	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

// DefaultMargin is how close to expiry a refreshable token is renewed.
const DefaultMargin = 5 * time.Minute

type Strategy interface {
	EnsureFresh(ctx context.Context, acc model.SocialAccount) (model.SocialAccount, error)
}

// ReauthError is a TOKEN_EXPIRED failure that also says which account status
// to record. The owner has to reconnect the account.
type ReauthError struct {
	Status model.AccountStatus
	Err    *joberr.Error
}

func (e *ReauthError) Error() string { return e.Err.Error() }
func (e *ReauthError) Unwrap() error { return e.Err }

func reauth(status model.AccountStatus, format string, args ...any) error {
	return &ReauthError{Status: status, Err: joberr.New(joberr.TokenExpired, format, args...)}
}

// StatusOf returns the account status err asks for. Anything that is not a
// ReauthError maps to expired.
func StatusOf(err error) model.AccountStatus {
	var r *ReauthError
	if errors.As(err, &r) && r.Status != "" {
		return r.Status
	}
	return model.AccountExpired
}

type Option func(*settings)

type settings struct {
	now    func() time.Time
	client *http.Client
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHTTPClient overrides the client used for token endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

func applyOptions(opts []Option) settings {
	s := settings{now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

// Registry maps a normalized platform name to its Strategy.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Strategy{}}
}

func (r *Registry) Register(platform string, s Strategy) {
	r.mu.Lock()
	r.m[model.NormalizePlatform(platform)] = s
	r.mu.Unlock()
}

func (r *Registry) Get(platform string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[model.NormalizePlatform(platform)]
	return s, ok
}

// Store is the slice of persistence the Manager writes to.
type Store interface {
	UpdateAccountCredential(ctx context.Context, a model.SocialAccount) error
	MarkAccountExpired(ctx context.Context, id string, status model.AccountStatus, reason string) error
}

type Manager struct {
	reg   *Registry
	store Store
	log   logx.Logger
}

func NewManager(reg *Registry, store Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Manager{reg: reg, store: store, log: log.With(logx.String("comp", "credential"))}
}

// EnsureFresh returns a credential that is good to publish with, refreshing
// and persisting it first when the provider strategy says so.
func (m *Manager) EnsureFresh(ctx context.Context, acc model.SocialAccount) (model.SocialAccount, error) {
	if !acc.Usable() {
		status := acc.Status
		if status == "" || status == model.AccountActive {
			status = model.AccountExpired
		}
		return acc, reauth(status, "account %s requires re-authorization (status %s)", acc.ID, acc.Status)
	}
	s, ok := m.reg.Get(acc.Platform)
	if !ok {
		return acc, nil
	}
	fresh, err := s.EnsureFresh(ctx, acc)
	if err != nil {
		return acc, err
	}
	if !changed(acc, fresh) {
		return fresh, nil
	}
	if err := m.store.UpdateAccountCredential(ctx, fresh); err != nil {
		// The new token is still valid for this publish.
		m.log.Error("persist refreshed credential failed",
			logx.String("account", acc.ID), logx.String("platform", acc.Platform), logx.Err(err))
		return fresh, nil
	}
	m.log.Info("credential refreshed", logx.String("account", acc.ID), logx.String("platform", acc.Platform))
	return fresh, nil
}

// Invalidate records that acc can no longer be used because of cause.
func (m *Manager) Invalidate(ctx context.Context, acc model.SocialAccount, cause error) error {
	status := StatusOf(cause)
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := m.store.MarkAccountExpired(ctx, acc.ID, status, reason); err != nil {
		return err
	}
	m.log.Warn("account requires re-authorization",
		logx.String("account", acc.ID),
		logx.String("platform", acc.Platform),
		logx.String("status", string(status)),
		logx.String("reason", reason),
	)
	return nil
}

func changed(a, b model.SocialAccount) bool {
	return a.AccessToken != b.AccessToken ||
		a.RefreshToken != b.RefreshToken ||
		!sameTime(a.TokenExpiresAt, b.TokenExpiresAt) ||
		a.Status != b.Status ||
		a.Metadata.RequiresReauth != b.Metadata.RequiresReauth ||
		a.Metadata.LongLived != b.Metadata.LongLived ||
		a.Metadata.StatusReason != b.Metadata.StatusReason ||
		!sameTime(a.Metadata.LastCheckedAt, b.Metadata.LastCheckedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func timePtr(t time.Time) *time.Time {
	t = model.NormalizeUTC(t)
	return &t
}

// Config selects per-provider token endpoints.
type Config struct {
	Margin        time.Duration
	ProbeInterval time.Duration

	Twitter   OAuthConfig
	Facebook  LongLivedConfig
	Instagram LongLivedConfig
	Threads   LongLivedConfig
}

// NewDefaultRegistry wires the built-in strategies for every supported platform.
func NewDefaultRegistry(cfg Config, log logx.Logger, opts ...Option) *Registry {
	if cfg.Twitter.Margin == 0 {
		cfg.Twitter.Margin = cfg.Margin
	}
	if cfg.Twitter.TokenURL == "" {
		cfg.Twitter.TokenURL = "https://api.twitter.com/2/oauth2/token"
	}
	r := NewRegistry()
	r.Register(model.PlatformTwitter, NewRefreshTokenStrategy(cfg.Twitter, opts...))
	r.Register(model.PlatformLinkedIn, NewNoRefreshStrategy(opts...))
	for _, p := range []struct {
		name string
		cfg  LongLivedConfig
	}{
		{model.PlatformFacebook, cfg.Facebook},
		{model.PlatformInstagram, cfg.Instagram},
		{model.PlatformThreads, cfg.Threads},
	} {
		c := withGraphDefaults(p.name, p.cfg)
		if c.ProbeInterval == 0 {
			c.ProbeInterval = cfg.ProbeInterval
		}
		r.Register(p.name, NewLongLivedStrategy(c, log, opts...))
	}
	return r
}

func trimmed(s string) string { return strings.TrimSpace(s) }
