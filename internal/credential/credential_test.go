package credential

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crosspost/internal/joberr"
	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() func() time.Time { return func() time.Time { return testNow } }

func at(t time.Time) *time.Time { return &t }

type fakeStore struct {
	mu      sync.Mutex
	updates []model.SocialAccount
	marks   map[string]model.AccountStatus
	err     error
}

func (f *fakeStore) UpdateAccountCredential(_ context.Context, a model.SocialAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, a)
	return nil
}

func (f *fakeStore) MarkAccountExpired(_ context.Context, id string, status model.AccountStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marks == nil {
		f.marks = map[string]model.AccountStatus{}
	}
	f.marks[id] = status
	return nil
}

type stubStrategy struct {
	calls atomic.Int32
	fn    func(model.SocialAccount) (model.SocialAccount, error)
}

func (s *stubStrategy) EnsureFresh(_ context.Context, acc model.SocialAccount) (model.SocialAccount, error) {
	s.calls.Add(1)
	return s.fn(acc)
}

func TestManagerFailsFastOnUnusableAccount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		acc  model.SocialAccount
	}{
		{"expired", model.SocialAccount{ID: "a", Platform: "twitter", Status: model.AccountExpired}},
		{"error", model.SocialAccount{ID: "a", Platform: "twitter", Status: model.AccountError}},
		{"requires reauth", model.SocialAccount{ID: "a", Platform: "twitter", Status: model.AccountActive, Metadata: model.AccountMetadata{RequiresReauth: true}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stub := &stubStrategy{fn: func(a model.SocialAccount) (model.SocialAccount, error) { return a, nil }}
			reg := NewRegistry()
			reg.Register("twitter", stub)
			m := NewManager(reg, &fakeStore{}, logx.Nop())

			_, err := m.EnsureFresh(context.Background(), tt.acc)
			if joberr.KindOf(err) != joberr.TokenExpired {
				t.Fatalf("err = %v, want TOKEN_EXPIRED", err)
			}
			if stub.calls.Load() != 0 {
				t.Fatal("strategy called for unusable account")
			}
		})
	}
}

func TestManagerPersistsOnlyChanges(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	reg := NewRegistry()
	reg.Register("twitter", &stubStrategy{fn: func(a model.SocialAccount) (model.SocialAccount, error) {
		a.AccessToken = "new"
		return a, nil
	}})
	reg.Register("linkedin", &stubStrategy{fn: func(a model.SocialAccount) (model.SocialAccount, error) { return a, nil }})
	m := NewManager(reg, store, logx.Nop())

	got, err := m.EnsureFresh(context.Background(), model.SocialAccount{ID: "tw", Platform: "X", AccessToken: "old", Status: model.AccountActive})
	require.NoError(t, err)
	require.Equal(t, "new", got.AccessToken)

	_, err = m.EnsureFresh(context.Background(), model.SocialAccount{ID: "li", Platform: "linkedin", AccessToken: "same", Status: model.AccountActive})
	require.NoError(t, err)

	got, err = m.EnsureFresh(context.Background(), model.SocialAccount{ID: "ms", Platform: "mastodon", AccessToken: "t", Status: model.AccountActive})
	require.NoError(t, err)
	require.Equal(t, "t", got.AccessToken)

	require.Len(t, store.updates, 1)
	require.Equal(t, "tw", store.updates[0].ID)
}

func TestManagerKeepsFreshTokenWhenPersistFails(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.Register("twitter", &stubStrategy{fn: func(a model.SocialAccount) (model.SocialAccount, error) {
		a.AccessToken = "new"
		return a, nil
	}})
	m := NewManager(reg, &fakeStore{err: errors.New("disk full")}, logx.Nop())
	got, err := m.EnsureFresh(context.Background(), model.SocialAccount{ID: "tw", Platform: "twitter", Status: model.AccountActive})
	require.NoError(t, err)
	require.Equal(t, "new", got.AccessToken)
}

func TestManagerInvalidateUsesRequestedStatus(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	m := NewManager(nil, store, logx.Nop())

	require.NoError(t, m.Invalidate(context.Background(), model.SocialAccount{ID: "a"}, reauth(model.AccountError, "revoked")))
	require.NoError(t, m.Invalidate(context.Background(), model.SocialAccount{ID: "b"}, joberr.New(joberr.TokenExpired, "401")))
	require.Equal(t, model.AccountError, store.marks["a"])
	require.Equal(t, model.AccountExpired, store.marks["b"])
}

func tokenServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-1" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshTokenStrategy(t *testing.T) {
	t.Parallel()
	soon := model.SocialAccount{ID: "tw", Platform: "twitter", AccessToken: "old", RefreshToken: "rt-1", TokenExpiresAt: at(testNow.Add(2 * time.Minute)), Status: model.AccountActive}

	t.Run("refreshes near expiry", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := tokenServer(t, http.StatusOK, `{"access_token":"new","refresh_token":"rt-2","token_type":"bearer","expires_in":7200}`, &hits)
		s := NewRefreshTokenStrategy(OAuthConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, WithClock(clock()))

		got, err := s.EnsureFresh(context.Background(), soon)
		require.NoError(t, err)
		require.Equal(t, "new", got.AccessToken)
		require.Equal(t, "rt-2", got.RefreshToken)
		require.NotNil(t, got.TokenExpiresAt)
		require.True(t, got.TokenExpiresAt.After(time.Now()))
		require.Equal(t, int32(1), hits.Load())
	})

	t.Run("skips when far from expiry", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := tokenServer(t, http.StatusOK, `{}`, &hits)
		s := NewRefreshTokenStrategy(OAuthConfig{TokenURL: srv.URL}, WithClock(clock()))
		acc := soon
		acc.TokenExpiresAt = at(testNow.Add(time.Hour))
		got, err := s.EnsureFresh(context.Background(), acc)
		require.NoError(t, err)
		require.Equal(t, "old", got.AccessToken)
		require.Zero(t, hits.Load())
	})

	t.Run("invalid grant needs reauth", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"revoked"}`, &hits)
		s := NewRefreshTokenStrategy(OAuthConfig{TokenURL: srv.URL}, WithClock(clock()))
		_, err := s.EnsureFresh(context.Background(), soon)
		require.Equal(t, joberr.TokenExpired, joberr.KindOf(err), "err = %v", err)
		require.Equal(t, model.AccountError, StatusOf(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := tokenServer(t, http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`, &hits)
		s := NewRefreshTokenStrategy(OAuthConfig{TokenURL: srv.URL}, WithClock(clock()))
		_, err := s.EnsureFresh(context.Background(), soon)
		require.Equal(t, joberr.ServiceError, joberr.KindOf(err), "err = %v", err)
	})

	t.Run("missing refresh token", func(t *testing.T) {
		t.Parallel()
		s := NewRefreshTokenStrategy(OAuthConfig{TokenURL: "http://127.0.0.1:1"}, WithClock(clock()))
		acc := soon
		acc.RefreshToken = ""
		_, err := s.EnsureFresh(context.Background(), acc)
		require.Equal(t, joberr.TokenExpired, joberr.KindOf(err))
	})
}

func TestLongLivedExchange(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "/oauth/access_token", r.URL.Path)
		require.Equal(t, "fb_exchange_token", q.Get("grant_type"))
		require.Equal(t, "short", q.Get("fb_exchange_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"long","token_type":"bearer","expires_in":86400}`)
	}))
	defer srv.Close()

	s := NewLongLivedStrategy(withGraphDefaults(model.PlatformFacebook, LongLivedConfig{BaseURL: srv.URL}), logx.Nop(), WithClock(clock()))
	got, err := s.EnsureFresh(context.Background(), model.SocialAccount{ID: "fb", AccessToken: "short", Status: model.AccountActive})
	require.NoError(t, err)
	require.Equal(t, "long", got.AccessToken)
	require.True(t, got.Metadata.LongLived)
	require.True(t, got.TokenExpiresAt.Equal(testNow.Add(24*time.Hour)))
}

func TestLongLivedThreadsExchangeParams(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "/access_token", r.URL.Path)
		require.Equal(t, "th_exchange_token", q.Get("grant_type"))
		require.Equal(t, "short", q.Get("access_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"long"}`)
	}))
	defer srv.Close()

	s := NewLongLivedStrategy(withGraphDefaults(model.PlatformThreads, LongLivedConfig{BaseURL: srv.URL}), logx.Nop(), WithClock(clock()))
	got, err := s.EnsureFresh(context.Background(), model.SocialAccount{ID: "th", AccessToken: "short", Status: model.AccountActive})
	require.NoError(t, err)
	require.True(t, got.TokenExpiresAt.Equal(testNow.Add(DefaultValidity)))
}

func TestLongLivedProbe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		lastCheck *time.Time
		wantKind  joberr.Kind
		wantHits  int32
	}{
		{"ok extends expiry", http.StatusOK, `{"id":"1"}`, nil, "", 1},
		{"unauthorized", http.StatusUnauthorized, `{}`, nil, joberr.TokenExpired, 1},
		{"graph code 190", http.StatusBadRequest, `{"error":{"code":190,"message":"Session has expired"}}`, nil, joberr.TokenExpired, 1},
		{"server error", http.StatusInternalServerError, `oops`, nil, joberr.ServiceError, 1},
		{"recently probed", http.StatusUnauthorized, `{}`, at(testNow.Add(-10 * time.Minute)), "", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				if r.URL.Path != "/me" || r.URL.Query().Get("access_token") != "long" {
					t.Errorf("unexpected probe %s", r.URL.String())
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			s := NewLongLivedStrategy(LongLivedConfig{BaseURL: srv.URL}, logx.Nop(), WithClock(clock()))
			acc := model.SocialAccount{
				ID: "ig", AccessToken: "long", Status: model.AccountActive,
				TokenExpiresAt: at(testNow.Add(24 * time.Hour)),
				Metadata:       model.AccountMetadata{LongLived: true, LastCheckedAt: tt.lastCheck},
			}
			got, err := s.EnsureFresh(context.Background(), acc)
			require.Equal(t, tt.wantHits, hits.Load())
			if tt.wantKind != "" {
				require.Equal(t, tt.wantKind, joberr.KindOf(err), "err = %v", err)
				if tt.wantKind == joberr.TokenExpired {
					require.Equal(t, model.AccountExpired, StatusOf(err))
				}
				return
			}
			require.NoError(t, err)
			if tt.wantHits > 0 {
				require.True(t, got.TokenExpiresAt.Equal(testNow.Add(DefaultValidity)))
				require.True(t, got.Metadata.LastCheckedAt.Equal(testNow))
			}
		})
	}
}

func TestNoRefreshStrategy(t *testing.T) {
	t.Parallel()
	s := NewNoRefreshStrategy(WithClock(clock()))
	tests := []struct {
		name    string
		expires *time.Time
		expired bool
	}{
		{"no expiry", nil, false},
		{"future", at(testNow.Add(time.Minute)), false},
		{"exactly now", at(testNow), true},
		{"past", at(testNow.Add(-time.Hour)), true},
	}
	for _, tt := range tests {
		acc := model.SocialAccount{ID: "li", Platform: "linkedin", Status: model.AccountActive, TokenExpiresAt: tt.expires}
		got, err := s.EnsureFresh(context.Background(), acc)
		if tt.expired {
			if joberr.KindOf(err) != joberr.TokenExpired || StatusOf(err) != model.AccountExpired {
				t.Fatalf("%s: err = %v", tt.name, err)
			}
			continue
		}
		if err != nil || got.AccessToken != acc.AccessToken {
			t.Fatalf("%s: EnsureFresh = %+v, %v", tt.name, got, err)
		}
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry(Config{}, logx.Nop())
	for _, p := range []string{"twitter", "x", "linkedin", "facebook", "instagram", "threads"} {
		if _, ok := r.Get(p); !ok {
			t.Fatalf("no strategy for %s", p)
		}
	}
	s, _ := r.Get("linkedin")
	if _, ok := s.(*NoRefreshStrategy); !ok {
		t.Fatalf("linkedin strategy = %T", s)
	}
}
