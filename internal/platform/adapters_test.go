package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/stretchr/testify/require"

	"crosspost/internal/joberr"
	logx "crosspost/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

func TestTwitterPublishWithMedia(t *testing.T) {
	t.Parallel()
	var tweet map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/1.1/media/upload.json":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			f, _, err := r.FormFile("media")
			require.NoError(t, err)
			b, _ := io.ReadAll(f)
			require.Equal(t, "png-bytes", string(b))
			_, _ = io.WriteString(w, `{"media_id_string":"m1"}`)
		case "/2/tweets":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&tweet))
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"data":{"id":"123","text":"hi"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tw := NewTwitter(TwitterConfig{API: ClientConfig{BaseURL: srv.URL}, Upload: ClientConfig{BaseURL: srv.URL}}, nopLogger())
	n, err := tw.Publish(context.Background(), Request{
		AccessToken: "tok",
		Content:     "hi",
		Media:       []Media{{Ref: "img/a.png", Data: []byte("png-bytes"), MimeType: "image/png"}},
	})
	require.NoError(t, err)
	require.Equal(t, "123", n.ID)
	require.Equal(t, "hi", tweet["text"])
	require.Equal(t, []any{"m1"}, tweet["media"].(map[string]any)["media_ids"])

	res, err := Normalize(tw.Name(), n)
	require.NoError(t, err)
	require.Equal(t, "https://twitter.com/i/web/status/123", res.URL)
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		kind       joberr.Kind
		retryAfter time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, nil, `{"title":"Unauthorized"}`, joberr.TokenExpired, 0},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, `{}`, joberr.ServiceError, 7 * time.Second},
		{"server error", http.StatusBadGateway, nil, `bad gateway`, joberr.ServiceError, 0},
		{"graph token error", http.StatusBadRequest, nil, `{"error":{"code":190,"message":"Error validating access token"}}`, joberr.TokenExpired, 0},
		{"bad request", http.StatusBadRequest, nil, `{"error":{"code":100}}`, joberr.ServiceError, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			fb := NewFacebook(GraphConfig{API: ClientConfig{BaseURL: srv.URL}}, nopLogger())
			_, err := fb.Publish(context.Background(), Request{ProviderAccountID: "page", AccessToken: "t", Content: "x"})
			require.Error(t, err)
			require.Equal(t, tt.kind, joberr.KindOf(err), "err = %v", err)
			require.Equal(t, tt.retryAfter, joberr.RetryAfterOf(err))
		})
	}
}

func TestLinkedInURNFromHeader(t *testing.T) {
	t.Parallel()
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/ugcPosts", r.URL.Path)
		require.Equal(t, "2.0.0", r.Header.Get("X-Restli-Protocol-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-restli-id", "urn:li:share:6789")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	li := NewLinkedIn(LinkedInConfig{API: ClientConfig{BaseURL: srv.URL}}, nopLogger())
	n, err := li.Publish(context.Background(), Request{ProviderAccountID: "abc", AccessToken: "t", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "urn:li:person:abc", body["author"])

	res, err := Normalize(li.Name(), n)
	require.NoError(t, err)
	require.Equal(t, "urn:li:share:6789", res.ID)
	require.Equal(t, "https://www.linkedin.com/feed/update/6789", res.URL)
	require.NotContains(t, res.URL, "urn:li:")
}

func TestContainerFlow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		build   func(GraphConfig) Publisher
		create  string
		publish string
		req     Request
	}{
		{
			name:    "instagram",
			build:   func(c GraphConfig) Publisher { return NewInstagram(c, nopLogger()) },
			create:  "/ig1/media",
			publish: "/ig1/media_publish",
			req:     Request{ProviderAccountID: "ig1", AccessToken: "t", Content: "cap", MediaURLs: []string{"https://cdn.test/a.jpg"}},
		},
		{
			name:    "threads",
			build:   func(c GraphConfig) Publisher { return NewThreads(c, nopLogger()) },
			create:  "/th1/threads",
			publish: "/th1/threads_publish",
			req:     Request{ProviderAccountID: "th1", AccessToken: "t", Content: "text only"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var (
				mu    sync.Mutex
				calls []string
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				mu.Lock()
				calls = append(calls, r.URL.Path)
				mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				switch r.URL.Path {
				case tt.create:
					_, _ = io.WriteString(w, `{"id":"c1"}`)
				case tt.publish:
					require.Equal(t, "c1", r.PostForm.Get("creation_id"))
					_, _ = io.WriteString(w, `{"id":"p1"}`)
				default:
					http.NotFound(w, r)
				}
			}))
			defer srv.Close()

			p := tt.build(GraphConfig{API: ClientConfig{BaseURL: srv.URL}})
			n, err := p.Publish(context.Background(), tt.req)
			require.NoError(t, err)
			mu.Lock()
			require.Equal(t, []string{tt.create, tt.publish}, calls)
			mu.Unlock()
			res, err := Normalize(p.Name(), n)
			require.NoError(t, err)
			require.Equal(t, "p1", res.ID)
		})
	}
}

func TestInstagramRequiresMedia(t *testing.T) {
	t.Parallel()
	ig := NewInstagram(GraphConfig{API: ClientConfig{BaseURL: "http://127.0.0.1:1"}}, nopLogger())
	n, err := ig.Publish(context.Background(), Request{ProviderAccountID: "ig1", Content: "no media"})
	require.NoError(t, err)
	_, err = Normalize(ig.Name(), n)
	require.Equal(t, joberr.ServiceError, joberr.KindOf(err))
	require.True(t, strings.Contains(err.Error(), "media"))
}

func TestBreakerOpensOnRepeatedServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tw := NewTwitter(TwitterConfig{API: ClientConfig{
		BaseURL: srv.URL, BreakerFailures: 2, BreakerWindow: 2, BreakerDelay: time.Minute,
	}}, nopLogger())

	var last error
	for i := 0; i < 6; i++ {
		_, last = tw.Publish(context.Background(), Request{AccessToken: "t", Content: "x"})
		require.Equal(t, joberr.ServiceError, joberr.KindOf(last))
	}
	require.True(t, errors.Is(last, circuitbreaker.ErrOpen), "last error = %v", last)
	require.Less(t, int(hits.Load()), 6)
}
