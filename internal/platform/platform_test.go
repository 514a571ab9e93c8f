package platform

import (
	"testing"
	"time"

	"crosspost/internal/joberr"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		platform string
		native   Native
		want     Result
		wantKind joberr.Kind
	}{
		{"success id", "twitter", Native{Success: boolPtr(true), ID: "123"}, Result{ID: "123", URL: "https://twitter.com/i/web/status/123"}, ""},
		{"success postId", "facebook", Native{Success: boolPtr(true), PostID: "1_2"}, Result{ID: "1_2", URL: "https://www.facebook.com/1_2"}, ""},
		{"id url shape", "threads", Native{ID: "9", URL: "https://example.test/9"}, Result{ID: "9", URL: "https://example.test/9"}, ""},
		{"linkedin share urn", "linkedin", Native{ID: "urn:li:share:777"}, Result{ID: "urn:li:share:777", URL: "https://www.linkedin.com/feed/update/777"}, ""},
		{"linkedin ugc urn", "linkedin", Native{ID: "urn:li:ugcPost:55"}, Result{ID: "urn:li:ugcPost:55", URL: "https://www.linkedin.com/feed/update/55"}, ""},
		{"alias", "x", Native{ID: "5"}, Result{ID: "5", URL: "https://twitter.com/i/web/status/5"}, ""},
		{"unknown platform", "mastodon", Native{ID: "42"}, Result{ID: "42", URL: "https://mastodon.com/posts/42"}, ""},
		{"explicit failure", "twitter", Native{Success: boolPtr(false), Error: "duplicate content"}, Result{}, joberr.ServiceError},
		{"missing id", "instagram", Native{Success: boolPtr(true)}, Result{}, joberr.ServiceError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.platform, tt.native)
			if tt.wantKind != "" {
				if joberr.KindOf(err) != tt.wantKind {
					t.Fatalf("err = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Normalize = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSplitLinkedInURN(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, kind, bare string }{
		{"urn:li:share:1", "share", "1"},
		{"urn:li:ugcPost:2", "ugcPost", "2"},
		{"3", "share", "3"},
		{"urn:li:4", "share", "4"},
	}
	for _, tt := range tests {
		kind, bare := SplitLinkedInURN(tt.in)
		if kind != tt.kind || bare != tt.bare {
			t.Fatalf("SplitLinkedInURN(%q) = %q, %q", tt.in, kind, bare)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{"Sun, 01 Mar 2026 12:00:30 GMT", 30 * time.Second},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Fatalf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry(Config{}, nopLogger())
	for _, name := range []string{"twitter", "X", "linkedin", "facebook", "ig", "threads"} {
		if _, ok := r.Get(name); !ok {
			t.Fatalf("registry missing %s", name)
		}
	}
	if _, ok := r.Get("myspace"); ok {
		t.Fatal("unexpected publisher for myspace")
	}
	if got := len(r.Names()); got != 5 {
		t.Fatalf("Names() has %d entries", got)
	}
}
