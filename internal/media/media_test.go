package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestFetchBufferHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/typed.jpg":
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			_, _ = w.Write([]byte("jpeg-bytes"))
		case "/sniffed":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pngHeader)
		case "/opaque":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte{0x00, 0x01, 0x02, 0x03})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewStore(Config{})
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"/typed.jpg", "image/jpeg", false},
		{"/sniffed", "image/png", false},
		{"/opaque", "", true},
		{"/missing", "", true},
	}
	for _, tt := range tests {
		got, err := s.FetchBuffer(context.Background(), srv.URL+tt.path)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.path)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		if got.MimeType != tt.want || len(got.Data) == 0 {
			t.Fatalf("%s: got %q (%d bytes), want %q", tt.path, got.MimeType, len(got.Data), tt.want)
		}
	}
}

func TestFetchBufferFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "img"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "img", "a.png"), pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "blob"), []byte{0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(Config{Root: root})

	for _, ref := range []string{"img/a.png", "file:///img/a.png"} {
		got, err := s.FetchBuffer(context.Background(), ref)
		if err != nil {
			t.Fatalf("%s: %v", ref, err)
		}
		if got.MimeType != "image/png" {
			t.Fatalf("%s: mime = %q", ref, got.MimeType)
		}
	}

	for _, ref := range []string{"", "   ", "../etc/passwd", "img", "blob", "missing.png", "ftp://host/a.png"} {
		if _, err := s.FetchBuffer(context.Background(), ref); err == nil {
			t.Fatalf("%q: expected error", ref)
		}
	}
	if _, err := s.FetchBuffer(context.Background(), "../x"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("escape err = %v", err)
	}
}

func TestFetchBufferFileWithoutRoot(t *testing.T) {
	t.Parallel()
	_, err := NewStore(Config{}).FetchBuffer(context.Background(), "a.png")
	if !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("err = %v", err)
	}
}
