// Package media loads attachment bytes referenced by a scheduled post.
package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

var ErrInvalidRef = errors.New("media: invalid reference")

const octetStream = "application/octet-stream"

type Buffer struct {
	Data     []byte
	MimeType string
}

type Config struct {
	// Root is the directory file:// and relative refs resolve against.
	Root     string
	Timeout  time.Duration
	MaxBytes int64
}

// Store fetches media buffers over http(s) or from the local root.
type Store struct {
	root     string
	maxBytes int64
	http     *resty.Client
}

func NewStore(cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}
	root := cfg.Root
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Store{
		root:     root,
		maxBytes: cfg.MaxBytes,
		http:     resty.New().SetTimeout(cfg.Timeout).SetResponseBodyLimit(int(cfg.MaxBytes)),
	}
}

func (s *Store) FetchBuffer(ctx context.Context, ref string) (Buffer, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Buffer{}, fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return s.fetchHTTP(ctx, ref)
	case "file":
		return s.readFile(u.Path)
	case "":
		return s.readFile(ref)
	default:
		return Buffer{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRef, u.Scheme)
	}
}

func (s *Store) fetchHTTP(ctx context.Context, ref string) (Buffer, error) {
	resp, err := s.http.R().SetContext(ctx).Get(ref)
	if err != nil {
		return Buffer{}, fmt.Errorf("media: fetch %s: %w", ref, err)
	}
	if resp.IsError() {
		return Buffer{}, fmt.Errorf("media: fetch %s: http %d", ref, resp.StatusCode())
	}
	data := resp.Body()
	mt := headerType(resp.Header().Get("Content-Type"))
	if mt == "" {
		mt = detect(data)
	}
	if mt == "" {
		return Buffer{}, fmt.Errorf("media: %s has no content type", ref)
	}
	return Buffer{Data: data, MimeType: mt}, nil
}

func (s *Store) readFile(p string) (Buffer, error) {
	if s.root == "" {
		return Buffer{}, fmt.Errorf("%w: no media root configured for %q", ErrInvalidRef, p)
	}
	full := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Buffer{}, fmt.Errorf("%w: %q escapes media root", ErrInvalidRef, p)
	}
	fi, err := os.Stat(full)
	if err != nil {
		return Buffer{}, fmt.Errorf("media: %w", err)
	}
	if fi.IsDir() {
		return Buffer{}, fmt.Errorf("%w: %q is a directory", ErrInvalidRef, p)
	}
	if fi.Size() > s.maxBytes {
		return Buffer{}, fmt.Errorf("media: %q is %d bytes, limit %d", p, fi.Size(), s.maxBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Buffer{}, fmt.Errorf("media: %w", err)
	}
	mt := detect(data)
	if mt == "" {
		return Buffer{}, fmt.Errorf("media: %q has no detectable content type", p)
	}
	return Buffer{Data: data, MimeType: mt}, nil
}

func headerType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil || mt == octetStream {
		return ""
	}
	return mt
}

func detect(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	mt := mimetype.Detect(data)
	if mt.Is(octetStream) {
		return ""
	}
	base, _, err := mime.ParseMediaType(mt.String())
	if err != nil {
		return ""
	}
	return base
}
