// Package platform holds the provider publish adapters and the response
// normalization that turns their native shapes into one Result.
package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"crosspost/internal/joberr"
	"crosspost/internal/model"
)

// Media is a fetched media buffer handed to adapters that upload bytes.
type Media struct {
	Ref      string
	Data     []byte
	MimeType string
}

type Request struct {
	AccountID         string
	ProviderAccountID string
	AccessToken       string
	Content           string
	MediaURLs         []string
	Media             []Media
}

// Native is what an adapter got back from its provider. Providers answer
// either {success, id|postId, error} or {id, url}; both fit here.
type Native struct {
	Success *bool
	ID      string
	PostID  string
	Error   string
	URL     string
}

// Result is the canonical publish outcome.
type Result struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, req Request) (Native, error)
}

var urlTemplates = map[string]string{
	model.PlatformTwitter:   "https://twitter.com/i/web/status/%s",
	model.PlatformLinkedIn:  "https://www.linkedin.com/feed/update/%s",
	model.PlatformFacebook:  "https://www.facebook.com/%s",
	model.PlatformInstagram: "https://www.instagram.com/p/%s",
	model.PlatformThreads:   "https://www.threads.net/post/%s",
}

// Normalize validates a native response and fills in the post URL.
func Normalize(platform string, n Native) (Result, error) {
	platform = model.NormalizePlatform(platform)
	if n.Success != nil && !*n.Success {
		msg := strings.TrimSpace(n.Error)
		if msg == "" {
			msg = "provider reported failure"
		}
		return Result{}, joberr.New(joberr.ServiceError, "%s: %s", platform, msg)
	}
	id := strings.TrimSpace(n.ID)
	if id == "" {
		id = strings.TrimSpace(n.PostID)
	}
	if id == "" {
		return Result{}, joberr.New(joberr.ServiceError, "%s: response carried no post id", platform)
	}
	url := strings.TrimSpace(n.URL)
	if url == "" {
		url = PostURL(platform, id)
	}
	return Result{ID: id, URL: url}, nil
}

// PostURL builds the public URL for a post id.
func PostURL(platform, id string) string {
	platform = model.NormalizePlatform(platform)
	if platform == model.PlatformLinkedIn {
		_, bare := SplitLinkedInURN(id)
		return fmt.Sprintf(urlTemplates[platform], bare)
	}
	if tpl, ok := urlTemplates[platform]; ok {
		return fmt.Sprintf(tpl, id)
	}
	return fmt.Sprintf("https://%s.com/posts/%s", platform, id)
}

// SplitLinkedInURN strips the urn:li:<kind>: namespace. A bare id is
// treated as a share.
func SplitLinkedInURN(id string) (kind, bare string) {
	const prefix = "urn:li:"
	if !strings.HasPrefix(id, prefix) {
		return "share", id
	}
	rest := strings.TrimPrefix(id, prefix)
	kind, bare, ok := strings.Cut(rest, ":")
	if !ok || bare == "" {
		return "share", rest
	}
	return kind, bare
}

// Registry maps platform names to publishers.
type Registry struct {
	mu   sync.RWMutex
	pubs map[string]Publisher
}

func NewRegistry(pubs ...Publisher) *Registry {
	r := &Registry{pubs: map[string]Publisher{}}
	for _, p := range pubs {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Publisher) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.pubs[model.NormalizePlatform(p.Name())] = p
	r.mu.Unlock()
}

func (r *Registry) Get(platform string) (Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pubs[model.NormalizePlatform(platform)]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pubs))
	for k := range r.pubs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func boolPtr(b bool) *bool { return &b }
