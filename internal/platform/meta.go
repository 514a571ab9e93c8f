package platform

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

type GraphConfig struct {
	API ClientConfig
}

type graphID struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

// Facebook posts to a page feed, or to the page photos edge when an image
// buffer is attached.
type Facebook struct {
	api *Client
}

func NewFacebook(cfg GraphConfig, log logx.Logger) *Facebook {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://graph.facebook.com/v19.0"
	}
	return &Facebook{api: NewClient(model.PlatformFacebook, cfg.API, log)}
}

func (f *Facebook) Name() string { return model.PlatformFacebook }

func (f *Facebook) Publish(ctx context.Context, req Request) (Native, error) {
	var out graphID
	var send func() (*resty.Response, error)
	switch {
	case len(req.Media) > 0:
		m := req.Media[0]
		send = func() (*resty.Response, error) {
			return f.api.R(ctx).
				SetFormData(map[string]string{"caption": req.Content, "access_token": req.AccessToken}).
				SetFileReader("source", fileName(m), bytes.NewReader(m.Data)).
				SetResult(&out).
				Post("/" + req.ProviderAccountID + "/photos")
		}
	case len(req.MediaURLs) > 0:
		send = func() (*resty.Response, error) {
			return f.api.R(ctx).
				SetFormData(map[string]string{"caption": req.Content, "url": req.MediaURLs[0], "access_token": req.AccessToken}).
				SetResult(&out).
				Post("/" + req.ProviderAccountID + "/photos")
		}
	default:
		send = func() (*resty.Response, error) {
			return f.api.R(ctx).
				SetFormData(map[string]string{"message": req.Content, "access_token": req.AccessToken}).
				SetResult(&out).
				Post("/" + req.ProviderAccountID + "/feed")
		}
	}
	if _, err := f.api.Do(ctx, send); err != nil {
		return Native{}, err
	}
	// A photo upload returns the photo id plus the feed post id; link to the post.
	if out.PostID != "" {
		return Native{ID: out.PostID}, nil
	}
	return Native{ID: out.ID}, nil
}

// containerPublisher covers the two-step container flow shared by Instagram
// and Threads: create a container, then publish it.
type containerPublisher struct {
	name         string
	api          *Client
	createEdge   string
	publishEdge  string
	requireMedia bool
}

func (c *containerPublisher) Name() string { return c.name }

func (c *containerPublisher) Publish(ctx context.Context, req Request) (Native, error) {
	form := map[string]string{"access_token": req.AccessToken}
	switch {
	case len(req.MediaURLs) > 0:
		form["image_url"] = req.MediaURLs[0]
		form["media_type"] = "IMAGE"
	case c.requireMedia:
		return Native{Success: boolPtr(false), Error: c.name + " requires a public media url"}, nil
	default:
		form["media_type"] = "TEXT"
	}
	if c.name == model.PlatformInstagram {
		form["caption"] = req.Content
		delete(form, "media_type")
	} else {
		form["text"] = req.Content
	}

	var container graphID
	if _, err := c.api.Do(ctx, func() (*resty.Response, error) {
		return c.api.R(ctx).
			SetFormData(form).
			SetResult(&container).
			Post(fmt.Sprintf("/%s/%s", req.ProviderAccountID, c.createEdge))
	}); err != nil {
		return Native{}, err
	}
	if container.ID == "" {
		return Native{Success: boolPtr(false), Error: "container creation returned no id"}, nil
	}

	var published graphID
	if _, err := c.api.Do(ctx, func() (*resty.Response, error) {
		return c.api.R(ctx).
			SetFormData(map[string]string{"creation_id": container.ID, "access_token": req.AccessToken}).
			SetResult(&published).
			Post(fmt.Sprintf("/%s/%s", req.ProviderAccountID, c.publishEdge))
	}); err != nil {
		return Native{}, err
	}
	return Native{Success: boolPtr(true), ID: published.ID}, nil
}

func NewInstagram(cfg GraphConfig, log logx.Logger) Publisher {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://graph.facebook.com/v19.0"
	}
	return &containerPublisher{
		name:         model.PlatformInstagram,
		api:          NewClient(model.PlatformInstagram, cfg.API, log),
		createEdge:   "media",
		publishEdge:  "media_publish",
		requireMedia: true,
	}
}

func NewThreads(cfg GraphConfig, log logx.Logger) Publisher {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://graph.threads.net/v1.0"
	}
	return &containerPublisher{
		name:        model.PlatformThreads,
		api:         NewClient(model.PlatformThreads, cfg.API, log),
		createEdge:  "threads",
		publishEdge: "threads_publish",
	}
}

// Config selects base URLs and client limits per provider.
type Config struct {
	Twitter   TwitterConfig
	LinkedIn  LinkedInConfig
	Facebook  GraphConfig
	Instagram GraphConfig
	Threads   GraphConfig
}

// NewDefaultRegistry registers every built-in adapter.
func NewDefaultRegistry(cfg Config, log logx.Logger) *Registry {
	return NewRegistry(
		NewTwitter(cfg.Twitter, log),
		NewLinkedIn(cfg.LinkedIn, log),
		NewFacebook(cfg.Facebook, log),
		NewInstagram(cfg.Instagram, log),
		NewThreads(cfg.Threads, log),
	)
}
