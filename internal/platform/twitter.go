package platform

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/go-resty/resty/v2"

	"crosspost/internal/joberr"
	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

type TwitterConfig struct {
	API    ClientConfig // https://api.twitter.com
	Upload ClientConfig // https://upload.twitter.com
}

// Twitter posts through the v2 tweets endpoint. Media buffers are uploaded
// first through the v1.1 media endpoint.
type Twitter struct {
	api    *Client
	upload *Client
}

func NewTwitter(cfg TwitterConfig, log logx.Logger) *Twitter {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.twitter.com"
	}
	if cfg.Upload.BaseURL == "" {
		cfg.Upload.BaseURL = "https://upload.twitter.com"
	}
	return &Twitter{
		api:    NewClient(model.PlatformTwitter, cfg.API, log),
		upload: NewClient(model.PlatformTwitter+".upload", cfg.Upload, log),
	}
}

func (t *Twitter) Name() string { return model.PlatformTwitter }

func (t *Twitter) Publish(ctx context.Context, req Request) (Native, error) {
	var mediaIDs []string
	for i, m := range req.Media {
		id, err := t.uploadMedia(ctx, req.AccessToken, m)
		if err != nil {
			return Native{}, err
		}
		if id == "" {
			return Native{}, joberr.New(joberr.ServiceError, "twitter: media %d upload returned no id", i)
		}
		mediaIDs = append(mediaIDs, id)
	}

	body := map[string]any{"text": req.Content}
	if len(mediaIDs) > 0 {
		body["media"] = map[string]any{"media_ids": mediaIDs}
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_, err := t.api.Do(ctx, func() (*resty.Response, error) {
		return t.api.R(ctx).
			SetAuthToken(req.AccessToken).
			SetBody(body).
			SetResult(&out).
			Post("/2/tweets")
	})
	if err != nil {
		return Native{}, err
	}
	return Native{ID: out.Data.ID}, nil
}

func (t *Twitter) uploadMedia(ctx context.Context, token string, m Media) (string, error) {
	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	_, err := t.upload.Do(ctx, func() (*resty.Response, error) {
		return t.upload.R(ctx).
			SetAuthToken(token).
			SetFileReader("media", fileName(m), bytes.NewReader(m.Data)).
			SetResult(&out).
			Post("/1.1/media/upload.json")
	})
	if err != nil {
		return "", fmt.Errorf("twitter media upload: %w", err)
	}
	return out.MediaIDString, nil
}

func fileName(m Media) string {
	if m.Ref != "" {
		return path.Base(m.Ref)
	}
	return "upload"
}
