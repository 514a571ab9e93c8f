package platform

import (
	"bytes"
	"context"
	"strings"

	"github.com/go-resty/resty/v2"

	"crosspost/internal/joberr"
	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

type LinkedInConfig struct {
	API ClientConfig // https://api.linkedin.com
}

// LinkedIn publishes UGC posts as the member. The created URN comes back in
// the x-restli-id header, or in the body for some API versions.
type LinkedIn struct {
	api *Client
}

func NewLinkedIn(cfg LinkedInConfig, log logx.Logger) *LinkedIn {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.linkedin.com"
	}
	return &LinkedIn{api: NewClient(model.PlatformLinkedIn, cfg.API, log)}
}

func (l *LinkedIn) Name() string { return model.PlatformLinkedIn }

func authorURN(providerID string) string {
	if strings.HasPrefix(providerID, "urn:li:") {
		return providerID
	}
	return "urn:li:person:" + providerID
}

func (l *LinkedIn) Publish(ctx context.Context, req Request) (Native, error) {
	author := authorURN(req.ProviderAccountID)

	var media []map[string]any
	for _, m := range req.Media {
		asset, err := l.uploadImage(ctx, req.AccessToken, author, m)
		if err != nil {
			return Native{}, err
		}
		media = append(media, map[string]any{"status": "READY", "media": asset})
	}
	category := "NONE"
	if len(media) > 0 {
		category = "IMAGE"
	}
	share := map[string]any{
		"shareCommentary":    map[string]any{"text": req.Content},
		"shareMediaCategory": category,
	}
	if len(media) > 0 {
		share["media"] = media
	}
	body := map[string]any{
		"author":          author,
		"lifecycleState":  "PUBLISHED",
		"specificContent": map[string]any{"com.linkedin.ugc.ShareContent": share},
		"visibility":      map[string]any{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	var out struct {
		ID string `json:"id"`
	}
	resp, err := l.api.Do(ctx, func() (*resty.Response, error) {
		return l.api.R(ctx).
			SetAuthToken(req.AccessToken).
			SetHeader("X-Restli-Protocol-Version", "2.0.0").
			SetBody(body).
			SetResult(&out).
			Post("/v2/ugcPosts")
	})
	if err != nil {
		return Native{}, err
	}
	id := strings.TrimSpace(resp.Header().Get("x-restli-id"))
	if id == "" {
		id = out.ID
	}
	return Native{ID: id}, nil
}

func (l *LinkedIn) uploadImage(ctx context.Context, token, owner string, m Media) (string, error) {
	register := map[string]any{
		"registerUploadRequest": map[string]any{
			"recipes": []string{"urn:li:digitalmediaRecipe:feedshare-image"},
			"owner":   owner,
			"serviceRelationships": []map[string]string{
				{"relationshipType": "OWNER", "identifier": "urn:li:userGeneratedContent"},
			},
		},
	}
	var out struct {
		Value struct {
			Asset           string `json:"asset"`
			UploadMechanism map[string]struct {
				UploadURL string `json:"uploadUrl"`
			} `json:"uploadMechanism"`
		} `json:"value"`
	}
	_, err := l.api.Do(ctx, func() (*resty.Response, error) {
		return l.api.R(ctx).
			SetAuthToken(token).
			SetQueryParam("action", "registerUpload").
			SetBody(register).
			SetResult(&out).
			Post("/v2/assets")
	})
	if err != nil {
		return "", err
	}
	uploadURL := out.Value.UploadMechanism["com.linkedin.digitalmedia.uploadMechanism.MediaUploadHttpRequest"].UploadURL
	if uploadURL == "" || out.Value.Asset == "" {
		return "", joberr.New(joberr.ServiceError, "linkedin: registerUpload returned no upload url")
	}
	_, err = l.api.Do(ctx, func() (*resty.Response, error) {
		return l.api.R(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", m.MimeType).
			SetBody(bytes.NewReader(m.Data)).
			Put(uploadURL)
	})
	if err != nil {
		return "", err
	}
	return out.Value.Asset, nil
}
