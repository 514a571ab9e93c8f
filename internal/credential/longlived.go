package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"crosspost/internal/joberr"
	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

const (
	DefaultValidity      = 60 * 24 * time.Hour
	DefaultProbeInterval = time.Hour
)

// LongLivedConfig describes a provider that trades a short token for a
// long-lived one once, then only needs an occasional liveness probe.
type LongLivedConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	GrantType    string // fb_exchange_token, th_exchange_token
	TokenParam   string // query parameter carrying the short-lived token
	ExchangePath string
	ProbePath    string

	Validity      time.Duration
	ProbeInterval time.Duration
	Timeout       time.Duration
}

func withGraphDefaults(platform string, c LongLivedConfig) LongLivedConfig {
	threads := platform == model.PlatformThreads
	if c.BaseURL == "" {
		c.BaseURL = "https://graph.facebook.com/v19.0"
		if threads {
			c.BaseURL = "https://graph.threads.net"
		}
	}
	if c.GrantType == "" {
		c.GrantType = "fb_exchange_token"
		if threads {
			c.GrantType = "th_exchange_token"
		}
	}
	if c.TokenParam == "" {
		c.TokenParam = "fb_exchange_token"
		if threads {
			c.TokenParam = "access_token"
		}
	}
	if c.ExchangePath == "" {
		c.ExchangePath = "/oauth/access_token"
		if threads {
			c.ExchangePath = "/access_token"
		}
	}
	if c.ProbePath == "" {
		c.ProbePath = "/me"
	}
	return c
}

type LongLivedStrategy struct {
	cfg  LongLivedConfig
	http *resty.Client
	set  settings
	log  logx.Logger
}

func NewLongLivedStrategy(cfg LongLivedConfig, log logx.Logger, opts ...Option) *LongLivedStrategy {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/me"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	set := applyOptions(opts)
	var c *resty.Client
	if set.client != nil {
		c = resty.NewWithClient(set.client)
	} else {
		c = resty.New()
	}
	c.SetBaseURL(cfg.BaseURL).SetTimeout(cfg.Timeout)
	return &LongLivedStrategy{cfg: cfg, http: c, set: set, log: log.With(logx.String("comp", "credential.longlived"))}
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *LongLivedStrategy) EnsureFresh(ctx context.Context, acc model.SocialAccount) (model.SocialAccount, error) {
	now := s.set.now()
	if !acc.Metadata.LongLived {
		return s.exchange(ctx, acc, now)
	}
	if last := acc.Metadata.LastCheckedAt; last != nil && now.Sub(*last) < s.cfg.ProbeInterval &&
		(acc.TokenExpiresAt == nil || now.Before(*acc.TokenExpiresAt)) {
		return acc, nil
	}
	return s.probe(ctx, acc, now)
}

func (s *LongLivedStrategy) exchange(ctx context.Context, acc model.SocialAccount, now time.Time) (model.SocialAccount, error) {
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":     s.cfg.GrantType,
			"client_id":      s.cfg.ClientID,
			"client_secret":  s.cfg.ClientSecret,
			s.cfg.TokenParam: acc.AccessToken,
		}).
		SetResult(&out).
		Get(s.cfg.ExchangePath)
	if err := s.check(acc, resp, err, "token exchange"); err != nil {
		return acc, err
	}
	if out.AccessToken == "" {
		return acc, joberr.New(joberr.ServiceError, "token exchange for %s returned no token", acc.ID)
	}
	validity := s.cfg.Validity
	if out.ExpiresIn > 0 {
		validity = time.Duration(out.ExpiresIn) * time.Second
	}
	acc.AccessToken = out.AccessToken
	acc.TokenExpiresAt = timePtr(now.Add(validity))
	acc.Metadata.LongLived = true
	acc.Metadata.LastCheckedAt = timePtr(now)
	acc.Metadata.StatusReason = ""
	acc.Status = model.AccountActive
	s.log.Debug("exchanged for long-lived token", logx.String("account", acc.ID))
	return acc, nil
}

func (s *LongLivedStrategy) probe(ctx context.Context, acc model.SocialAccount, now time.Time) (model.SocialAccount, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"access_token": acc.AccessToken, "fields": "id"}).
		Get(s.cfg.ProbePath)
	if err := s.check(acc, resp, err, "token probe"); err != nil {
		return acc, err
	}
	acc.TokenExpiresAt = timePtr(now.Add(s.cfg.Validity))
	acc.Metadata.LastCheckedAt = timePtr(now)
	return acc, nil
}

func (s *LongLivedStrategy) check(acc model.SocialAccount, resp *resty.Response, err error, op string) error {
	if err != nil {
		return joberr.Wrap(joberr.ServiceError, err, fmt.Sprintf("%s: %v", op, err))
	}
	if !resp.IsError() {
		return nil
	}
	var ge graphError
	_ = json.Unmarshal(resp.Body(), &ge)
	if resp.StatusCode() == http.StatusUnauthorized || ge.Error.Code == 190 {
		msg := ge.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return reauth(model.AccountExpired, "account %s %s rejected: %s", acc.ID, op, msg)
	}
	return joberr.New(joberr.ServiceError, "%s: http %d", op, resp.StatusCode())
}
