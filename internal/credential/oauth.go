package credential

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"crosspost/internal/joberr"
	"crosspost/internal/model"
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RedirectURL  string
	// AuthInParams sends the client credentials in the form body instead of
	// HTTP basic auth.
	AuthInParams bool
	Margin       time.Duration
}

// RefreshTokenStrategy renews short-lived access tokens with a refresh token.
type RefreshTokenStrategy struct {
	conf   *oauth2.Config
	margin time.Duration
	set    settings
}

func NewRefreshTokenStrategy(cfg OAuthConfig, opts ...Option) *RefreshTokenStrategy {
	style := oauth2.AuthStyleInHeader
	if cfg.AuthInParams {
		style = oauth2.AuthStyleInParams
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	return &RefreshTokenStrategy{
		conf: &oauth2.Config{
			ClientID:     trimmed(cfg.ClientID),
			ClientSecret: trimmed(cfg.ClientSecret),
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: style},
		},
		margin: cfg.Margin,
		set:    applyOptions(opts),
	}
}

func (s *RefreshTokenStrategy) EnsureFresh(ctx context.Context, acc model.SocialAccount) (model.SocialAccount, error) {
	now := s.set.now()
	if !acc.ExpiresWithin(now, s.margin) {
		return acc, nil
	}
	if acc.RefreshToken == "" {
		return acc, reauth(model.AccountError, "account %s has no refresh token", acc.ID)
	}
	if s.set.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.set.client)
	}
	// An empty access token forces the source to hit the token endpoint.
	tok, err := s.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken}).Token()
	if err != nil {
		return acc, classifyRetrieve(acc.ID, err)
	}

	acc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acc.RefreshToken = tok.RefreshToken
	}
	acc.TokenExpiresAt = nil
	if !tok.Expiry.IsZero() {
		acc.TokenExpiresAt = timePtr(tok.Expiry)
	}
	acc.Status = model.AccountActive
	acc.Metadata.StatusReason = ""
	acc.Metadata.LastCheckedAt = timePtr(now)
	return acc, nil
}

func classifyRetrieve(accountID string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return joberr.Wrap(joberr.ServiceError, err, "token refresh: "+err.Error())
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_request", "unauthorized_client":
		return reauth(model.AccountError, "account %s refresh rejected: %s", accountID, re.ErrorCode)
	}
	if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
		return reauth(model.AccountError, "account %s refresh unauthorized", accountID)
	}
	return joberr.Wrap(joberr.ServiceError, err, "token refresh: "+err.Error())
}
