package credential

import (
	"context"

	"crosspost/internal/model"
)

// NoRefreshStrategy is for providers whose tokens cannot be renewed without
// the owner going through the authorization flow again.
type NoRefreshStrategy struct {
	set settings
}

func NewNoRefreshStrategy(opts ...Option) *NoRefreshStrategy {
	return &NoRefreshStrategy{set: applyOptions(opts)}
}

func (s *NoRefreshStrategy) EnsureFresh(_ context.Context, acc model.SocialAccount) (model.SocialAccount, error) {
	if exp := acc.TokenExpiresAt; exp != nil && !exp.IsZero() && !s.set.now().Before(*exp) {
		return acc, reauth(model.AccountExpired, "account %s token expired at %s", acc.ID, exp.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return acc, nil
}
