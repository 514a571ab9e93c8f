package model

import "time"

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountExpired AccountStatus = "expired"
	AccountError   AccountStatus = "error"
)

type AccountMetadata struct {
	RequiresReauth bool       `json:"requiresReauth" bson:"requiresReauth"`
	LongLived      bool       `json:"longLived,omitempty" bson:"longLived,omitempty"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty" bson:"lastCheckedAt,omitempty"`
	StatusReason   string     `json:"statusReason,omitempty" bson:"statusReason,omitempty"`
}

// SocialAccount is a stored third-party credential.
type SocialAccount struct {
	ID                string          `json:"id" bson:"-"`
	Platform          string          `json:"platform" bson:"platform"`
	ProviderAccountID string          `json:"accountId" bson:"accountId"`
	AccessToken       string          `json:"-" bson:"accessToken"`
	RefreshToken      string          `json:"-" bson:"refreshToken,omitempty"`
	TokenExpiresAt    *time.Time      `json:"tokenExpiresAt,omitempty" bson:"tokenExpiresAt,omitempty"`
	Status            AccountStatus   `json:"status" bson:"status"`
	Metadata          AccountMetadata `json:"metadata" bson:"metadata"`
	UserID            string          `json:"userId" bson:"userId"`
	TeamID            string          `json:"teamId,omitempty" bson:"teamId,omitempty"`
	OrganizationID    string          `json:"organizationId,omitempty" bson:"organizationId,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt" bson:"updatedAt"`
}

// Usable reports whether the credential may be tried at all.
func (a SocialAccount) Usable() bool {
	return a.Status != AccountExpired && a.Status != AccountError && !a.Metadata.RequiresReauth
}

// ExpiresWithin reports whether the token expires at or before now+margin.
// A credential without a known expiry never "expires within" any margin.
func (a SocialAccount) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if a.TokenExpiresAt == nil || a.TokenExpiresAt.IsZero() {
		return false
	}
	return !a.TokenExpiresAt.After(now.Add(margin))
}
