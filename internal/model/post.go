package model

import (
	"strings"
	"time"
)

// PostStatus is the aggregate status of a ScheduledPost.
type PostStatus string

const (
	PostScheduled       PostStatus = "scheduled"
	PostProcessing      PostStatus = "processing"
	PostCompleted       PostStatus = "completed"
	PostPartiallyFailed PostStatus = "partially_failed"
	PostFailed          PostStatus = "failed"
)

// SubStatus is the per-platform publish outcome stored in ScheduledPost.Platforms.
type SubStatus string

const (
	SubPending   SubStatus = "pending"
	SubPublished SubStatus = "published"
	SubFailed    SubStatus = "failed"
)

const (
	PlatformTwitter   = "twitter"
	PlatformLinkedIn  = "linkedin"
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
	PlatformThreads   = "threads"
)

// PlatformTarget is one entry of ScheduledPost.Platforms, keyed by AccountID.
type PlatformTarget struct {
	Platform     string     `json:"platform" bson:"platform"`
	AccountID    string     `json:"accountId" bson:"accountId"`
	Status       SubStatus  `json:"status" bson:"status"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty" bson:"publishedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	PostID       string     `json:"postId,omitempty" bson:"postId,omitempty"`
	PostURL      string     `json:"postUrl,omitempty" bson:"postUrl,omitempty"`
}

// ScheduledPost is authored elsewhere; this service only advances its status.
type ScheduledPost struct {
	ID             string           `json:"id" bson:"-"`
	Content        string           `json:"content" bson:"content"`
	MediaURLs      []string         `json:"mediaUrls,omitempty" bson:"mediaUrls,omitempty"`
	MediaRefs      []string         `json:"mediaRefs,omitempty" bson:"mediaRefs,omitempty"`
	Platforms      []PlatformTarget `json:"platforms" bson:"platforms"`
	ScheduledFor   time.Time        `json:"scheduledFor" bson:"scheduledFor"`
	Status         PostStatus       `json:"status" bson:"status"`
	UserID         string           `json:"userId" bson:"userId"`
	TeamID         string           `json:"teamId,omitempty" bson:"teamId,omitempty"`
	OrganizationID string           `json:"organizationId,omitempty" bson:"organizationId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt" bson:"updatedAt"`
}

// Target returns the platform entry for accountID.
func (p ScheduledPost) Target(accountID string) (PlatformTarget, bool) {
	for _, t := range p.Platforms {
		if t.AccountID == accountID {
			return t, true
		}
	}
	return PlatformTarget{}, false
}

// SubStatuses lists the sub-status of every platform entry, in order.
func (p ScheduledPost) SubStatuses() []SubStatus {
	out := make([]SubStatus, 0, len(p.Platforms))
	for _, t := range p.Platforms {
		out = append(out, t.Status)
	}
	return out
}

// IsDue reports whether the post should be fanned out at now.
func (p ScheduledPost) IsDue(now time.Time) bool {
	return p.Status == PostScheduled && !p.ScheduledFor.After(now)
}

// NormalizeUTC returns t in UTC with monotonic clock data stripped,
// truncated to the millisecond precision the stores keep.
func NormalizeUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Round(0).UTC().Truncate(time.Millisecond)
}

// NormalizePlatform lowercases a platform name and maps known aliases.
func NormalizePlatform(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "x":
		return PlatformTwitter
	case "fb":
		return PlatformFacebook
	case "ig":
		return PlatformInstagram
	}
	return n
}
