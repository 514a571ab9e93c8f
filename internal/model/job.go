package model

import (
	"errors"
	"strings"
	"time"
)

type JobPlatform struct {
	PlatformName string `json:"platformName"`
	AccountID    string `json:"accountId"`
}

// PublishJob is the immutable queue payload: publish one post to one account.
type PublishJob struct {
	ScheduledPostID string      `json:"scheduledPostId"`
	Platform        JobPlatform `json:"platform"`
	UserID          string      `json:"userId"`
	TeamID          string      `json:"teamId,omitempty"`
	OrganizationID  string      `json:"organizationId,omitempty"`
}

// NewPublishJob builds the job for one platform entry of p.
func NewPublishJob(p ScheduledPost, t PlatformTarget) PublishJob {
	return PublishJob{
		ScheduledPostID: p.ID,
		Platform:        JobPlatform{PlatformName: NormalizePlatform(t.Platform), AccountID: t.AccountID},
		UserID:          p.UserID,
		TeamID:          p.TeamID,
		OrganizationID:  p.OrganizationID,
	}
}

// Key is the deterministic queue id for this (post, platform, account) triple.
// Re-enqueueing the same triple while the first job is live is a no-op.
func (j PublishJob) Key() string {
	return j.ScheduledPostID + ":" + j.Platform.PlatformName + ":" + j.Platform.AccountID
}

func (j PublishJob) Validate() error {
	if strings.TrimSpace(j.ScheduledPostID) == "" {
		return errors.New("job: scheduledPostId is required")
	}
	if strings.TrimSpace(j.Platform.AccountID) == "" {
		return errors.New("job: platform.accountId is required")
	}
	if strings.TrimSpace(j.Platform.PlatformName) == "" {
		return errors.New("job: platform.platformName is required")
	}
	return nil
}

// PublishedPost is the append-only ledger row written after a successful publish.
type PublishedPost struct {
	ID              string    `json:"id" bson:"-"`
	ScheduledPostID string    `json:"scheduledPostId" bson:"scheduledPostId"`
	Platform        string    `json:"platform" bson:"platform"`
	AccountID       string    `json:"accountId" bson:"accountId"`
	PostID          string    `json:"postId" bson:"postId"`
	PostURL         string    `json:"postUrl" bson:"postUrl"`
	Content         string    `json:"content,omitempty" bson:"content,omitempty"`
	UserID          string    `json:"userId" bson:"userId"`
	TeamID          string    `json:"teamId,omitempty" bson:"teamId,omitempty"`
	OrganizationID  string    `json:"organizationId,omitempty" bson:"organizationId,omitempty"`
	PublishedAt     time.Time `json:"publishedAt" bson:"publishedAt"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
}
