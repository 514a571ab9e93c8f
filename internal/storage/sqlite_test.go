package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(context.Background(), Config{Path: filepath.Join(t.TempDir(), "crosspost.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func twoTargetPost(scheduledFor time.Time) model.ScheduledPost {
	return model.ScheduledPost{
		Content:      "hello",
		ScheduledFor: scheduledFor,
		UserID:       "u1",
		Platforms: []model.PlatformTarget{
			{Platform: "twitter", AccountID: "acc-a"},
			{Platform: "linkedin", AccountID: "acc-b"},
		},
	}
}

func TestSQLiteConcurrentPlatformWritesAreIsolated(t *testing.T) {
	t.Parallel()
	for _, order := range []string{"a-first", "b-first"} {
		order := order
		t.Run(order, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t)
			p, err := st.CreatePost(ctx, twoTargetPost(time.Now().Add(-time.Minute)))
			require.NoError(t, err)

			writeA := func() error {
				return st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-a", Status: model.SubPublished, PostID: "123", PostURL: "https://twitter.com/i/web/status/123"})
			}
			writeB := func() error {
				return st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-b", Status: model.SubFailed, ErrorMessage: "boom"})
			}
			first, second := writeA, writeB
			if order == "b-first" {
				first, second = writeB, writeA
			}

			var wg sync.WaitGroup
			errs := make([]error, 2)
			wg.Add(2)
			go func() { defer wg.Done(); errs[0] = first() }()
			go func() { defer wg.Done(); errs[1] = second() }()
			wg.Wait()
			require.NoError(t, errs[0])
			require.NoError(t, errs[1])

			got, err := st.GetPost(ctx, p.ID)
			require.NoError(t, err)
			a, _ := got.Target("acc-a")
			b, _ := got.Target("acc-b")
			require.Equal(t, model.SubPublished, a.Status)
			require.Equal(t, "123", a.PostID)
			require.NotNil(t, a.PublishedAt)
			require.Equal(t, model.SubFailed, b.Status)
			require.Equal(t, "boom", b.ErrorMessage)

			agg, err := st.RecomputeAggregate(ctx, p.ID, model.ReduceOptions{})
			require.NoError(t, err)
			require.Equal(t, model.PostPartiallyFailed, agg)
		})
	}
}

func TestSQLitePublishedIsSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	p, err := st.CreatePost(ctx, twoTargetPost(time.Now()))
	require.NoError(t, err)

	require.NoError(t, st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-a", Status: model.SubPublished, PostID: "1"}))
	err = st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-a", Status: model.SubFailed, ErrorMessage: "late"})
	require.True(t, errors.Is(err, ErrStickyPublished), "got %v", err)

	// failed may still be overwritten by a later success
	require.NoError(t, st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-b", Status: model.SubFailed, ErrorMessage: "x"}))
	require.NoError(t, st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-b", Status: model.SubPublished, PostID: "2"}))

	got, err := st.GetPost(ctx, p.ID)
	require.NoError(t, err)
	b, _ := got.Target("acc-b")
	require.Equal(t, model.SubPublished, b.Status)
	require.Empty(t, b.ErrorMessage)

	err = st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "nope", Status: model.SubFailed})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteMarkProcessingOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	p, err := st.CreatePost(ctx, twoTargetPost(time.Now()))
	require.NoError(t, err)

	ok, err := st.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteDuePosts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past, err := st.CreatePost(ctx, twoTargetPost(now.Add(-time.Hour)))
	require.NoError(t, err)
	edge, err := st.CreatePost(ctx, twoTargetPost(now))
	require.NoError(t, err)
	_, err = st.CreatePost(ctx, twoTargetPost(now.Add(time.Minute)))
	require.NoError(t, err)
	done := twoTargetPost(now.Add(-2 * time.Hour))
	done.Status = model.PostCompleted
	_, err = st.CreatePost(ctx, done)
	require.NoError(t, err)

	due, err := st.DuePosts(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, past.ID, due[0].ID)
	require.Equal(t, edge.ID, due[1].ID)
	require.Len(t, due[0].Platforms, 2)
	require.Equal(t, "acc-a", due[0].Platforms[0].AccountID)
	require.Equal(t, model.SubPending, due[0].Platforms[0].Status)

	due, err = st.DuePosts(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestSQLiteRecomputeAggregate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	p, err := st.CreatePost(ctx, twoTargetPost(time.Now()))
	require.NoError(t, err)
	_, err = st.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-a", Status: model.SubPublished, PostID: "1"}))
	agg, err := st.RecomputeAggregate(ctx, p.ID, model.ReduceOptions{})
	require.NoError(t, err)
	require.Equal(t, model.PostProcessing, agg, "pending entry keeps the stored status")

	require.NoError(t, st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-b", Status: model.SubFailed, ErrorMessage: "x"}))
	agg, err = st.RecomputeAggregate(ctx, p.ID, model.ReduceOptions{CollapsePartial: true})
	require.NoError(t, err)
	require.Equal(t, model.PostCompleted, agg)

	empty, err := st.CreatePost(ctx, model.ScheduledPost{Content: "x", ScheduledFor: time.Now(), UserID: "u1"})
	require.NoError(t, err)
	agg, err = st.RecomputeAggregate(ctx, empty.ID, model.ReduceOptions{})
	require.NoError(t, err)
	require.Equal(t, model.PostFailed, agg)

	_, err = st.RecomputeAggregate(ctx, "missing", model.ReduceOptions{})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteAccountLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	require.NoError(t, st.UpsertAccount(ctx, model.SocialAccount{
		ID: "acc-a", Platform: "X", AccessToken: "t0", RefreshToken: "r0", TokenExpiresAt: &exp, UserID: "u1",
	}))

	a, err := st.GetAccount(ctx, "acc-a")
	require.NoError(t, err)
	require.Equal(t, model.PlatformTwitter, a.Platform)
	require.Equal(t, model.AccountActive, a.Status)
	require.True(t, a.TokenExpiresAt.Equal(exp))

	a.AccessToken = "t1"
	a.Metadata.LongLived = true
	require.NoError(t, st.UpdateAccountCredential(ctx, a))
	require.NoError(t, st.MarkAccountExpired(ctx, "acc-a", model.AccountError, "invalid_grant"))

	a, err = st.GetAccount(ctx, "acc-a")
	require.NoError(t, err)
	require.Equal(t, "t1", a.AccessToken)
	require.Equal(t, model.AccountError, a.Status)
	require.True(t, a.Metadata.RequiresReauth)
	require.True(t, a.Metadata.LongLived)
	require.Equal(t, "invalid_grant", a.Metadata.StatusReason)
	require.False(t, a.Usable())

	_, err = st.GetAccount(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
	require.True(t, errors.Is(st.MarkAccountExpired(ctx, "missing", "", ""), ErrNotFound))
}

func TestSQLitePublishedLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.InsertPublishedPost(ctx, model.PublishedPost{
		ScheduledPostID: "p1", Platform: "twitter", AccountID: "acc-a", PostID: "1", PostURL: "u", UserID: "u1",
	}))
	rows, err := st.ListPublished(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotEmpty(t, rows[0].ID)
	require.Equal(t, "1", rows[0].PostID)
}
