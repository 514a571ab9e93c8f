package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testPolicy = Policy{MaxAttempts: 3, Base: time.Second, Max: 4 * time.Second, Jitter: 0}

type queueFactory func(t *testing.T, clock *fakeClock) Queue

func drivers() map[string]queueFactory {
	return map[string]queueFactory{
		"sqlite": func(t *testing.T, clock *fakeClock) Queue {
			q, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), testPolicy, WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = q.Close() })
			return q
		},
		"redis": func(t *testing.T, clock *fakeClock) Queue {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedis(rdb, "test", testPolicy, WithClock(clock.Now))
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, q Queue, clock *fakeClock)) {
	t.Helper()
	for name, factory := range drivers() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestAddIsIdempotentWhileLive(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		j, added, err := q.Add(ctx, "p1:twitter:a1", []byte(`{"x":1}`), AddOptions{})
		require.NoError(t, err)
		require.True(t, added)
		require.Equal(t, StateWaiting, j.State)
		require.Equal(t, 3, j.MaxAttempts)

		_, added, err = q.Add(ctx, "p1:twitter:a1", []byte(`{"x":2}`), AddOptions{})
		require.NoError(t, err)
		require.False(t, added)

		jobs, err := q.Fetch(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, `{"x":1}`, string(jobs[0].Data))

		_, added, err = q.Add(ctx, "p1:twitter:a1", nil, AddOptions{})
		require.NoError(t, err)
		require.False(t, added, "active job must not be replaced")

		require.NoError(t, q.Complete(ctx, "p1:twitter:a1", jobs[0].Token))
		j, added, err = q.Add(ctx, "p1:twitter:a1", []byte(`{"x":3}`), AddOptions{})
		require.NoError(t, err)
		require.True(t, added, "terminal job may be re-added")
		require.Equal(t, 0, j.Attempts)
	})
}

func TestFetchClaimsInOrder(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			_, _, err := q.Add(ctx, id, []byte(id), AddOptions{})
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}
		jobs, err := q.Fetch(ctx, 2, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Equal(t, "a", jobs[0].ID)
		require.Equal(t, "b", jobs[1].ID)
		for _, j := range jobs {
			require.Equal(t, StateActive, j.State)
			require.Equal(t, 1, j.Attempts)
			require.True(t, j.LeaseUntil.Equal(clock.Now().Add(30*time.Second)))
		}

		jobs, err = q.Fetch(ctx, 5, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, "c", jobs[0].ID)

		jobs, err = q.Fetch(ctx, 5, 30*time.Second)
		require.NoError(t, err)
		require.Empty(t, jobs)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, counts[StateActive])
		require.Equal(t, 0, counts[StateWaiting])
	})
}

func TestFailRetriesWithBackoffThenExhausts(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := q.Add(ctx, "job", nil, AddOptions{})
		require.NoError(t, err)

		for attempt, wait := range []time.Duration{time.Second, 2 * time.Second} {
			jobs, err := q.Fetch(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			require.Equal(t, attempt+1, jobs[0].Attempts)

			final, err := q.Fail(ctx, "job", jobs[0].Token, "SERVICE_ERROR: 503", 0)
			require.NoError(t, err)
			require.False(t, final)

			j, err := q.Get(ctx, "job")
			require.NoError(t, err)
			require.Equal(t, StateDelayed, j.State)
			require.True(t, j.RunAt.Equal(clock.Now().Add(wait)), "attempt %d run at %v", attempt+1, j.RunAt)

			n, err := q.PromoteDelayed(ctx)
			require.NoError(t, err)
			require.Equal(t, 0, n, "not due yet")
			clock.Advance(wait)
			n, err = q.PromoteDelayed(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}

		jobs, err := q.Fetch(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, 3, jobs[0].Attempts)
		final, err := q.Fail(ctx, "job", jobs[0].Token, "SERVICE_ERROR: 503", 0)
		require.NoError(t, err)
		require.True(t, final)

		j, err := q.Get(ctx, "job")
		require.NoError(t, err)
		require.Equal(t, StateFailed, j.State)
		require.Equal(t, "SERVICE_ERROR: 503", j.LastError)

		_, err = q.Fail(ctx, "job", jobs[0].Token, "again", 0)
		require.True(t, errors.Is(err, ErrNotActive))
	})
}

func TestFailHonoursRetryAfterHint(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := q.Add(ctx, "job", nil, AddOptions{MaxAttempts: 5})
		require.NoError(t, err)

		for _, tc := range []struct{ hint, want time.Duration }{
			{3 * time.Second, 3 * time.Second},
			{time.Hour, 4 * time.Second},
		} {
			jobs, err := q.Fetch(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			_, err = q.Fail(ctx, "job", jobs[0].Token, "429", tc.hint)
			require.NoError(t, err)
			j, err := q.Get(ctx, "job")
			require.NoError(t, err)
			require.True(t, j.RunAt.Equal(clock.Now().Add(tc.want)), "hint %v gave %v", tc.hint, j.RunAt.Sub(clock.Now()))
			clock.Advance(tc.want)
			_, err = q.PromoteDelayed(ctx)
			require.NoError(t, err)
		}
	})
}

func TestDiscardSkipsRetries(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		for _, id := range []string{"active", "waiting"} {
			_, _, err := q.Add(ctx, id, nil, AddOptions{})
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}
		jobs, err := q.Fetch(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Equal(t, "active", jobs[0].ID)

		require.NotEmpty(t, jobs[0].Token)
		require.True(t, errors.Is(q.Discard(ctx, "active", "", "TOKEN_EXPIRED"), ErrNotActive), "active job needs its claim token")
		require.NoError(t, q.Discard(ctx, "active", jobs[0].Token, "TOKEN_EXPIRED"))
		require.NoError(t, q.Discard(ctx, "waiting", "", "MISSING_POST"))

		for _, id := range []string{"active", "waiting"} {
			j, err := q.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, StateFailed, j.State)
		}
		require.True(t, errors.Is(q.Complete(ctx, "active", jobs[0].Token), ErrNotActive))
		require.True(t, errors.Is(q.Complete(ctx, "missing", "x"), ErrNotFound))

		jobs, err = q.Fetch(ctx, 5, time.Minute)
		require.NoError(t, err)
		require.Empty(t, jobs)
	})
}

func TestRequeueStalled(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := q.Add(ctx, "job", []byte("payload"), AddOptions{MaxAttempts: 2})
		require.NoError(t, err)

		_, err = q.Fetch(ctx, 1, 10*time.Second)
		require.NoError(t, err)
		n, dead, err := q.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Zero(t, n, "lease still valid")
		require.Empty(t, dead)

		clock.Advance(11 * time.Second)
		n, dead, err = q.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Empty(t, dead)

		jobs, err := q.Fetch(ctx, 1, 10*time.Second)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, 2, jobs[0].Attempts)

		clock.Advance(11 * time.Second)
		n, dead, err = q.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Len(t, dead, 1)
		require.Equal(t, "job", dead[0].ID)
		require.Equal(t, "payload", string(dead[0].Data))
		require.Equal(t, StateFailed, dead[0].State)
		require.Equal(t, CauseStalled, dead[0].LastError)
	})
}

func TestPruneRemovesOldTerminalJobs(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := q.Add(ctx, "done", nil, AddOptions{})
		require.NoError(t, err)
		jobs, err := q.Fetch(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, "done", jobs[0].Token))
		_, _, err = q.Add(ctx, "live", nil, AddOptions{})
		require.NoError(t, err)

		n, err := q.Prune(ctx, time.Hour)
		require.NoError(t, err)
		require.Zero(t, n)

		clock.Advance(2 * time.Hour)
		n, err = q.Prune(ctx, time.Hour)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = q.Get(ctx, "done")
		require.True(t, errors.Is(err, ErrNotFound))
		_, err = q.Get(ctx, "live")
		require.NoError(t, err)
	})
}

func TestDelayedAdd(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		j, added, err := q.Add(ctx, "later", nil, AddOptions{Delay: time.Minute})
		require.NoError(t, err)
		require.True(t, added)
		require.Equal(t, StateDelayed, j.State)

		jobs, err := q.Fetch(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Empty(t, jobs)

		clock.Advance(time.Minute)
		n, err := q.PromoteDelayed(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		jobs, err = q.Fetch(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
	})
}

func TestStaleClaimCannotSettle(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := q.Add(ctx, "job", nil, AddOptions{})
		require.NoError(t, err)

		first, err := q.Fetch(ctx, 1, 10*time.Second)
		require.NoError(t, err)
		require.Len(t, first, 1)

		clock.Advance(11 * time.Second)
		n, _, err := q.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		second, err := q.Fetch(ctx, 1, 10*time.Second)
		require.NoError(t, err)
		require.Len(t, second, 1)
		require.NotEqual(t, first[0].Token, second[0].Token)

		// The first holder finishes late; the job now belongs to the second claim.
		require.True(t, errors.Is(q.Complete(ctx, "job", first[0].Token), ErrNotActive))
		_, err = q.Fail(ctx, "job", first[0].Token, "late", 0)
		require.True(t, errors.Is(err, ErrNotActive))
		require.True(t, errors.Is(q.Discard(ctx, "job", first[0].Token, "late"), ErrNotActive))

		j, err := q.Get(ctx, "job")
		require.NoError(t, err)
		require.Equal(t, StateActive, j.State)
		require.Equal(t, second[0].Token, j.Token)

		require.NoError(t, q.Complete(ctx, "job", second[0].Token))
		j, err = q.Get(ctx, "job")
		require.NoError(t, err)
		require.Equal(t, StateCompleted, j.State)
		require.Empty(t, j.Token)
	})
}
