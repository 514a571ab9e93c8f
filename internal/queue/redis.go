package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "crosspost/pkg/logx"
)

// RedisQueue keeps one hash per job plus a list of waiting ids and sorted
// sets for active (scored by lease deadline), delayed (run-at) and the two
// terminal states (finish time). State changes run as Lua scripts, so claims
// are atomic across processes. The clock and claim tokens are passed in from Go.
type RedisQueue struct {
	rdb     redis.UniversalClient
	ownsRDB bool
	prefix  string
	policy  Policy
	now     func() time.Time
	log     logx.Logger
}

func OpenRedis(ctx context.Context, dsn, prefix string, policy Policy, opts ...Option) (*RedisQueue, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("queue: redis dsn is required")
	}
	ro, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: redis dsn: %w", err)
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}
	q := NewRedis(rdb, prefix, policy, opts...)
	q.ownsRDB = true
	return q, nil
}

func NewRedis(rdb redis.UniversalClient, prefix string, policy Policy, opts ...Option) *RedisQueue {
	o := buildOptions(opts)
	if prefix == "" {
		prefix = "crosspost:queue"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, policy: policy.withDefaults(), now: o.now, log: o.log}
}

func (q *RedisQueue) Close() error {
	if q == nil || q.rdb == nil || !q.ownsRDB {
		return nil
	}
	return q.rdb.Close()
}

func (q *RedisQueue) jobPrefix() string { return q.prefix + ":job:" }

func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix() + id }

func (q *RedisQueue) key(s State) string { return q.prefix + ":" + string(s) }

var addScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st and st ~= 'completed' and st ~= 'failed' then return 0 end
if st then
  redis.call('ZREM', KEYS[4], ARGV[1])
  redis.call('ZREM', KEYS[5], ARGV[1])
  redis.call('DEL', KEYS[1])
end
local delayed = tonumber(ARGV[5]) > tonumber(ARGV[4])
local state = 'waiting'
if delayed then state = 'delayed' end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'state', state, 'attempts', 0, 'max', ARGV[3],
  'run_at', ARGV[5], 'created_at', ARGV[4], 'updated_at', ARGV[4])
if delayed then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var fetchScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[1]) do
  local id = redis.call('RPOP', KEYS[1])
  if not id then break end
  local k = ARGV[4] .. id
  if redis.call('HGET', k, 'state') == 'waiting' then
    redis.call('HINCRBY', k, 'attempts', 1)
    redis.call('HSET', k, 'state', 'active', 'lease_until', ARGV[3], 'token', ARGV[4 + i], 'updated_at', ARGV[2])
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    table.insert(out, id)
  end
end
return out
`)

// Settling scripts return -1 for a missing job, 0 when the job is not active
// and -2 when it is active under another claim.
var completeScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return -1 end
if st ~= 'active' then return 0 end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[3] then return -2 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease_until', 'token')
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// failScript returns 1 when the job was delayed for retry and 2 when it was
// moved to failed.
var failScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return -1 end
if st ~= 'active' then return 0 end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[5] then return -2 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease_until', 'token')
redis.call('HSET', KEYS[1], 'last_error', ARGV[3], 'updated_at', ARGV[2])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local max = tonumber(redis.call('HGET', KEYS[1], 'max'))
if attempts < max then
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[4])
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 2
`)

var discardScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return -1 end
if st == 'completed' or st == 'failed' then return 0 end
if ARGV[4] == '' then
  if st == 'active' then return -2 end
elseif st ~= 'active' then
  return 0
elseif redis.call('HGET', KEYS[1], 'token') ~= ARGV[4] then
  return -2
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease_until', 'token')
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[3], 'finished_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting', 'updated_at', ARGV[1])
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

var stalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued = 0
local dead = {}
for _, id in ipairs(ids) do
  local k = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', k, 'lease_until', 'token')
  local attempts = tonumber(redis.call('HGET', k, 'attempts'))
  local max = tonumber(redis.call('HGET', k, 'max'))
  if attempts < max then
    redis.call('HSET', k, 'state', 'waiting', 'run_at', ARGV[1], 'updated_at', ARGV[1])
    redis.call('LPUSH', KEYS[2], id)
    requeued = requeued + 1
  else
    redis.call('HSET', k, 'state', 'failed', 'last_error', ARGV[3], 'finished_at', ARGV[1], 'updated_at', ARGV[1])
    redis.call('ZADD', KEYS[3], ARGV[1], id)
    table.insert(dead, id)
  end
end
return {requeued, dead}
`)

func (q *RedisQueue) Add(ctx context.Context, id string, data []byte, opts AddOptions) (Job, bool, error) {
	if err := checkID(id); err != nil {
		return Job{}, false, err
	}
	now := q.now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy.MaxAttempts
	}
	runAt := now
	if opts.Delay > 0 {
		runAt = now.Add(opts.Delay)
	}
	keys := []string{q.jobKey(id), q.key(StateWaiting), q.key(StateDelayed), q.key(StateCompleted), q.key(StateFailed)}
	n, err := addScript.Run(ctx, q.rdb, keys, id, data, maxAttempts, now.UnixMilli(), runAt.UnixMilli()).Int()
	if err != nil {
		return Job{}, false, err
	}
	j, err := q.Get(ctx, id)
	if err != nil {
		return Job{}, false, err
	}
	return j, n == 1, nil
}

func (q *RedisQueue) Fetch(ctx context.Context, n int, lease time.Duration) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	now := q.now()
	keys := []string{q.key(StateWaiting), q.key(StateActive)}
	args := []any{n, now.UnixMilli(), now.Add(lease).UnixMilli(), q.jobPrefix()}
	for i := 0; i < n; i++ {
		args = append(args, uuid.NewString())
	}
	ids, err := fetchScript.Run(ctx, q.rdb, keys, args...).StringSlice()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func scriptResult(id string, n int) error {
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	case -2:
		return fmt.Errorf("%w: %s was claimed again", ErrNotActive, id)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, id, token string) error {
	keys := []string{q.jobKey(id), q.key(StateActive), q.key(StateCompleted)}
	n, err := completeScript.Run(ctx, q.rdb, keys, id, q.now().UnixMilli(), token).Int()
	if err != nil {
		return err
	}
	return scriptResult(id, n)
}

func (q *RedisQueue) Fail(ctx context.Context, id, token, cause string, retryAfter time.Duration) (bool, error) {
	j, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}
	now := q.now()
	runAt := now.Add(q.policy.Delay(j.Attempts, retryAfter))
	keys := []string{q.jobKey(id), q.key(StateActive), q.key(StateDelayed), q.key(StateFailed)}
	n, err := failScript.Run(ctx, q.rdb, keys, id, now.UnixMilli(), cause, runAt.UnixMilli(), token).Int()
	if err != nil {
		return false, err
	}
	if err := scriptResult(id, n); err != nil {
		return false, err
	}
	return n == 2, nil
}

func (q *RedisQueue) Discard(ctx context.Context, id, token, cause string) error {
	keys := []string{q.jobKey(id), q.key(StateWaiting), q.key(StateActive), q.key(StateDelayed), q.key(StateFailed)}
	n, err := discardScript.Run(ctx, q.rdb, keys, id, q.now().UnixMilli(), cause, token).Int()
	if err != nil {
		return err
	}
	return scriptResult(id, n)
}

func (q *RedisQueue) PromoteDelayed(ctx context.Context) (int, error) {
	keys := []string{q.key(StateDelayed), q.key(StateWaiting)}
	return promoteScript.Run(ctx, q.rdb, keys, q.now().UnixMilli(), q.jobPrefix()).Int()
}

func (q *RedisQueue) RequeueStalled(ctx context.Context) (int, []Job, error) {
	keys := []string{q.key(StateActive), q.key(StateWaiting), q.key(StateFailed)}
	res, err := stalledScript.Run(ctx, q.rdb, keys, q.now().UnixMilli(), q.jobPrefix(), CauseStalled).Slice()
	if err != nil {
		return 0, nil, err
	}
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("queue: unexpected stalled reply %v", res)
	}
	requeued, _ := res[0].(int64)
	ids, _ := res[1].([]any)
	dead := make([]Job, 0, len(ids))
	for _, v := range ids {
		id, _ := v.(string)
		j, err := q.Get(ctx, id)
		if err != nil {
			return int(requeued), dead, err
		}
		dead = append(dead, j)
	}
	return int(requeued), dead, nil
}

func (q *RedisQueue) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := "(" + strconv.FormatInt(q.now().Add(-olderThan).UnixMilli(), 10)
	total := 0
	for _, st := range []State{StateCompleted, StateFailed} {
		ids, err := q.rdb.ZRangeByScore(ctx, q.key(st), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.jobKey(id))
			pipe.ZRem(ctx, q.key(st), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return total, err
		}
		total += len(ids)
	}
	return total, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (map[State]int, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key(StateWaiting))
	sets := map[State]*redis.IntCmd{}
	for _, st := range []State{StateActive, StateDelayed, StateCompleted, StateFailed} {
		sets[st] = pipe.ZCard(ctx, q.key(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := map[State]int{StateWaiting: int(waiting.Val())}
	for st, cmd := range sets {
		out[st] = int(cmd.Val())
	}
	return out, nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Job{}, err
	}
	if len(m) == 0 {
		return Job{}, ErrNotFound
	}
	j := Job{
		ID:          id,
		Data:        []byte(m["data"]),
		State:       State(m["state"]),
		Attempts:    atoi(m["attempts"]),
		MaxAttempts: atoi(m["max"]),
		LastError:   m["last_error"],
		RunAt:       msTime(m["run_at"]),
		LeaseUntil:  msTime(m["lease_until"]),
		Token:       m["token"],
		CreatedAt:   msTime(m["created_at"]),
		UpdatedAt:   msTime(m["updated_at"]),
		FinishedAt:  msTime(m["finished_at"]),
	}
	return j, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
