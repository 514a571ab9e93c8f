// Package producer turns due scheduled posts into publish jobs.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/model"
	"crosspost/internal/queue"
	logx "crosspost/pkg/logx"
)

const DefaultBatchSize = 100

// Store is the slice of persistence the producer reads and flips.
type Store interface {
	DuePosts(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPost, error)
	MarkProcessing(ctx context.Context, postID string) (bool, error)
	RecomputeAggregate(ctx context.Context, postID string, opt model.ReduceOptions) (model.PostStatus, error)
}

type Config struct {
	BatchSize int
	Reduce    model.ReduceOptions
}

type Producer struct {
	store Store
	q     queue.Queue
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Producer)

func WithClock(now func() time.Time) Option {
	return func(p *Producer) {
		if now != nil {
			p.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(p *Producer) { p.bus = b }
}

func New(cfg Config, store Store, q queue.Queue, log logx.Logger, opts ...Option) *Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Producer{
		store: store,
		q:     q,
		log:   log.With(logx.String("comp", "producer")),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Apply swaps the config for the next run.
func (p *Producer) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Producer) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Summary describes one EnqueueDueJobs run.
type Summary struct {
	Posts    int `json:"posts"`
	Enqueued int `json:"enqueued"`
	Existing int `json:"existing"`
	Skipped  int `json:"skipped"`
	Empty    int `json:"empty"`
}

// EnqueueDueJobs fans every due post out into one job per platform entry and
// flips the post to processing. It returns the number of jobs created.
func (p *Producer) EnqueueDueJobs(ctx context.Context) (int, error) {
	s, err := p.Run(ctx)
	return s.Enqueued, err
}

// Run is EnqueueDueJobs with the full breakdown.
func (p *Producer) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	cfg := p.config()
	now := model.NormalizeUTC(p.now())
	seen := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		// Posts that failed to enqueue stay scheduled and keep their place at
		// the head of the result, so widen the page past them.
		limit := cfg.BatchSize + sum.Skipped
		posts, err := p.store.DuePosts(ctx, now, limit)
		if err != nil {
			return sum, fmt.Errorf("due posts: %w", err)
		}
		fresh := 0
		for _, post := range posts {
			if _, dup := seen[post.ID]; dup {
				continue
			}
			seen[post.ID] = struct{}{}
			fresh++
			sum.Posts++
			p.enqueuePost(ctx, post, &sum)
		}
		if len(posts) < limit || fresh == 0 {
			break
		}
	}
	if sum.Posts > 0 {
		p.log.Info("due posts enqueued",
			logx.Int("posts", sum.Posts),
			logx.Int("jobs", sum.Enqueued),
			logx.Int("existing", sum.Existing),
			logx.Int("skipped", sum.Skipped),
		)
		eventbus.Publish(p.bus, eventbus.ProducerEnqueued, sum)
	}
	return sum, nil
}

func (p *Producer) enqueuePost(ctx context.Context, post model.ScheduledPost, sum *Summary) {
	log := p.log.With(logx.String("post", post.ID))
	created, existing := 0, 0
	for _, target := range post.Platforms {
		job := model.NewPublishJob(post, target)
		data, err := json.Marshal(job)
		if err != nil {
			log.Error("encode job failed", logx.Err(err))
			sum.Skipped++
			return
		}
		_, ok, err := p.q.Add(ctx, job.Key(), data, queue.AddOptions{})
		if err != nil {
			// Jobs already added are keyed by id, so the next run re-adds
			// them without duplicates.
			log.Error("enqueue failed, post left scheduled", logx.String("job", job.Key()), logx.Err(err))
			sum.Skipped++
			return
		}
		if ok {
			created++
		} else {
			existing++
		}
	}

	sum.Enqueued += created
	sum.Existing += existing
	flipped, err := p.store.MarkProcessing(ctx, post.ID)
	if err != nil {
		log.Error("mark processing failed", logx.Err(err))
		sum.Skipped++
		return
	}
	if !flipped {
		log.Debug("post already taken by another run")
		return
	}
	if len(post.Platforms) == 0 {
		st, err := p.store.RecomputeAggregate(ctx, post.ID, p.config().Reduce)
		if err != nil {
			log.Error("recompute empty post failed", logx.Err(err))
			return
		}
		sum.Empty++
		log.Warn("post has no platforms", logx.String("status", string(st)))
	}
}
