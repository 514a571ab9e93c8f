// Package dispatch executes one publish job: load the post and account,
// make sure the credential is fresh, call the platform adapter and write the
// outcome back to the post's platform entry.
//
// The dispatcher knows nothing about individual providers. Provider logic
// lives behind platform.Publisher and credential.Strategy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosspost/internal/credential"
	"crosspost/internal/eventbus"
	"crosspost/internal/joberr"
	"crosspost/internal/media"
	"crosspost/internal/metrics"
	"crosspost/internal/model"
	"crosspost/internal/platform"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

type Store interface {
	GetPost(ctx context.Context, id string) (model.ScheduledPost, error)
	GetAccount(ctx context.Context, id string) (model.SocialAccount, error)
	SetPlatformStatus(ctx context.Context, postID string, u storage.PlatformUpdate) error
	RecomputeAggregate(ctx context.Context, postID string, opt model.ReduceOptions) (model.PostStatus, error)
	InsertPublishedPost(ctx context.Context, p model.PublishedPost) error
}

type Credentials interface {
	EnsureFresh(ctx context.Context, acc model.SocialAccount) (model.SocialAccount, error)
	Invalidate(ctx context.Context, acc model.SocialAccount, cause error) error
}

type MediaStore interface {
	FetchBuffer(ctx context.Context, ref string) (media.Buffer, error)
}

type Publishers interface {
	Get(name string) (platform.Publisher, bool)
}

type Options struct {
	Reduce  model.ReduceOptions
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Dispatcher struct {
	store   Store
	creds   Credentials
	media   MediaStore
	pubs    Publishers
	log     logx.Logger
	reduce  model.ReduceOptions
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, creds Credentials, ms MediaStore, pubs Publishers, log logx.Logger, opt Options) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Dispatcher{
		store:   store,
		creds:   creds,
		media:   ms,
		pubs:    pubs,
		log:     log.With(logx.String("comp", "dispatch")),
		reduce:  opt.Reduce,
		bus:     opt.Bus,
		metrics: opt.Metrics,
		now:     opt.Now,
	}
}

// Dispatch publishes job and records the outcome. Any error it returns is a
// *joberr.Error; its Kind tells the caller whether a retry can help.
func (d *Dispatcher) Dispatch(ctx context.Context, job model.PublishJob) (platform.Result, error) {
	start := d.now()
	res, err := d.dispatch(ctx, job)
	name := model.NormalizePlatform(job.Platform.PlatformName)
	d.metrics.ObserveDispatch(name, d.now().Sub(start))
	if err != nil {
		je := joberr.Classify(err)
		d.metrics.DispatchError(name, string(je.Kind))
		return platform.Result{}, je
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, job model.PublishJob) (platform.Result, error) {
	postID, accountID := job.ScheduledPostID, job.Platform.AccountID
	if postID == "" {
		return platform.Result{}, joberr.New(joberr.MissingPost, "job has no scheduled post id")
	}
	if accountID == "" {
		return platform.Result{}, joberr.New(joberr.MissingAccount, "job for post %s has no account id", postID)
	}
	log := d.log.With(logx.String("post", postID), logx.String("account", accountID), logx.String("platform", job.Platform.PlatformName))

	post, err := d.store.GetPost(ctx, postID)
	if errors.Is(err, storage.ErrNotFound) {
		return platform.Result{}, joberr.New(joberr.MissingPost, "scheduled post %s not found", postID)
	}
	if err != nil {
		return platform.Result{}, joberr.Wrap(joberr.ServiceError, err, "load post: "+err.Error())
	}
	target, ok := post.Target(accountID)
	if !ok {
		return platform.Result{}, joberr.New(joberr.MissingAccount, "post %s has no platform entry for account %s", postID, accountID)
	}
	if target.Status == model.SubPublished {
		// Redelivery after a successful write-back.
		log.Debug("platform entry already published")
		return platform.Result{ID: target.PostID, URL: target.PostURL}, nil
	}

	acc, err := d.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		jerr := joberr.New(joberr.MissingAccount, "social account %s not found", accountID)
		d.writeFailed(ctx, log, postID, accountID, jerr.Message)
		return platform.Result{}, jerr
	}
	if err != nil {
		return platform.Result{}, joberr.Wrap(joberr.ServiceError, err, "load account: "+err.Error())
	}

	buffers, err := d.fetchMedia(ctx, post.MediaRefs)
	if err != nil {
		return platform.Result{}, err
	}

	acc, err = d.creds.EnsureFresh(ctx, acc)
	if err != nil {
		return platform.Result{}, d.fail(ctx, log, post, acc, err)
	}

	name := acc.Platform
	if name == "" {
		name = job.Platform.PlatformName
	}
	pub, ok := d.pubs.Get(name)
	if !ok {
		return platform.Result{}, joberr.New(joberr.ServiceError, "no publisher for platform %q", name)
	}
	native, err := pub.Publish(ctx, platform.Request{
		AccountID:         acc.ID,
		ProviderAccountID: acc.ProviderAccountID,
		AccessToken:       acc.AccessToken,
		Content:           post.Content,
		MediaURLs:         post.MediaURLs,
		Media:             buffers,
	})
	if err != nil {
		return platform.Result{}, d.fail(ctx, log, post, acc, err)
	}
	res, err := platform.Normalize(pub.Name(), native)
	if err != nil {
		return platform.Result{}, d.fail(ctx, log, post, acc, err)
	}

	if err := d.writePublished(ctx, log, post, acc, pub.Name(), res); err != nil {
		return platform.Result{}, err
	}
	return res, nil
}

func (d *Dispatcher) fetchMedia(ctx context.Context, refs []string) ([]platform.Media, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if d.media == nil {
		return nil, joberr.New(joberr.ServiceError, "post has media refs but no media store is configured")
	}
	out := make([]platform.Media, 0, len(refs))
	for _, ref := range refs {
		buf, err := d.media.FetchBuffer(ctx, ref)
		if err != nil {
			return nil, joberr.Wrap(joberr.ServiceError, err, fmt.Sprintf("media %s: %v", ref, err))
		}
		out = append(out, platform.Media{Ref: ref, Data: buf.Data, MimeType: buf.MimeType})
	}
	return out, nil
}

// fail classifies err and performs the write-back its kind calls for.
// Retryable kinds are left alone until the queue gives up on the job.
func (d *Dispatcher) fail(ctx context.Context, log logx.Logger, post model.ScheduledPost, acc model.SocialAccount, err error) error {
	je := joberr.Classify(err)
	if je.Kind != joberr.TokenExpired {
		return err
	}
	if ierr := d.creds.Invalidate(ctx, acc, err); ierr != nil {
		log.Error("mark account for re-authorization failed", logx.Err(ierr))
	} else {
		d.metrics.Credential(acc.Platform, "reauth")
		eventbus.Publish(d.bus, eventbus.AccountReauth, eventbus.AccountEvent{
			AccountID: acc.ID, Platform: acc.Platform, Status: string(credential.StatusOf(err)), Reason: je.Message,
		})
	}
	d.writeFailed(ctx, log, post.ID, acc.ID, je.Message)
	return err
}

// MarkFailed records a job's final failure on its platform entry. The
// worker pool calls it once the queue has no attempts left.
func (d *Dispatcher) MarkFailed(ctx context.Context, job model.PublishJob, cause error) error {
	msg := "failed"
	if cause != nil {
		msg = joberr.Classify(cause).Message
	}
	log := d.log.With(logx.String("post", job.ScheduledPostID), logx.String("account", job.Platform.AccountID))
	return d.markFailed(ctx, log, job.ScheduledPostID, job.Platform.AccountID, msg)
}

func (d *Dispatcher) writeFailed(ctx context.Context, log logx.Logger, postID, accountID, msg string) {
	if err := d.markFailed(ctx, log, postID, accountID, msg); err != nil {
		log.Error("write failed status", logx.Err(err))
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, log logx.Logger, postID, accountID, msg string) error {
	err := d.store.SetPlatformStatus(ctx, postID, storage.PlatformUpdate{
		AccountID:    accountID,
		Status:       model.SubFailed,
		ErrorMessage: msg,
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Debug("platform entry gone; nothing to mark")
		return nil
	case errors.Is(err, storage.ErrStickyPublished):
		log.Debug("platform entry already published; keeping it")
		return nil
	case err != nil:
		return err
	}
	return d.recompute(ctx, log, postID)
}

func (d *Dispatcher) writePublished(ctx context.Context, log logx.Logger, post model.ScheduledPost, acc model.SocialAccount, name string, res platform.Result) error {
	now := model.NormalizeUTC(d.now())
	err := d.store.SetPlatformStatus(ctx, post.ID, storage.PlatformUpdate{
		AccountID:   acc.ID,
		Status:      model.SubPublished,
		PublishedAt: now,
		PostID:      res.ID,
		PostURL:     res.URL,
	})
	if errors.Is(err, storage.ErrStickyPublished) {
		log.Warn("platform entry was published concurrently", logx.String("postId", res.ID))
		return nil
	}
	if err != nil {
		return joberr.Wrap(joberr.ServiceError, err, "record published status: "+err.Error())
	}
	if err := d.store.InsertPublishedPost(ctx, model.PublishedPost{
		ScheduledPostID: post.ID,
		Platform:        name,
		AccountID:       acc.ID,
		PostID:          res.ID,
		PostURL:         res.URL,
		Content:         post.Content,
		UserID:          post.UserID,
		TeamID:          post.TeamID,
		OrganizationID:  post.OrganizationID,
		PublishedAt:     now,
	}); err != nil {
		// The platform entry already carries the id and url.
		log.Error("append published ledger", logx.Err(err))
	}
	if err := d.recompute(ctx, log, post.ID); err != nil {
		log.Error("recompute aggregate", logx.Err(err))
	}
	log.Info("published", logx.String("url", res.URL))
	return nil
}

func (d *Dispatcher) recompute(ctx context.Context, log logx.Logger, postID string) error {
	status, err := d.store.RecomputeAggregate(ctx, postID, d.reduce)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Debug("aggregate status", logx.String("status", string(status)))
	return nil
}
