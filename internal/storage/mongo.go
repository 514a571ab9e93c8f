package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

const (
	collPosts     = "scheduledposts"
	collAccounts  = "socialaccounts"
	collPublished = "socialposts"
)

// MongoStore keeps posts, accounts and the ledger in three collections.
// Platform writes use array filters so each worker only touches its own entry.
type MongoStore struct {
	client    *mongo.Client
	posts     *mongo.Collection
	accounts  *mongo.Collection
	published *mongo.Collection
	log       logx.Logger
	now       func() time.Time
}

type postDoc struct {
	ID                  any `bson:"_id"`
	model.ScheduledPost `bson:",inline"`
}

type accountDoc struct {
	ID                  any `bson:"_id"`
	model.SocialAccount `bson:",inline"`
}

type publishedDoc struct {
	ID                  any `bson:"_id"`
	model.PublishedPost `bson:",inline"`
}

func OpenMongo(ctx context.Context, cfg Config, log logx.Logger) (*MongoStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mongo dsn is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientOptions := options.Client().ApplyURI(cfg.DSN).
		SetMaxPoolSize(50).
		SetConnectTimeout(5 * time.Second).
		SetSocketTimeout(timeout)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(cctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pctx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	defer cancelPing()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = "crosspost"
	}
	db := client.Database(dbName)
	st := &MongoStore{
		client:    client,
		posts:     db.Collection(collPosts),
		accounts:  db.Collection(collAccounts),
		published: db.Collection(collPublished),
		log:       log,
		now:       time.Now,
	}
	if err := st.ensureIndexes(ctx); err != nil {
		log.Warn("mongo index setup failed", logx.Err(err))
	}
	log.Info("storage opened", logx.String("driver", "mongo"), logx.String("database", dbName))
	return st, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.posts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.published.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "scheduledPostId", Value: 1}},
	})
	return err
}

func (s *MongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// idValue stores hex ids as ObjectIDs so documents written by other services
// are addressable by their string form.
func idValue(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{oid, id}}}
	}
	return bson.M{"_id": id}
}

func idString(v any) string {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func (d postDoc) post() model.ScheduledPost {
	p := d.ScheduledPost
	p.ID = idString(d.ID)
	return p
}

func (s *MongoStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "scheduledFor", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.posts.Find(ctx, bson.M{
		"status":       string(model.PostScheduled),
		"scheduledFor": bson.M{"$lte": now.UTC()},
	}, opts)
	if err != nil {
		return nil, err
	}
	var docs []postDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.ScheduledPost, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.post())
	}
	return out, nil
}

func (s *MongoStore) MarkProcessing(ctx context.Context, postID string) (bool, error) {
	filter := idFilter(postID)
	filter["status"] = string(model.PostScheduled)
	res, err := s.posts.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":    string(model.PostProcessing),
		"updatedAt": s.now().UTC(),
	}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) GetPost(ctx context.Context, id string) (model.ScheduledPost, error) {
	var d postDoc
	err := s.posts.FindOne(ctx, idFilter(id)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.ScheduledPost{}, ErrNotFound
	}
	if err != nil {
		return model.ScheduledPost{}, err
	}
	return d.post(), nil
}

// allowedFrom lists the sub-statuses that may move to to.
func allowedFrom(to model.SubStatus) bson.A {
	out := bson.A{}
	for _, from := range []model.SubStatus{model.SubPending, model.SubFailed, model.SubPublished} {
		if model.ValidateSubTransition(from, to) == nil {
			out = append(out, string(from))
		}
	}
	return out
}

func (s *MongoStore) SetPlatformStatus(ctx context.Context, postID string, u PlatformUpdate) error {
	if err := checkUpdate(u); err != nil {
		return err
	}
	now := s.now().UTC()
	set := bson.M{
		"platforms.$[p].status": string(u.Status),
		"updatedAt":             now,
	}
	unset := bson.M{}
	if u.Status == model.SubPublished {
		at := u.PublishedAt
		if at.IsZero() {
			at = now
		}
		set["platforms.$[p].publishedAt"] = at.UTC()
		unset["platforms.$[p].errorMessage"] = ""
	} else if u.ErrorMessage != "" {
		set["platforms.$[p].errorMessage"] = u.ErrorMessage
	}
	if u.PostID != "" {
		set["platforms.$[p].postId"] = u.PostID
	}
	if u.PostURL != "" {
		set["platforms.$[p].postUrl"] = u.PostURL
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	from := allowedFrom(u.Status)
	filter := idFilter(postID)
	filter["platforms"] = bson.M{"$elemMatch": bson.M{
		"accountId": u.AccountID,
		"status":    bson.M{"$in": from},
	}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []any{bson.M{"p.accountId": u.AccountID, "p.status": bson.M{"$in": from}}},
	})
	res, err := s.posts.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Nothing matched: work out why.
	p, err := s.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	t, ok := p.Target(u.AccountID)
	if !ok {
		return ErrNotFound
	}
	if t.Status == model.SubPublished {
		return ErrStickyPublished
	}
	return model.ValidateSubTransition(t.Status, u.Status)
}

func sizeWithStatus(st model.SubStatus) bson.M {
	return bson.M{"$size": bson.M{"$filter": bson.M{
		"input": bson.M{"$ifNull": bson.A{"$platforms", bson.A{}}},
		"as":    "e",
		"cond":  bson.M{"$eq": bson.A{"$$e.status", string(st)}},
	}}}
}

// aggregateExpr mirrors model.Reduce as an aggregation expression so the
// read and the write happen in one server-side step.
func aggregateExpr(opt model.ReduceOptions) bson.M {
	mixed := string(model.PostPartiallyFailed)
	if opt.CollapsePartial {
		mixed = string(model.PostCompleted)
	}
	return bson.M{"$let": bson.M{
		"vars": bson.M{
			"n":    bson.M{"$size": bson.M{"$ifNull": bson.A{"$platforms", bson.A{}}}},
			"pub":  sizeWithStatus(model.SubPublished),
			"fail": sizeWithStatus(model.SubFailed),
		},
		"in": bson.M{"$switch": bson.M{
			"branches": bson.A{
				bson.M{"case": bson.M{"$eq": bson.A{"$$n", 0}}, "then": string(model.PostFailed)},
				bson.M{"case": bson.M{"$lt": bson.A{bson.M{"$add": bson.A{"$$pub", "$$fail"}}, "$$n"}}, "then": "$status"},
				bson.M{"case": bson.M{"$eq": bson.A{"$$pub", "$$n"}}, "then": string(model.PostCompleted)},
				bson.M{"case": bson.M{"$eq": bson.A{"$$fail", "$$n"}}, "then": string(model.PostFailed)},
			},
			"default": mixed,
		}},
	}}
}

func (s *MongoStore) RecomputeAggregate(ctx context.Context, postID string, opt model.ReduceOptions) (model.PostStatus, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"_agg": aggregateExpr(opt)}}},
		{{Key: "$set", Value: bson.M{
			"updatedAt": bson.M{"$cond": bson.A{bson.M{"$ne": bson.A{"$_agg", "$status"}}, s.now().UTC(), "$updatedAt"}},
			"status":    "$_agg",
		}}},
		{{Key: "$unset", Value: "_agg"}},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"status": 1})
	var out struct {
		Status string `bson:"status"`
	}
	err := s.posts.FindOneAndUpdate(ctx, idFilter(postID), pipeline, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.PostStatus(out.Status), nil
}

func (s *MongoStore) GetAccount(ctx context.Context, id string) (model.SocialAccount, error) {
	var d accountDoc
	err := s.accounts.FindOne(ctx, idFilter(id)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.SocialAccount{}, ErrNotFound
	}
	if err != nil {
		return model.SocialAccount{}, err
	}
	a := d.SocialAccount
	a.ID = idString(d.ID)
	return a, nil
}

func (s *MongoStore) UpdateAccountCredential(ctx context.Context, a model.SocialAccount) error {
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	set := bson.M{
		"accessToken": a.AccessToken,
		"status":      string(a.Status),
		"metadata":    a.Metadata,
		"updatedAt":   s.now().UTC(),
	}
	if a.RefreshToken != "" {
		set["refreshToken"] = a.RefreshToken
	}
	if a.TokenExpiresAt != nil {
		set["tokenExpiresAt"] = a.TokenExpiresAt.UTC()
	}
	res, err := s.accounts.UpdateOne(ctx, idFilter(a.ID), bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) MarkAccountExpired(ctx context.Context, id string, status model.AccountStatus, reason string) error {
	if status == "" || status == model.AccountActive {
		status = model.AccountExpired
	}
	set := bson.M{
		"status":                  string(status),
		"metadata.requiresReauth": true,
		"updatedAt":               s.now().UTC(),
	}
	if reason != "" {
		set["metadata.statusReason"] = reason
	}
	res, err := s.accounts.UpdateOne(ctx, idFilter(id), bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) InsertPublishedPost(ctx context.Context, p model.PublishedPost) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = now
	}
	var id any = primitive.NewObjectID()
	if p.ID != "" {
		id = idValue(p.ID)
	}
	_, err := s.published.InsertOne(ctx, publishedDoc{ID: id, PublishedPost: p})
	return err
}

func (s *MongoStore) ListPublished(ctx context.Context, scheduledPostID string) ([]model.PublishedPost, error) {
	opts := options.Find().SetSort(bson.D{{Key: "publishedAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.published.Find(ctx, bson.M{"scheduledPostId": scheduledPostID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []publishedDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.PublishedPost, 0, len(docs))
	for _, d := range docs {
		p := d.PublishedPost
		p.ID = idString(d.ID)
		out = append(out, p)
	}
	return out, nil
}

func (s *MongoStore) CreatePost(ctx context.Context, p model.ScheduledPost) (model.ScheduledPost, error) {
	var id any
	if p.ID == "" {
		oid := primitive.NewObjectID()
		id, p.ID = oid, oid.Hex()
	} else {
		id = idValue(p.ID)
	}
	now := model.NormalizeUTC(s.now())
	if p.Status == "" {
		p.Status = model.PostScheduled
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.ScheduledFor = model.NormalizeUTC(p.ScheduledFor)
	for i := range p.Platforms {
		p.Platforms[i].Platform = model.NormalizePlatform(p.Platforms[i].Platform)
		if p.Platforms[i].Status == "" {
			p.Platforms[i].Status = model.SubPending
		}
	}
	if _, err := s.posts.InsertOne(ctx, postDoc{ID: id, ScheduledPost: p}); err != nil {
		return model.ScheduledPost{}, err
	}
	return p, nil
}

func (s *MongoStore) UpsertAccount(ctx context.Context, a model.SocialAccount) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("account id is required")
	}
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	a.Platform = model.NormalizePlatform(a.Platform)
	a.UpdatedAt = s.now().UTC()
	_, err := s.accounts.ReplaceOne(ctx, idFilter(a.ID), accountDoc{ID: idValue(a.ID), SocialAccount: a},
		options.Replace().SetUpsert(true))
	return err
}
