package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

// evalAgg interprets the subset of the aggregation language aggregateExpr
// uses, so the expression can be checked against model.Reduce without a server.
func evalAgg(t *testing.T, expr any, doc bson.M, vars map[string]any) any {
	t.Helper()
	eval := func(e any) any { return evalAgg(t, e, doc, vars) }
	switch e := expr.(type) {
	case string:
		switch {
		case strings.HasPrefix(e, "$$"):
			name, field, _ := strings.Cut(e[2:], ".")
			v := vars[name]
			if field != "" {
				v = v.(bson.M)[field]
			}
			return v
		case strings.HasPrefix(e, "$"):
			return doc[e[1:]]
		}
		return e
	case int:
		return e
	case bson.A:
		out := make(bson.A, len(e))
		for i, v := range e {
			out[i] = eval(v)
		}
		return out
	case bson.M:
		if len(e) != 1 {
			t.Fatalf("operator object with %d keys: %v", len(e), e)
		}
		for op, arg := range e {
			switch op {
			case "$let":
				m := arg.(bson.M)
				inner := make(map[string]any, len(vars)+3)
				for k, v := range vars {
					inner[k] = v
				}
				for k, v := range m["vars"].(bson.M) {
					inner[k] = eval(v)
				}
				return evalAgg(t, m["in"], doc, inner)
			case "$size":
				return len(eval(arg).(bson.A))
			case "$ifNull":
				a := arg.(bson.A)
				if v := eval(a[0]); v != nil {
					return v
				}
				return eval(a[1])
			case "$filter":
				m := arg.(bson.M)
				as := m["as"].(string)
				out := bson.A{}
				for _, item := range eval(m["input"]).(bson.A) {
					inner := map[string]any{as: item}
					for k, v := range vars {
						if k != as {
							inner[k] = v
						}
					}
					if evalAgg(t, m["cond"], doc, inner) == true {
						out = append(out, item)
					}
				}
				return out
			case "$switch":
				m := arg.(bson.M)
				for _, b := range m["branches"].(bson.A) {
					bm := b.(bson.M)
					if eval(bm["case"]) == true {
						return eval(bm["then"])
					}
				}
				return eval(m["default"])
			case "$eq":
				a := eval(arg).(bson.A)
				return a[0] == a[1]
			case "$lt":
				a := eval(arg).(bson.A)
				return a[0].(int) < a[1].(int)
			case "$add":
				sum := 0
				for _, v := range eval(arg).(bson.A) {
					sum += v.(int)
				}
				return sum
			default:
				t.Fatalf("unsupported operator %s", op)
			}
		}
	}
	t.Fatalf("unsupported expression %T %v", expr, expr)
	return nil
}

func subMultisets(maxLen int) [][]model.SubStatus {
	all := []model.SubStatus{model.SubPending, model.SubPublished, model.SubFailed}
	out := [][]model.SubStatus{nil}
	prev := [][]model.SubStatus{nil}
	for n := 1; n <= maxLen; n++ {
		var next [][]model.SubStatus
		for _, p := range prev {
			for _, s := range all {
				next = append(next, append(append([]model.SubStatus(nil), p...), s))
			}
		}
		out = append(out, next...)
		prev = next
	}
	return out
}

func TestAggregateExprMatchesReduce(t *testing.T) {
	t.Parallel()
	for _, collapse := range []bool{false, true} {
		opt := model.ReduceOptions{CollapsePartial: collapse}
		expr := aggregateExpr(opt)
		for _, subs := range subMultisets(4) {
			platforms := bson.A{}
			for _, s := range subs {
				platforms = append(platforms, bson.M{"status": string(s)})
			}
			doc := bson.M{"status": string(model.PostProcessing), "platforms": platforms}

			want, decided := model.Reduce(subs, opt)
			if !decided {
				want = model.PostProcessing
			}
			got := evalAgg(t, expr, doc, nil)
			if got != string(want) {
				t.Fatalf("collapse=%v subs=%v: expr=%v reduce=%s", collapse, subs, got, want)
			}
		}
	}
}

func TestAggregateExprMissingPlatforms(t *testing.T) {
	t.Parallel()
	got := evalAgg(t, aggregateExpr(model.ReduceOptions{}), bson.M{"status": string(model.PostProcessing)}, nil)
	if got != string(model.PostFailed) {
		t.Fatalf("no platforms field = %v, want failed", got)
	}
}

// openMongoTestStore connects to CROSSPOST_TEST_MONGO_URI and uses a
// throwaway database that is dropped afterwards.
func openMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("CROSSPOST_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CROSSPOST_TEST_MONGO_URI not set")
	}
	db := "crosspost_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	st, err := OpenMongo(context.Background(), Config{DSN: uri, Database: db, Timeout: 10 * time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = st.client.Database(db).Drop(ctx)
		_ = st.Close()
	})
	return st
}

func TestMongoConcurrentPlatformWritesAreIsolated(t *testing.T) {
	t.Parallel()
	st := openMongoTestStore(t)
	for _, order := range []string{"a-first", "b-first"} {
		order := order
		t.Run(order, func(t *testing.T) {
			ctx := context.Background()
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
			require.Equal(t, model.SubFailed, b.Status)
			require.Equal(t, "boom", b.ErrorMessage)

			agg, err := st.RecomputeAggregate(ctx, p.ID, model.ReduceOptions{})
			require.NoError(t, err)
			require.Equal(t, model.PostPartiallyFailed, agg)
			agg, err = st.RecomputeAggregate(ctx, p.ID, model.ReduceOptions{CollapsePartial: true})
			require.NoError(t, err)
			require.Equal(t, model.PostCompleted, agg)
		})
	}
}

func TestMongoPublishedIsSticky(t *testing.T) {
	t.Parallel()
	st := openMongoTestStore(t)
	ctx := context.Background()
	p, err := st.CreatePost(ctx, twoTargetPost(time.Now()))
	require.NoError(t, err)

	require.NoError(t, st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-a", Status: model.SubPublished, PostID: "1"}))
	err = st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "acc-a", Status: model.SubFailed, ErrorMessage: "late"})
	require.True(t, errors.Is(err, ErrStickyPublished), "got %v", err)

	agg, err := st.RecomputeAggregate(ctx, p.ID, model.ReduceOptions{})
	require.NoError(t, err)
	require.Equal(t, model.PostScheduled, agg, "pending entry keeps the stored status")

	err = st.SetPlatformStatus(ctx, p.ID, PlatformUpdate{AccountID: "nope", Status: model.SubFailed})
	require.True(t, errors.Is(err, ErrNotFound), fmt.Sprint(err))
}
