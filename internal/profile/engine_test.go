package profile

import (
	"context"
	"math"
	"testing"
	"time"

	"booruramen/internal/model"
	"booruramen/internal/store/boorudb"
)

type fakeCache struct {
	invalidated []string
	cleared     int
}

func (f *fakeCache) Invalidate(key string) { f.invalidated = append(f.invalidated, key) }
func (f *fakeCache) Clear()                { f.cleared++ }

type fakeSession struct{ resets int }

func (f *fakeSession) ResetSession() { f.resets++ }

func testEngine(t *testing.T, at *time.Time, opts ...Option) (*Engine, *boorudb.DB) {
	t.Helper()
	db, err := boorudb.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	opts = append(opts, WithClock(func() time.Time { return *at }))
	return NewEngine(db, 0.05, time.Minute, opts...), db
}

func likeOf(id int64, at time.Time, tags ...string) model.Interaction {
	return model.Interaction{
		PostID: id, Source: "danbooru", Type: model.InteractionLike, Value: 1, Timestamp: at,
		Snapshot: model.PostSnapshot{
			TagsByCategory: map[model.Category][]string{model.CategoryGeneral: tags},
			Rating:         model.RatingGeneral,
			FileExt:        "jpg",
		},
	}
}

func TestTrackInteractionUpdatesProfile(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{}
	e, _ := testEngine(t, &now, WithScoreCache(cache))
	ctx := context.Background()

	if err := e.TrackInteraction(ctx, likeOf(1, now, "cat_ears"), true); err != nil {
		t.Fatal(err)
	}
	n := e.Normalized()
	if n.TagScore["cat_ears"] != 1 {
		t.Fatalf("expected cat_ears at full scale, got %f", n.TagScore["cat_ears"])
	}
	if len(cache.invalidated) == 0 || cache.invalidated[0] != "danbooru:1" {
		t.Fatalf("tracked post's cached score should be invalidated, got %v", cache.invalidated)
	}
	if cache.cleared == 0 {
		t.Fatalf("profile update should clear the score cache")
	}
}

func TestUpdateAppliesTimeDecayPerInteraction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, db := testEngine(t, &now)
	ctx := context.Background()

	old := likeOf(1, now.Add(-48*time.Hour), "old_tag")
	fresh := likeOf(2, now, "fresh_tag")
	if err := db.AppendInteraction(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendInteraction(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateUserProfile(ctx); err != nil {
		t.Fatal(err)
	}

	n := e.Normalized()
	want := math.Exp(-0.05 * 48)
	if math.Abs(n.TagScore["old_tag"]-want) > 1e-9 {
		t.Fatalf("48h-old like should weigh %f, got %f", want, n.TagScore["old_tag"])
	}
	if n.TagScore["fresh_tag"] != 1 {
		t.Fatalf("fresh like should dominate at 1.0, got %f", n.TagScore["fresh_tag"])
	}
}

func TestUpdateIncrementalPicksUpNewInteractions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, _ := testEngine(t, &now)
	ctx := context.Background()

	if err := e.TrackInteraction(ctx, likeOf(1, now, "first"), true); err != nil {
		t.Fatal(err)
	}
	// Second update runs off the persisted snapshot, not a full rebuild.
	now = now.Add(time.Hour)
	if err := e.TrackInteraction(ctx, likeOf(2, now, "second"), true); err != nil {
		t.Fatal(err)
	}

	n := e.Normalized()
	if n.TagScore["second"] != 1 {
		t.Fatalf("new interaction missing from incremental pass: %v", n.TagScore)
	}
	wantFirst := math.Exp(-0.05 * 1)
	if math.Abs(n.TagScore["first"]-wantFirst) > 1e-9 {
		t.Fatalf("hydrated tag should have decayed one hour to %f, got %f", wantFirst, n.TagScore["first"])
	}
	if n.TagEngagement["first"] != 1 {
		t.Fatalf("engagement must survive the snapshot roundtrip, got %f", n.TagEngagement["first"])
	}
}

func TestTimeSpentScalesByDuration(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, _ := testEngine(t, &now)
	ctx := context.Background()

	in := likeOf(1, now, "slow_burn")
	in.Type = model.InteractionTimeSpent
	in.Value = 5000 // ms
	if err := e.TrackInteraction(ctx, in, true); err != nil {
		t.Fatal(err)
	}
	// 0.1 per second * 5s = 0.5 raw; alone it normalizes to 1.0, so check
	// engagement which keeps the raw magnitude.
	if got := e.Normalized().TagEngagement["slow_burn"]; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("timeSpent weight expected 0.5, got %f", got)
	}
}

func TestResetDiscardsHistoryFromThatInstant(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &fakeSession{}
	e, _ := testEngine(t, &now, WithSession(sess))
	ctx := context.Background()

	if err := e.TrackInteraction(ctx, likeOf(1, now, "before"), true); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if err := e.ResetRecommendations(ctx); err != nil {
		t.Fatal(err)
	}
	if len(e.Normalized().TagScore) != 0 {
		t.Fatalf("reset must zero the profile")
	}
	if sess.resets != 1 {
		t.Fatalf("reset must clear the strategist session")
	}

	// A rebuild after reset must not resurrect pre-reset interactions.
	now = now.Add(time.Minute)
	if err := e.TrackInteraction(ctx, likeOf(2, now, "after"), true); err != nil {
		t.Fatal(err)
	}
	n := e.Normalized()
	if _, ok := n.TagScore["before"]; ok {
		t.Fatalf("pre-reset interaction leaked back into the profile")
	}
	if n.TagScore["after"] != 1 {
		t.Fatalf("post-reset interaction should count, got %v", n.TagScore)
	}
}

func TestApplyDecayWithoutStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, _ := testEngine(t, &now)
	ctx := context.Background()

	if err := e.TrackInteraction(ctx, likeOf(1, now, "fading"), true); err != nil {
		t.Fatal(err)
	}
	e.ApplyDecay(200) // far past the prune threshold
	if len(e.Normalized().TagScore) != 0 {
		t.Fatalf("heavy decay should prune everything, got %v", e.Normalized().TagScore)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, _ := testEngine(t, &now)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	e.Stop()
	e.Stop()
}
