package curator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"booruramen/internal/model"
	"booruramen/internal/profile"
	"booruramen/internal/score"
	"booruramen/internal/strategy"
	"booruramen/internal/util"
)

func testComponents(tagScores map[string]float64) (*Curator, *strategy.Strategist) {
	n := &profile.Normalized{
		TagScore:         tagScores,
		TagEngagement:    map[string]float64{},
		TagCategory:      map[string]model.Category{},
		RatingPreference: map[model.Rating]float64{model.RatingGeneral: 1},
		MediaPreference:  map[string]float64{"image": 1},
	}
	fn := func() *profile.Normalized { return n }
	st := strategy.New(fn, rand.New(rand.NewSource(5)))
	sc := score.New(fn, rand.New(rand.NewSource(5)))
	return New(st, sc), st
}

func somePosts(source string, ids ...int64) []model.Post {
	out := make([]model.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Post{
			ID: id, Source: source, Rating: model.RatingGeneral, FileExt: "jpg",
			TagsByCategory: map[model.Category][]string{model.CategoryGeneral: {fmt.Sprintf("tag%d", id)}},
		})
	}
	return out
}

func TestBuildHybridQueryUnderBudget(t *testing.T) {
	c, _ := testComponents(nil)
	opts := Options{
		PostsPerFetch:   20,
		Whitelist:       []string{"1girl"},
		Blacklist:       []string{"furry"},
		TagLimit:        5,
		SelectedRatings: []model.Rating{model.RatingGeneral},
		WantsImages:     true,
		WantsVideos:     true,
	}
	q, deferred := c.buildHybridQuery(model.Query{Tags: "cat_ears"}, opts)
	if deferred {
		t.Fatalf("three expensive tags fit a budget of five")
	}
	terms := util.SplitTags(q.Tags)
	want := map[string]bool{"cat_ears": true, "1girl": true, "-furry": true, "rating:g": true}
	for term := range want {
		found := false
		for _, got := range terms {
			if got == term {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing term %q in %q", term, q.Tags)
		}
	}
	if q.Limit != 20 {
		t.Fatalf("under budget should use the configured limit, got %d", q.Limit)
	}
	if util.CountExpensiveTags(q.Tags) > opts.TagLimit {
		t.Fatalf("sent query exceeds the tag budget: %q", q.Tags)
	}
}

func TestBuildHybridQueryDefersOverBudget(t *testing.T) {
	c, _ := testComponents(nil)
	opts := Options{
		PostsPerFetch:   20,
		Whitelist:       []string{"1girl", "solo"},
		TagLimit:        2,
		SelectedRatings: []model.Rating{model.RatingGeneral},
		WantsImages:     true,
		WantsVideos:     true,
	}
	q, deferred := c.buildHybridQuery(model.Query{Tags: "cat_ears"}, opts)
	if !deferred {
		t.Fatalf("one base plus two whitelist tags exceeds a budget of two")
	}
	if strings.Contains(q.Tags, "1girl") || strings.Contains(q.Tags, "solo") {
		t.Fatalf("deferred filters must not be sent to the server: %q", q.Tags)
	}
	if q.Limit != clientFilterLimit {
		t.Fatalf("deferred pass should inflate the limit to %d, got %d", clientFilterLimit, q.Limit)
	}
	// Free tags never count against the budget.
	if util.CountExpensiveTags(q.Tags) > opts.TagLimit {
		t.Fatalf("sent query exceeds the tag budget: %q", q.Tags)
	}
}

func TestFreeTagsMediaAndRatings(t *testing.T) {
	opts := Options{
		SelectedRatings: []model.Rating{model.RatingGeneral, model.RatingSensitive},
		WantsVideos:     true,
	}
	got := freeTags(opts)
	joined := strings.Join(got, " ")
	if !strings.Contains(joined, "rating:g,s") {
		t.Fatalf("expected combined rating codes, got %q", joined)
	}
	if !strings.Contains(joined, "filetype:mp4,webm") {
		t.Fatalf("video-only should request video filetypes, got %q", joined)
	}

	all := Options{
		SelectedRatings: []model.Rating{model.RatingGeneral, model.RatingSensitive, model.RatingQuestionable, model.RatingExplicit},
		WantsVideos:     true,
		WantsImages:     true,
	}
	if got := freeTags(all); len(got) != 0 {
		t.Fatalf("everything selected should need no filter terms, got %v", got)
	}
}

func TestClientFilterEnforcesLists(t *testing.T) {
	posts := []model.Post{
		{ID: 1, Source: "x", FileExt: "jpg", TagsByCategory: map[model.Category][]string{model.CategoryGeneral: {"1girl", "smile"}}},
		{ID: 2, Source: "x", FileExt: "jpg", TagsByCategory: map[model.Category][]string{model.CategoryGeneral: {"1girl", "furry"}}},
		{ID: 3, Source: "x", FileExt: "jpg", TagsByCategory: map[model.Category][]string{model.CategoryGeneral: {"smile"}}},
		{ID: 4, Source: "x", FileExt: "mp4", TagsByCategory: map[model.Category][]string{model.CategoryGeneral: {"1girl"}}},
	}
	opts := Options{Whitelist: []string{"1girl"}, Blacklist: []string{"furry"}, WantsImages: true}
	got := clientFilter(posts, opts)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected only post 1 to survive, got %v", got)
	}
}

func TestInterleaveReservesDiscoverySlots(t *testing.T) {
	ranked := somePosts("r", 1, 2, 3, 4, 5, 6, 7, 8, 9)
	discovery := somePosts("d", 101, 102, 103)

	out := interleave(ranked, discovery, 12, 4)
	if len(out) != 12 {
		t.Fatalf("expected 12 posts, got %d", len(out))
	}
	for i, p := range out {
		pos := i + 1
		if pos%4 == 0 && p.Source != "d" {
			t.Fatalf("position %d should come from discovery, got %s", pos, p.Source)
		}
		if pos%4 != 0 && p.Source != "r" {
			t.Fatalf("position %d should come from ranked, got %s", pos, p.Source)
		}
	}
}

func TestInterleaveDrainsWhenOneBucketEmpties(t *testing.T) {
	out := interleave(somePosts("r", 1, 2), somePosts("d", 101, 102, 103), 10, 4)
	if len(out) != 5 {
		t.Fatalf("expected all 5 posts, got %d", len(out))
	}
	out = interleave(somePosts("r", 1, 2, 3), nil, 10, 4)
	if len(out) != 3 {
		t.Fatalf("empty discovery should still emit ranked, got %d", len(out))
	}
}

func TestCuratedFeedDedupAndExclusion(t *testing.T) {
	c, _ := testComponents(map[string]float64{"cat_ears": 0.9})
	fetch := func(ctx context.Context, q model.Query) ([]model.Post, error) {
		// Every query returns an overlapping window of the same posts.
		return somePosts("danbooru", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12), nil
	}
	posts, err := c.CuratedExploreFeed(context.Background(), fetch, Options{
		MaxTotal:         10,
		ExistingPostKeys: map[string]struct{}{"danbooru:1": {}},
		WantsImages:      true,
		WantsVideos:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for _, p := range posts {
		if p.Key() == "danbooru:1" {
			t.Fatalf("already-interacted post must be excluded")
		}
		if seen[p.Key()] {
			t.Fatalf("duplicate post %s in feed", p.Key())
		}
		seen[p.Key()] = true
		if p.StrategyTag == "" && p.DebugInfo == "" {
			t.Fatalf("posts must carry their strategy annotation")
		}
	}
	if len(posts) != 10 {
		t.Fatalf("expected a full page of 10, got %d", len(posts))
	}
}

func TestCuratedFeedExhaustionAndErrors(t *testing.T) {
	c, st := testComponents(map[string]float64{"cat_ears": 0.9})
	var mu sync.Mutex
	calls := make(map[string]int)
	fetch := func(ctx context.Context, q model.Query) ([]model.Post, error) {
		mu.Lock()
		calls[q.Tags]++
		mu.Unlock()
		base := strings.Fields(q.Tags)
		if len(base) > 0 && base[0] == "cat_ears" {
			return nil, nil // confirmed empty
		}
		return nil, errors.New("boom")
	}
	if _, err := c.CuratedExploreFeed(context.Background(), fetch, Options{MaxTotal: 10}); err != nil {
		t.Fatal(err)
	}
	if !st.IsExhausted("cat_ears") {
		t.Fatalf("confirmed-empty query must be marked exhausted")
	}
	for tags := range calls {
		base := strings.Fields(tags)
		if len(base) > 0 && base[0] != "cat_ears" && st.IsExhausted(base[0]) {
			t.Fatalf("failed fetches must not mark %q exhausted", base[0])
		}
	}
}

func TestCuratedFeedLowYieldFallback(t *testing.T) {
	c, _ := testComponents(map[string]float64{"cat_ears": 0.9})
	var mu sync.Mutex
	var sawRankFallback bool
	fetch := func(ctx context.Context, q model.Query) ([]model.Post, error) {
		mu.Lock()
		defer mu.Unlock()
		if strings.HasPrefix(q.Tags, "order:rank") && q.Intent == "low-yield fallback" {
			sawRankFallback = true
			return somePosts("danbooru", 50, 51, 52, 53, 54, 55, 56, 57, 58, 59), nil
		}
		return somePosts("danbooru", 1, 2), nil
	}
	posts, err := c.CuratedExploreFeed(context.Background(), fetch, Options{MaxTotal: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !sawRankFallback {
		t.Fatalf("under ten unique posts should trigger the order:rank fallback")
	}
	if len(posts) == 0 {
		t.Fatalf("fallback results should reach the feed")
	}
}

func TestCuratedFeedAdvancesCursorOnSuccess(t *testing.T) {
	c, st := testComponents(map[string]float64{"cat_ears": 0.9})
	fetch := func(ctx context.Context, q model.Query) ([]model.Post, error) {
		return somePosts("danbooru", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12), nil
	}
	if _, err := c.CuratedExploreFeed(context.Background(), fetch, Options{MaxTotal: 10}); err != nil {
		t.Fatal(err)
	}
	if st.NextPage("cat_ears") != 2 {
		t.Fatalf("successful non-empty fetch should advance the cursor, got page %d", st.NextPage("cat_ears"))
	}
}
