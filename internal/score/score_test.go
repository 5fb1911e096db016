package score

import (
	"math"
	"math/rand"
	"testing"

	"booruramen/internal/model"
	"booruramen/internal/profile"
)

func fixedProfile(n *profile.Normalized) func() *profile.Normalized {
	return func() *profile.Normalized { return n }
}

func emptyProfile() *profile.Normalized {
	return &profile.Normalized{
		TagScore:         map[string]float64{},
		TagEngagement:    map[string]float64{},
		TagCategory:      map[string]model.Category{},
		RatingPreference: map[model.Rating]float64{},
		MediaPreference:  map[string]float64{},
	}
}

func postWith(id int64, tags map[model.Category][]string) model.Post {
	return model.Post{ID: id, Source: "danbooru", TagsByCategory: tags}
}

func TestScoreIsCachedUntilInvalidated(t *testing.T) {
	s := New(fixedProfile(emptyProfile()), rand.New(rand.NewSource(1)))
	p := postWith(1, map[model.Category][]string{model.CategoryGeneral: {"smile"}})

	first := s.ScorePost(p)
	second := s.ScorePost(p)
	if first != second {
		t.Fatalf("cached score must be stable, got %f then %f", first, second)
	}

	s.Invalidate(p.Key())
	third := s.ScorePost(p)
	// A fresh jitter draw makes an identical value vanishingly unlikely.
	if third == first {
		t.Fatalf("invalidation should force a fresh jitter draw")
	}
}

func TestJitterBounded(t *testing.T) {
	s := New(fixedProfile(emptyProfile()), rand.New(rand.NewSource(7)))
	for i := int64(0); i < 200; i++ {
		p := postWith(i, nil)
		got := s.ScorePost(p)
		if got < baseScore || got >= baseScore+jitterSpan {
			t.Fatalf("empty-profile score must be base plus jitter in [0,%v), got %f", jitterSpan, got)
		}
	}
}

func TestIdentityCategoriesDominate(t *testing.T) {
	n := emptyProfile()
	n.TagScore["hatsune_miku"] = 0.8
	n.TagScore["smile"] = 0.8
	n.TagCategory["hatsune_miku"] = model.CategoryCharacter
	n.TagCategory["smile"] = model.CategoryGeneral
	s := New(fixedProfile(n), rand.New(rand.NewSource(1)))

	charPost := postWith(1, map[model.Category][]string{model.CategoryCharacter: {"hatsune_miku"}})
	genPost := postWith(2, map[model.Category][]string{model.CategoryGeneral: {"smile"}})

	dc := s.PostScoreDetails(charPost)
	dg := s.PostScoreDetails(genPost)
	if dc.TagTerm <= dg.TagTerm {
		t.Fatalf("character match should outscore general match: %f vs %f", dc.TagTerm, dg.TagTerm)
	}
	// 2.5 vs 0.4 multiplier on the same normalized score.
	if math.Abs(dc.TagTerm/dg.TagTerm-2.5/0.4) > 1e-9 {
		t.Fatalf("multiplier ratio off: %f", dc.TagTerm/dg.TagTerm)
	}
}

func TestMetaTagsContributeNothing(t *testing.T) {
	n := emptyProfile()
	n.TagScore["highres"] = 1.0
	n.TagCategory["highres"] = model.CategoryMeta
	s := New(fixedProfile(n), rand.New(rand.NewSource(1)))

	d := s.PostScoreDetails(postWith(1, map[model.Category][]string{model.CategoryMeta: {"highres"}}))
	if d.TagTerm != 0 {
		t.Fatalf("meta tags must be multiplied to zero, got %f", d.TagTerm)
	}
}

func TestStoredCategoryOverridesPostCategory(t *testing.T) {
	n := emptyProfile()
	n.TagScore["wlop"] = 1.0
	n.TagCategory["wlop"] = model.CategoryArtist
	s := New(fixedProfile(n), rand.New(rand.NewSource(1)))

	// The post miscategorizes the tag; the profile's assignment wins.
	d := s.PostScoreDetails(postWith(1, map[model.Category][]string{model.CategoryGeneral: {"wlop"}}))
	want := 1.0 * 2.0 * tagTermWeight
	if math.Abs(d.TagTerm-want) > 1e-9 {
		t.Fatalf("expected artist multiplier %f, got %f", want, d.TagTerm)
	}
}

func TestDiscoveryBonus(t *testing.T) {
	n := emptyProfile()
	n.TagScore["hatsune_miku"] = 0.9
	n.TagEngagement["hatsune_miku"] = 4.0
	n.TagCategory["hatsune_miku"] = model.CategoryCharacter
	s := New(fixedProfile(n), rand.New(rand.NewSource(1)))

	bonus := postWith(1, map[model.Category][]string{
		model.CategoryCharacter: {"hatsune_miku"},
		model.CategoryGeneral:   {"n1", "n2", "n3", "n4", "n5"},
	})
	if d := s.PostScoreDetails(bonus); d.DiscoveryBonus != discoveryBonus {
		t.Fatalf("familiar anchor plus five novel tags should earn the bonus, got %f", d.DiscoveryBonus)
	}

	tooFewNovel := postWith(2, map[model.Category][]string{
		model.CategoryCharacter: {"hatsune_miku"},
		model.CategoryGeneral:   {"n1", "n2", "n3", "n4"},
	})
	if d := s.PostScoreDetails(tooFewNovel); d.DiscoveryBonus != 0 {
		t.Fatalf("four novel tags must not earn the bonus")
	}

	noAnchor := postWith(3, map[model.Category][]string{
		model.CategoryGeneral: {"n1", "n2", "n3", "n4", "n5"},
	})
	if d := s.PostScoreDetails(noAnchor); d.DiscoveryBonus != 0 {
		t.Fatalf("pure novelty must not earn the bonus")
	}
}

func TestRatingAndMediaTerms(t *testing.T) {
	n := emptyProfile()
	n.RatingPreference[model.RatingGeneral] = 0.75
	n.MediaPreference["video"] = 0.9
	s := New(fixedProfile(n), rand.New(rand.NewSource(1)))

	p := model.Post{ID: 1, Source: "danbooru", Rating: model.RatingGeneral, FileExt: "mp4"}
	d := s.PostScoreDetails(p)
	if math.Abs(d.RatingTerm-0.75*ratingWeight) > 1e-9 {
		t.Fatalf("rating term wrong: %f", d.RatingTerm)
	}
	if math.Abs(d.MediaTerm-0.9*mediaWeight) > 1e-9 {
		t.Fatalf("media term wrong: %f", d.MediaTerm)
	}
}

func TestRankPostsDescending(t *testing.T) {
	n := emptyProfile()
	n.TagScore["good"] = 1.0
	n.TagCategory["good"] = model.CategoryCharacter
	n.TagScore["bad"] = -1.0
	n.TagCategory["bad"] = model.CategoryCharacter
	s := New(fixedProfile(n), rand.New(rand.NewSource(1)))

	posts := []model.Post{
		postWith(1, map[model.Category][]string{model.CategoryCharacter: {"bad"}}),
		postWith(2, nil),
		postWith(3, map[model.Category][]string{model.CategoryCharacter: {"good"}}),
	}
	ranked := s.RankPosts(posts)
	if ranked[0].ID != 3 || ranked[2].ID != 1 {
		t.Fatalf("expected [3 2 1], got [%d %d %d]", ranked[0].ID, ranked[1].ID, ranked[2].ID)
	}
	if len(posts) != 3 || posts[0].ID != 1 {
		t.Fatalf("input slice must not be reordered")
	}
}
