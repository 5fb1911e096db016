package score

import (
	"math/rand"
	"sort"
	"sync"

	"booruramen/internal/model"
	"booruramen/internal/profile"
)

// categoryMultipliers weight tag matches by how identifying the category is.
// Character, copyright, and artist matches dominate; generic descriptive tags
// contribute weakly; meta tags (resolution markers and the like) are ignored.
var categoryMultipliers = map[model.Category]float64{
	model.CategoryCharacter: 2.5,
	model.CategoryCopyright: 2.0,
	model.CategoryArtist:    2.0,
	model.CategoryGeneral:   0.4,
	model.CategoryMeta:      0.0,
}

const (
	baseScore      = 0.1
	tagTermWeight  = 3.0
	ratingWeight   = 2.0
	mediaWeight    = 1.5
	jitterSpan     = 0.2
	discoveryBonus = 0.25
	familiarFloor  = 1.0
	novelFloor     = 5
	familiarTagBar = 0.3
)

// Scorer scores posts against the current normalized profile. Scores are
// memoized per post key until invalidated; the exploration jitter is drawn
// once and cached with the score.
type Scorer struct {
	profileFn func() *profile.Normalized
	rng       *rand.Rand

	mu    sync.Mutex
	cache map[string]float64
}

// New builds a scorer. profileFn is called on every uncached score so the
// scorer always sees the engine's latest profile; rng is injected so tests
// can seed it.
func New(profileFn func() *profile.Normalized, rng *rand.Rand) *Scorer {
	return &Scorer{profileFn: profileFn, rng: rng, cache: make(map[string]float64)}
}

// Invalidate drops the cached score for one post key.
func (s *Scorer) Invalidate(postKey string) {
	s.mu.Lock()
	delete(s.cache, postKey)
	s.mu.Unlock()
}

// Clear drops every cached score.
func (s *Scorer) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]float64)
	s.mu.Unlock()
}

// ScorePost returns the personalized score for a post.
func (s *Scorer) ScorePost(p model.Post) float64 {
	key := p.Key()
	s.mu.Lock()
	if v, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return v
	}
	jitter := s.rng.Float64() * jitterSpan
	s.mu.Unlock()

	d := s.details(p)
	total := d.Total + jitter

	s.mu.Lock()
	s.cache[key] = total
	s.mu.Unlock()
	return total
}

// Details is the deterministic per-term breakdown of a post's score, used by
// debug surfaces. Total excludes the exploration jitter.
type Details struct {
	Total          float64
	Base           float64
	TagTerm        float64
	DiscoveryBonus float64
	RatingTerm     float64
	MediaTerm      float64
	Contributing   []TagContribution
}

// TagContribution is one tag's share of the tag term.
type TagContribution struct {
	Tag      string
	Score    float64
	Category model.Category
}

// PostScoreDetails recomputes the score with its breakdown. It matches
// ScorePost's cached total up to the independent jitter draw.
func (s *Scorer) PostScoreDetails(p model.Post) Details {
	return s.details(p)
}

func (s *Scorer) details(p model.Post) Details {
	prof := s.profileFn()
	d := Details{Base: baseScore}
	d.Total = baseScore

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[model.Category]*bucket)
	var familiarWeight float64
	var novelCount int
	var contributors []TagContribution

	for _, ct := range p.AllTags() {
		if _, skip := prof.AvoidedTags[ct.Tag]; skip {
			continue
		}
		cat := ct.Category
		if stored, ok := prof.TagCategory[ct.Tag]; ok {
			cat = stored
		}
		ts := prof.TagScore[ct.Tag]
		eng := prof.TagEngagement[ct.Tag]

		b := buckets[cat]
		if b == nil {
			b = &bucket{}
			buckets[cat] = b
		}
		b.sum += ts
		b.count++
		if ts != 0 {
			contributors = append(contributors, TagContribution{Tag: ct.Tag, Score: ts, Category: cat})
		}

		if eng > 0 && ts > familiarTagBar {
			switch cat {
			case model.CategoryCharacter, model.CategoryCopyright, model.CategoryArtist:
				familiarWeight += 1.0
			default:
				familiarWeight += 0.2
			}
		}
		if eng == 0 {
			novelCount++
		}
	}

	var weighted float64
	var totalCount int
	for cat, b := range buckets {
		if b.count == 0 {
			continue
		}
		avg := b.sum / float64(b.count)
		weighted += avg * categoryMultipliers[cat] * float64(b.count)
		totalCount += b.count
	}
	if totalCount > 0 {
		d.TagTerm = weighted / float64(totalCount) * tagTermWeight
		d.Total += d.TagTerm
	}

	// Reward posts pairing a recognizable anchor interest with substantial
	// new material, rather than pure repetition or pure randomness.
	if familiarWeight >= familiarFloor && novelCount >= novelFloor {
		d.DiscoveryBonus = discoveryBonus
		d.Total += discoveryBonus
	}

	if p.Rating != "" {
		d.RatingTerm = prof.RatingPreference[p.Rating] * ratingWeight
		d.Total += d.RatingTerm
	}
	if p.FileExt != "" {
		media := "image"
		if p.IsVideo() {
			media = "video"
		}
		d.MediaTerm = prof.MediaPreference[media] * mediaWeight
		d.Total += d.MediaTerm
	}

	sort.SliceStable(contributors, func(i, j int) bool { return contributors[i].Score > contributors[j].Score })
	if len(contributors) > 10 {
		contributors = contributors[:10]
	}
	d.Contributing = contributors
	return d
}

// RankPosts returns a copy of posts in descending score order. The sort is
// stable, so equal scores keep their arrival order.
func (s *Scorer) RankPosts(posts []model.Post) []model.Post {
	if len(posts) == 0 {
		return nil
	}
	out := make([]model.Post, len(posts))
	copy(out, posts)
	sort.SliceStable(out, func(i, j int) bool { return s.ScorePost(out[i]) > s.ScorePost(out[j]) })
	return out
}
