package strategy

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"booruramen/internal/model"
	"booruramen/internal/profile"
)

// queryWeights re-weight profile tag scores for query generation. Identity
// categories query well; generic tags are discounted; tags the profile has
// no category for get a small floor so they can still surface.
var queryWeights = map[model.Category]float64{
	model.CategoryCharacter: 1.0,
	model.CategoryCopyright: 1.0,
	model.CategoryArtist:    1.0,
	model.CategoryGeneral:   0.5,
}

const unknownCategoryWeight = 0.15

// mediaFilterTag is the literal tag the UI uses for media-type filtering; it
// must never be spent as a preference query term.
const mediaFilterTag = "video"

var (
	pivotModifiers = []string{"age:>3mo", "age:>1y", "order:rank", "order:favcount"}
	wildcardOrders = []string{"order:rank", "order:popular"}
	fallbackOrders = []string{"order:rank", "order:popular", "age:<1w"}
)

const (
	tier1Size  = 10
	tier2Size  = 15 // ranks 11..25
	pivotCount = 2
)

// TagScore is a queryable tag with its re-weighted preference score.
type TagScore struct {
	Tag   string
	Score float64
}

// Strategist turns the normalized profile into a small, diverse set of
// outbound search queries, and tracks per-query pagination and exhaustion
// for the duration of a browsing session.
type Strategist struct {
	profileFn func() *profile.Normalized
	rng       *rand.Rand

	mu        sync.Mutex
	cursors   map[string]int
	exhausted map[string]struct{}
}

// New builds a strategist. rng is injected so tests can seed it.
func New(profileFn func() *profile.Normalized, rng *rand.Rand) *Strategist {
	return &Strategist{
		profileFn: profileFn,
		rng:       rng,
		cursors:   make(map[string]int),
		exhausted: make(map[string]struct{}),
	}
}

// QueryableTags returns positively-scored, non-meta, non-avoided tags
// re-weighted by category and sorted descending.
func (s *Strategist) QueryableTags() []TagScore {
	prof := s.profileFn()
	var out []TagScore
	for tag, score := range prof.TagScore {
		if score <= 0 || tag == mediaFilterTag {
			continue
		}
		if _, skip := prof.AvoidedTags[tag]; skip {
			continue
		}
		cat, known := prof.TagCategory[tag]
		if cat == model.CategoryMeta {
			continue
		}
		w := unknownCategoryWeight
		if known {
			if cw, ok := queryWeights[cat]; ok {
				w = cw
			}
		}
		out = append(out, TagScore{Tag: tag, Score: score * w})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// WeightedRandomSelect picks a candidate via roulette-wheel selection,
// skipping excluded tags and tags whose single-tag query is exhausted. Every
// candidate gets a 0.01 weight floor so near-zero scores stay selectable.
// Returns nil when nothing is selectable.
func (s *Strategist) WeightedRandomSelect(candidates []TagScore, exclude map[string]struct{}) *TagScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weightedSelectLocked(candidates, exclude)
}

func (s *Strategist) weightedSelectLocked(candidates []TagScore, exclude map[string]struct{}) *TagScore {
	var pool []TagScore
	total := 0.0
	for _, c := range candidates {
		if _, skip := exclude[c.Tag]; skip {
			continue
		}
		if _, gone := s.exhausted[c.Tag]; gone {
			continue
		}
		pool = append(pool, c)
		total += weightFloor(c.Score)
	}
	if len(pool) == 0 {
		return nil
	}
	draw := s.rng.Float64() * total
	for i := range pool {
		draw -= weightFloor(pool[i].Score)
		if draw <= 0 {
			return &pool[i]
		}
	}
	// Floating-point residue: fall back to the last candidate.
	return &pool[len(pool)-1]
}

func weightFloor(score float64) float64 {
	if score < 0.01 {
		return 0.01
	}
	return score
}

// GenerateQueries produces the per-pass query set: one anchor, two pivots,
// one reach, one wildcard, with a fallback when everything else is exhausted.
// Queries are deduplicated by tag string.
func (s *Strategist) GenerateQueries(whitelist []string) []model.Query {
	tags := s.QueryableTags()

	tier1 := tags
	if len(tier1) > tier1Size {
		tier1 = tier1[:tier1Size]
	}
	var tier2 []TagScore
	if len(tags) > tier1Size {
		tier2 = tags[tier1Size:]
		if len(tier2) > tier2Size {
			tier2 = tier2[:tier2Size]
		}
	}

	// Cold start: seed tier 1 from the whitelist with synthetic scores.
	if len(tier1) == 0 {
		for i, t := range whitelist {
			if i >= tier1Size {
				break
			}
			tier1 = append(tier1, TagScore{Tag: t, Score: 1.0 - 0.05*float64(i)})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := make(map[string]struct{})
	var queries []model.Query
	add := func(tags string, typ model.QueryType, intent string) {
		if _, gone := s.exhausted[tags]; gone {
			return
		}
		queries = append(queries, model.Query{Tags: tags, Type: typ, Intent: intent})
	}

	if t := s.weightedSelectLocked(tier1, used); t != nil {
		used[t.Tag] = struct{}{}
		add(t.Tag, model.QueryAnchor, "top preference anchor")
	}
	for i := 0; i < pivotCount; i++ {
		t := s.weightedSelectLocked(tier1, used)
		if t == nil {
			break
		}
		used[t.Tag] = struct{}{}
		mod := pivotModifiers[s.rng.Intn(len(pivotModifiers))]
		add(t.Tag+" "+mod, model.QueryPivot, fmt.Sprintf("pivot on %s via %s", t.Tag, mod))
	}
	if t := s.weightedSelectLocked(tier2, used); t != nil {
		used[t.Tag] = struct{}{}
		add(t.Tag, model.QueryReach, "mid-tier reach")
	}
	add(wildcardOrders[s.rng.Intn(len(wildcardOrders))], model.QueryWildcard, "non-personalized trending")

	if len(queries) == 0 {
		for _, f := range fallbackOrders {
			if _, gone := s.exhausted[f]; !gone {
				queries = append(queries, model.Query{Tags: f, Type: model.QueryFallback, Intent: "session fallback"})
				break
			}
		}
	}

	// Dedupe by final tag string.
	seen := make(map[string]struct{}, len(queries))
	out := queries[:0]
	for _, q := range queries {
		if _, dup := seen[q.Tags]; dup {
			continue
		}
		seen[q.Tags] = struct{}{}
		out = append(out, q)
	}
	return out
}

// NextPage returns the session's next page for a query string, starting at 1.
func (s *Strategist) NextPage(queryTags string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cursors[queryTags]; ok {
		return p
	}
	return 1
}

// AdvanceCursor moves the query's pagination cursor past the page just used.
func (s *Strategist) AdvanceCursor(queryTags string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cursors[queryTags]; ok {
		s.cursors[queryTags] = p + 1
	} else {
		s.cursors[queryTags] = 2
	}
}

// MarkExhausted records that a query string returned a confirmed empty
// result; it is never queried again this session. Fetch failures must NOT be
// marked, only genuine empty responses.
func (s *Strategist) MarkExhausted(queryTags string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted[queryTags] = struct{}{}
}

// IsExhausted reports whether a query string was marked exhausted.
func (s *Strategist) IsExhausted(queryTags string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.exhausted[queryTags]
	return ok
}

// ResetSession drops all pagination cursors and exhaustion marks; called on
// explicit refresh/search and on recommendation reset.
func (s *Strategist) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = make(map[string]int)
	s.exhausted = make(map[string]struct{})
}
