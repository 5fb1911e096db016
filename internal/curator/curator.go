package curator

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"booruramen/internal/logging"
	"booruramen/internal/metrics"
	"booruramen/internal/model"
	"booruramen/internal/score"
	"booruramen/internal/strategy"
	"booruramen/internal/util"
)

// FetchFunc fetches posts for one query; supplied by the caller wrapping the
// source adapter layer so the curator stays free of network concerns.
type FetchFunc func(ctx context.Context, q model.Query) ([]model.Post, error)

// clientFilterLimit is the inflated fetch size used when whitelist/blacklist
// enforcement is deferred to the client-side pass, compensating for posts
// that pass will drop.
const clientFilterLimit = 100

// fallbackMinimum triggers the order:rank fallback query when a pass yields
// fewer unique posts than this.
const fallbackMinimum = 10

// Options tune one curation pass.
type Options struct {
	PostsPerFetch    int
	MaxTotal         int
	SelectedRatings  []model.Rating
	Whitelist        []string
	Blacklist        []string
	ExistingPostKeys map[string]struct{}
	WantsVideos      bool
	WantsImages      bool
	// TagLimit is the strictest expensive-tag budget across active backends.
	TagLimit int
	// DiscoveryInterval reserves every Nth feed slot for the discovery
	// bucket; RankedFraction is the share of scored posts ranked "safe".
	DiscoveryInterval int
	RankedFraction    float64
	FetchTimeout      time.Duration
}

func (o *Options) fill() {
	if o.PostsPerFetch <= 0 {
		o.PostsPerFetch = 20
	}
	if o.MaxTotal <= 0 {
		o.MaxTotal = 10
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 4
	}
	if o.RankedFraction <= 0 || o.RankedFraction > 1 {
		o.RankedFraction = 0.6
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
	if len(o.SelectedRatings) == 0 {
		o.SelectedRatings = []model.Rating{model.RatingGeneral}
	}
	if !o.WantsVideos && !o.WantsImages {
		o.WantsVideos, o.WantsImages = true, true
	}
}

// Curator orchestrates a curation pass: strategist queries fan out through
// the caller's fetch function, results are deduplicated, filtered, scored,
// and interleaved into the final feed.
type Curator struct {
	strategist *strategy.Strategist
	scorer     *score.Scorer
}

func New(strategist *strategy.Strategist, scorer *score.Scorer) *Curator {
	return &Curator{strategist: strategist, scorer: scorer}
}

// CuratedExploreFeed runs one pass and returns the interleaved feed, each
// post annotated with its originating strategy. An empty result after all
// fallbacks is a valid terminal state, not an error.
func (c *Curator) CuratedExploreFeed(ctx context.Context, fetch FetchFunc, opts Options) ([]model.Post, error) {
	opts.fill()
	metrics.CurationRuns.Inc()

	queries := c.strategist.GenerateQueries(opts.Whitelist)
	unique := c.fanOut(ctx, fetch, queries, opts)

	if len(unique) < fallbackMinimum {
		fb := []model.Query{{Tags: "order:rank", Type: model.QueryFallback, Intent: "low-yield fallback"}}
		have := keysOf(unique)
		for _, p := range c.fanOut(ctx, fetch, fb, opts) {
			if _, dup := have[p.Key()]; !dup {
				unique = append(unique, p)
			}
		}
	}
	if len(unique) == 0 {
		// Last resort: only the mandatory free tags, no base terms and no
		// whitelist/blacklist.
		lrOpts := opts
		lrOpts.Whitelist, lrOpts.Blacklist = nil, nil
		lr := []model.Query{{Tags: "", Type: model.QueryFallback, Intent: "last resort"}}
		unique = c.fanOut(ctx, fetch, lr, lrOpts)
	}
	if len(unique) == 0 {
		logging.Warn("curated_feed_empty", map[string]any{"queries": len(queries)})
		return nil, nil
	}

	ranked, discovery := c.split(unique, opts.RankedFraction)
	return interleave(ranked, discovery, opts.MaxTotal, opts.DiscoveryInterval), nil
}

type fetchResult struct {
	query    model.Query
	rawCount int
	posts    []model.Post
	failed   bool
	done     bool
}

// fanOut issues all queries concurrently and joins on all of them. A failed
// fetch contributes zero posts but never aborts the pass and never marks the
// query exhausted; only a confirmed empty success does that.
func (c *Curator) fanOut(ctx context.Context, fetch FetchFunc, queries []model.Query, opts Options) []model.Post {
	results := make([]fetchResult, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		if c.strategist.IsExhausted(q.Tags) {
			continue
		}
		wg.Add(1)
		go func(i int, q model.Query) {
			defer wg.Done()
			results[i] = c.fetchOne(ctx, fetch, q, opts)
		}(i, q)
	}
	wg.Wait()

	for _, r := range results {
		if !r.done || r.failed {
			continue
		}
		if r.rawCount == 0 {
			c.strategist.MarkExhausted(r.query.Tags)
			metrics.QueriesExhausted.Inc()
		} else {
			c.strategist.AdvanceCursor(r.query.Tags)
		}
	}

	return c.merge(results, opts)
}

func (c *Curator) fetchOne(ctx context.Context, fetch FetchFunc, q model.Query, opts Options) fetchResult {
	hq, deferred := c.buildHybridQuery(q, opts)
	hq.Page = c.strategist.NextPage(q.Tags)

	fctx, cancel := context.WithTimeout(ctx, opts.FetchTimeout)
	defer cancel()
	posts, err := fetch(fctx, hq)
	if err != nil {
		logging.Warn("query_fetch_failed", map[string]any{"tags": hq.Tags, "error": err.Error()})
		return fetchResult{query: q, failed: true, done: true}
	}
	raw := len(posts)
	if deferred {
		posts = clientFilter(posts, opts)
	} else {
		posts = mediaFilter(posts, opts)
	}
	for i := range posts {
		posts[i].StrategyTag = q.Tags
		posts[i].DebugInfo = string(q.Type) + ": " + q.Intent
	}
	return fetchResult{query: q, rawCount: raw, posts: posts, done: true}
}

// buildHybridQuery assembles the wire query under the backend tag budget.
// Rating and filetype terms are "free" and always appended. When base +
// whitelist + blacklist would exceed the budget, whitelist and blacklist
// move to the client-side pass and the fetch limit is inflated to
// compensate.
func (c *Curator) buildHybridQuery(q model.Query, opts Options) (model.Query, bool) {
	free := freeTags(opts)
	baseCount := util.CountExpensiveTags(q.Tags)
	total := baseCount + len(opts.Whitelist) + len(opts.Blacklist)

	if opts.TagLimit > 0 && total > opts.TagLimit {
		terms := append(util.SplitTags(q.Tags), free...)
		return model.Query{Tags: util.JoinTags(terms), Limit: clientFilterLimit, Type: q.Type, Intent: q.Intent}, true
	}

	terms := util.SplitTags(q.Tags)
	terms = append(terms, opts.Whitelist...)
	for _, b := range opts.Blacklist {
		terms = append(terms, "-"+b)
	}
	terms = append(terms, free...)
	return model.Query{Tags: util.JoinTags(terms), Limit: opts.PostsPerFetch, Type: q.Type, Intent: q.Intent}, false
}

func freeTags(opts Options) []string {
	var out []string
	codes := make([]string, 0, len(opts.SelectedRatings))
	for _, r := range opts.SelectedRatings {
		codes = append(codes, model.RatingCode(r))
	}
	if len(codes) > 0 && len(codes) < len(model.Ratings) {
		out = append(out, "rating:"+strings.Join(codes, ","))
	}
	switch {
	case opts.WantsVideos && !opts.WantsImages:
		out = append(out, "filetype:mp4,webm")
	case opts.WantsImages && !opts.WantsVideos:
		out = append(out, "-filetype:mp4,webm")
	}
	return out
}

// clientFilter enforces whitelist/blacklist (and media toggles) over fetched
// posts when the server-side query could not carry them.
func clientFilter(posts []model.Post, opts Options) []model.Post {
	out := posts[:0]
	for _, p := range posts {
		if !mediaWanted(p, opts) {
			metrics.PostsFilteredClientSide.Inc()
			continue
		}
		tags := make(map[string]struct{})
		for _, ct := range p.AllTags() {
			tags[ct.Tag] = struct{}{}
		}
		ok := true
		for _, w := range opts.Whitelist {
			if _, has := tags[w]; !has {
				ok = false
				break
			}
		}
		if ok {
			for _, b := range opts.Blacklist {
				if _, has := tags[b]; has {
					ok = false
					break
				}
			}
		}
		if !ok {
			metrics.PostsFilteredClientSide.Inc()
			continue
		}
		out = append(out, p)
	}
	return out
}

// mediaFilter re-checks media toggles even on server-filtered fetches, since
// not every backend honors filetype terms.
func mediaFilter(posts []model.Post, opts Options) []model.Post {
	out := posts[:0]
	for _, p := range posts {
		if mediaWanted(p, opts) {
			out = append(out, p)
		}
	}
	return out
}

func mediaWanted(p model.Post, opts Options) bool {
	if p.IsVideo() {
		return opts.WantsVideos
	}
	return opts.WantsImages
}

// merge deduplicates by (source, id), preferring the post annotated with the
// richer strategy string, and drops already-seen posts.
func (c *Curator) merge(results []fetchResult, opts Options) []model.Post {
	byKey := make(map[string]model.Post)
	var order []string
	for _, r := range results {
		for _, p := range r.posts {
			key := p.Key()
			if _, seen := opts.ExistingPostKeys[key]; seen {
				continue
			}
			if prev, dup := byKey[key]; dup {
				if len(util.SplitTags(p.StrategyTag)) > len(util.SplitTags(prev.StrategyTag)) {
					byKey[key] = p
				}
				continue
			}
			byKey[key] = p
			order = append(order, key)
		}
	}
	out := make([]model.Post, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// split scores and sorts the pool, then divides it by percentile rather than
// absolute score: raw magnitudes vary with profile maturity, so a fixed
// threshold would misbehave for new profiles.
func (c *Curator) split(posts []model.Post, rankedFraction float64) (ranked, discovery []model.Post) {
	sorted := c.scorer.RankPosts(posts)
	cut := int(math.Round(float64(len(sorted)) * rankedFraction))
	if cut > len(sorted) {
		cut = len(sorted)
	}
	return sorted[:cut], sorted[cut:]
}

// interleave walks output positions from 1, reserving every intervalth slot
// for the discovery bucket, draining whichever bucket remains once the other
// empties.
func interleave(ranked, discovery []model.Post, maxTotal, interval int) []model.Post {
	out := make([]model.Post, 0, maxTotal)
	ri, di := 0, 0
	for pos := 1; len(out) < maxTotal; pos++ {
		if ri >= len(ranked) && di >= len(discovery) {
			break
		}
		if pos%interval == 0 && di < len(discovery) {
			out = append(out, discovery[di])
			di++
			continue
		}
		if ri < len(ranked) {
			out = append(out, ranked[ri])
			ri++
			continue
		}
		out = append(out, discovery[di])
		di++
	}
	return out
}

func keysOf(posts []model.Post) map[string]struct{} {
	set := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		set[p.Key()] = struct{}{}
	}
	return set
}
