package booru

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"booruramen/internal/config"
	"booruramen/internal/logging"
	"booruramen/internal/metrics"
	"booruramen/internal/model"
	"booruramen/internal/util"
)

// Gelbooru queries a Gelbooru 0.2-family instance. The JSON API reports a
// single uncategorized tag string, so every tag lands in the general
// category; categorization is best-effort at this boundary.
type Gelbooru struct {
	name    string
	baseURL string
	userID  string
	apiKey  string
	doer    httpDoer
}

func NewGelbooru(sc config.SourceConfig) *Gelbooru {
	name := sc.Name
	if name == "" {
		name = "gelbooru"
	}
	return &Gelbooru{name: name, baseURL: strings.TrimRight(sc.URL, "/"), userID: sc.UserID, apiKey: sc.APIKey, doer: newDoer(name)}
}

func (a *Gelbooru) Name() string  { return a.name }
func (a *Gelbooru) TagLimit() int { return 5 }

func (a *Gelbooru) GetPosts(ctx context.Context, q model.Query) ([]model.Post, error) {
	posts, err := a.fetch(ctx, q)
	if err != nil {
		logging.Warn("gelbooru_fetch_failed", map[string]any{"source": a.name, "tags": q.Tags, "error": err.Error()})
		metrics.FetchErrors.WithLabelValues(a.name).Inc()
		return nil, nil
	}
	return posts, nil
}

func (a *Gelbooru) VerifyConnection(ctx context.Context) error {
	_, err := a.fetch(ctx, model.Query{Limit: 1})
	return err
}

func (a *Gelbooru) fetch(ctx context.Context, q model.Query) ([]model.Post, error) {
	params := url.Values{}
	params.Set("page", "dapi")
	params.Set("s", "post")
	params.Set("q", "index")
	params.Set("json", "1")
	params.Set("limit", fmt.Sprint(clamp(q.Limit, 1, 100)))
	params.Set("pid", fmt.Sprint(max(0, q.Page-1))) // pid is 0-indexed
	params.Set("tags", translateGelbooruTags(q.Tags))
	if a.userID != "" && a.apiKey != "" {
		params.Set("user_id", a.userID)
		params.Set("api_key", a.apiKey)
	}
	u := fmt.Sprintf("%s/index.php?%s", a.baseURL, params.Encode())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	req.Header.Set("Accept", "application/json")
	resp, err := a.doer.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gelbooru status %d", resp.StatusCode)
	}
	var raw struct {
		Post []struct {
			ID      int64  `json:"id"`
			Tags    string `json:"tags"`
			Rating  string `json:"rating"`
			FileURL string `json:"file_url"`
			Score   int    `json:"score"`
		} `json:"post"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]model.Post, 0, len(raw.Post))
	for _, p := range raw.Post {
		if p.ID == 0 || p.FileURL == "" {
			continue
		}
		out = append(out, model.Post{
			ID:     p.ID,
			Source: a.name,
			TagsByCategory: map[model.Category][]string{
				model.CategoryGeneral: util.SplitTags(p.Tags),
			},
			Rating:  model.NormalizeRating(p.Rating),
			FileExt: extFromURL(p.FileURL),
			FileURL: p.FileURL,
			PostURL: fmt.Sprintf("%s/index.php?page=post&s=view&id=%d", a.baseURL, p.ID),
			Score:   p.Score,
		})
	}
	return out, nil
}

// translateGelbooruTags rewrites Danbooru-style terms into Gelbooru syntax.
// A multi-rating filter like rating:g,s becomes negations of the missing
// ratings, since Gelbooru has no comma syntax. Filetype terms are dropped;
// the curator's client-side pass enforces media type instead.
func translateGelbooruTags(tags string) string {
	var out []string
	for _, t := range util.SplitTags(tags) {
		switch {
		case strings.HasPrefix(t, "rating:"):
			out = append(out, expandRatings(strings.TrimPrefix(t, "rating:"))...)
		case strings.HasPrefix(t, "filetype:"), strings.HasPrefix(t, "-filetype:"):
			// unsupported by the 0.2 API
		case t == "order:rank":
			out = append(out, "sort:score")
		case t == "order:favcount", t == "order:popular":
			out = append(out, "sort:score")
		case strings.HasPrefix(t, "age:"):
			// no direct equivalent; drop rather than poison the query
		default:
			out = append(out, t)
		}
	}
	return util.JoinTags(out)
}

func expandRatings(codes string) []string {
	want := make(map[model.Rating]bool)
	for _, c := range strings.Split(codes, ",") {
		want[model.NormalizeRating(c)] = true
	}
	var selected []model.Rating
	for _, r := range model.Ratings {
		if want[r] {
			selected = append(selected, r)
		}
	}
	if len(selected) == 1 {
		return []string{"rating:" + string(selected[0])}
	}
	// Multiple ratings: negate the ones not wanted.
	var out []string
	for _, r := range model.Ratings {
		if !want[r] {
			out = append(out, "-rating:"+string(r))
		}
	}
	return out
}

func extFromURL(u string) string {
	ext := strings.TrimPrefix(path.Ext(u), ".")
	if i := strings.IndexByte(ext, '?'); i >= 0 {
		ext = ext[:i]
	}
	return strings.ToLower(ext)
}
