package booru

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"booruramen/internal/config"
	"booruramen/internal/logging"
	"booruramen/internal/metrics"
	"booruramen/internal/model"
	"booruramen/internal/util"
)

// Moebooru queries a Moebooru-family instance (yande.re, konachan). Like
// Gelbooru it reports a single uncategorized tag string.
type Moebooru struct {
	name    string
	baseURL string
	doer    httpDoer
}

func NewMoebooru(sc config.SourceConfig) *Moebooru {
	name := sc.Name
	if name == "" {
		name = "moebooru"
	}
	return &Moebooru{name: name, baseURL: strings.TrimRight(sc.URL, "/"), doer: newDoer(name)}
}

func (a *Moebooru) Name() string  { return a.name }
func (a *Moebooru) TagLimit() int { return 5 }

func (a *Moebooru) GetPosts(ctx context.Context, q model.Query) ([]model.Post, error) {
	posts, err := a.fetch(ctx, q)
	if err != nil {
		logging.Warn("moebooru_fetch_failed", map[string]any{"source": a.name, "tags": q.Tags, "error": err.Error()})
		metrics.FetchErrors.WithLabelValues(a.name).Inc()
		return nil, nil
	}
	return posts, nil
}

func (a *Moebooru) VerifyConnection(ctx context.Context) error {
	_, err := a.fetch(ctx, model.Query{Limit: 1})
	return err
}

func (a *Moebooru) fetch(ctx context.Context, q model.Query) ([]model.Post, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(clamp(q.Limit, 1, 100)))
	params.Set("page", fmt.Sprint(max(1, q.Page)))
	params.Set("tags", translateMoebooruTags(q.Tags))
	u := fmt.Sprintf("%s/post.json?%s", a.baseURL, params.Encode())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	req.Header.Set("Accept", "application/json")
	resp, err := a.doer.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("moebooru status %d", resp.StatusCode)
	}
	var raw []struct {
		ID        int64  `json:"id"`
		Tags      string `json:"tags"`
		Rating    string `json:"rating"`
		FileURL   string `json:"file_url"`
		FileExt   string `json:"file_ext"`
		Score     int    `json:"score"`
		CreatedAt int64  `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]model.Post, 0, len(raw))
	for _, p := range raw {
		if p.ID == 0 || p.FileURL == "" {
			continue
		}
		ext := p.FileExt
		if ext == "" {
			ext = extFromURL(p.FileURL)
		}
		out = append(out, model.Post{
			ID:     p.ID,
			Source: a.name,
			TagsByCategory: map[model.Category][]string{
				model.CategoryGeneral: util.SplitTags(p.Tags),
			},
			Rating:    normalizeMoebooruRating(p.Rating),
			FileExt:   ext,
			FileURL:   p.FileURL,
			PostURL:   fmt.Sprintf("%s/post/show/%d", a.baseURL, p.ID),
			Score:     p.Score,
			CreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
		})
	}
	return out, nil
}

// Moebooru predates the general/sensitive split: "s" means safe.
func normalizeMoebooruRating(code string) model.Rating {
	switch code {
	case "s", "safe":
		return model.RatingGeneral
	case "q", "questionable":
		return model.RatingQuestionable
	case "e", "explicit":
		return model.RatingExplicit
	}
	return model.Rating(code)
}

func translateMoebooruTags(tags string) string {
	var out []string
	for _, t := range util.SplitTags(tags) {
		switch {
		case strings.HasPrefix(t, "rating:"):
			out = append(out, expandMoebooruRatings(strings.TrimPrefix(t, "rating:"))...)
		case strings.HasPrefix(t, "filetype:"), strings.HasPrefix(t, "-filetype:"):
			// unsupported
		case t == "order:rank", t == "order:popular", t == "order:favcount":
			out = append(out, "order:score")
		case strings.HasPrefix(t, "age:"):
			// unsupported
		default:
			out = append(out, t)
		}
	}
	return util.JoinTags(out)
}

func expandMoebooruRatings(codes string) []string {
	want := make(map[model.Rating]bool)
	for _, c := range strings.Split(codes, ",") {
		want[model.NormalizeRating(c)] = true
	}
	// general and sensitive both collapse to safe here
	safe := want[model.RatingGeneral] || want[model.RatingSensitive]
	var selected []string
	if safe {
		selected = append(selected, "s")
	}
	if want[model.RatingQuestionable] {
		selected = append(selected, "q")
	}
	if want[model.RatingExplicit] {
		selected = append(selected, "e")
	}
	if len(selected) == 1 {
		return []string{"rating:" + selected[0]}
	}
	var out []string
	for _, code := range []string{"s", "q", "e"} {
		found := false
		for _, s := range selected {
			if s == code {
				found = true
			}
		}
		if !found {
			out = append(out, "-rating:"+code)
		}
	}
	return out
}
