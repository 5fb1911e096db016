package booru

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"booruramen/internal/config"
	"booruramen/internal/logging"
	"booruramen/internal/metrics"
	"booruramen/internal/model"
	"booruramen/internal/util"
)

// Danbooru queries a Danbooru instance. Danbooru's anonymous search tier
// rejects queries with more than two non-free terms, hence the tag limit.
type Danbooru struct {
	name    string
	baseURL string
	userID  string
	apiKey  string
	doer    httpDoer
}

func NewDanbooru(sc config.SourceConfig) *Danbooru {
	base := sc.URL
	if base == "" {
		base = "https://danbooru.donmai.us"
	}
	name := sc.Name
	if name == "" {
		name = "danbooru"
	}
	return &Danbooru{name: name, baseURL: base, userID: sc.UserID, apiKey: sc.APIKey, doer: newDoer(name)}
}

func (a *Danbooru) Name() string  { return a.name }
func (a *Danbooru) TagLimit() int { return 2 }

func (a *Danbooru) GetPosts(ctx context.Context, q model.Query) ([]model.Post, error) {
	posts, err := a.fetch(ctx, q)
	if err != nil {
		logging.Warn("danbooru_fetch_failed", map[string]any{"source": a.name, "tags": q.Tags, "error": err.Error()})
		metrics.FetchErrors.WithLabelValues(a.name).Inc()
		return nil, nil
	}
	return posts, nil
}

func (a *Danbooru) VerifyConnection(ctx context.Context) error {
	_, err := a.fetch(ctx, model.Query{Limit: 1})
	return err
}

func (a *Danbooru) fetch(ctx context.Context, q model.Query) ([]model.Post, error) {
	params := url.Values{}
	params.Set("tags", q.Tags)
	params.Set("page", fmt.Sprint(max(1, q.Page)))
	params.Set("limit", fmt.Sprint(clamp(q.Limit, 1, 200)))
	if a.userID != "" && a.apiKey != "" {
		params.Set("login", a.userID)
		params.Set("api_key", a.apiKey)
	}
	u := fmt.Sprintf("%s/posts.json?%s", a.baseURL, params.Encode())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	req.Header.Set("Accept", "application/json")
	resp, err := a.doer.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("danbooru status %d", resp.StatusCode)
	}
	var raw []struct {
		ID              int64     `json:"id"`
		TagStringArtist string    `json:"tag_string_artist"`
		TagStringCopy   string    `json:"tag_string_copyright"`
		TagStringChar   string    `json:"tag_string_character"`
		TagStringGen    string    `json:"tag_string_general"`
		TagStringMeta   string    `json:"tag_string_meta"`
		Rating          string    `json:"rating"`
		FileExt         string    `json:"file_ext"`
		FileURL         string    `json:"file_url"`
		LargeFileURL    string    `json:"large_file_url"`
		Score           int       `json:"score"`
		CreatedAt       time.Time `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]model.Post, 0, len(raw))
	for _, p := range raw {
		if p.ID == 0 || (p.FileURL == "" && p.LargeFileURL == "") {
			continue
		}
		fileURL := p.FileURL
		if fileURL == "" {
			fileURL = p.LargeFileURL
		}
		out = append(out, model.Post{
			ID:     p.ID,
			Source: a.name,
			TagsByCategory: map[model.Category][]string{
				model.CategoryArtist:    util.SplitTags(p.TagStringArtist),
				model.CategoryCopyright: util.SplitTags(p.TagStringCopy),
				model.CategoryCharacter: util.SplitTags(p.TagStringChar),
				model.CategoryGeneral:   util.SplitTags(p.TagStringGen),
				model.CategoryMeta:      util.SplitTags(p.TagStringMeta),
			},
			Rating:    model.NormalizeRating(p.Rating),
			FileExt:   p.FileExt,
			FileURL:   fileURL,
			PostURL:   fmt.Sprintf("%s/posts/%d", a.baseURL, p.ID),
			Score:     p.Score,
			CreatedAt: p.CreatedAt,
		})
	}
	return out, nil
}
