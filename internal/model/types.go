package model

import (
	"strconv"
	"time"
)

// Category is a booru tag category. Assignment is sticky: the first category
// a tag is observed under wins for the lifetime of a profile.
type Category string

const (
	CategoryArtist    Category = "artist"
	CategoryCopyright Category = "copyright"
	CategoryCharacter Category = "character"
	CategoryGeneral   Category = "general"
	CategoryMeta      Category = "meta"
)

// Categories lists all tag categories in the order adapters report them.
var Categories = []Category{CategoryArtist, CategoryCopyright, CategoryCharacter, CategoryGeneral, CategoryMeta}

// Rating is a booru content rating in long form.
type Rating string

const (
	RatingGeneral      Rating = "general"
	RatingSensitive    Rating = "sensitive"
	RatingQuestionable Rating = "questionable"
	RatingExplicit     Rating = "explicit"
)

// Ratings lists all content ratings.
var Ratings = []Rating{RatingGeneral, RatingSensitive, RatingQuestionable, RatingExplicit}

// Post is the normalized post shape shared by all source adapters.
// Tag categorization happens once at the adapter boundary; the core never
// re-derives categories from raw tag strings.
type Post struct {
	ID             int64
	Source         string // adapter name, e.g. "danbooru"
	TagsByCategory map[Category][]string
	Rating         Rating
	FileExt        string
	FileURL        string
	PostURL        string
	Score          int
	CreatedAt      time.Time

	// Ephemeral annotations attached by the feed curator.
	StrategyTag string
	DebugInfo   string
}

// Key returns the (source, id) composite key used for deduplication and
// seen-post exclusion.
func (p Post) Key() string { return p.Source + ":" + strconv.FormatInt(p.ID, 10) }

// AllTags returns every tag on the post with its category, deduplicated.
func (p Post) AllTags() []CategorizedTag {
	seen := make(map[string]struct{})
	var out []CategorizedTag
	for _, cat := range Categories {
		for _, t := range p.TagsByCategory[cat] {
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, CategorizedTag{Tag: t, Category: cat})
		}
	}
	return out
}

// IsVideo reports whether the post's file extension is a video container.
func (p Post) IsVideo() bool { return IsVideoExt(p.FileExt) }

// CategorizedTag pairs a tag with the category it was found under.
type CategorizedTag struct {
	Tag      string
	Category Category
}

// InteractionType is a kind of user action on a post.
type InteractionType string

const (
	InteractionLike      InteractionType = "like"
	InteractionDislike   InteractionType = "dislike"
	InteractionFavorite  InteractionType = "favorite"
	InteractionView      InteractionType = "view"
	InteractionTimeSpent InteractionType = "timeSpent"
)

// Interaction is one timestamped user action, carrying a denormalized
// snapshot of the post so profiles can be rebuilt without refetching.
type Interaction struct {
	PostID    int64
	Source    string
	Type      InteractionType
	Value     float64 // milliseconds for timeSpent, 1 otherwise
	Timestamp time.Time
	Snapshot  PostSnapshot
}

// PostSnapshot is the subset of post fields an interaction preserves.
type PostSnapshot struct {
	TagsByCategory map[Category][]string `json:"tags"`
	Rating         Rating                `json:"rating"`
	FileExt        string                `json:"file_ext"`
}

// AllTags mirrors Post.AllTags for the denormalized snapshot.
func (s PostSnapshot) AllTags() []CategorizedTag {
	return Post{TagsByCategory: s.TagsByCategory}.AllTags()
}

// SnapshotOf captures the profile-relevant fields of a post.
func SnapshotOf(p Post) PostSnapshot {
	return PostSnapshot{TagsByCategory: p.TagsByCategory, Rating: p.Rating, FileExt: p.FileExt}
}

// QueryType labels the strategy tier a search query came from.
type QueryType string

const (
	QueryAnchor   QueryType = "anchor"
	QueryPivot    QueryType = "pivot"
	QueryReach    QueryType = "reach"
	QueryWildcard QueryType = "wildcard"
	QueryFallback QueryType = "fallback"
)

// Query is one outbound search, ephemeral per curation pass.
type Query struct {
	Tags   string
	Page   int
	Limit  int
	Type   QueryType
	Intent string
}
