package profile

import (
	"math"

	"booruramen/internal/model"
)

// interactionWeights is the base weight per interaction type. timeSpent is
// per second of viewing and is additionally scaled by the recorded duration.
var interactionWeights = map[model.InteractionType]float64{
	model.InteractionLike:      1.0,
	model.InteractionDislike:   -1.0,
	model.InteractionFavorite:  2.0,
	model.InteractionView:      0.2,
	model.InteractionTimeSpent: 0.1,
}

// pruneThreshold drops tags whose decayed score has faded to noise.
const pruneThreshold = 0.01

// InteractionWeights returns a copy of the base weight table.
func InteractionWeights() map[model.InteractionType]float64 {
	out := make(map[model.InteractionType]float64, len(interactionWeights))
	for k, v := range interactionWeights {
		out[k] = v
	}
	return out
}

// Raw is the accumulator state behind a user profile. Tag and rating scores
// are signed and decay over time; engagement is unsigned and only ever grows.
type Raw struct {
	TagScore      map[string]float64
	TagEngagement map[string]float64
	TagCategory   map[string]model.Category
	RatingScore   map[model.Rating]float64
	MediaScore    map[string]float64 // keys: image, video
}

// NewRaw returns an empty accumulator.
func NewRaw() Raw {
	return Raw{
		TagScore:      make(map[string]float64),
		TagEngagement: make(map[string]float64),
		TagCategory:   make(map[string]model.Category),
		RatingScore:   make(map[model.Rating]float64),
		MediaScore:    map[string]float64{"image": 0, "video": 0},
	}
}

// applyInteraction folds one weighted post observation into the accumulator.
// Malformed fields are skipped rather than failing the pass.
func (r *Raw) applyInteraction(snap model.PostSnapshot, weight float64, avoided map[string]struct{}) {
	for _, ct := range snap.AllTags() {
		if _, skip := avoided[ct.Tag]; skip {
			continue
		}
		r.TagScore[ct.Tag] += weight
		r.TagEngagement[ct.Tag] += math.Abs(weight)
		if _, ok := r.TagCategory[ct.Tag]; !ok {
			r.TagCategory[ct.Tag] = ct.Category
		}
	}
	if snap.Rating != "" {
		r.RatingScore[snap.Rating] += weight
	}
	if snap.FileExt != "" {
		if model.IsVideoExt(snap.FileExt) {
			r.MediaScore["video"] += weight
		} else {
			r.MediaScore["image"] += weight
		}
	}
}

// decay multiplies every signed accumulator by exp(-rate*hours) and prunes
// tags that have faded below the threshold. Engagement and category maps are
// never decayed.
func (r *Raw) decay(rate, hours float64) {
	f := math.Exp(-rate * hours)
	for tag, s := range r.TagScore {
		s *= f
		if math.Abs(s) < pruneThreshold {
			delete(r.TagScore, tag)
			continue
		}
		r.TagScore[tag] = s
	}
	for k := range r.RatingScore {
		r.RatingScore[k] *= f
	}
	for k := range r.MediaScore {
		r.MediaScore[k] *= f
	}
}

// Normalized is the derived profile consumed by the scorer and strategist.
// Tag scores are scaled into [-1,1]; rating and media preferences sum to 1.
type Normalized struct {
	TagScore         map[string]float64
	TagEngagement    map[string]float64
	TagCategory      map[string]model.Category
	RatingPreference map[model.Rating]float64
	MediaPreference  map[string]float64
	AvoidedTags      map[string]struct{}
}

// normalize derives the bounded profile from raw accumulators.
func normalize(r Raw, avoided map[string]struct{}) *Normalized {
	n := &Normalized{
		TagScore:         make(map[string]float64, len(r.TagScore)),
		TagEngagement:    make(map[string]float64, len(r.TagEngagement)),
		TagCategory:      make(map[string]model.Category, len(r.TagCategory)),
		RatingPreference: make(map[model.Rating]float64, len(model.Ratings)),
		MediaPreference:  map[string]float64{"image": 0, "video": 0},
		AvoidedTags:      avoided,
	}

	maxAbs := 0.0
	for _, s := range r.TagScore {
		if a := math.Abs(s); a > maxAbs {
			maxAbs = a
		}
	}
	for tag, s := range r.TagScore {
		if maxAbs > 0 {
			n.TagScore[tag] = s / maxAbs
		} else {
			n.TagScore[tag] = 0
		}
	}
	for tag, e := range r.TagEngagement {
		n.TagEngagement[tag] = e
	}
	for tag, c := range r.TagCategory {
		n.TagCategory[tag] = c
	}

	// Rating preference: positive parts normalized to sum to 1, uniform when
	// nothing positive remains.
	total := 0.0
	for _, rt := range model.Ratings {
		total += math.Max(0, r.RatingScore[rt])
	}
	if total > 0 {
		for _, rt := range model.Ratings {
			n.RatingPreference[rt] = math.Max(0, r.RatingScore[rt]) / total
		}
	} else {
		for _, rt := range model.Ratings {
			n.RatingPreference[rt] = 1.0 / float64(len(model.Ratings))
		}
	}

	mediaTotal := math.Max(0.001, r.MediaScore["image"]+r.MediaScore["video"])
	n.MediaPreference["image"] = r.MediaScore["image"] / mediaTotal
	n.MediaPreference["video"] = r.MediaScore["video"] / mediaTotal
	return n
}

// RecommendedRatings returns ratings with preference above threshold,
// defaulting to general.
func (n *Normalized) RecommendedRatings() []model.Rating {
	var out []model.Rating
	for _, rt := range model.Ratings {
		if n.RatingPreference[rt] > 0.15 {
			out = append(out, rt)
		}
	}
	if len(out) == 0 {
		out = []model.Rating{model.RatingGeneral}
	}
	return out
}
