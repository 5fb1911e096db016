package analytics

import (
	"sort"
	"time"

	"booruramen/internal/model"
)

// TagScore pairs a tag with its accumulated raw score.
type TagScore struct {
	Tag   string
	Score float64
}

// TopTags returns the n strongest tags by raw score, descending. Ties break
// alphabetically so output is stable.
func TopTags(rawTagScore map[string]float64, n int) []TagScore {
	out := make([]TagScore, 0, len(rawTagScore))
	for tag, s := range rawTagScore {
		out = append(out, TagScore{Tag: tag, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Tag < out[j].Tag
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TagPair is an unordered tag pair with its co-occurrence weight.
type TagPair struct {
	A, B   string
	Weight float64
}

// TagPairs accumulates weighted co-occurrence over interaction snapshots:
// each positive interaction adds its weight to every tag pair present on the
// post. Pairs are keyed with A < B.
func TagPairs(interactions []model.Interaction, weights map[model.InteractionType]float64, n int) []TagPair {
	acc := make(map[[2]string]float64)
	for _, in := range interactions {
		w := weights[in.Type]
		if w <= 0 {
			continue
		}
		tags := make([]string, 0, 8)
		for _, ct := range in.Snapshot.AllTags() {
			tags = append(tags, ct.Tag)
		}
		sort.Strings(tags)
		for i := 0; i < len(tags); i++ {
			for j := i + 1; j < len(tags); j++ {
				acc[[2]string{tags[i], tags[j]}] += w
			}
		}
	}
	out := make([]TagPair, 0, len(acc))
	for k, w := range acc {
		out = append(out, TagPair{A: k[0], B: k[1], Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// HourlyInteractions aggregates interactions into per-hour buckets keyed by
// interaction type.
func HourlyInteractions(interactions []model.Interaction) map[time.Time]map[model.InteractionType]int {
	buckets := make(map[time.Time]map[model.InteractionType]int)
	for _, in := range interactions {
		t := in.Timestamp
		key := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
		if _, ok := buckets[key]; !ok {
			buckets[key] = make(map[model.InteractionType]int)
		}
		buckets[key][in.Type]++
	}
	return buckets
}

// SortedBucketKeys returns sorted hour keys.
func SortedBucketKeys(m map[time.Time]map[model.InteractionType]int) []time.Time {
	keys := make([]time.Time, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}
