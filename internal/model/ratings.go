package model

// NormalizeRating maps short API rating codes to the long form.
func NormalizeRating(code string) Rating {
	switch code {
	case "g", "general", "safe": // moebooru reports "safe" for general
		return RatingGeneral
	case "s", "sensitive":
		return RatingSensitive
	case "q", "questionable":
		return RatingQuestionable
	case "e", "explicit":
		return RatingExplicit
	}
	return Rating(code)
}

// RatingCode returns the single-letter code the Danbooru-family APIs use.
func RatingCode(r Rating) string {
	switch r {
	case RatingGeneral:
		return "g"
	case RatingSensitive:
		return "s"
	case RatingQuestionable:
		return "q"
	case RatingExplicit:
		return "e"
	}
	return string(r)
}

var videoExts = map[string]struct{}{"mp4": {}, "webm": {}}

// IsVideoExt reports whether ext is a video container extension.
func IsVideoExt(ext string) bool {
	_, ok := videoExts[ext]
	return ok
}
