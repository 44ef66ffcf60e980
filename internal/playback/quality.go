package playback

import "media-delivery/internal/mediatypes"

// ShortSide returns the smaller of width and height, or 0 when either is unknown.
func ShortSide(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return min(width, height)
}

// SelectQuality picks the highest transcode quality whose target short side
// fits the source. The comparison is inclusive: a 1080-line source gets High.
//
// Sources smaller than the lowest rung get Low. Unknown resolutions get High,
// since the scale filter never upscales.
func SelectQuality(width, height int) mediatypes.Quality {
	shortSide := ShortSide(width, height)
	if shortSide == 0 {
		return mediatypes.QualityHigh
	}

	for _, q := range mediatypes.TranscodeQualities {
		p, _ := q.Profile()
		if shortSide >= p.MaxShortSide {
			return q
		}
	}
	return mediatypes.QualityLow
}

// AvailableQualities returns every transcode quality at or below the source
// resolution, highest first, using the same inclusive rule as SelectQuality.
func AvailableQualities(width, height int) []mediatypes.Quality {
	top := SelectQuality(width, height)
	for i, q := range mediatypes.TranscodeQualities {
		if q == top {
			return append([]mediatypes.Quality(nil), mediatypes.TranscodeQualities[i:]...)
		}
	}
	return []mediatypes.Quality{mediatypes.QualityLow}
}
