package mediatypes

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMediaID is returned when a media id cannot be used as a cache file name.
var ErrInvalidMediaID = errors.New("invalid media id")

// Action is the serving strategy chosen for a media item.
type Action string

const (
	// ActionDirect serves the source bytes unchanged.
	ActionDirect Action = "direct"
	// ActionRemux repackages the source into MP4 without re-encoding.
	ActionRemux Action = "remux"
	// ActionTranscode re-encodes the source to H.264/AAC.
	ActionTranscode Action = "transcode"
)

// StreamDecision is the output of the classifier. It is derived and never persisted.
type StreamDecision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Kind identifies the type of cache artifact.
type Kind string

const (
	// KindRemux is a stream-copied MP4 of the source.
	KindRemux Kind = "remux"
	// KindTranscode is a re-encoded MP4 at a given quality.
	KindTranscode Kind = "transcode"
)

// Action returns the serving action whose output is an artifact of kind k.
func (k Kind) Action() Action {
	if k == KindTranscode {
		return ActionTranscode
	}
	return ActionRemux
}

// Quality is a transcode quality level.
type Quality string

const (
	// QualityOriginal means no re-encoding target; it has no profile.
	QualityOriginal Quality = "original"
	// QualityHigh targets 1080 lines.
	QualityHigh Quality = "high"
	// QualityMedium targets 720 lines.
	QualityMedium Quality = "medium"
	// QualityLow targets 480 lines.
	QualityLow Quality = "low"
)

// QualityProfile holds the encoding targets for a non-original quality level.
type QualityProfile struct {
	MaxShortSide int
	VideoBitrate string
	// BufferSize is the rate control buffer for the bitrate ceiling.
	BufferSize   string
	AudioBitrate string
}

var qualityProfiles = map[Quality]QualityProfile{
	QualityHigh:   {MaxShortSide: 1080, VideoBitrate: "8M", BufferSize: "16M", AudioBitrate: "192k"},
	QualityMedium: {MaxShortSide: 720, VideoBitrate: "4M", BufferSize: "8M", AudioBitrate: "128k"},
	QualityLow:    {MaxShortSide: 480, VideoBitrate: "1500k", BufferSize: "3000k", AudioBitrate: "96k"},
}

// TranscodeQualities lists the cacheable quality levels from highest to lowest.
var TranscodeQualities = []Quality{QualityHigh, QualityMedium, QualityLow}

// Profile returns the encoding targets for q. The second result is false for
// QualityOriginal and unknown values.
func (q Quality) Profile() (QualityProfile, bool) {
	p, ok := qualityProfiles[q]
	return p, ok
}

// ParseQuality converts a user supplied string into a Quality.
// An empty string parses as QualityOriginal.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case "", QualityOriginal:
		return QualityOriginal, nil
	case QualityHigh, QualityMedium, QualityLow:
		return q, nil
	default:
		return "", fmt.Errorf("unknown quality %q", s)
	}
}

// MediaStreamProfile is the probed codec/container description of a source file.
// Empty strings and zero numbers mean the value is unknown.
type MediaStreamProfile struct {
	MediaID         string  `json:"mediaId"`
	SourcePath      string  `json:"-"`
	VideoCodec      string  `json:"videoCodec,omitempty"`
	AudioCodec      string  `json:"audioCodec,omitempty"`
	ContainerFormat string  `json:"containerFormat,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// CacheKey identifies one cache artifact. Quality is only meaningful for
// KindTranscode and is left empty for KindRemux.
type CacheKey struct {
	MediaID string
	Kind    Kind
	Quality Quality
}

// RemuxKey returns the cache key of the remux artifact for mediaID.
func RemuxKey(mediaID string) CacheKey {
	return CacheKey{MediaID: mediaID, Kind: KindRemux}
}

// TranscodeKey returns the cache key of the transcode artifact for mediaID at q.
func TranscodeKey(mediaID string, q Quality) CacheKey {
	return CacheKey{MediaID: mediaID, Kind: KindTranscode, Quality: q}
}

// KeysFor returns every cache key that can exist for mediaID.
func KeysFor(mediaID string) []CacheKey {
	keys := make([]CacheKey, 0, 1+len(TranscodeQualities))
	keys = append(keys, RemuxKey(mediaID))
	for _, q := range TranscodeQualities {
		keys = append(keys, TranscodeKey(mediaID, q))
	}
	return keys
}

func (k CacheKey) String() string {
	if k.Kind == KindTranscode {
		return fmt.Sprintf("%s/%s/%s", k.Kind, k.MediaID, k.Quality)
	}
	return fmt.Sprintf("%s/%s", k.Kind, k.MediaID)
}

// ValidateMediaID rejects ids that could escape the cache directory or collide
// with the "-quality" suffix of transcode artifact names.
func ValidateMediaID(id string) error {
	if id == "" || len(id) > 128 {
		return ErrInvalidMediaID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidMediaID, id)
		}
	}
	return nil
}

// VideoExtensions maps file extensions to whether they are supported video formats.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
	".ts":   true,
}

// IsVideoFile returns true if ext (lowercase, with the leading dot) is a video extension.
func IsVideoFile(ext string) bool {
	return VideoExtensions[ext]
}
