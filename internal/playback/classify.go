package playback

import (
	"strings"

	"media-delivery/internal/mediatypes"
)

var compatibleVideoCodecs = map[string]bool{
	"h264": true,
	"vp9":  true,
	"av1":  true,
}

var compatibleAudioCodecs = map[string]bool{
	"aac":  true,
	"mp3":  true,
	"opus": true,
	"flac": true,
}

// mp4FamilyContainers are container names browsers play without repackaging.
var mp4FamilyContainers = map[string]bool{
	"mov":  true,
	"mp4":  true,
	"isom": true,
	"m4a":  true,
	"m4v":  true,
	"3gp":  true,
}

// Classify decides how a source with the given codecs and container should be
// served. Empty strings mean the value is unknown. It has no side effects.
//
// An MP4-family container with compatible codecs is trusted to be playable
// as-is; the exact byte layout is not verified.
func Classify(videoCodec, audioCodec, containerFormat string) mediatypes.StreamDecision {
	video := normalize(videoCodec)
	audio := normalize(audioCodec)

	if video == "" {
		return mediatypes.StreamDecision{Action: mediatypes.ActionDirect, Reason: "no codec metadata"}
	}
	if !compatibleVideoCodecs[video] {
		return mediatypes.StreamDecision{Action: mediatypes.ActionTranscode, Reason: "incompatible video codec " + video}
	}
	if audio != "" && !compatibleAudioCodecs[audio] {
		return mediatypes.StreamDecision{Action: mediatypes.ActionTranscode, Reason: "incompatible audio codec " + audio}
	}
	if isMP4Family(containerFormat) {
		return mediatypes.StreamDecision{Action: mediatypes.ActionDirect, Reason: "compatible codecs in mp4 container"}
	}
	return mediatypes.StreamDecision{Action: mediatypes.ActionRemux, Reason: "compatible codecs in " + displayContainer(containerFormat) + " container"}
}

// ClassifyProfile is Classify applied to a probed profile.
func ClassifyProfile(p mediatypes.MediaStreamProfile) mediatypes.StreamDecision {
	return Classify(p.VideoCodec, p.AudioCodec, p.ContainerFormat)
}

// isMP4Family accepts ffprobe's comma separated format_name ("mov,mp4,m4a,3gp,3g2,mj2").
func isMP4Family(container string) bool {
	for _, token := range strings.Split(container, ",") {
		if mp4FamilyContainers[normalize(token)] {
			return true
		}
	}
	return false
}

func displayContainer(container string) string {
	if c := normalize(container); c != "" {
		return c
	}
	return "unknown"
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
