package transcoder

import (
	"fmt"

	"media-delivery/internal/mediatypes"
)

const (
	backgroundPreset = "ultrafast"
	livePreset       = "veryfast"

	// Every output uses the same fragmented layout, so a cache artifact has
	// the same structure whether a background job or a live mirror wrote it.
	movFlags = "frag_keyframe+empty_moov+faststart"
)

func inputArgs(source string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-y",
		"-i", source,
		"-map", "0:v:0",
		"-map", "0:a:0?",
	}
}

// scaleFilter bounds the short side of the picture to maxShortSide without
// upscaling, keeping dimensions even for libx264.
func scaleFilter(maxShortSide int) string {
	return fmt.Sprintf("scale='if(gt(iw,ih),-2,min(iw,%d))':'if(gt(iw,ih),min(ih,%d),-2)'",
		maxShortSide, maxShortSide)
}

func encodeArgs(p mediatypes.QualityProfile, preset string) []string {
	return []string{
		"-vf", scaleFilter(p.MaxShortSide),
		"-c:v", "libx264",
		"-preset", preset,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.VideoBitrate,
		"-bufsize", p.BufferSize,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", p.AudioBitrate,
		"-ac", "2",
	}
}

// backgroundRemuxArgs stream-copies both tracks into an MP4 file.
func backgroundRemuxArgs(source, output string) []string {
	args := inputArgs(source)
	args = append(args, "-c", "copy", "-movflags", movFlags, "-f", "mp4", output)
	return args
}

// backgroundTranscodeArgs re-encodes at the fastest preset for opportunistic caching.
func backgroundTranscodeArgs(source, output string, p mediatypes.QualityProfile) []string {
	args := inputArgs(source)
	args = append(args, encodeArgs(p, backgroundPreset)...)
	args = append(args, "-movflags", movFlags, "-f", "mp4", output)
	return args
}

// liveTranscodeArgs re-encodes at a balanced preset and writes fragmented MP4 to stdout.
func liveTranscodeArgs(source string, p mediatypes.QualityProfile) []string {
	args := inputArgs(source)
	args = append(args, encodeArgs(p, livePreset)...)
	args = append(args, "-movflags", movFlags, "-f", "mp4", "pipe:1")
	return args
}

// passthroughArgs stream-copies into fragmented MP4 on stdout.
func passthroughArgs(source string) []string {
	args := inputArgs(source)
	args = append(args, "-c", "copy", "-movflags", movFlags, "-f", "mp4", "pipe:1")
	return args
}
