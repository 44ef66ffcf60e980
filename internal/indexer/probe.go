package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"media-delivery/internal/mediatypes"
)

// Prober reads the codec and container description of a source file. The
// MediaID and SourcePath of the returned profile are filled in by the caller.
type Prober interface {
	Probe(ctx context.Context, path string) (mediatypes.MediaStreamProfile, error)
}

const maxProbeTimeout = 30 * time.Second

// FFProbe is a Prober backed by the ffprobe binary.
type FFProbe struct {
	binary string
}

// NewFFProbe returns an FFProbe running binary, or "ffprobe" from PATH when
// binary is empty.
func NewFFProbe(binary string) *FFProbe {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &FFProbe{binary: bin}
}

// Probe runs ffprobe on path and maps its first video and audio streams.
func (p *FFProbe) Probe(ctx context.Context, path string) (mediatypes.MediaStreamProfile, error) {
	if strings.TrimSpace(path) == "" {
		return mediatypes.MediaStreamProfile{}, errors.New("file path is required")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}

	// #nosec G204 -- binary comes from configuration, path from the media walk
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return mediatypes.MediaStreamProfile{}, fmt.Errorf("ffprobe failed: %w: %s", err, msg)
		}
		return mediatypes.MediaStreamProfile{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	profile, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return mediatypes.MediaStreamProfile{}, fmt.Errorf("ffprobe output parse failed: %w", err)
	}
	return profile, nil
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	// Attached cover art shows up as a video stream.
	Disposition struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

func parseProbeOutput(data []byte) (mediatypes.MediaStreamProfile, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return mediatypes.MediaStreamProfile{}, err
	}

	var profile mediatypes.MediaStreamProfile
	profile.ContainerFormat = payload.Format.FormatName

	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video":
			if profile.VideoCodec != "" || stream.Disposition.AttachedPic == 1 {
				continue
			}
			profile.VideoCodec = stream.CodecName
			profile.Width = stream.Width
			profile.Height = stream.Height
		case "audio":
			if profile.AudioCodec == "" {
				profile.AudioCodec = stream.CodecName
			}
		}
	}

	if payload.Format.Duration != "" {
		if d, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil && d > 0 {
			profile.DurationSeconds = d
		}
	}

	if profile.VideoCodec == "" {
		return mediatypes.MediaStreamProfile{}, errors.New("no video stream")
	}
	return profile, nil
}
