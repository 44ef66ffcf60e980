package indexer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"media-delivery/internal/mediatypes"
)

const sampleMKV = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080},
    {"index": 1, "codec_name": "aac", "codec_type": "audio"},
    {"index": 2, "codec_name": "ac3", "codec_type": "audio"},
    {"index": 3, "codec_name": "subrip", "codec_type": "subtitle"}
  ],
  "format": {"format_name": "matroska,webm", "duration": "5400.250000"}
}`

func TestParseProbeOutput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mediatypes.MediaStreamProfile
		wantErr bool
	}{
		{
			name:  "matroska with two audio tracks",
			input: sampleMKV,
			want: mediatypes.MediaStreamProfile{
				VideoCodec: "h264", AudioCodec: "aac", ContainerFormat: "matroska,webm",
				Width: 1920, Height: 1080, DurationSeconds: 5400.25,
			},
		},
		{
			name: "cover art is not the video stream",
			input: `{"streams": [
				{"codec_name": "mjpeg", "codec_type": "video", "width": 600, "height": 600, "disposition": {"attached_pic": 1}},
				{"codec_name": "hevc", "codec_type": "video", "width": 3840, "height": 2160}
			], "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2"}}`,
			want: mediatypes.MediaStreamProfile{
				VideoCodec: "hevc", ContainerFormat: "mov,mp4,m4a,3gp,3g2,mj2", Width: 3840, Height: 2160,
			},
		},
		{
			name:  "unparseable duration is unknown",
			input: `{"streams": [{"codec_name": "mpeg4", "codec_type": "video"}], "format": {"format_name": "avi", "duration": "N/A"}}`,
			want:  mediatypes.MediaStreamProfile{VideoCodec: "mpeg4", ContainerFormat: "avi"},
		},
		{
			name:    "audio only",
			input:   `{"streams": [{"codec_name": "mp3", "codec_type": "audio"}], "format": {"format_name": "mp3"}}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbeOutput([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got profile %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

// writeFakeFFprobe writes an executable shell script standing in for ffprobe.
func writeFakeFFprobe(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffprobe needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffprobe")
	// #nosec G306 -- test helper script needs to be executable
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write ffprobe shim: %v", err)
	}
	return path
}

func TestFFProbe(t *testing.T) {
	bin := writeFakeFFprobe(t, "cat <<'JSON'\n"+sampleMKV+"\nJSON\n")

	got, err := NewFFProbe(bin).Probe(context.Background(), "/media/movie.mkv")
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if got.VideoCodec != "h264" || got.AudioCodec != "aac" || got.Height != 1080 {
		t.Errorf("Unexpected profile %+v", got)
	}
}

func TestFFProbeFailure(t *testing.T) {
	bin := writeFakeFFprobe(t, "echo 'moov atom not found' >&2\nexit 1\n")

	_, err := NewFFProbe(bin).Probe(context.Background(), "/media/broken.mp4")
	if err == nil {
		t.Fatal("Expected error from failing ffprobe")
	}
	if !strings.Contains(err.Error(), "moov atom not found") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
}

func TestFFProbeEmptyPath(t *testing.T) {
	if _, err := NewFFProbe("").Probe(context.Background(), " "); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestNewFFProbeDefaultBinary(t *testing.T) {
	if got := NewFFProbe("  ").binary; got != "ffprobe" {
		t.Errorf("Expected default binary ffprobe, got %q", got)
	}
}
