// Package ffmpeg wraps the external transcoder and probe binaries: codec
// probing, deterministic command construction, the streaming process
// runner, and the error-screen generator.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

// Codec families relevant to stream-copy decisions.
var (
	h264Codecs  = map[string]bool{"h264": true, "avc": true, "avc1": true}
	hevcCodecs  = map[string]bool{"hevc": true, "h265": true, "hev1": true, "hvc1": true}
	audioCodecs = map[string]bool{"aac": true, "mp3": true, "mp2": true, "ac3": true, "eac3": true}
	mpeg4Codecs = map[string]bool{"mpeg4": true, "msmpeg4v3": true, "msmpeg4v2": true, "msmpeg4": true}
)

// probeResult mirrors the probe tool's JSON output.
type probeResult struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
}

// Prober runs the external probe binary against stream URLs.
type Prober struct {
	probePath string
	timeout   time.Duration
}

// NewProber creates a stream prober.
func NewProber(probePath string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{probePath: probePath, timeout: timeout}
}

// Probe inspects the input and computes stream-copy capability. Probe
// failures return a nil CodecInfo and a classified StreamError; an
// unprobeable input may still play, since callers can go on with nil codec
// info and the command builder then falls back to a full transcode.
func (p *Prober) Probe(ctx context.Context, inputURL string) (*models.CodecInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputURL,
	}

	cmd := exec.CommandContext(ctx, p.probePath, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, streamerr.New(streamerr.KindNetwork, models.SourceUnknown,
				fmt.Sprintf("probe timeout after %s", p.timeout), err)
		}
		return nil, streamerr.New(streamerr.KindStream, models.SourceUnknown, "probe failed", err)
	}

	var result probeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, streamerr.New(streamerr.KindStream, models.SourceUnknown, "parsing probe output", err)
	}

	info := &models.CodecInfo{VideoCodec: "unknown", AudioCodec: "unknown"}

	if result.Format.Duration != "" {
		if seconds, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(seconds * float64(time.Second))
		}
	}

	for _, stream := range result.Streams {
		switch stream.CodecType {
		case "video":
			if info.VideoCodec != "unknown" {
				continue
			}
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.Framerate = parseFramerate(stream.RFrameRate)

			isH264 := h264Codecs[stream.CodecName]
			isHEVC := hevcCodecs[stream.CodecName]
			info.CanCopyVideo = isH264 || isHEVC
			info.IsHEVC = isHEVC

			if info.Duration == 0 && stream.Duration != "" {
				if seconds, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
					info.Duration = time.Duration(seconds * float64(time.Second))
				}
			}
		case "audio":
			if info.AudioCodec != "unknown" {
				continue
			}
			info.AudioCodec = stream.CodecName
			info.CanCopyAudio = audioCodecs[stream.CodecName]
		}
	}

	return info, nil
}

// parseFramerate parses a framerate fraction like "30000/1001" or "25/1".
func parseFramerate(fr string) float64 {
	if fr == "" {
		return 0
	}
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
