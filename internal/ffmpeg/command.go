package ffmpeg

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/models"
)

// hwEncoderMap maps a hardware acceleration kind to its H.264 encoder.
var hwEncoderMap = map[string]string{
	"videotoolbox": "h264_videotoolbox",
	"cuda":         "h264_nvenc",
	"qsv":          "h264_qsv",
	"vaapi":        "h264_vaapi",
}

// BuildOptions tweak command construction during error recovery.
type BuildOptions struct {
	// NoCookies strips cookies from the request headers.
	NoCookies bool
	// MinimalHeaders sends only the User-Agent.
	MinimalHeaders bool
}

// CommandBuilder constructs transcoder argv vectors. BuildArgs is a pure
// function of its inputs: equal inputs produce equal argv.
type CommandBuilder struct {
	cfg  config.FFmpegConfig
	goos string
}

// NewCommandBuilder creates a command builder.
func NewCommandBuilder(cfg config.FFmpegConfig) *CommandBuilder {
	return &CommandBuilder{cfg: cfg, goos: runtime.GOOS}
}

// withGOOS overrides platform detection. Test hook.
func (b *CommandBuilder) withGOOS(goos string) *CommandBuilder {
	clone := *b
	clone.goos = goos
	return &clone
}

// hwSettings determines the hardware acceleration kind and encoder for a
// source, honoring per-source overrides then global preference.
func (b *CommandBuilder) hwSettings(kind models.SourceKind) (hwaccel, encoder string) {
	if override, ok := b.cfg.SourceOverrides[kind.String()]; ok {
		hwaccel = override.HWAccel
		encoder = override.Encoder
	}

	if hwaccel == "" {
		hw := b.cfg.HardwareAccel
		switch {
		case !hw.Enabled, hw.Preferred == "none":
		case hw.Preferred == "auto":
			if b.goos == "darwin" {
				hwaccel = "videotoolbox"
			}
		default:
			hwaccel = hw.Preferred
		}
	}

	if hwaccel != "" && encoder == "" {
		encoder = hwEncoderMap[hwaccel]
	}
	return hwaccel, encoder
}

// ClampSeek applies seek-offset safety: past-the-end seeks reset to zero,
// and seeks into the final ten seconds clamp back so the transcoder has
// something to emit.
func ClampSeek(seek, duration time.Duration) time.Duration {
	if seek <= 0 || duration <= 0 {
		return maxDuration(seek, 0)
	}
	if seek >= duration {
		return 0
	}
	if maxSeek := duration - 10*time.Second; seek > maxSeek {
		return maxDuration(maxSeek, 0)
	}
	return seek
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// BuildArgs produces the transcoder argv (excluding the binary name) for
// streaming the resolved URL as MPEG-TS on stdout.
func (b *CommandBuilder) BuildArgs(resolved *models.ResolvedURL, info *models.CodecInfo, seekOffset time.Duration, opts BuildOptions) []string {
	if info == nil {
		info = &models.CodecInfo{VideoCodec: "unknown", AudioCodec: "unknown"}
	}

	kind := resolved.Kind
	inputURL := resolved.URL
	isHTTP := strings.HasPrefix(inputURL, "http://") || strings.HasPrefix(inputURL, "https://")
	isPipe := strings.HasPrefix(inputURL, "pipe:")
	isMPEG4 := mpeg4Codecs[info.VideoCodec]
	isPrerecorded := kind == models.SourceYouTube || kind == models.SourceArchiveOrg || kind == models.SourceLocal

	hwaccel, encoder := b.hwSettings(kind)
	useHW := hwaccel != "" && !info.CanCopyVideo && !isMPEG4

	logLevel := b.cfg.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}
	args := []string{"-loglevel", logLevel}

	// Input-side options.

	// MPEG-4 families predate the hardware decode paths; force them off.
	if isMPEG4 {
		args = append(args, "-hwaccel", "none")
	} else if useHW {
		args = append(args, "-hwaccel", hwaccel)
	}

	if isHTTP {
		args = append(args, b.httpInputArgs(resolved, opts)...)
	}

	if isMPEG4 {
		args = append(args,
			"-fflags", "+genpts+discardcorrupt+igndts",
			"-err_detect", "ignore_err",
			"-flags", "+low_delay",
			"-strict", "experimental",
			"-probesize", "5000000",
			"-analyzeduration", "5000000",
		)
	} else {
		args = append(args,
			"-fflags", "+genpts+discardcorrupt+fastseek",
			"-flags", "+low_delay",
			"-strict", "experimental",
			"-probesize", "1000000",
			"-analyzeduration", "2000000",
		)
	}

	// Pre-recorded content is read at realtime rate so downstream buffers
	// track the wall clock instead of filling at disk speed.
	if isPrerecorded && !isPipe {
		args = append(args, "-re")
	}

	// Input seeking lands on the nearest keyframe before decoding starts;
	// output seeking would decode the whole lead-in.
	if seekOffset > 0 {
		args = append(args, "-ss", strconv.Itoa(int(seekOffset/time.Second)))
	}

	args = append(args, "-i", inputURL)

	// Output-side options.

	copyBoth := info.CanCopyVideo && info.CanCopyAudio
	if b.cfg.Threads > 0 && !copyBoth {
		args = append(args, "-threads", strconv.Itoa(b.cfg.Threads))
	}

	switch {
	case info.CanCopyVideo:
		bsf := "h264_mp4toannexb,dump_extra"
		if info.IsHEVC {
			bsf = "hevc_mp4toannexb,dump_extra"
		}
		args = append(args, "-c:v", "copy", "-bsf:v", bsf)

	case useHW:
		hwEncoder := encoder
		if hwEncoder == "" {
			hwEncoder = "libx264"
		}
		args = append(args,
			"-c:v", hwEncoder,
			"-b:v", "6M",
			"-maxrate", "6M",
			"-bufsize", "12M",
			"-profile:v", "high",
			"-realtime", "1",
			"-allow_sw", "1",
			"-pix_fmt", "yuv420p",
			"-bsf:v", "dump_extra",
		)

	default:
		preset := "veryfast"
		if isMPEG4 {
			preset = "ultrafast"
		}
		args = append(args,
			"-c:v", "libx264",
			"-preset", preset,
			"-crf", "23",
			"-maxrate", "6M",
			"-bufsize", "12M",
			"-profile:v", "high",
			"-level", "4.1",
			"-pix_fmt", "yuv420p",
			"-g", "50",
			"-bsf:v", "dump_extra",
		)
	}

	switch {
	case useHW:
		// Hardware video encoding drifts against the source audio, so audio
		// is always transcoded through a resample, copyable or not.
		args = append(args,
			"-af", "aresample=async=1:min_hard_comp=0.100000:first_pts=0",
			"-c:a", "aac",
			"-b:a", "192k",
			"-ar", "48000",
			"-ac", "2",
		)
	case info.CanCopyAudio:
		args = append(args, "-c:a", "copy")
	default:
		args = append(args,
			"-c:a", "aac",
			"-b:a", "192k",
			"-ar", "48000",
			"-ac", "2",
		)
	}

	// A/V sync flags by encode mode.
	switch {
	case copyBoth:
		args = append(args, "-vsync", "passthrough", "-copyts", "-start_at_zero")
	case useHW:
		args = append(args, "-vsync", "cfr")
	case info.CanCopyVideo && !info.CanCopyAudio:
		args = append(args, "-async", "1", "-vsync", "passthrough")
	default:
		// Video transcode with or without audio copy.
		args = append(args, "-async", "1", "-vsync", "cfr")
	}

	args = append(args,
		"-f", "mpegts",
		"-muxrate", "4M",
		"-pcr_period", "20",
		"-flush_packets", "1",
		"-fflags", "+flush_packets",
		"-max_interleave_delta", "0",
	)

	if b.cfg.ExtraFlags != "" {
		args = append(args, splitOptions(b.cfg.ExtraFlags)...)
	}

	args = append(args, "-")
	return args
}

// httpInputArgs builds the connection, reconnect, and header options for
// HTTP inputs. Timeout values are microseconds, per the transcoder's
// protocol option.
func (b *CommandBuilder) httpInputArgs(resolved *models.ResolvedURL, opts BuildOptions) []string {
	var timeout, reconnectDelay string
	switch resolved.Kind {
	case models.SourceArchiveOrg:
		timeout, reconnectDelay = "60000000", "10"
	case models.SourcePlex:
		timeout, reconnectDelay = "60000000", "3"
	case models.SourceYouTube:
		timeout, reconnectDelay = "45000000", "5"
	default:
		timeout, reconnectDelay = "60000000", "5"
	}

	args := []string{
		"-timeout", timeout,
		"-user_agent", desktopTransportUserAgent,
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", reconnectDelay,
		"-multiple_requests", "1",
	}

	if opts.MinimalHeaders {
		return args
	}

	var headerLines []string
	switch resolved.Kind {
	case models.SourceArchiveOrg:
		headerLines = append(headerLines, "Referer: https://archive.org/")
	case models.SourceYouTube:
		headerLines = append(headerLines,
			"Referer: https://www.youtube.com/",
			"User-Agent: "+desktopTransportUserAgent,
			"Origin: https://www.youtube.com",
			"Accept: */*",
			"Accept-Language: en-US,en;q=0.9",
			"Accept-Encoding: identity",
		)
	}

	if !opts.NoCookies && len(resolved.Cookies) > 0 {
		names := make([]string, 0, len(resolved.Cookies))
		for name := range resolved.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, fmt.Sprintf("%s=%s", name, resolved.Cookies[name]))
		}
		headerLines = append(headerLines, "Cookie: "+strings.Join(pairs, "; "))
	}

	if len(headerLines) > 0 {
		args = append(args, "-headers", strings.Join(headerLines, "\r\n")+"\r\n")
	}

	return args
}

// desktopTransportUserAgent is the browser UA presented to CDNs.
const desktopTransportUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// splitOptions splits an option string on spaces, respecting quotes.
func splitOptions(s string) []string {
	var result []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, r := range s {
		switch {
		case r == '"' || r == '\'':
			if !inQuote {
				inQuote = true
				quoteChar = r
			} else if r == quoteChar {
				inQuote = false
			} else {
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}
