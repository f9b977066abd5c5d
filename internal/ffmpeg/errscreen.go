package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmylchreest/chanarr/internal/config"
)

// Visual modes for the fallback screen.
const (
	VisualText        = "text"
	VisualStatic      = "static"
	VisualTestPattern = "test_pattern"
	VisualBlack       = "black"
	VisualCustomImage = "custom_image"
	VisualSlate       = "slate"
)

// Audio modes for the fallback screen.
const (
	AudioSilent     = "silent"
	AudioSine       = "sine"
	AudioWhiteNoise = "white_noise"
	AudioBeep       = "beep"
	AudioMusicHold  = "music_hold"
)

// ScreenMessage is the text content rendered on an error screen.
type ScreenMessage struct {
	Title         string
	Subtitle      string
	ChannelName   string
	ChannelNumber int
	ErrorCode     string
	ShowClock     bool
}

// OffAirMessage returns the slate shown when a channel has nothing
// scheduled.
func OffAirMessage(channelName string, channelNumber int) ScreenMessage {
	return ScreenMessage{
		Title:         "Off Air",
		Subtitle:      "This channel is currently offline",
		ChannelName:   channelName,
		ChannelNumber: channelNumber,
		ShowClock:     true,
	}
}

// TechnicalDifficultiesMessage returns the slate shown during error
// recovery.
func TechnicalDifficultiesMessage(channelName string, channelNumber int, errorCode string) ScreenMessage {
	return ScreenMessage{
		Title:         "Technical Difficulties",
		Subtitle:      "We'll be right back",
		ChannelName:   channelName,
		ChannelNumber: channelNumber,
		ErrorCode:     errorCode,
		ShowClock:     true,
	}
}

// BufferingMessage returns the slate shown between scheduled items.
func BufferingMessage(channelName string) ScreenMessage {
	return ScreenMessage{
		Title:       "Loading...",
		Subtitle:    "Please wait",
		ChannelName: channelName,
		ShowClock:   true,
	}
}

// ScreenGenerator produces MPEG-TS error/offline screens with the
// transcoder binary. The output shares the main pipeline's muxrate
// settings so switching between content and screen stays packet-boundary
// compatible.
type ScreenGenerator struct {
	binaryPath string
	cfg        config.ErrorScreenConfig
	logger     *slog.Logger
	// customImagePath overrides the visual mode with an image when set.
	customImagePath string
}

// NewScreenGenerator creates a screen generator.
func NewScreenGenerator(binaryPath string, cfg config.ErrorScreenConfig, logger *slog.Logger) *ScreenGenerator {
	return &ScreenGenerator{binaryPath: binaryPath, cfg: cfg, logger: logger}
}

// WithImage returns a generator that renders the given image instead of
// the configured visual mode. Empty path returns the receiver unchanged.
func (g *ScreenGenerator) WithImage(path string) *ScreenGenerator {
	if path == "" {
		return g
	}
	clone := *g
	clone.customImagePath = path
	return &clone
}

// BuildArgs constructs the argv (excluding the binary name) for the
// screen stream. Pure: equal inputs produce equal argv. A zero duration
// streams until cancelled.
func (g *ScreenGenerator) BuildArgs(msg ScreenMessage, duration time.Duration) []string {
	cfg := g.cfg
	visual := cfg.VisualMode
	imagePath := g.customImagePath
	if imagePath != "" {
		visual = VisualCustomImage
	}

	args := []string{"-y", "-loglevel", "warning"}

	// Video input.
	switch visual {
	case VisualCustomImage:
		args = append(args, "-loop", "1", "-i", imagePath)
	case VisualStatic:
		args = append(args, "-f", "lavfi", "-i",
			fmt.Sprintf("nullsrc=s=%dx%d:r=%d,geq=random(1)*255:128:128", cfg.Width, cfg.Height, cfg.Framerate))
	default:
		args = append(args, "-f", "lavfi", "-i", g.videoSource(visual))
	}
	if duration > 0 {
		args = append(args, "-t", formatSeconds(duration))
	}

	// Audio input.
	if cfg.AudioMode == AudioMusicHold && cfg.HoldMusicPath != "" {
		args = append(args, "-stream_loop", "-1", "-i", cfg.HoldMusicPath)
	} else {
		args = append(args, "-f", "lavfi", "-i", g.audioSource())
	}

	// Video encoding.
	args = append(args,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "stillimage",
		"-b:v", cfg.VideoBitrate,
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(cfg.Framerate*2),
	)

	// Text overlay for the text-bearing modes.
	switch visual {
	case VisualText, VisualSlate, VisualBlack:
		if overlay := g.textOverlay(msg); overlay != "" {
			args = append(args, "-vf", overlay)
		}
	}

	// Audio encoding.
	if g.cfg.AudioMode == AudioSilent {
		args = append(args, "-an")
	} else {
		args = append(args,
			"-c:a", "aac",
			"-b:a", cfg.AudioBitrate,
			"-ar", "48000",
			"-ac", "2",
		)
	}

	args = append(args,
		"-f", "mpegts",
		"-muxrate", "4M",
		"-pcr_period", "20",
		"-flush_packets", "1",
		"-",
	)

	return args
}

// videoSource builds the lavfi source for non-image modes.
func (g *ScreenGenerator) videoSource(visual string) string {
	cfg := g.cfg
	switch visual {
	case VisualTestPattern:
		return fmt.Sprintf("smptebars=s=%dx%d:r=%d", cfg.Width, cfg.Height, cfg.Framerate)
	case VisualBlack:
		return fmt.Sprintf("color=c=black:s=%dx%d:r=%d", cfg.Width, cfg.Height, cfg.Framerate)
	case VisualSlate:
		return fmt.Sprintf("color=c=#2d2d2d:s=%dx%d:r=%d", cfg.Width, cfg.Height, cfg.Framerate)
	default:
		bg := strings.Replace(cfg.BackgroundColor, "#", "0x", 1)
		return fmt.Sprintf("color=c=%s:s=%dx%d:r=%d", bg, cfg.Width, cfg.Height, cfg.Framerate)
	}
}

// audioSource builds the lavfi source for the audio mode.
func (g *ScreenGenerator) audioSource() string {
	cfg := g.cfg
	switch cfg.AudioMode {
	case AudioSine:
		return fmt.Sprintf("sine=f=1000:r=48000,volume=%g", cfg.AudioVolume)
	case AudioWhiteNoise:
		return fmt.Sprintf("anoisesrc=r=48000:a=%g", cfg.AudioVolume*0.3)
	case AudioBeep:
		return fmt.Sprintf("sine=f=800:r=48000,agate=threshold=0.5,volume=%g", cfg.AudioVolume)
	default:
		return "anullsrc=r=48000:cl=stereo"
	}
}

// textOverlay builds the drawtext filter chain: title and subtitle
// centered, channel info top-left, clock bottom-right, error code
// bottom-left.
func (g *ScreenGenerator) textOverlay(msg ScreenMessage) string {
	cfg := g.cfg
	var filters []string

	if msg.Title != "" {
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=%s:fontsize=%d:x=(w-text_w)/2:y=(h-text_h)/2-%d",
			escapeDrawtext(msg.Title), cfg.TextColor, cfg.FontSize, cfg.FontSize))
	}

	if msg.Subtitle != "" {
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=%s:fontsize=%d:x=(w-text_w)/2:y=(h-text_h)/2+%d",
			escapeDrawtext(msg.Subtitle), cfg.TextColor, cfg.FontSize/2, cfg.FontSize/2))
	}

	if msg.ChannelName != "" {
		channelText := msg.ChannelName
		if msg.ChannelNumber > 0 {
			channelText = fmt.Sprintf("Channel %d: %s", msg.ChannelNumber, msg.ChannelName)
		}
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=%s:fontsize=%d:x=40:y=40",
			escapeDrawtext(channelText), cfg.TextColor, cfg.FontSize/3))
	}

	if msg.ShowClock {
		filters = append(filters, fmt.Sprintf(
			`drawtext=text='%%{localtime\:%%H\:%%M\:%%S}':fontcolor=%s:fontsize=%d:x=w-text_w-40:y=h-text_h-40`,
			cfg.TextColor, cfg.FontSize/3))
	}

	if msg.ErrorCode != "" {
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=#ff6b6b:fontsize=%d:x=40:y=h-text_h-40",
			escapeDrawtext("Error: "+msg.ErrorCode), cfg.FontSize/4))
	}

	return strings.Join(filters, ",")
}

// escapeDrawtext escapes the characters drawtext treats specially.
func escapeDrawtext(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, `'`, `\'`)
	text = strings.ReplaceAll(text, `:`, `\:`)
	text = strings.ReplaceAll(text, `%`, `\%`)
	return text
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// ScreenStream is a running error-screen process.
type ScreenStream struct {
	Chunks <-chan []byte

	cmd    *exec.Cmd
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// Stream spawns the screen generator process. A zero duration streams
// until the context is cancelled or Stop is called.
func (g *ScreenGenerator) Stream(ctx context.Context, msg ScreenMessage, duration time.Duration, chunkSize int) (*ScreenStream, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	args := g.BuildArgs(msg, duration)

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, g.binaryPath, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("getting stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("spawning screen generator: %w", err)
	}

	g.logger.Debug("screen generator started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("title", msg.Title))

	chunks := make(chan []byte)
	s := &ScreenStream{
		Chunks: chunks,
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		// Screen stderr only matters on failure; drain the tail quietly.
		scanner := bufio.NewScanner(stderr)
		var last string
		for scanner.Scan() {
			last = scanner.Text()
		}
		if err := cmd.Wait(); err != nil && procCtx.Err() == nil {
			g.logger.Warn("screen generator exited",
				slog.String("error", err.Error()),
				slog.String("stderr", last))
		}
	}()

	go func() {
		defer close(s.done)
		defer close(chunks)
		for {
			buf := make([]byte, chunkSize)
			n, err := stdout.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-procCtx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return s, nil
}

// Stop terminates the screen process.
func (s *ScreenStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
}
