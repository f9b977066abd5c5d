package ffmpeg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/chanarr/internal/config"
)

func testScreenConfig() config.ErrorScreenConfig {
	return config.ErrorScreenConfig{
		VisualMode:      VisualSlate,
		AudioMode:       AudioSilent,
		BackgroundColor: "#1a1a2e",
		TextColor:       "#ffffff",
		FontSize:        48,
		Width:           1920,
		Height:          1080,
		Framerate:       30,
		VideoBitrate:    "2M",
		AudioBitrate:    "128k",
		AudioVolume:     0.3,
	}
}

func TestScreenBuildArgsSlate(t *testing.T) {
	g := NewScreenGenerator("ffmpeg", testScreenConfig(), testLogger())

	msg := TechnicalDifficultiesMessage("Retro Movies", 5, "network")
	args := strings.Join(g.BuildArgs(msg, 0), " ")

	assert.Contains(t, args, "color=c=#2d2d2d:s=1920x1080:r=30")
	assert.Contains(t, args, "-c:v libx264")
	assert.Contains(t, args, "-tune stillimage")
	assert.Contains(t, args, "drawtext=text='Technical Difficulties'")
	assert.Contains(t, args, "We\\'ll be right back")
	assert.Contains(t, args, "Channel 5\\: Retro Movies")
	assert.Contains(t, args, "Error\\: network")
	// Clock bottom-right.
	assert.Contains(t, args, "localtime")
	assert.Contains(t, args, "x=w-text_w-40:y=h-text_h-40")
	// Silent mode drops audio entirely.
	assert.Contains(t, args, "anullsrc=r=48000:cl=stereo")
	assert.Contains(t, args, "-an")
	// Same mux settings as the content pipeline.
	assert.Contains(t, args, "-f mpegts -muxrate 4M -pcr_period 20 -flush_packets 1 -")
}

func TestScreenBuildArgsModes(t *testing.T) {
	tests := []struct {
		visual string
		want   string
	}{
		{VisualTestPattern, "smptebars=s=1920x1080:r=30"},
		{VisualBlack, "color=c=black:s=1920x1080:r=30"},
		{VisualStatic, "nullsrc=s=1920x1080:r=30,geq=random(1)*255:128:128"},
		{VisualText, "color=c=0x1a1a2e:s=1920x1080:r=30"},
	}

	for _, tt := range tests {
		t.Run(tt.visual, func(t *testing.T) {
			cfg := testScreenConfig()
			cfg.VisualMode = tt.visual
			g := NewScreenGenerator("ffmpeg", cfg, testLogger())
			args := strings.Join(g.BuildArgs(ScreenMessage{Title: "x"}, 0), " ")
			assert.Contains(t, args, tt.want)
		})
	}
}

func TestScreenBuildArgsAudioModes(t *testing.T) {
	tests := []struct {
		audio string
		want  string
	}{
		{AudioSine, "sine=f=1000:r=48000,volume=0.3"},
		{AudioWhiteNoise, "anoisesrc=r=48000:a=0.09"},
		{AudioBeep, "sine=f=800:r=48000,agate=threshold=0.5,volume=0.3"},
	}

	for _, tt := range tests {
		t.Run(tt.audio, func(t *testing.T) {
			cfg := testScreenConfig()
			cfg.AudioMode = tt.audio
			g := NewScreenGenerator("ffmpeg", cfg, testLogger())
			args := strings.Join(g.BuildArgs(ScreenMessage{Title: "x"}, 0), " ")
			assert.Contains(t, args, tt.want)
			assert.Contains(t, args, "-c:a aac")
			assert.NotContains(t, args, " -an ")
		})
	}
}

func TestScreenBuildArgsCustomImage(t *testing.T) {
	g := NewScreenGenerator("ffmpeg", testScreenConfig(), testLogger()).WithImage("/srv/slates/offline.png")
	args := g.BuildArgs(OffAirMessage("Retro", 5), 0)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-loop 1 -i /srv/slates/offline.png")
	assert.NotContains(t, joined, "color=c=")
}

func TestScreenBuildArgsDuration(t *testing.T) {
	g := NewScreenGenerator("ffmpeg", testScreenConfig(), testLogger())
	args := strings.Join(g.BuildArgs(ScreenMessage{Title: "x"}, 30*time.Second), " ")
	assert.Contains(t, args, "-t 30")
}

func TestScreenBuildArgsPure(t *testing.T) {
	g := NewScreenGenerator("ffmpeg", testScreenConfig(), testLogger())
	msg := TechnicalDifficultiesMessage("Retro", 5, "cdn")

	first := g.BuildArgs(msg, 10*time.Second)
	second := g.BuildArgs(msg, 10*time.Second)
	assert.Equal(t, first, second)
}

func TestEscapeDrawtext(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`plain`, `plain`},
		{`it's`, `it\'s`},
		{`a:b`, `a\:b`},
		{`100%`, `100\%`},
		{`back\slash`, `back\\slash`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeDrawtext(tt.input))
		})
	}
}
