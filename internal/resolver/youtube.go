package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

// youtubeExpiry is how long extracted CDN URLs are trusted. YouTube URLs
// live roughly six hours; refreshing on that schedule stays conservative.
const youtubeExpiry = 6 * time.Hour

// desktopUserAgent is sent to CDNs that reject non-browser clients.
const desktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/)([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/v/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/shorts/([a-zA-Z0-9_-]{11})`),
}

var bareVideoID = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// YouTubeResolver resolves YouTube items to direct CDN URLs by shelling
// out to a yt-dlp compatible extractor.
type YouTubeResolver struct {
	cfg    config.YouTubeConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*models.CachedURL

	// runExtractor is swapped in tests.
	runExtractor func(ctx context.Context, args []string) ([]byte, error)
}

// NewYouTubeResolver creates a YouTube resolver.
func NewYouTubeResolver(cfg config.YouTubeConfig, logger *slog.Logger) *YouTubeResolver {
	r := &YouTubeResolver{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]*models.CachedURL),
	}
	r.runExtractor = func(ctx context.Context, args []string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, cfg.ExtractorPath, args...)
		return cmd.Output()
	}
	return r
}

// Kind returns the source kind this resolver handles.
func (r *YouTubeResolver) Kind() models.SourceKind { return models.SourceYouTube }

// CanHandle reports whether the ref looks like a YouTube item.
func (r *YouTubeResolver) CanHandle(ref *models.MediaRef) bool {
	if ref.Kind == models.SourceYouTube {
		return true
	}
	url := strings.ToLower(ref.URL)
	return strings.Contains(url, "youtube.com") || strings.Contains(url, "youtu.be")
}

// CacheKey returns "youtube:{video_id}".
func (r *YouTubeResolver) CacheKey(ref *models.MediaRef) string {
	if id := extractVideoID(ref.URL); id != "" {
		return "youtube:" + id
	}
	return "youtube:" + ref.ID.String()
}

// extractVideoID pulls the 11-character video id out of any known URL
// form, or accepts the input as the id itself.
func extractVideoID(url string) string {
	for _, pattern := range videoIDPatterns {
		if m := pattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	if bareVideoID.MatchString(url) {
		return url
	}
	return ""
}

// formatSelector builds the yt-dlp format selector. Prefers H.264 video
// with AAC audio at or below the configured height, falling back through
// progressively looser selectors.
func (r *YouTubeResolver) formatSelector() string {
	height := r.cfg.PreferredHeight
	if height <= 0 {
		height = 720
	}
	if !r.cfg.PreferH264 {
		return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]/best", height, height)
	}
	return strings.Join([]string{
		fmt.Sprintf("bestvideo[height<=%d][vcodec^=avc]+bestaudio[acodec^=mp4a]", height),
		fmt.Sprintf("bestvideo[height<=%d][vcodec^=avc]+bestaudio", height),
		fmt.Sprintf("best[height<=%d][vcodec^=avc]", height),
		"bestvideo[vcodec^=avc]+bestaudio",
		"best[vcodec^=avc]",
		"bestvideo+bestaudio/best",
	}, "/")
}

// extractorInfo is the subset of yt-dlp's JSON output the resolver reads.
type extractorInfo struct {
	URL      string  `json:"url"`
	VCodec   string  `json:"vcodec"`
	ACodec   string  `json:"acodec"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Duration float64 `json:"duration"`
	Title    string  `json:"title"`
	Channel  string  `json:"channel"`
	Formats  []struct {
		URL string `json:"url"`
	} `json:"formats"`
}

// Resolve extracts a direct CDN URL for the ref's video.
func (r *YouTubeResolver) Resolve(ctx context.Context, ref *models.MediaRef, force bool) (*models.ResolvedURL, error) {
	key := r.CacheKey(ref)

	if !force {
		r.mu.Lock()
		cached, ok := r.cache[key]
		r.mu.Unlock()
		if ok && cached.Valid(time.Now()) {
			return cached.Resolved, nil
		}
	}

	videoID := extractVideoID(ref.URL)
	if videoID == "" {
		return nil, streamerr.New(streamerr.KindFormat, models.SourceYouTube,
			fmt.Sprintf("could not extract video id from %q", ref.URL), nil)
	}

	args := []string{
		"--dump-json",
		"--no-warnings",
		"--format", r.formatSelector(),
	}
	if r.cfg.CookiesFile != "" {
		if _, err := os.Stat(r.cfg.CookiesFile); err == nil {
			args = append(args, "--cookies", r.cfg.CookiesFile)
		}
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)

	out, err := r.runExtractor(ctx, args)
	if err != nil {
		return nil, classifyExtractorError(videoID, err)
	}

	var info extractorInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, streamerr.New(streamerr.KindStream, models.SourceYouTube,
			fmt.Sprintf("parsing extractor output for %s", videoID), err)
	}

	streamURL := info.URL
	if streamURL == "" && len(info.Formats) > 0 {
		streamURL = info.Formats[len(info.Formats)-1].URL
	}
	if streamURL == "" {
		return nil, streamerr.New(streamerr.KindFormat, models.SourceYouTube,
			fmt.Sprintf("no stream URL for video %s", videoID), nil)
	}

	expires := time.Now().Add(youtubeExpiry)
	resolved := &models.ResolvedURL{
		URL:       streamURL,
		Kind:      models.SourceYouTube,
		ExpiresAt: &expires,
		Headers: map[string]string{
			"User-Agent": desktopUserAgent,
			"Referer":    "https://www.youtube.com/",
			"Origin":     "https://www.youtube.com",
		},
		CodecInfo: &models.CodecInfo{
			VideoCodec:   normalizeVCodec(info.VCodec),
			AudioCodec:   normalizeACodec(info.ACodec),
			Width:        info.Width,
			Height:       info.Height,
			Framerate:    info.FPS,
			Duration:     time.Duration(info.Duration * float64(time.Second)),
			CanCopyVideo: strings.HasPrefix(info.VCodec, "avc"),
			CanCopyAudio: strings.HasPrefix(info.ACodec, "mp4a"),
		},
		Metadata: map[string]string{
			"video_id": videoID,
			"title":    info.Title,
			"channel":  info.Channel,
		},
	}

	r.mu.Lock()
	refreshCount := 0
	if prev, ok := r.cache[key]; ok {
		refreshCount = prev.RefreshCount + 1
	}
	r.cache[key] = &models.CachedURL{
		CacheKey:     key,
		Resolved:     resolved,
		ResolvedAt:   time.Now(),
		RefreshCount: refreshCount,
	}
	r.mu.Unlock()

	r.logger.Info("resolved youtube video",
		slog.String("video_id", videoID),
		slog.Int("width", info.Width),
		slog.Int("height", info.Height))

	return resolved, nil
}

// classifyExtractorError maps extractor failures onto the error taxonomy.
// Private/unavailable/age-gated videos are permanent; rate limits and
// sign-in challenges are worth retrying.
func classifyExtractorError(videoID string, err error) error {
	text := err.Error()
	if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
		text = string(exitErr.Stderr)
	}
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "private video"), strings.Contains(lower, "video is private"):
		return streamerr.New(streamerr.KindPermission, models.SourceYouTube,
			fmt.Sprintf("video is private: %s", videoID), err)
	case strings.Contains(lower, "video unavailable"):
		return streamerr.New(streamerr.KindPermission, models.SourceYouTube,
			fmt.Sprintf("video unavailable: %s", videoID), err)
	case strings.Contains(lower, "sign in"), strings.Contains(lower, "confirm your age"):
		return streamerr.New(streamerr.KindAuth, models.SourceYouTube,
			fmt.Sprintf("authentication required: %s", videoID), err)
	case strings.Contains(lower, "too many requests"), strings.Contains(lower, "rate limit"):
		return streamerr.New(streamerr.KindRateLimit, models.SourceYouTube,
			fmt.Sprintf("rate limited: %s", videoID), err)
	default:
		return streamerr.New(streamerr.KindNetwork, models.SourceYouTube,
			fmt.Sprintf("extractor failed for %s", videoID), err)
	}
}

func normalizeVCodec(vcodec string) string {
	switch {
	case strings.HasPrefix(vcodec, "avc"):
		return "h264"
	case strings.HasPrefix(vcodec, "hev"), strings.HasPrefix(vcodec, "hvc"):
		return "hevc"
	case vcodec == "":
		return "unknown"
	default:
		return vcodec
	}
}

func normalizeACodec(acodec string) string {
	switch {
	case strings.HasPrefix(acodec, "mp4a"):
		return "aac"
	case acodec == "":
		return "unknown"
	default:
		return acodec
	}
}
