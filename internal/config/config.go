// Package config provides configuration management for chanarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8411
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultResolveTimeout    = 60 * time.Second
	defaultMetadataTimeout   = 30 * time.Second
	defaultExpiryThreshold   = 60 * time.Minute
	defaultProbeTimeout      = 30 * time.Second
	defaultChunkSize         = 64 * 1024
	defaultTargetBitrate     = 4_000_000
	defaultMaxBufferBytes    = 2 * 1024 * 1024
	defaultMinFlushBytes     = 64 * 1024
	defaultBurstDuration     = 100 * time.Millisecond
	defaultKeepaliveInterval = 5 * time.Second
	defaultMaxSessions       = 50
	defaultIdleTimeout       = 300 * time.Second
	defaultCleanupInterval   = 60 * time.Second
	defaultMaxRestarts       = 10
	defaultWatchdogTimeout   = 30 * time.Second
	defaultWatchdogInterval  = 5 * time.Second
	defaultIdleGrace         = 60 * time.Second
	defaultRestartCooldown   = 5 * time.Minute
	defaultGuideDays         = 7
	defaultPreferredHeight   = 720
	defaultTunerCount        = 4
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Session   SessionConfig   `mapstructure:"session"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Tuner     TunerConfig     `mapstructure:"tuner"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ResolverConfig holds URL resolver configuration.
type ResolverConfig struct {
	ResolveTimeout  time.Duration  `mapstructure:"resolve_timeout"`
	MetadataTimeout time.Duration  `mapstructure:"metadata_timeout"`
	// ExpiryThreshold is how close to expiry a cached URL may get before
	// the background sweep re-resolves it.
	ExpiryThreshold time.Duration  `mapstructure:"expiry_threshold"`
	YouTube         YouTubeConfig  `mapstructure:"youtube"`
	Plex            PlexConfig     `mapstructure:"plex"`
	Jellyfin        JellyfinConfig `mapstructure:"jellyfin"`
	Emby            JellyfinConfig `mapstructure:"emby"`
	Local           LocalConfig    `mapstructure:"local"`
}

// YouTubeConfig holds yt-dlp extractor configuration.
type YouTubeConfig struct {
	ExtractorPath   string `mapstructure:"extractor_path"` // path to the yt-dlp binary
	CookiesFile     string `mapstructure:"cookies_file"`
	PreferredHeight int    `mapstructure:"preferred_height"`
	PreferH264      bool   `mapstructure:"prefer_h264"`
}

// PlexLibrary identifies one Plex server connection.
type PlexLibrary struct {
	Name      string `mapstructure:"name"`
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
}

// PlexConfig holds Plex resolver configuration. Per-library entries take
// precedence over the global default server/token pair.
type PlexConfig struct {
	Libraries []PlexLibrary `mapstructure:"libraries"`
	ServerURL string        `mapstructure:"server_url"`
	Token     string        `mapstructure:"token"`
}

// JellyfinConfig holds Jellyfin or Emby server configuration.
type JellyfinConfig struct {
	ServerURL string `mapstructure:"server_url"`
	APIKey    string `mapstructure:"api_key"`
}

// LocalConfig holds local file resolver configuration.
type LocalConfig struct {
	// AllowedPaths restricts playable files to these base directories.
	// Empty means any readable path is allowed.
	AllowedPaths []string `mapstructure:"allowed_paths"`
}

// HardwareAccelConfig holds hardware acceleration preferences.
type HardwareAccelConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Preferred string `mapstructure:"preferred"` // auto, videotoolbox, cuda, qsv, vaapi, none
}

// SourceHWOverride overrides hwaccel/encoder choice per source kind.
type SourceHWOverride struct {
	HWAccel string `mapstructure:"hwaccel"`
	Encoder string `mapstructure:"encoder"`
}

// FFmpegConfig holds transcoder binary configuration.
type FFmpegConfig struct {
	BinaryPath      string                      `mapstructure:"binary_path"`
	ProbePath       string                      `mapstructure:"probe_path"`
	LogLevel        string                      `mapstructure:"log_level"`
	Threads         int                         `mapstructure:"threads"`
	ExtraFlags      string                      `mapstructure:"extra_flags"`
	ProbeTimeout    time.Duration               `mapstructure:"probe_timeout"`
	HardwareAccel   HardwareAccelConfig         `mapstructure:"hardware_accel"`
	SourceOverrides map[string]SourceHWOverride `mapstructure:"source_overrides"`
}

// ThrottleConfig holds per-subscriber delivery pacing configuration.
type ThrottleConfig struct {
	Mode              string        `mapstructure:"mode"` // realtime, burst, adaptive, disabled
	TargetBitrate     int           `mapstructure:"target_bitrate"`
	MaxBuffer         ByteSize      `mapstructure:"max_buffer"`
	MinFlush          ByteSize      `mapstructure:"min_flush"`
	BurstDuration     time.Duration `mapstructure:"burst_duration"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	AdaptiveWindow    time.Duration `mapstructure:"adaptive_window"`
	AdaptiveFactor    float64       `mapstructure:"adaptive_factor"`
}

// SessionConfig holds session manager configuration.
type SessionConfig struct {
	MaxPerChannel   int           `mapstructure:"max_per_channel"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
}

// WatchdogConfig holds transcoder watchdog configuration.
type WatchdogConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// ErrorScreenConfig holds fallback screen rendering configuration.
type ErrorScreenConfig struct {
	VisualMode      string  `mapstructure:"visual_mode"` // text, static, test_pattern, black, custom_image, slate
	AudioMode       string  `mapstructure:"audio_mode"`  // silent, sine, white_noise, beep, music_hold
	BackgroundColor string  `mapstructure:"background_color"`
	TextColor       string  `mapstructure:"text_color"`
	FontSize        int     `mapstructure:"font_size"`
	Width           int     `mapstructure:"width"`
	Height          int     `mapstructure:"height"`
	Framerate       int     `mapstructure:"framerate"`
	VideoBitrate    string  `mapstructure:"video_bitrate"`
	AudioBitrate    string  `mapstructure:"audio_bitrate"`
	AudioVolume     float64 `mapstructure:"audio_volume"`
	HoldMusicPath   string  `mapstructure:"hold_music_path"`
}

// ChannelsConfig holds channel supervisor configuration.
type ChannelsConfig struct {
	ChunkSize       ByteSize          `mapstructure:"chunk_size"`
	IdleGrace       time.Duration     `mapstructure:"idle_grace"`
	RestartCooldown time.Duration     `mapstructure:"restart_cooldown"`
	ErrorScreen     ErrorScreenConfig `mapstructure:"error_screen"`
}

// TunerConfig holds the DVR discovery surface configuration.
type TunerConfig struct {
	DeviceID     string `mapstructure:"device_id"`
	FriendlyName string `mapstructure:"friendly_name"`
	TunerCount   int    `mapstructure:"tuner_count"`
	BaseURL      string `mapstructure:"base_url"`
}

// SchedulerConfig holds background job schedules. Cron expressions use the
// 6-field format (sec min hour dom month dow).
type SchedulerConfig struct {
	RefreshCron string `mapstructure:"refresh_cron"` // URL refresh sweep
	PruneCron   string `mapstructure:"prune_cron"`   // consumed playout item prune
	GuideDays   int    `mapstructure:"guide_days"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CHANARR_ and use underscores
// for nesting. Example: CHANARR_SERVER_PORT=8411.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/chanarr")
		v.AddConfigPath("$HOME/.chanarr")
	}

	v.SetEnvPrefix("CHANARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine; defaults and env apply.
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults registers default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	// Streaming responses stay open for the life of the client; no write timeout.
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "chanarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("resolver.resolve_timeout", defaultResolveTimeout)
	v.SetDefault("resolver.metadata_timeout", defaultMetadataTimeout)
	v.SetDefault("resolver.expiry_threshold", defaultExpiryThreshold)
	v.SetDefault("resolver.youtube.extractor_path", "yt-dlp")
	v.SetDefault("resolver.youtube.preferred_height", defaultPreferredHeight)
	v.SetDefault("resolver.youtube.prefer_h264", true)

	v.SetDefault("ffmpeg.binary_path", "ffmpeg")
	v.SetDefault("ffmpeg.probe_path", "ffprobe")
	v.SetDefault("ffmpeg.log_level", "warning")
	v.SetDefault("ffmpeg.threads", 0)
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg.hardware_accel.enabled", true)
	v.SetDefault("ffmpeg.hardware_accel.preferred", "auto")

	v.SetDefault("throttle.mode", "realtime")
	v.SetDefault("throttle.target_bitrate", defaultTargetBitrate)
	v.SetDefault("throttle.max_buffer", defaultMaxBufferBytes)
	v.SetDefault("throttle.min_flush", defaultMinFlushBytes)
	v.SetDefault("throttle.burst_duration", defaultBurstDuration)
	v.SetDefault("throttle.keepalive_interval", defaultKeepaliveInterval)
	v.SetDefault("throttle.adaptive_window", time.Second)
	v.SetDefault("throttle.adaptive_factor", 1.2)

	v.SetDefault("session.max_per_channel", defaultMaxSessions)
	v.SetDefault("session.idle_timeout", defaultIdleTimeout)
	v.SetDefault("session.cleanup_interval", defaultCleanupInterval)
	v.SetDefault("session.max_restarts", defaultMaxRestarts)

	v.SetDefault("watchdog.timeout", defaultWatchdogTimeout)
	v.SetDefault("watchdog.check_interval", defaultWatchdogInterval)

	v.SetDefault("channels.chunk_size", defaultChunkSize)
	v.SetDefault("channels.idle_grace", defaultIdleGrace)
	v.SetDefault("channels.restart_cooldown", defaultRestartCooldown)
	v.SetDefault("channels.error_screen.visual_mode", "slate")
	v.SetDefault("channels.error_screen.audio_mode", "silent")
	v.SetDefault("channels.error_screen.background_color", "#1a1a2e")
	v.SetDefault("channels.error_screen.text_color", "#ffffff")
	v.SetDefault("channels.error_screen.font_size", 48)
	v.SetDefault("channels.error_screen.width", 1920)
	v.SetDefault("channels.error_screen.height", 1080)
	v.SetDefault("channels.error_screen.framerate", 30)
	v.SetDefault("channels.error_screen.video_bitrate", "2M")
	v.SetDefault("channels.error_screen.audio_bitrate", "128k")
	v.SetDefault("channels.error_screen.audio_volume", 0.3)

	v.SetDefault("tuner.friendly_name", "chanarr")
	v.SetDefault("tuner.tuner_count", defaultTunerCount)

	v.SetDefault("scheduler.refresh_cron", "0 */15 * * * *")
	v.SetDefault("scheduler.prune_cron", "0 30 4 * * *")
	v.SetDefault("scheduler.guide_days", defaultGuideDays)
}

// Validate checks configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver %q not supported (sqlite, postgres, mysql)", c.Database.Driver)
	}

	switch c.Throttle.Mode {
	case "realtime", "burst", "adaptive", "disabled":
	default:
		return fmt.Errorf("throttle.mode %q not supported", c.Throttle.Mode)
	}
	if c.Throttle.TargetBitrate <= 0 {
		return errors.New("throttle.target_bitrate must be positive")
	}
	if c.Throttle.MaxBuffer < c.Throttle.MinFlush {
		return errors.New("throttle.max_buffer must be >= throttle.min_flush")
	}

	if c.Session.MaxPerChannel <= 0 {
		return errors.New("session.max_per_channel must be positive")
	}
	if c.Watchdog.Timeout <= 0 || c.Watchdog.CheckInterval <= 0 {
		return errors.New("watchdog.timeout and watchdog.check_interval must be positive")
	}
	if c.Scheduler.GuideDays <= 0 {
		return errors.New("scheduler.guide_days must be positive")
	}

	return nil
}
