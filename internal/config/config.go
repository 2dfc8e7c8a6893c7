// Package config provides configuration management for aamp-go using Viper.
// It supports configuration from files, environment variables, and defaults,
// covering the configuration surface that the host CLI/REPL exposes to the
// core engine.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/josephch/aamp-go/pkg/bytesize"
)

// Default configuration values, grounded on the original AAMP defaults
// (see _examples/original_source/priv_aamp.h).
const (
	defaultInitBitrateBps      = 2500000
	defaultInitBitrate4KBps    = 13000000
	defaultIframeBitrateBps    = 500000
	defaultIframeBitrate4KBps  = 1000000
	defaultABRCacheLifeMs      = 5000
	defaultABRCacheLength      = 3
	defaultABROutlierBytes     = 5000000
	defaultABRSkipDurationSec  = 6
	defaultABRNWConsistency    = 2
	defaultFragmentCacheLen    = 3
	defaultMinVODCacheSec      = 10
	defaultLiveOffsetSec       = 15
	defaultCDVRLiveOffsetSec   = 30
	defaultFragmentDLTimeout   = 10 * time.Second
	defaultLicenseRetryWaitMs  = 1000
	defaultPTSErrorThreshold   = 4
	defaultStallErrorCode      = 7600
	defaultStallTimeoutMs      = 10000
	defaultReportProgressMs    = 1000
	defaultBufferHealthDelayMs = 10000
	defaultBufferHealthIntMs   = 5000
	defaultVODTrickplayFPS     = 4
	defaultLinearTrickplayFPS  = 8
	defaultMaxBufferSizeBytes  = 100 * 1024 * 1024
)

// Config holds all configuration recognized by the core.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Network   NetworkConfig   `mapstructure:"network"`
	Playback  PlaybackConfig  `mapstructure:"playback"`
	ABR       ABRConfig       `mapstructure:"abr"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	DRM       DRMConfig       `mapstructure:"drm"`
	Trickplay TrickplayConfig `mapstructure:"trickplay"`
	Events    EventsConfig    `mapstructure:"events"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"` // trace, debug, info, warn, error
	Format     string `mapstructure:"format"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// NetworkConfig holds HTTP/download tunables.
type NetworkConfig struct {
	FragmentDownloadTimeout time.Duration     `mapstructure:"fragment_download_timeout"`
	HTTPProxy               string            `mapstructure:"http_proxy"`
	ForceHTTP               bool              `mapstructure:"force_http"`
	LatencyLogThreshold     time.Duration     `mapstructure:"latency_log_threshold"`
	CustomHeaders           map[string]string `mapstructure:"custom_headers"`
}

// PlaybackConfig holds playback/manifest tunables.
type PlaybackConfig struct {
	FogEnabled                bool          `mapstructure:"fog"`
	FogDash                   bool          `mapstructure:"fog_dash"`
	MapMPD                    bool          `mapstructure:"map_mpd"`
	LiveOffsetSec             float64       `mapstructure:"live_offset"`
	CDVRLiveOffsetSec         float64       `mapstructure:"cdvrlive_offset"`
	AdPositionSec             float64       `mapstructure:"ad_position"`
	AdURL                     string        `mapstructure:"ad_url"`
	EnableSubscribedTags      bool          `mapstructure:"enable_subscribed_tags"`
	DisablePlaylistIndexEvent bool          `mapstructure:"disable_playlist_index_event"`
	ForceEC3                  bool          `mapstructure:"force_ec3"`
	DisableEC3                bool          `mapstructure:"disable_ec3"`
	DisableATMOS              bool          `mapstructure:"disable_atmos"`
	PlaylistsParallelFetch    bool          `mapstructure:"playlists_parallel_fetch"`
	PreFetchIframePlaylist    bool          `mapstructure:"pre_fetch_iframe_playlist"`
	HLSAVSyncUseStartTime     bool          `mapstructure:"hls_av_sync_use_start_time"`
	MPDDiscontinuityHandling  bool          `mapstructure:"mpd_discontinuity_handling"`
	MPDDiscontinuityCDVR      bool          `mapstructure:"mpd_discontinuity_handling_cdvr"`
	ReportProgressInterval    time.Duration `mapstructure:"report_progress_interval"`
	PTSErrorThreshold         int           `mapstructure:"pts_error_threshold"`
	StallErrorCode            int           `mapstructure:"stall_error_code"`
	StallTimeout              time.Duration `mapstructure:"stall_timeout"`
	InternalRetune            bool          `mapstructure:"internal_retune"`
	GstBufferingBeforePlay    bool          `mapstructure:"gst_buffering_before_play"`
	TSBEnabled                bool          `mapstructure:"tsb_enabled"`
}

// ABRConfig holds adaptive-bitrate tunables.
type ABRConfig struct {
	Enabled               bool  `mapstructure:"enabled"`
	DefaultBitrateBps     int64 `mapstructure:"default_bitrate"`
	DefaultBitrate4KBps   int64 `mapstructure:"default_bitrate_4k"`
	IframeDefaultBps      int64 `mapstructure:"iframe_default_bitrate"`
	IframeDefaultBps4K    int64 `mapstructure:"iframe_default_bitrate_4k"`
	CacheLifeMs           int64 `mapstructure:"cache_life_ms"`
	CacheLength           int   `mapstructure:"cache_length"`
	OutlierDiffBytes      int64 `mapstructure:"outlier_diff_bytes"`
	SkipDurationSec       int   `mapstructure:"skip_duration_sec"`
	NWConsistencyCount    int   `mapstructure:"nw_consistency"`
	RampDownHysteresisBps int64 `mapstructure:"rampdown_hysteresis_bps"`
}

// BufferConfig holds buffering tunables.
type BufferConfig struct {
	FragmentCacheLength   int           `mapstructure:"fragment_cache_length"`
	MinVODCacheSec        float64       `mapstructure:"min_vod_cache_sec"`
	MaxBufferSize         bytesize.Size `mapstructure:"max_buffer_size"`
	HealthMonitorDelay    time.Duration `mapstructure:"health_monitor_delay"`
	HealthMonitorInterval time.Duration `mapstructure:"health_monitor_interval"`
}

// DRMConfig holds DRM routing tunables.
type DRMConfig struct {
	PreferredDRM             string        `mapstructure:"preferred_drm"` // WideVine|PlayReady|ConsecAgnostic|AdobeAccess|VanillaAES
	LicenseServerURL         string        `mapstructure:"license_server_url"`
	LicenseAnonymousRequest  bool          `mapstructure:"license_anonymous_request"`
	LicenseRetryWait         time.Duration `mapstructure:"license_retry_wait"`
	DashIgnoreBaseURLIfSlash bool          `mapstructure:"dash_ignore_base_url_if_slash"`
}

// TrickplayConfig holds trickplay tunables.
type TrickplayConfig struct {
	VODFPS    int `mapstructure:"vod_fps"`
	LinearFPS int `mapstructure:"linear_fps"`
}

// EventsConfig holds event-emission policy toggles.
type EventsConfig struct {
	LiveTuneEventPlaylistIndexed      bool `mapstructure:"live_tune_event_playlist_indexed"`
	LiveTuneEventFirstFragmentDecrypt bool `mapstructure:"live_tune_event_first_fragment_decrypted"`
	VODTuneEventPlaylistIndexed       bool `mapstructure:"vod_tune_event_playlist_indexed"`
	VODTuneEventFirstFragmentDecrypt  bool `mapstructure:"vod_tune_event_first_fragment_decrypted"`
}

// DebugConfig holds harvest/demux hint toggles; the actual disk harvest and
// log sink are external collaborators — only the toggles live here.
type DebugConfig struct {
	HarvestCountdown        int  `mapstructure:"harvest_countdown"`
	DemuxHLSAudioTrack      int  `mapstructure:"demux_hls_audio_track"`
	DemuxHLSVideoTrack      int  `mapstructure:"demux_hls_video_track"`
	DemuxedAudioBeforeVideo bool `mapstructure:"demuxed_audio_before_video"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with AAMP_, using underscores for nesting (e.g. AAMP_ABR_ENABLED).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("aamp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/aamp")
		v.AddConfigPath("$HOME/.aamp")
	}

	v.SetEnvPrefix("AAMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("network.fragment_download_timeout", defaultFragmentDLTimeout)
	v.SetDefault("network.latency_log_threshold", 2000*time.Millisecond)
	v.SetDefault("network.force_http", false)

	v.SetDefault("playback.fog", false)
	v.SetDefault("playback.fog_dash", false)
	v.SetDefault("playback.map_mpd", false)
	v.SetDefault("playback.live_offset", float64(defaultLiveOffsetSec))
	v.SetDefault("playback.cdvrlive_offset", float64(defaultCDVRLiveOffsetSec))
	v.SetDefault("playback.enable_subscribed_tags", false)
	v.SetDefault("playback.disable_playlist_index_event", false)
	v.SetDefault("playback.playlists_parallel_fetch", true)
	v.SetDefault("playback.pre_fetch_iframe_playlist", false)
	v.SetDefault("playback.hls_av_sync_use_start_time", true)
	v.SetDefault("playback.mpd_discontinuity_handling", true)
	v.SetDefault("playback.mpd_discontinuity_handling_cdvr", false)
	v.SetDefault("playback.report_progress_interval", defaultReportProgressMs*time.Millisecond)
	v.SetDefault("playback.pts_error_threshold", defaultPTSErrorThreshold)
	v.SetDefault("playback.stall_error_code", defaultStallErrorCode)
	v.SetDefault("playback.stall_timeout", defaultStallTimeoutMs*time.Millisecond)
	v.SetDefault("playback.internal_retune", true)
	v.SetDefault("playback.gst_buffering_before_play", false)
	v.SetDefault("playback.tsb_enabled", false)

	v.SetDefault("abr.enabled", true)
	v.SetDefault("abr.default_bitrate", int64(defaultInitBitrateBps))
	v.SetDefault("abr.default_bitrate_4k", int64(defaultInitBitrate4KBps))
	v.SetDefault("abr.iframe_default_bitrate", int64(defaultIframeBitrateBps))
	v.SetDefault("abr.iframe_default_bitrate_4k", int64(defaultIframeBitrate4KBps))
	v.SetDefault("abr.cache_life_ms", int64(defaultABRCacheLifeMs))
	v.SetDefault("abr.cache_length", defaultABRCacheLength)
	v.SetDefault("abr.outlier_diff_bytes", int64(defaultABROutlierBytes))
	v.SetDefault("abr.skip_duration_sec", defaultABRSkipDurationSec)
	v.SetDefault("abr.nw_consistency", defaultABRNWConsistency)
	v.SetDefault("abr.rampdown_hysteresis_bps", int64(500000))

	v.SetDefault("buffer.fragment_cache_length", defaultFragmentCacheLen)
	v.SetDefault("buffer.min_vod_cache_sec", float64(defaultMinVODCacheSec))
	v.SetDefault("buffer.max_buffer_size", int64(defaultMaxBufferSizeBytes))
	v.SetDefault("buffer.health_monitor_delay", defaultBufferHealthDelayMs*time.Millisecond)
	v.SetDefault("buffer.health_monitor_interval", defaultBufferHealthIntMs*time.Millisecond)

	v.SetDefault("drm.preferred_drm", "VanillaAES")
	v.SetDefault("drm.license_anonymous_request", false)
	v.SetDefault("drm.license_retry_wait", defaultLicenseRetryWaitMs*time.Millisecond)
	v.SetDefault("drm.dash_ignore_base_url_if_slash", false)

	v.SetDefault("trickplay.vod_fps", defaultVODTrickplayFPS)
	v.SetDefault("trickplay.linear_fps", defaultLinearTrickplayFPS)

	v.SetDefault("events.live_tune_event_playlist_indexed", true)
	v.SetDefault("events.live_tune_event_first_fragment_decrypted", false)
	v.SetDefault("events.vod_tune_event_playlist_indexed", true)
	v.SetDefault("events.vod_tune_event_first_fragment_decrypted", false)

	v.SetDefault("debug.harvest_countdown", 0)
	v.SetDefault("debug.demux_hls_audio_track", -1)
	v.SetDefault("debug.demux_hls_video_track", -1)
	v.SetDefault("debug.demuxed_audio_before_video", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "trace": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.ABR.CacheLength < 1 {
		return fmt.Errorf("abr.cache_length must be at least 1")
	}
	if c.Buffer.FragmentCacheLength < 1 {
		return fmt.Errorf("buffer.fragment_cache_length must be at least 1")
	}

	validDRM := map[string]bool{
		"WideVine": true, "PlayReady": true, "ConsecAgnostic": true,
		"AdobeAccess": true, "VanillaAES": true,
	}
	if c.DRM.PreferredDRM != "" && !validDRM[c.DRM.PreferredDRM] {
		return fmt.Errorf("drm.preferred_drm must be one of: WideVine, PlayReady, ConsecAgnostic, AdobeAccess, VanillaAES")
	}

	return nil
}
