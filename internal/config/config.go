// Package config provides configuration management for the Storyreel Agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".storyreel"

	// Environment variable names
	EnvPort     = "STORYREEL_PORT"
	EnvLogLevel = "STORYREEL_LOG_LEVEL"
	EnvDataDir  = "STORYREEL_DATA_DIR"
	EnvHeadless = "STORYREEL_HEADLESS"

	// Provider environment variable names
	EnvProviderBaseURL = "STORYREEL_PROVIDER_BASE_URL"
	EnvVideoModel      = "STORYREEL_VIDEO_MODEL"
	EnvTextModel       = "STORYREEL_TEXT_MODEL"

	// Batch policy environment variable names
	EnvPollIntervalS    = "STORYREEL_POLL_INTERVAL_S"
	EnvJobTimeoutS      = "STORYREEL_JOB_TIMEOUT_S"
	EnvSceneDelayS      = "STORYREEL_SCENE_DELAY_S"
	EnvHaltOnAuthError  = "STORYREEL_HALT_ON_AUTH_ERROR"
	EnvCrossfadeSeconds = "STORYREEL_CROSSFADE_S"

	// Frame extraction environment variable names
	EnvFrameRetries         = "STORYREEL_FRAME_RETRIES"
	EnvFrameBackoffS        = "STORYREEL_FRAME_BACKOFF_S"
	EnvFrameAttemptTimeoutS = "STORYREEL_FRAME_ATTEMPT_TIMEOUT_S"

	// Tool environment variable names
	EnvFFmpegPath  = "STORYREEL_FFMPEG_PATH"
	EnvFFprobePath = "STORYREEL_FFPROBE_PATH"

	// Database filename
	DBFilename = "storyreel.db"

	// Provider defaults. The generation operation is polled on a fixed
	// interval with an overall wall-clock budget per job.
	DefaultProviderBaseURL = "https://generativelanguage.googleapis.com"
	DefaultVideoModel      = "veo-3.1-generate-preview"
	DefaultTextModel       = "gemini-2.0-flash"
	DefaultPollIntervalS   = 10
	DefaultJobTimeoutS     = 300

	// DefaultSceneDelayS is the throttling delay between scenes, a rate-limit
	// courtesy knob rather than a correctness requirement.
	DefaultSceneDelayS = 10

	// Frame extraction defaults
	DefaultFrameRetries        = 2
	DefaultFrameBackoffS       = 2
	DefaultFrameAttemptTimeout = 45 // seconds

	// DefaultCrossfadeSeconds is the transition length between adjacent clips.
	DefaultCrossfadeSeconds = 0.3
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	WorkDir() string
	Headless() bool

	ProviderBaseURL() string
	VideoModel() string
	TextModel() string

	PollInterval() time.Duration
	JobTimeout() time.Duration
	SceneDelay() time.Duration
	HaltOnAuthError() bool
	CrossfadeSeconds() float64

	FrameRetries() int
	FrameBackoff() time.Duration
	FrameAttemptTimeout() time.Duration

	FFmpegPath() string
	FFprobePath() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string
	headless bool

	providerBaseURL string
	videoModel      string
	textModel       string

	pollIntervalS    int
	jobTimeoutS      int
	sceneDelayS      int
	haltOnAuthError  bool
	crossfadeSeconds float64

	frameRetries         int
	frameBackoffS        int
	frameAttemptTimeoutS int

	ffmpegPath  string
	ffprobePath string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:             DefaultPort,
		logLevel:         DefaultLogLevel,
		dataDir:          defaultDataDir(),
		providerBaseURL:  DefaultProviderBaseURL,
		videoModel:       DefaultVideoModel,
		textModel:        DefaultTextModel,
		pollIntervalS:    DefaultPollIntervalS,
		jobTimeoutS:      DefaultJobTimeoutS,
		sceneDelayS:      DefaultSceneDelayS,
		haltOnAuthError:  true,
		crossfadeSeconds: DefaultCrossfadeSeconds,
		ffmpegPath:       "ffmpeg",
		ffprobePath:      "ffprobe",

		frameRetries:         DefaultFrameRetries,
		frameBackoffS:        DefaultFrameBackoffS,
		frameAttemptTimeoutS: DefaultFrameAttemptTimeout,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.headless = boolEnv(EnvHeadless, false)

	if v := os.Getenv(EnvProviderBaseURL); v != "" {
		cfg.providerBaseURL = v
	}
	if v := os.Getenv(EnvVideoModel); v != "" {
		cfg.videoModel = v
	}
	if v := os.Getenv(EnvTextModel); v != "" {
		cfg.textModel = v
	}

	var err error
	if cfg.pollIntervalS, err = intEnv(EnvPollIntervalS, cfg.pollIntervalS); err != nil {
		return nil, err
	}
	if cfg.jobTimeoutS, err = intEnv(EnvJobTimeoutS, cfg.jobTimeoutS); err != nil {
		return nil, err
	}
	if cfg.sceneDelayS, err = intEnv(EnvSceneDelayS, cfg.sceneDelayS); err != nil {
		return nil, err
	}
	if cfg.pollIntervalS < 1 {
		return nil, fmt.Errorf("invalid %s: must be at least 1 second", EnvPollIntervalS)
	}
	if cfg.jobTimeoutS < cfg.pollIntervalS {
		return nil, fmt.Errorf("invalid %s: job timeout shorter than poll interval", EnvJobTimeoutS)
	}
	if cfg.sceneDelayS < 0 {
		return nil, fmt.Errorf("invalid %s: delay must not be negative", EnvSceneDelayS)
	}

	if cfg.frameRetries, err = intEnv(EnvFrameRetries, cfg.frameRetries); err != nil {
		return nil, err
	}
	if cfg.frameBackoffS, err = intEnv(EnvFrameBackoffS, cfg.frameBackoffS); err != nil {
		return nil, err
	}
	if cfg.frameAttemptTimeoutS, err = intEnv(EnvFrameAttemptTimeoutS, cfg.frameAttemptTimeoutS); err != nil {
		return nil, err
	}
	if cfg.frameRetries < 0 {
		return nil, fmt.Errorf("invalid %s: retries must not be negative", EnvFrameRetries)
	}
	if cfg.frameBackoffS < 0 {
		return nil, fmt.Errorf("invalid %s: backoff must not be negative", EnvFrameBackoffS)
	}
	if cfg.frameAttemptTimeoutS < 1 {
		return nil, fmt.Errorf("invalid %s: must be at least 1 second", EnvFrameAttemptTimeoutS)
	}

	cfg.haltOnAuthError = boolEnv(EnvHaltOnAuthError, true)

	if v := os.Getenv(EnvCrossfadeSeconds); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvCrossfadeSeconds, err)
		}
		if f < 0 {
			return nil, fmt.Errorf("invalid %s: crossfade must not be negative", EnvCrossfadeSeconds)
		}
		cfg.crossfadeSeconds = f
	}

	if v := os.Getenv(EnvFFmpegPath); v != "" {
		cfg.ffmpegPath = v
	}
	if v := os.Getenv(EnvFFprobePath); v != "" {
		cfg.ffprobePath = v
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// WorkDir returns the scratch directory used by the transcoding steps
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "work")
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) ProviderBaseURL() string {
	return c.providerBaseURL
}

func (c *EnvConfig) VideoModel() string {
	return c.videoModel
}

func (c *EnvConfig) TextModel() string {
	return c.textModel
}

func (c *EnvConfig) PollInterval() time.Duration {
	return time.Duration(c.pollIntervalS) * time.Second
}

func (c *EnvConfig) JobTimeout() time.Duration {
	return time.Duration(c.jobTimeoutS) * time.Second
}

func (c *EnvConfig) SceneDelay() time.Duration {
	return time.Duration(c.sceneDelayS) * time.Second
}

func (c *EnvConfig) HaltOnAuthError() bool {
	return c.haltOnAuthError
}

func (c *EnvConfig) CrossfadeSeconds() float64 {
	return c.crossfadeSeconds
}

func (c *EnvConfig) FrameRetries() int {
	return c.frameRetries
}

func (c *EnvConfig) FrameBackoff() time.Duration {
	return time.Duration(c.frameBackoffS) * time.Second
}

func (c *EnvConfig) FrameAttemptTimeout() time.Duration {
	return time.Duration(c.frameAttemptTimeoutS) * time.Second
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func boolEnv(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
