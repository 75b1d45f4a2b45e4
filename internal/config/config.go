package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Control   ControlConfig   `mapstructure:"control"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// DatabaseConfig holds settings for the result store. An empty URL disables
// persistence entirely; runs then keep results in memory only.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds the connection settings for the progress/control channel.
// An empty address disables the external channel.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EngineConfig holds settings for the task execution engine.
type EngineConfig struct {
	QueueSize          int           `mapstructure:"queue_size"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`
}

// BrowserConfig holds settings for the headless browser and per-operation
// budgets for page-level waits.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors"`
	ProfileDir        string        `mapstructure:"profile_dir"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout"`
	IdleQuietPeriod   time.Duration `mapstructure:"idle_quiet_period"`
	IdleMaxWait       time.Duration `mapstructure:"idle_max_wait"`
}

// WorkflowConfig holds interpreter-level settings.
type WorkflowConfig struct {
	ScrollDeltaPx   int `mapstructure:"scroll_delta_px"`
	ScrollMaxRounds int `mapstructure:"scroll_max_rounds"`
}

// CaptureConfig holds settings for the long-capture compositor.
type CaptureConfig struct {
	OverlapPx         int           `mapstructure:"overlap_px"`
	MaxTiles          int           `mapstructure:"max_tiles"`
	SettleQuietPeriod time.Duration `mapstructure:"settle_quiet_period"`
	SettleMaxWait     time.Duration `mapstructure:"settle_max_wait"`
}

// ChallengeConfig holds the interrupt coordinator settings: where the
// challenge container lives, which words mark a dialog as a real challenge,
// and how long a task may stay paused before it is failed.
type ChallengeConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ContainerSelector string        `mapstructure:"container_selector"`
	Keywords          []string      `mapstructure:"keywords"`
	PauseTimeout      time.Duration `mapstructure:"pause_timeout"`
}

// StorageConfig holds settings for the blob store.
type StorageConfig struct {
	BlobDir string `mapstructure:"blob_dir"`
}

// ProgressConfig holds the names under which progress events are published.
type ProgressConfig struct {
	Channel   string        `mapstructure:"channel"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	EventTTL  time.Duration `mapstructure:"event_ttl"`
}

// ControlConfig holds the channel names for the external resume contract.
type ControlConfig struct {
	ResumeChannel  string `mapstructure:"resume_channel"`
	ReceiptChannel string `mapstructure:"receipt_channel"`
}

// Validate checks the loaded configuration for values the engine cannot
// work with.
func (c *Config) Validate() error {
	if c.Engine.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser.viewport_width and browser.viewport_height must be positive integers")
	}
	if c.Capture.OverlapPx <= 0 {
		return fmt.Errorf("capture.overlap_px must be a positive integer")
	}
	if c.Capture.OverlapPx >= c.Browser.ViewportHeight {
		return fmt.Errorf("capture.overlap_px (%d) must be smaller than browser.viewport_height (%d)", c.Capture.OverlapPx, c.Browser.ViewportHeight)
	}
	if c.Challenge.Enabled {
		if c.Challenge.ContainerSelector == "" {
			return fmt.Errorf("challenge.container_selector is required when challenge detection is enabled")
		}
		if len(c.Challenge.Keywords) == 0 {
			return fmt.Errorf("challenge.keywords must contain at least one entry when challenge detection is enabled")
		}
		if c.Challenge.PauseTimeout <= 0 {
			return fmt.Errorf("challenge.pause_timeout must be a positive duration")
		}
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set stores the given configuration as the singleton instance. Used by the
// root command after validation and by tests that need a bespoke config.
func Set(cfg *Config) {
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
