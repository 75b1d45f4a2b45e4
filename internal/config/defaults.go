package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers a default for every configuration key so the engine
// can run from an empty config file.
func SetDefaults(v *viper.Viper) {
	// Logger
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "flowcap")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// Database (empty URL keeps persistence off)
	v.SetDefault("database.url", "")

	// Redis (empty addr keeps the external channel off)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Engine
	v.SetDefault("engine.queue_size", 64)
	v.SetDefault("engine.worker_concurrency", 2)
	v.SetDefault("engine.default_task_timeout", 15*time.Minute)

	// Browser
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.profile_dir", "")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.selector_timeout", 15*time.Second)
	v.SetDefault("browser.idle_quiet_period", 500*time.Millisecond)
	v.SetDefault("browser.idle_max_wait", 10*time.Second)

	// Workflow interpreter
	v.SetDefault("workflow.scroll_delta_px", 600)
	v.SetDefault("workflow.scroll_max_rounds", 30)

	// Long-capture compositor
	v.SetDefault("capture.overlap_px", 50)
	v.SetDefault("capture.max_tiles", 40)
	v.SetDefault("capture.settle_quiet_period", 400*time.Millisecond)
	v.SetDefault("capture.settle_max_wait", 3*time.Second)

	// Challenge interrupt coordination
	v.SetDefault("challenge.enabled", false)
	v.SetDefault("challenge.container_selector", "")
	v.SetDefault("challenge.keywords", []string{})
	v.SetDefault("challenge.pause_timeout", 10*time.Minute)

	// Blob storage
	v.SetDefault("storage.blob_dir", "./blobs")

	// Progress channel
	v.SetDefault("progress.channel", "flowcap:progress")
	v.SetDefault("progress.key_prefix", "flowcap:progress:")
	v.SetDefault("progress.event_ttl", 24*time.Hour)

	// Control channel
	v.SetDefault("control.resume_channel", "flowcap:control:resume")
	v.SetDefault("control.receipt_channel", "flowcap:control:receipt")
}
