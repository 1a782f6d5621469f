// Package config loads the agent configuration from an optional YAML file
// plus DPAGENT_ environment overrides, with defaults matching how the fleet
// is normally deployed.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration tree.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Keepalive   KeepaliveConfig   `mapstructure:"keepalive"`
	Resource    ResourceConfig    `mapstructure:"resource"`
	CookieQueue CookieQueueConfig `mapstructure:"cookie_queue"`
	Tasks       TaskConfig        `mapstructure:"tasks"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Paths       PathConfig        `mapstructure:"paths"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// CoordinatorConfig points at the task coordinator.
type CoordinatorConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	WorkerIP string `mapstructure:"worker_ip"` // override; auto-detected when empty
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	MaxBrowsers           int           `mapstructure:"max_browsers"`
	MaxContextsPerBrowser int           `mapstructure:"max_contexts_per_browser"`
	MaxActiveContexts     int           `mapstructure:"max_active_contexts"`
	ContextIdleTimeout    time.Duration `mapstructure:"context_idle_timeout"`
	RestartHour           int           `mapstructure:"restart_hour"`
	RestartRetries        int           `mapstructure:"restart_retries"`
	RestartPause          time.Duration `mapstructure:"restart_pause"`
}

// KeepaliveConfig controls the staggered session refresh.
type KeepaliveConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailCooldown time.Duration `mapstructure:"fail_cooldown"`
}

// ResourceConfig sets the host pressure thresholds, in percent.
type ResourceConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CPUWarning    float64       `mapstructure:"cpu_warning"`
	CPUCritical   float64       `mapstructure:"cpu_critical"`
	MemWarning    float64       `mapstructure:"mem_warning"`
	MemCritical   float64       `mapstructure:"mem_critical"`
}

// CookieQueueConfig sizes the asynchronous cookie upload queue.
type CookieQueueConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TaskConfig controls the lease loop.
type TaskConfig struct {
	NoTaskWait      time.Duration `mapstructure:"no_task_wait"`
	WorkWindowStart int           `mapstructure:"work_window_start"`
	WorkWindowEnd   int           `mapstructure:"work_window_end"`
	// FullCodeOnly keeps only the aggregate coupon rows in the content
	// marketing report. Matches the upstream dashboard's expectation.
	FullCodeOnly bool `mapstructure:"full_code_only"`
	// DevMode lifts the work window so development hosts lease around
	// the clock.
	DevMode bool `mapstructure:"dev_mode"`
}

// BrowserConfig controls Chrome process launch.
type BrowserConfig struct {
	Headless   bool   `mapstructure:"headless"`
	ExecPath   string `mapstructure:"exec_path"` // empty lets chromedp locate Chrome
	WindowSize string `mapstructure:"window_size"`
}

// PathConfig locates state and artifacts on disk.
type PathConfig struct {
	StateDir    string        `mapstructure:"state_dir"`
	DownloadDir string        `mapstructure:"download_dir"`
	SweepAge    time.Duration `mapstructure:"sweep_age"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"` // debug file; empty disables
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the endpoint
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.base_url", "http://127.0.0.1:8000")

	v.SetDefault("pool.max_browsers", 10)
	v.SetDefault("pool.max_contexts_per_browser", 15)
	v.SetDefault("pool.max_active_contexts", 10)
	v.SetDefault("pool.context_idle_timeout", 30*time.Minute)
	v.SetDefault("pool.restart_hour", 14)
	v.SetDefault("pool.restart_retries", 3)
	v.SetDefault("pool.restart_pause", 5*time.Second)

	v.SetDefault("keepalive.interval", time.Hour)
	v.SetDefault("keepalive.batch_size", 2)
	v.SetDefault("keepalive.timeout", 15*time.Second)
	v.SetDefault("keepalive.fail_cooldown", 10*time.Minute)

	v.SetDefault("resource.check_interval", 30*time.Second)
	v.SetDefault("resource.cpu_warning", 50.0)
	v.SetDefault("resource.cpu_critical", 70.0)
	v.SetDefault("resource.mem_warning", 60.0)
	v.SetDefault("resource.mem_critical", 80.0)

	v.SetDefault("cookie_queue.capacity", 1000)
	v.SetDefault("cookie_queue.batch_size", 10)
	v.SetDefault("cookie_queue.flush_interval", 5*time.Second)

	v.SetDefault("tasks.no_task_wait", 5*time.Minute)
	v.SetDefault("tasks.work_window_start", 8)
	v.SetDefault("tasks.work_window_end", 23)
	v.SetDefault("tasks.full_code_only", true)
	v.SetDefault("tasks.dev_mode", false)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_size", "1920,1080")

	v.SetDefault("paths.state_dir", "./state")
	v.SetDefault("paths.download_dir", "./downloads")
	v.SetDefault("paths.sweep_age", 7*24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.listen", ":9310")
}

// Load reads the configuration from path (optional, "" means env and
// defaults only) and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DPAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Coordinator.BaseURL == "" {
		return fmt.Errorf("coordinator.base_url is required")
	}
	if c.Pool.MaxBrowsers <= 0 || c.Pool.MaxContextsPerBrowser <= 0 {
		return fmt.Errorf("pool sizes must be positive")
	}
	if c.Pool.MaxActiveContexts <= 0 {
		return fmt.Errorf("pool.max_active_contexts must be positive")
	}
	if c.Keepalive.BatchSize <= 0 {
		return fmt.Errorf("keepalive.batch_size must be positive")
	}
	if c.Tasks.WorkWindowStart < 0 || c.Tasks.WorkWindowEnd > 24 ||
		c.Tasks.WorkWindowStart >= c.Tasks.WorkWindowEnd {
		return fmt.Errorf("tasks work window [%d,%d) is not a valid hour range",
			c.Tasks.WorkWindowStart, c.Tasks.WorkWindowEnd)
	}
	if c.Pool.RestartHour < 0 || c.Pool.RestartHour > 23 {
		return fmt.Errorf("pool.restart_hour must be an hour of day")
	}
	if c.CookieQueue.Capacity <= 0 || c.CookieQueue.BatchSize <= 0 {
		return fmt.Errorf("cookie_queue sizes must be positive")
	}
	return nil
}
