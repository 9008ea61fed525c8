package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Agent endpoint
	AgentScheme        string           `mapstructure:"agent-scheme"`
	AgentPort          int              `mapstructure:"agent-port"`
	AgentRootPath      string           `mapstructure:"agent-root-path"`
	AgentReadTimeoutMS int64            `mapstructure:"agent-read-timeout-ms"`
	CommandTimeouts    map[string]int64 `mapstructure:"command-timeouts"`

	// Scheduling
	Workers       int            `mapstructure:"workers"`
	HostSyncLevel int            `mapstructure:"host-sync-level"`
	LevelCapacity map[string]int `mapstructure:"level-capacity"`

	// Host connection
	SSHPortOpenTimeout   time.Duration `mapstructure:"ssh-port-open-timeout"`
	SSHConnectTimeout    time.Duration `mapstructure:"ssh-connect-timeout"`
	SSHKeyPath           string        `mapstructure:"ssh-key-path"`
	AgentStartTimeout    time.Duration `mapstructure:"agent-start-timeout"`
	SkipNetworkChecks    bool          `mapstructure:"skip-network-checks"`
	DNSCheckList         []string      `mapstructure:"dns-check-list"`
	CallbackURL          string        `mapstructure:"management-callback-url"`
	CheckCPUModel        bool          `mapstructure:"check-cpu-model"`
	UpdatePackages       bool          `mapstructure:"update-packages"`
	IgnoreMsrs           bool          `mapstructure:"ignore-msrs"`
	PrepareHostEnvScript string        `mapstructure:"prepare-host-env-script"`

	// S3 configuration
	S3Bucket       string `mapstructure:"s3-bucket"`
	S3Region       string `mapstructure:"s3-region"`
	AgentBundleKey string `mapstructure:"agent-bundle-key"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// FSM configuration
	GCMaxRetries int `mapstructure:"gc-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/hostdriver.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("agent-scheme", "http")
	viper.SetDefault("agent-port", 7070)
	viper.SetDefault("agent-root-path", "")
	viper.SetDefault("agent-read-timeout-ms", 300000)
	viper.SetDefault("command-timeouts", map[string]any{
		"MigrateVMCmd":        1800000,
		"HostFactCmd":         60000,
		"UpdateDependencyCmd": 600000,
		"TakeSnapshotCmd":     900000,
		"PingCmd":             15000,
	})
	viper.SetDefault("workers", 64)
	viper.SetDefault("host-sync-level", 10)
	viper.SetDefault("level-capacity", map[string]any{})
	viper.SetDefault("ssh-port-open-timeout", 120*time.Second)
	viper.SetDefault("ssh-connect-timeout", 5*time.Second)
	viper.SetDefault("ssh-key-path", "")
	viper.SetDefault("agent-start-timeout", 60*time.Second)
	viper.SetDefault("skip-network-checks", false)
	viper.SetDefault("dns-check-list", []string{"223.5.5.5", "8.8.8.8"})
	viper.SetDefault("management-callback-url", "http://127.0.0.1:8080/host/callback")
	viper.SetDefault("check-cpu-model", true)
	viper.SetDefault("update-packages", false)
	viper.SetDefault("ignore-msrs", false)
	viper.SetDefault("prepare-host-env-script", "modprobe kvm && sysctl -w net.ipv4.ip_forward=1")
	viper.SetDefault("s3-bucket", "hostdriver-agent-bundles")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("agent-bundle-key", "agents/")
	viper.SetDefault("work-dir", "/tmp/hostdriver")
	viper.SetDefault("max-file-size", 512*1024*1024)
	viper.SetDefault("max-total-size", 4*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("gc-max-retries", 5)

	// Environment variables (will be HOSTDRIVER_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("HOSTDRIVER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.hostdriver")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.SQLitePath == "" {
		add("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		add("fsm-db-path cannot be empty")
	}
	if c.AgentScheme != "http" && c.AgentScheme != "https" {
		add("agent-scheme must be http or https, got %q", c.AgentScheme)
	}
	if c.AgentPort <= 0 || c.AgentPort > 65535 {
		add("agent-port %d is out of range", c.AgentPort)
	}
	if c.AgentReadTimeoutMS <= 0 {
		add("agent-read-timeout-ms must be positive")
	}
	for name, ms := range c.CommandTimeouts {
		if ms <= 0 {
			add("command-timeouts.%s must be positive", name)
		}
	}
	if c.Workers <= 0 {
		add("workers must be positive")
	}
	if _, err := c.Levels(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.SSHPortOpenTimeout <= 0 {
		add("ssh-port-open-timeout must be positive")
	}
	if c.SSHConnectTimeout <= 0 {
		add("ssh-connect-timeout must be positive")
	}
	if c.SSHConnectTimeout > c.SSHPortOpenTimeout {
		add("ssh-connect-timeout (%s) exceeds ssh-port-open-timeout (%s)", c.SSHConnectTimeout, c.SSHPortOpenTimeout)
	}
	if c.CallbackURL != "" {
		if u, err := url.Parse(c.CallbackURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("management-callback-url %q is not an absolute URL", c.CallbackURL)
		}
	}
	if c.MaxFileSize <= 0 {
		add("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		add("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		add("max-compression-ratio must be positive")
	}
	if c.GCMaxRetries < 0 {
		add("gc-max-retries must be non-negative")
	}
	return errs.ErrorOrNil()
}

// Levels parses level-capacity into scheduler form.
func (c *Config) Levels() (map[int]int, error) {
	levels := make(map[int]int, len(c.LevelCapacity))
	for key, capacity := range c.LevelCapacity {
		level, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("level-capacity key %q is not an integer level", key)
		}
		if capacity < 0 {
			return nil, fmt.Errorf("level-capacity.%s must not be negative", key)
		}
		levels[level] = capacity
	}
	return levels, nil
}

// AgentReadTimeout is the fallback timeout of agent commands.
func (c *Config) AgentReadTimeout() time.Duration {
	return time.Duration(c.AgentReadTimeoutMS) * time.Millisecond
}
