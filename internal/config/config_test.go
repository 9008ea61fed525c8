package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}

	if cfg.AgentPort != 7070 {
		t.Errorf("agent-port = %d, want 7070", cfg.AgentPort)
	}
	if cfg.SSHPortOpenTimeout != 120*time.Second {
		t.Errorf("ssh-port-open-timeout = %s, want 2m0s", cfg.SSHPortOpenTimeout)
	}
	if cfg.AgentReadTimeout() != 5*time.Minute {
		t.Errorf("agent read timeout = %s, want 5m0s", cfg.AgentReadTimeout())
	}
	// viper lowercases map keys; the dispatcher matches command types case-insensitively.
	if cfg.CommandTimeouts["migratevmcmd"] != 1800000 {
		t.Errorf("command-timeouts = %v, missing MigrateVMCmd", cfg.CommandTimeouts)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("HOSTDRIVER_AGENT_PORT", "9090")
	t.Setenv("HOSTDRIVER_SKIP_NETWORK_CHECKS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentPort != 9090 {
		t.Errorf("agent-port = %d, want 9090", cfg.AgentPort)
	}
	if !cfg.SkipNetworkChecks {
		t.Error("skip-network-checks should be true")
	}
}

func validConfig() *Config {
	return &Config{
		SQLitePath:          "db",
		FSMDBPath:           "fsm",
		AgentScheme:         "http",
		AgentPort:           7070,
		AgentReadTimeoutMS:  1000,
		Workers:             4,
		SSHPortOpenTimeout:  time.Minute,
		SSHConnectTimeout:   time.Second,
		CallbackURL:         "http://10.0.0.1:8080/host/callback",
		MaxFileSize:         1,
		MaxTotalSize:        1,
		MaxCompressionRatio: 1,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr []string
	}{
		{"valid", func(*Config) {}, nil},
		{"bad scheme", func(c *Config) { c.AgentScheme = "ftp" }, []string{"agent-scheme"}},
		{"bad port", func(c *Config) { c.AgentPort = 70000 }, []string{"agent-port"}},
		{"bad level key", func(c *Config) { c.LevelCapacity = map[string]int{"high": 2} }, []string{"level-capacity"}},
		{"negative timeout", func(c *Config) { c.CommandTimeouts = map[string]int64{"pingcmd": -1} }, []string{"command-timeouts.pingcmd"}},
		{"relative callback", func(c *Config) { c.CallbackURL = "/host/callback" }, []string{"management-callback-url"}},
		{"dial longer than deadline", func(c *Config) { c.SSHConnectTimeout = time.Hour }, []string{"ssh-connect-timeout"}},
		{
			"every problem reported",
			func(c *Config) {
				c.SQLitePath = ""
				c.Workers = 0
				c.MaxFileSize = 0
			},
			[]string{"sqlite-path", "workers", "max-file-size"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %s", err, want)
				}
			}
		})
	}
}

func TestLevels(t *testing.T) {
	c := &Config{LevelCapacity: map[string]int{"10": 4, "20": 0}}
	levels, err := c.Levels()
	if err != nil {
		t.Fatalf("Levels() error = %v", err)
	}
	if levels[10] != 4 || levels[20] != 0 || len(levels) != 2 {
		t.Errorf("Levels() = %v", levels)
	}
}
