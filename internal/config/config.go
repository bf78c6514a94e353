// Package config loads Kagan's daemon configuration from environment
// variables, an optional YAML file, and built-in defaults.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// DatabaseURL is either a local sqlite file path or a libsql://
	// (Turso) URL; see internal/db.New for scheme detection.
	DatabaseURL string

	// RuntimeDir holds core.endpoint, core.token, core.instance.lock and
	// core.lease.json (§6 Runtime files). Defaults under XDG state dir.
	RuntimeDir string

	// WorkspaceRoot is where per-task worktrees and merge-worktrees live.
	WorkspaceRoot string

	Debug bool

	General    GeneralConfig
	Automation AutomationConfig
	Coding     CodingConfig
	Lease      LeaseConfig
	Events     EventsConfig
	Session    SessionConfig
	MCP        MCPConfig
}

// GeneralConfig holds IPC host tunables (§4.1, §5).
type GeneralConfig struct {
	// CoreIdleTimeoutSeconds is how long the host waits with zero
	// connections before stopping itself. 0 disables idle shutdown.
	CoreIdleTimeoutSeconds int

	// MaxConcurrentAgents caps simultaneously-running AUTO agents (§4.2).
	MaxConcurrentAgents int

	// IdempotencyCacheLimit bounds the IPC idempotency LRU (§4.1, §9).
	IdempotencyCacheLimit int

	// ServerWaitMaxSeconds bounds tasks_wait long-polls (§5). wait_job
	// does not read it; its timeout_seconds is used as given.
	ServerWaitMaxSeconds int
}

// AutomationConfig holds automation-engine tunables (§4.2).
type AutomationConfig struct {
	AutoReview          bool
	AgentTimeoutLong     time.Duration
	ScratchpadLimitBytes int
	ReviewModelOverride  string
}

// CodingConfig configures the agent subprocess launched for implementation
// and review runs (§6 Agent subprocess protocol).
type CodingConfig struct {
	BinaryPath   string
	TaskTimeout  time.Duration
	Model        string
	AllowedTools []string
}

// SessionConfig tunes §4.4's PAIR session launchers.
type SessionConfig struct {
	// DefaultBackend is used when a task has no terminal_backend set.
	// tmux is unavailable on Windows regardless of this setting.
	DefaultBackend string
	// StateDir holds one directory per tracked session_name.
	StateDir string
}

// LeaseConfig tunes the single-instance lease (§4.1).
type LeaseConfig struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

// EventsConfig configures the embedded NATS/JetStream domain event bus
// the automation engine's event queue runs on (§4.2, §9).
type EventsConfig struct {
	// Port is the NATS client port; 0 lets the server pick an ephemeral
	// port (the default — Kagan's event bus never accepts external
	// connections, so there is no fixed port to document).
	Port int
	// HTTPPort exposes NATS monitoring; 0 disables it.
	HTTPPort int
	StoreDir string
}

// MCPConfig configures the MCP tool-registration surface internal/mcpadapter
// exposes over the origin enum's MCP client kind.
type MCPConfig struct {
	// Enabled starts the streamable-HTTP MCP server alongside the IPC host.
	Enabled bool
	// Port the MCP server's streamable HTTP transport listens on.
	Port int
	// Profile is the capability profile every MCP tool call binds as
	// (§4.1 session binding); MCP tool calls arrive with no notion of
	// TUI-style login, so the adapter picks one profile for its whole
	// session rather than negotiating one per call.
	Profile string
}

func defaults() Config {
	return Config{
		DatabaseURL:   filepath.Join(defaultDataDir(), "kagan.db"),
		RuntimeDir:    defaultRuntimeDir(),
		WorkspaceRoot: filepath.Join(defaultDataDir(), "workspaces"),
		General: GeneralConfig{
			CoreIdleTimeoutSeconds: 900,
			MaxConcurrentAgents:    3,
			IdempotencyCacheLimit:  4096,
			ServerWaitMaxSeconds:   60,
		},
		Automation: AutomationConfig{
			AutoReview:           true,
			AgentTimeoutLong:     5 * time.Minute,
			ScratchpadLimitBytes: 32 * 1024,
		},
		Coding: CodingConfig{
			BinaryPath:  "kagan-agent",
			TaskTimeout: 10 * time.Minute,
		},
		Lease: LeaseConfig{
			HeartbeatInterval: 5 * time.Second,
			StaleAfter:        20 * time.Second,
		},
		Events: EventsConfig{
			StoreDir: filepath.Join(defaultDataDir(), "events"),
		},
		Session: SessionConfig{
			DefaultBackend: "tmux",
			StateDir:       filepath.Join(defaultDataDir(), "sessions"),
		},
		MCP: MCPConfig{
			Enabled: true,
			Port:    7433,
			Profile: "operator",
		},
	}
}

// Load reads configuration from KAGAN_-prefixed environment variables and
// an optional YAML file (default: $XDG_CONFIG_HOME/kagan/config.yaml),
// layered over built-in defaults, using viper's env/file binding instead
// of a hand-rolled flag parser.
func Load(configFile string) (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("KAGAN")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "kagan"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	bindOverrides(v, &cfg)
	return &cfg, nil
}

func bindOverrides(v *viper.Viper, cfg *Config) {
	if v.IsSet("database_url") {
		cfg.DatabaseURL = v.GetString("database_url")
	}
	if v.IsSet("runtime_dir") {
		cfg.RuntimeDir = v.GetString("runtime_dir")
	}
	if v.IsSet("workspace_root") {
		cfg.WorkspaceRoot = v.GetString("workspace_root")
	}
	if v.IsSet("debug") {
		cfg.Debug = v.GetBool("debug")
	}
	if v.IsSet("general.max_concurrent_agents") {
		cfg.General.MaxConcurrentAgents = v.GetInt("general.max_concurrent_agents")
	}
	if v.IsSet("general.core_idle_timeout_seconds") {
		cfg.General.CoreIdleTimeoutSeconds = v.GetInt("general.core_idle_timeout_seconds")
	}
	if v.IsSet("automation.auto_review") {
		cfg.Automation.AutoReview = v.GetBool("automation.auto_review")
	}
	if v.IsSet("coding.binary_path") {
		cfg.Coding.BinaryPath = v.GetString("coding.binary_path")
	}
	if v.IsSet("coding.model") {
		cfg.Coding.Model = v.GetString("coding.model")
	}
	if v.IsSet("session.default_backend") {
		cfg.Session.DefaultBackend = v.GetString("session.default_backend")
	}
	if v.IsSet("mcp.enabled") {
		cfg.MCP.Enabled = v.GetBool("mcp.enabled")
	}
	if v.IsSet("mcp.port") {
		cfg.MCP.Port = v.GetInt("mcp.port")
	}
	if v.IsSet("mcp.profile") {
		cfg.MCP.Profile = v.GetString("mcp.profile")
	}
}

func defaultDataDir() string {
	dir, err := xdg.DataFile("kagan/.keep")
	if err != nil {
		return filepath.Join(xdg.Home, ".local", "share", "kagan")
	}
	return filepath.Dir(dir)
}

func defaultRuntimeDir() string {
	dir, err := xdg.StateFile("kagan/runtime/.keep")
	if err != nil {
		return filepath.Join(xdg.Home, ".local", "state", "kagan", "runtime")
	}
	return filepath.Dir(dir)
}
