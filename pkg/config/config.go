// Package config loads and validates the gateway configuration: the
// ToolSpec whitelist, dangerous-pattern rules, execution ceilings, role
// table, and the audit/event/transport settings. Everything the decision
// functions consult is data loaded here, never a constant in code.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultListenAddr       = "127.0.0.1:8470"
	DefaultGlobalConcurrent = 16
	DefaultTimeout          = 5 * time.Minute
	DefaultMaxTimeout       = time.Hour
	DefaultGracePeriod      = 5 * time.Second
	DefaultOutputCap        = 10 * 1024 * 1024
	DefaultRetention        = 24 * time.Hour
	DefaultMaxTokenLength   = 256
	DefaultMaxCommandLength = 1000
	DefaultMaxArgCount      = 50
)

// Config represents the complete Warden configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Execution ExecutionConfig `yaml:"execution"`
	Tools     []ToolSpec      `yaml:"tools"`
	Roles     map[string]Role `yaml:"roles"`
	// Identities maps a caller identity to a role name. Unknown callers
	// are rejected at admission.
	Identities map[string]string `yaml:"identities"`
	Audit      AuditConfig       `yaml:"audit"`
	Events     EventsConfig      `yaml:"events"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the HTTP transport adapter.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SecurityConfig holds the sanitizer limits and the dangerous-pattern
// rule list consulted by the validator.
type SecurityConfig struct {
	// DangerousPatterns are regular expressions; a token matching any of
	// them is rejected with SECURITY_VIOLATION. Ordered, extensible
	// without a rebuild.
	DangerousPatterns []string `yaml:"dangerous_patterns"`
	MaxTokenLength    int      `yaml:"max_token_length"`
	MaxCommandLength  int      `yaml:"max_command_length"`
	MaxArgCount       int      `yaml:"max_arg_count"`
	// SandboxRoot bounds working directories and path arguments.
	SandboxRoot string `yaml:"sandbox_root"`
}

// ExecutionConfig bounds what a spawned tool can do to the host.
type ExecutionConfig struct {
	GlobalConcurrent int           `yaml:"global_concurrent"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	OutputCap        int64         `yaml:"output_cap"`
	WorkDir          string        `yaml:"work_dir"`
	Retention        time.Duration `yaml:"retention"`
	// RunAsUID/RunAsGID drop privileges before exec when the gateway
	// itself runs privileged. Zero means inherit.
	RunAsUID uint32 `yaml:"run_as_uid"`
	RunAsGID uint32 `yaml:"run_as_gid"`
}

// ToolSpec is the static descriptor of an allowed external program and
// its permitted invocation shape. Immutable after load.
type ToolSpec struct {
	Name             string        `yaml:"name"`
	Path             string        `yaml:"path"`
	AllowedOptions   []string      `yaml:"allowed_options"`
	ForbiddenOptions []string      `yaml:"forbidden_options"`
	MaxTargets       int           `yaml:"max_targets"`
	Timeout          time.Duration `yaml:"timeout"`
	// SuccessCodes lists exit codes treated as Completed. Defaults to [0].
	SuccessCodes []int `yaml:"success_codes"`
}

// Role carries the per-role ceilings consulted at admission time.
type Role struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxTimeout    time.Duration `yaml:"max_timeout"`
	// SubmitRate and SubmitBurst bound submissions per second.
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
	// Tools restricts the role to a subset of the whitelist. Empty means
	// every whitelisted tool.
	Tools     []string `yaml:"tools"`
	CanCancel bool     `yaml:"can_cancel"`
	CanView   bool     `yaml:"can_view"`
}

// AuditConfig configures the durable audit store and its retry policy.
type AuditConfig struct {
	Path         string        `yaml:"path"`
	QueueSize    int           `yaml:"queue_size"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// EventsConfig selects the event emitter backend.
type EventsConfig struct {
	// Mode is "memory" or "nats".
	Mode    string `yaml:"mode"`
	NATSURL string `yaml:"nats_url"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns a configuration with safe defaults and an empty
// tool whitelist. A gateway with no tools admits nothing.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultListenAddr},
		Security: SecurityConfig{
			DangerousPatterns: DefaultDangerousPatterns(),
			MaxTokenLength:    DefaultMaxTokenLength,
			MaxCommandLength:  DefaultMaxCommandLength,
			MaxArgCount:       DefaultMaxArgCount,
			SandboxRoot:       "/tmp/warden",
		},
		Execution: ExecutionConfig{
			GlobalConcurrent: DefaultGlobalConcurrent,
			DefaultTimeout:   DefaultTimeout,
			MaxTimeout:       DefaultMaxTimeout,
			GracePeriod:      DefaultGracePeriod,
			OutputCap:        DefaultOutputCap,
			WorkDir:          "/tmp/warden/work",
			Retention:        DefaultRetention,
		},
		Roles: map[string]Role{
			"operator": {
				MaxConcurrent: 4,
				MaxTimeout:    DefaultMaxTimeout,
				SubmitRate:    2,
				SubmitBurst:   5,
				CanCancel:     true,
				CanView:       true,
			},
			"viewer": {
				CanView: true,
			},
		},
		Identities: map[string]string{},
		Audit: AuditConfig{
			Path:         "/tmp/warden/audit.db",
			QueueSize:    1024,
			RetryBackoff: time.Second,
			MaxBackoff:   time.Minute,
		},
		Events:  EventsConfig{Mode: "memory"},
		Logging: LoggingConfig{Dir: "/tmp/warden/logs", Level: "info"},
	}
}

// DefaultDangerousPatterns returns the built-in rejection rules. They
// are seeds for the configuration, not a hidden hard-coded list: a
// loaded config replaces them wholesale.
func DefaultDangerousPatterns() []string {
	return []string{
		`[;&|]`,               // command chaining
		"`",                   // backtick substitution
		`\$\(`,                // $() substitution
		`>\s*/dev/`,           // redirection into device files
		`>\s*/etc/`,           // redirection into system config
		`rm\s+-[a-z]*[rf]`,    // recursive/forced delete
		`dd\s+.*of=/dev/`,     // raw device writes
		`mkfs`,                // formatting filesystems
		`:\(\)\s*\{`,          // fork bomb
		`chmod\s+777\s+/`,     // dangerous permissions on root
		`\.\./`,               // path traversal
		`%2e%2e`,              // encoded traversal
		`/bin/(sh|bash|dash)`, // direct shell invocation
	}
}

// Load reads a YAML configuration file, merging it over the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override)
	return nil
}

// mergeConfigs merges override into base. Zero values leave the base
// untouched; lists and maps replace wholesale.
func mergeConfigs(base, override *Config) {
	if override == nil {
		return
	}

	if override.Server.Addr != "" {
		base.Server.Addr = override.Server.Addr
	}

	if len(override.Security.DangerousPatterns) > 0 {
		base.Security.DangerousPatterns = override.Security.DangerousPatterns
	}
	if override.Security.MaxTokenLength > 0 {
		base.Security.MaxTokenLength = override.Security.MaxTokenLength
	}
	if override.Security.MaxCommandLength > 0 {
		base.Security.MaxCommandLength = override.Security.MaxCommandLength
	}
	if override.Security.MaxArgCount > 0 {
		base.Security.MaxArgCount = override.Security.MaxArgCount
	}
	if override.Security.SandboxRoot != "" {
		base.Security.SandboxRoot = override.Security.SandboxRoot
	}

	if override.Execution.GlobalConcurrent > 0 {
		base.Execution.GlobalConcurrent = override.Execution.GlobalConcurrent
	}
	if override.Execution.DefaultTimeout > 0 {
		base.Execution.DefaultTimeout = override.Execution.DefaultTimeout
	}
	if override.Execution.MaxTimeout > 0 {
		base.Execution.MaxTimeout = override.Execution.MaxTimeout
	}
	if override.Execution.GracePeriod > 0 {
		base.Execution.GracePeriod = override.Execution.GracePeriod
	}
	if override.Execution.OutputCap > 0 {
		base.Execution.OutputCap = override.Execution.OutputCap
	}
	if override.Execution.WorkDir != "" {
		base.Execution.WorkDir = override.Execution.WorkDir
	}
	if override.Execution.Retention > 0 {
		base.Execution.Retention = override.Execution.Retention
	}
	if override.Execution.RunAsUID != 0 {
		base.Execution.RunAsUID = override.Execution.RunAsUID
	}
	if override.Execution.RunAsGID != 0 {
		base.Execution.RunAsGID = override.Execution.RunAsGID
	}

	if len(override.Tools) > 0 {
		base.Tools = override.Tools
	}
	if len(override.Roles) > 0 {
		base.Roles = override.Roles
	}
	if len(override.Identities) > 0 {
		base.Identities = override.Identities
	}

	if override.Audit.Path != "" {
		base.Audit.Path = override.Audit.Path
	}
	if override.Audit.QueueSize > 0 {
		base.Audit.QueueSize = override.Audit.QueueSize
	}
	if override.Audit.RetryBackoff > 0 {
		base.Audit.RetryBackoff = override.Audit.RetryBackoff
	}
	if override.Audit.MaxBackoff > 0 {
		base.Audit.MaxBackoff = override.Audit.MaxBackoff
	}

	if override.Events.Mode != "" {
		base.Events.Mode = override.Events.Mode
	}
	if override.Events.NATSURL != "" {
		base.Events.NATSURL = override.Events.NATSURL
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
}

// applyEnvOverrides applies the small set of environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WARDEN_SANDBOX_ROOT"); v != "" {
		cfg.Security.SandboxRoot = v
	}
	if v := os.Getenv("WARDEN_GLOBAL_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Execution.GlobalConcurrent = n
		}
	}
	if v := os.Getenv("WARDEN_NATS_URL"); v != "" {
		cfg.Events.Mode = "nats"
		cfg.Events.NATSURL = v
	}
}

// Validate checks structural invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Execution.GlobalConcurrent <= 0 {
		return fmt.Errorf("execution.global_concurrent must be positive")
	}
	if c.Execution.DefaultTimeout <= 0 || c.Execution.MaxTimeout <= 0 {
		return fmt.Errorf("execution timeouts must be positive")
	}
	if c.Execution.DefaultTimeout > c.Execution.MaxTimeout {
		return fmt.Errorf("execution.default_timeout exceeds max_timeout")
	}
	if !filepath.IsAbs(c.Security.SandboxRoot) {
		return fmt.Errorf("security.sandbox_root must be absolute, got %q", c.Security.SandboxRoot)
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool %q", i, tool.Name)
		}
		seen[tool.Name] = true
		if !filepath.IsAbs(tool.Path) {
			return fmt.Errorf("tool %q: path must be absolute, got %q", tool.Name, tool.Path)
		}
		if tool.Timeout > c.Execution.MaxTimeout {
			return fmt.Errorf("tool %q: timeout exceeds execution.max_timeout", tool.Name)
		}
	}

	for identity, roleName := range c.Identities {
		if _, ok := c.Roles[roleName]; !ok {
			return fmt.Errorf("identity %q references unknown role %q", identity, roleName)
		}
	}

	return nil
}

// Tool looks up a ToolSpec by name.
func (c *Config) Tool(name string) (ToolSpec, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

// EffectiveTimeout resolves a tool's timeout against the execution
// defaults and ceiling.
func (c *Config) EffectiveTimeout(tool ToolSpec, requested time.Duration) time.Duration {
	limit := tool.Timeout
	if limit <= 0 {
		limit = c.Execution.DefaultTimeout
	}
	if requested > 0 && requested < limit {
		limit = requested
	}
	if limit > c.Execution.MaxTimeout {
		limit = c.Execution.MaxTimeout
	}
	return limit
}

// IsSuccessCode reports whether an exit code counts as success for the tool.
func (t ToolSpec) IsSuccessCode(code int) bool {
	if len(t.SuccessCodes) == 0 {
		return code == 0
	}
	for _, c := range t.SuccessCodes {
		if c == code {
			return true
		}
	}
	return false
}
