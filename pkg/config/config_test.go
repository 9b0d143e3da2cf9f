package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultGlobalConcurrent, cfg.Execution.GlobalConcurrent)
	assert.Equal(t, DefaultTimeout, cfg.Execution.DefaultTimeout)
	assert.NotEmpty(t, cfg.Security.DangerousPatterns)
	assert.Empty(t, cfg.Tools, "default whitelist admits nothing")
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	content := `
server:
  addr: "127.0.0.1:9999"
security:
  sandbox_root: /opt/scans
execution:
  global_concurrent: 3
tools:
  - name: nmap
    path: /usr/bin/nmap
    allowed_options: ["-sS", "-sV", "-p"]
    max_targets: 4
roles:
  operator:
    max_concurrent: 2
    submit_rate: 1
    submit_burst: 2
    can_cancel: true
    can_view: true
identities:
  alice: operator
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "/opt/scans", cfg.Security.SandboxRoot)
	assert.Equal(t, 3, cfg.Execution.GlobalConcurrent)
	// Untouched defaults survive the merge.
	assert.Equal(t, DefaultTimeout, cfg.Execution.DefaultTimeout)
	assert.NotEmpty(t, cfg.Security.DangerousPatterns)

	tool, ok := cfg.Tool("nmap")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/nmap", tool.Path)
	assert.Equal(t, 4, tool.MaxTargets)

	_, ok = cfg.Tool("masscan")
	assert.False(t, ok)
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.Server.Addr)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Execution.GlobalConcurrent = 0 }},
		{"default timeout over max", func(c *Config) { c.Execution.DefaultTimeout = 2 * c.Execution.MaxTimeout }},
		{"relative sandbox root", func(c *Config) { c.Security.SandboxRoot = "scans" }},
		{"relative tool path", func(c *Config) {
			c.Tools = []ToolSpec{{Name: "nmap", Path: "nmap"}}
		}},
		{"duplicate tool", func(c *Config) {
			c.Tools = []ToolSpec{
				{Name: "nmap", Path: "/usr/bin/nmap"},
				{Name: "nmap", Path: "/usr/local/bin/nmap"},
			}
		}},
		{"unknown role", func(c *Config) { c.Identities = map[string]string{"bob": "root"} }},
		{"tool timeout over ceiling", func(c *Config) {
			c.Tools = []ToolSpec{{Name: "nmap", Path: "/usr/bin/nmap", Timeout: c.Execution.MaxTimeout + time.Second}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEffectiveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.DefaultTimeout = 10 * time.Minute
	cfg.Execution.MaxTimeout = 30 * time.Minute

	tool := ToolSpec{Name: "nmap", Path: "/usr/bin/nmap", Timeout: 20 * time.Minute}

	// Requested below the tool limit wins.
	assert.Equal(t, 5*time.Minute, cfg.EffectiveTimeout(tool, 5*time.Minute))
	// Requested above the tool limit is clamped.
	assert.Equal(t, 20*time.Minute, cfg.EffectiveTimeout(tool, time.Hour))
	// No request uses the tool limit.
	assert.Equal(t, 20*time.Minute, cfg.EffectiveTimeout(tool, 0))
	// Tool without its own limit falls back to the default.
	assert.Equal(t, 10*time.Minute, cfg.EffectiveTimeout(ToolSpec{}, 0))
}

func TestIsSuccessCode(t *testing.T) {
	assert.True(t, ToolSpec{}.IsSuccessCode(0))
	assert.False(t, ToolSpec{}.IsSuccessCode(1))

	spec := ToolSpec{SuccessCodes: []int{0, 1}}
	assert.True(t, spec.IsSuccessCode(1))
	assert.False(t, spec.IsSuccessCode(2))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_ADDR", "0.0.0.0:7000")
	t.Setenv("WARDEN_GLOBAL_CONCURRENT", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Execution.GlobalConcurrent)
}
