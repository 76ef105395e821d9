package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/carla-mcp/config"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("", env(nil))
	require.NoError(t, err)

	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
carla:
  host: carla.internal
  port: 3000
  timeout: 30s
server:
  transport: sse
  addr: 0.0.0.0:9090
recorder:
  path: /var/lib/carla-mcp/runs.db
log:
  level: debug
`)

	cfg, err := config.Load(path, env(map[string]string{
		"CARLA_MCP_CARLA_PORT":       "4000",
		"CARLA_MCP_SERVER_BASE_URL":  "https://mcp.example.com/",
		"CARLA_MCP_LOG_FORMAT":       " json ",
		"CARLA_MCP_METRICS_ADDR":     ":9100",
		"CARLA_MCP_UNRELATED_OPTION": "ignored",
	}))
	require.NoError(t, err)

	want := config.Default()
	want.Carla.Host = "carla.internal"
	want.Carla.Port = 4000
	want.Carla.Timeout = 30 * time.Second
	want.Server.Transport = config.TransportSSE
	want.Server.Addr = "0.0.0.0:9090"
	want.Server.BaseURL = "https://mcp.example.com/"
	want.Recorder.Path = "/var/lib/carla-mcp/runs.db"
	want.Metrics.Addr = ":9100"
	want.Log.Level = "debug"
	want.Log.Format = "json"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "https://mcp.example.com", cfg.Server.ResolvedBaseURL())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "carla:\n  hostname: localhost\n")
	_, err := config.Load(path, env(nil))
	assert.ErrorContains(t, err, "strict config parse error")
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "carla:\n  port: 2000\n---\ncarla:\n  port: 3000\n")
	_, err := config.Load(path, env(nil))
	assert.ErrorContains(t, err, "multiple documents")
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""), env(nil))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadInvalidEnv(t *testing.T) {
	_, err := config.Load("", env(map[string]string{"CARLA_MCP_CARLA_TIMEOUT": "soon"}))
	assert.ErrorContains(t, err, "CARLA_MCP_CARLA_TIMEOUT")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), env(nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		want   string
	}{
		{name: "port", modify: func(c *config.Config) { c.Carla.Port = 70000 }, want: "carla.port"},
		{name: "host", modify: func(c *config.Config) { c.Carla.Host = "" }, want: "carla.host"},
		{name: "timeout", modify: func(c *config.Config) { c.Carla.Timeout = 0 }, want: "carla.timeout"},
		{name: "transport", modify: func(c *config.Config) { c.Server.Transport = "websocket" }, want: "server.transport"},
		{name: "sse addr", modify: func(c *config.Config) {
			c.Server.Transport = config.TransportSSE
			c.Server.Addr = ""
		}, want: "server.addr"},
		{name: "ping interval", modify: func(c *config.Config) { c.Server.PingInterval = -time.Second }, want: "server.ping_interval"},
		{name: "log level", modify: func(c *config.Config) { c.Log.Level = "loud" }, want: "log.level"},
		{name: "log format", modify: func(c *config.Config) { c.Log.Format = "xml" }, want: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
