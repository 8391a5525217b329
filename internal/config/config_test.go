package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouselab/playhouse/internal/route"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "play", cfg.ServerType)
	assert.Equal(t, uint16(1), cfg.ServiceID)
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, "static", cfg.Discovery.Kind)
	assert.True(t, strings.HasPrefix(cfg.ServerID, "play-"), "generated id %q", cfg.ServerID)

	// Дефолтный набор обязан проходить собственную проверку.
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server_type: api
server_id: api-1
service_id: 3
bind_endpoint: 10.0.0.5:7700
request_timeout_ms: 250
admin_addr: 127.0.0.1:9100
discovery:
  kind: redis
  addr: 127.0.0.1:6379
  ttl_ms: 4000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "api-1", cfg.ServerID)
	assert.Equal(t, route.ServerTypeApi, cfg.Type())
	assert.Equal(t, uint16(3), cfg.ServiceID)
	assert.Equal(t, "10.0.0.5:7700", cfg.BindEndpoint)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestTimeout())
	assert.Equal(t, "redis", cfg.Discovery.Kind)
	assert.Equal(t, 4*time.Second, cfg.Discovery.TTL())

	// Незатронутые файлом поля держат дефолты.
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, 512, cfg.CompressionThreshold)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout())

	require.NoError(t, cfg.Validate())
}

func TestLoadGeneratesRolePrefixedID(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "server_type: api\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cfg.ServerID, "api-"), "generated id %q", cfg.ServerID)

	again, err := Load(path)
	require.NoError(t, err)
	assert.NotEqual(t, cfg.ServerID, again.ServerID, "ids must not collide across processes")
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "server_type: [broken\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Server {
		cfg := Default()
		cfg.ServerID = "play-1"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr string
	}{
		{"defaults pass", func(*Server) {}, ""},
		{"unknown type", func(c *Server) { c.ServerType = "login" }, "server_type"},
		{"empty id", func(c *Server) { c.ServerID = "" }, "server_id"},
		{"zero service", func(c *Server) { c.ServiceID = 0 }, "service_id"},
		{"empty bind", func(c *Server) { c.BindEndpoint = "" }, "bind_endpoint"},
		{"tcp port range", func(c *Server) { c.TCPPort = 70000 }, "tcp_port"},
		{"play without client listener", func(c *Server) { c.TCPPort = 0; c.WSPort = 0 }, "tcp_port or ws_port"},
		{"ws path without slash", func(c *Server) { c.WSPort = 8080; c.WSPath = "ws" }, "ws_path"},
		{"ssl without keypair", func(c *Server) { c.UseSSL = true }, "use_ssl"},
		{"idle below heartbeat", func(c *Server) { c.ConnectionIdleTimeoutMs = c.HeartbeatIntervalMs }, "must exceed"},
		{"zero request timeout", func(c *Server) { c.RequestTimeoutMs = 0 }, "request_timeout_ms"},
		{"zero resolver interval", func(c *Server) { c.ResolverIntervalMs = 0 }, "resolver_interval_ms"},
		{"negative pool", func(c *Server) { c.StageWorkerPoolSize = -1 }, "stage_worker_pool_size"},
		{"zero body cap", func(c *Server) { c.MaxBodySize = 0 }, "max_body_size"},
		{"unknown discovery", func(c *Server) { c.Discovery.Kind = "etcd" }, "discovery kind"},
		{"postgres without dsn", func(c *Server) { c.Discovery = Discovery{Kind: "postgres"} }, "dsn"},
		{"redis without addr", func(c *Server) { c.Discovery = Discovery{Kind: "redis"} }, "addr"},
		{
			"static entry without address",
			func(c *Server) {
				c.Discovery.Static = []StaticServer{{ServerID: "api-1", ServerType: "api", ServiceID: 1}}
			},
			"server_id and address",
		},
		{
			"static entry with bad type",
			func(c *Server) {
				c.Discovery.Static = []StaticServer{{ServerID: "x", ServerType: "gateway", ServiceID: 1, Address: "127.0.0.1:1"}}
			},
			"unknown server_type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWSOnlyPlayServerIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.ServerID = "play-ws"
	cfg.TCPPort = 0
	cfg.WSPort = 8080
	require.NoError(t, cfg.Validate())
}

func TestDurationAccessors(t *testing.T) {
	t.Parallel()

	cfg := Server{
		HeartbeatIntervalMs:     1500,
		ConnectionIdleTimeoutMs: 4500,
		RequestTimeoutMs:        300,
		ResolverIntervalMs:      2000,
	}
	assert.Equal(t, 1500*time.Millisecond, cfg.HeartbeatInterval())
	assert.Equal(t, 4500*time.Millisecond, cfg.IdleTimeout())
	assert.Equal(t, 300*time.Millisecond, cfg.RequestTimeout())
	assert.Equal(t, 2*time.Second, cfg.ResolverInterval())
}
