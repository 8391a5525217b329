// Package config holds the YAML startup configuration of a server process.
// One schema serves both roles; fields the other role does not use are
// ignored at wiring time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/route"
)

// Server is the full option set of one server process. Durations travel as
// integer milliseconds; the accessor methods convert.
type Server struct {
	ServerType string `yaml:"server_type"` // play | api
	ServerID   string `yaml:"server_id"`   // unique in the mesh; Load generates one when empty
	ServiceID  uint16 `yaml:"service_id"`

	// BindEndpoint is the mesh listener address. Discovery advertises it
	// to peers, so it must be reachable from them.
	BindEndpoint string `yaml:"bind_endpoint"`

	// Client listeners. A port of 0 disables that listener; a play server
	// needs at least one of the two.
	TCPPort int    `yaml:"tcp_port"`
	WSPort  int    `yaml:"ws_port"`
	WSPath  string `yaml:"ws_path"`

	UseSSL   bool   `yaml:"use_ssl"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	HeartbeatIntervalMs     int `yaml:"heartbeat_interval_ms"`
	ConnectionIdleTimeoutMs int `yaml:"connection_idle_timeout_ms"`
	RequestTimeoutMs        int `yaml:"request_timeout_ms"`
	ResolverIntervalMs      int `yaml:"resolver_interval_ms"`

	StageWorkerPoolSize   int    `yaml:"stage_worker_pool_size"` // 0 = NumCPU
	DefaultStageType      string `yaml:"default_stage_type"`
	AuthenticateMessageID string `yaml:"authenticate_message_id"`

	MaxBodySize          int `yaml:"max_body_size"`
	CompressionThreshold int `yaml:"compression_threshold"`

	// AdminAddr serves /healthz, /stats and /metrics. Empty disables the
	// admin listener.
	AdminAddr string `yaml:"admin_addr"`

	// DebugEchoMode starts sessions in a diagnostic echo mode:
	// off | raw | parsed.
	DebugEchoMode string `yaml:"debug_echo_mode"`

	Discovery Discovery `yaml:"discovery"`
}

// Discovery selects the system-controller backend.
type Discovery struct {
	Kind string `yaml:"kind"` // static | postgres | redis

	DSN  string `yaml:"dsn"`  // postgres
	Addr string `yaml:"addr"` // redis

	// TTLMs hides members whose last refresh is older than this.
	// 0 keeps the backend default.
	TTLMs int `yaml:"ttl_ms"`

	// Static lists the fixed members for kind: static. The process itself
	// is merged in automatically.
	Static []StaticServer `yaml:"static"`
}

// StaticServer is one fixed mesh member in a static discovery list.
type StaticServer struct {
	ServerID   string `yaml:"server_id"`
	ServerType string `yaml:"server_type"`
	ServiceID  uint16 `yaml:"service_id"`
	Address    string `yaml:"address"`
	Weight     int    `yaml:"weight"`
}

// Default returns the option set of a single-box play server. ServerID is
// left empty; Load fills it in after the file can no longer override the
// role.
func Default() Server {
	return Server{
		ServerType:   "play",
		ServiceID:    1,
		BindEndpoint: "127.0.0.1:7700",

		TCPPort: 7710,
		WSPort:  0,
		WSPath:  "/ws",

		HeartbeatIntervalMs:     10_000,
		ConnectionIdleTimeoutMs: 30_000,
		RequestTimeoutMs:        5_000,
		ResolverIntervalMs:      3_000,

		StageWorkerPoolSize:  0,
		MaxBodySize:          protocol.DefaultMaxBodySize,
		CompressionThreshold: protocol.DefaultCompressThreshold,

		DebugEchoMode: "off",

		Discovery: Discovery{Kind: "static"},
	}
}

// Load reads the config from a YAML file over the defaults. If the file
// doesn't exist, returns defaults. An empty server_id becomes
// "<type>-<uuid fragment>".
func Load(path string) (Server, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if cfg.ServerID == "" {
		cfg.ServerID = GenerateServerID(cfg.ServerType)
	}
	return cfg, nil
}

// GenerateServerID builds a mesh-unique id for a process that was not
// given one.
func GenerateServerID(serverType string) string {
	return serverType + "-" + uuid.NewString()[:8]
}

// Type returns the parsed role.
func (s Server) Type() route.ServerType { return route.ParseServerType(s.ServerType) }

func (s Server) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	return time.Duration(s.ConnectionIdleTimeoutMs) * time.Millisecond
}

func (s Server) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

func (s Server) ResolverInterval() time.Duration {
	return time.Duration(s.ResolverIntervalMs) * time.Millisecond
}

// TTL converts the registry entry lifetime.
func (d Discovery) TTL() time.Duration { return time.Duration(d.TTLMs) * time.Millisecond }

// Validate rejects option sets a server cannot start with. The session and
// mesh layers re-check the options they own; this catches what only the
// whole picture shows.
func (s Server) Validate() error {
	if s.Type() == route.ServerTypeUnknown {
		return fmt.Errorf("config: unknown server_type %q", s.ServerType)
	}
	if s.ServerID == "" {
		return fmt.Errorf("config: server_id required")
	}
	if s.ServiceID == 0 {
		return fmt.Errorf("config: service_id must be nonzero")
	}
	if s.BindEndpoint == "" {
		return fmt.Errorf("config: bind_endpoint required")
	}
	if s.TCPPort < 0 || s.TCPPort > 65535 {
		return fmt.Errorf("config: tcp_port %d out of range", s.TCPPort)
	}
	if s.WSPort < 0 || s.WSPort > 65535 {
		return fmt.Errorf("config: ws_port %d out of range", s.WSPort)
	}
	if s.Type() == route.ServerTypePlay && s.TCPPort == 0 && s.WSPort == 0 {
		return fmt.Errorf("config: a play server needs tcp_port or ws_port")
	}
	if s.WSPort != 0 && !strings.HasPrefix(s.WSPath, "/") {
		return fmt.Errorf("config: ws_path %q must start with /", s.WSPath)
	}
	if s.UseSSL && (s.CertFile == "" || s.KeyFile == "") {
		return fmt.Errorf("config: use_ssl requires cert_file and key_file")
	}
	if s.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("config: heartbeat_interval_ms must be positive")
	}
	if s.ConnectionIdleTimeoutMs <= s.HeartbeatIntervalMs {
		// Клиенты шлют пинг раз в heartbeat-интервал; окно меньше него
		// роняет живые сессии.
		return fmt.Errorf("config: connection_idle_timeout_ms %d must exceed heartbeat_interval_ms %d",
			s.ConnectionIdleTimeoutMs, s.HeartbeatIntervalMs)
	}
	if s.RequestTimeoutMs <= 0 {
		return fmt.Errorf("config: request_timeout_ms must be positive")
	}
	if s.ResolverIntervalMs <= 0 {
		return fmt.Errorf("config: resolver_interval_ms must be positive")
	}
	if s.StageWorkerPoolSize < 0 {
		return fmt.Errorf("config: stage_worker_pool_size must not be negative")
	}
	if s.MaxBodySize <= 0 {
		return fmt.Errorf("config: max_body_size must be positive")
	}
	if s.CompressionThreshold <= 0 {
		return fmt.Errorf("config: compression_threshold must be positive")
	}
	return s.Discovery.validate()
}

func (d Discovery) validate() error {
	switch d.Kind {
	case "static":
		for i, m := range d.Static {
			if m.ServerID == "" || m.Address == "" {
				return fmt.Errorf("config: static discovery entry %d needs server_id and address", i)
			}
			if route.ParseServerType(m.ServerType) == route.ServerTypeUnknown {
				return fmt.Errorf("config: static discovery entry %q: unknown server_type %q", m.ServerID, m.ServerType)
			}
		}
	case "postgres":
		if d.DSN == "" {
			return fmt.Errorf("config: postgres discovery needs dsn")
		}
	case "redis":
		if d.Addr == "" {
			return fmt.Errorf("config: redis discovery needs addr")
		}
	default:
		return fmt.Errorf("config: unknown discovery kind %q", d.Kind)
	}
	return nil
}
