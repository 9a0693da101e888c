// Package config loads the proxy configuration snapshot. Values come from a
// YAML file overlaid with ORCHIX_-prefixed environment variables; the loaded
// Config is treated as an immutable value by everything downstream.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig    `koanf:"server"`
	Security   SecurityConfig  `koanf:"security"`
	Routing    RoutingConfig   `koanf:"routing"`
	Guardrails GuardrailConfig `koanf:"guardrails"`
	Codec      CodecConfig     `koanf:"codec"`
	Stream     StreamConfig    `koanf:"stream"`
	Backends   []BackendConfig `koanf:"backends"`
	Cache      CacheConfig     `koanf:"cache"`
	Audit      AuditConfig     `koanf:"audit"`
	Registry   RegistryConfig  `koanf:"registry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// SecurityConfig holds the static API key set for the bearer-token
// authorizer. An empty set disables auth (development mode).
type SecurityConfig struct {
	APIKeys []string `koanf:"api_keys"`
}

type RoutingConfig struct {
	Rules          []RouteRuleConfig `koanf:"rules"`
	DefaultBackend string            `koanf:"default_backend"`
	// OnNoMatch is "reject" or "default". With "default", unmatched
	// requests fall through to DefaultBackend.
	OnNoMatch string `koanf:"on_no_match"`
}

type RouteRuleConfig struct {
	Name         string      `koanf:"name"`
	Priority     int         `koanf:"priority"`
	Match        MatchConfig `koanf:"match"`
	Backend      string      `koanf:"backend"`
	DestProtocol string      `koanf:"dest_protocol"`
}

// MatchConfig is a conjunction: every populated field must match.
type MatchConfig struct {
	Headers     map[string]string `koanf:"headers"`
	ModelExact  string            `koanf:"model_exact"`
	ModelPrefix string            `koanf:"model_prefix"`
	// PayloadPaths requires the listed dotted paths to exist in the payload.
	PayloadPaths []string `koanf:"payload_paths"`
}

type GuardrailConfig struct {
	// Chain is the interceptor execution order by name.
	Chain      []string         `koanf:"chain"`
	PII        PIIConfig        `koanf:"pii"`
	ToolPolicy ToolPolicyConfig `koanf:"tool_policy"`
	Schema     SchemaConfig     `koanf:"schema"`
}

type PIIConfig struct {
	Enabled bool `koanf:"enabled"`
	// ExtraPatterns are additional named regexes, "name=pattern".
	ExtraPatterns []string `koanf:"extra_patterns"`
}

type ToolPolicyConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Allowed   []string `koanf:"allowed"`
	Forbidden []string `koanf:"forbidden"`
}

type SchemaConfig struct {
	Enabled bool `koanf:"enabled"`
}

type CodecConfig struct {
	MCP       MCPCodecConfig `koanf:"mcp"`
	A2A       A2ACodecConfig `koanf:"a2a"`
	WebSocket WSCodecConfig  `koanf:"websocket"`
}

type MCPCodecConfig struct {
	ProtocolVersion string `koanf:"protocol_version"`
	MaxFrameBytes   int    `koanf:"max_frame_bytes"`
}

type A2ACodecConfig struct {
	Version string `koanf:"version"`
}

type WSCodecConfig struct {
	MaxMessageBytes int `koanf:"max_message_bytes"`
}

type StreamConfig struct {
	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	ReorderBound     int           `koanf:"reorder_bound"`
	MaxToolCallBytes int           `koanf:"max_tool_call_bytes"`
}

type BackendConfig struct {
	Name     string        `koanf:"name"`
	URL      string        `koanf:"url"`
	Protocol string        `koanf:"protocol"`
	Timeout  time.Duration `koanf:"timeout"`
}

type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	MaxEntries int           `koanf:"max_entries"`
	TTL        time.Duration `koanf:"ttl"`
}

type AuditConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Path      string `koanf:"path"`
	QueueSize int    `koanf:"queue_size"`
}

type RegistryConfig struct {
	Path            string        `koanf:"path"`
	RefreshInterval time.Duration `koanf:"refresh_interval"`
}

// Load reads configuration from the given YAML file (optional) overlaid with
// ORCHIX_-prefixed environment variables, e.g. ORCHIX_SERVER_PORT=3000.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("ORCHIX_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "ORCHIX_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	k.Set("server.port", 3000)
	k.Set("server.request_timeout", "60s")
	k.Set("routing.on_no_match", "reject")
	k.Set("guardrails.chain", []string{"authz", "pii", "tool_policy", "schema"})
	k.Set("guardrails.pii.enabled", true)
	k.Set("guardrails.tool_policy.enabled", true)
	k.Set("codec.mcp.protocol_version", "2024-11-05")
	k.Set("codec.mcp.max_frame_bytes", 4<<20)
	k.Set("codec.a2a.version", "0.2")
	k.Set("codec.websocket.max_message_bytes", 1<<20)
	k.Set("stream.idle_timeout", "30s")
	k.Set("stream.reorder_bound", 64)
	k.Set("stream.max_tool_call_bytes", 256<<10)
	k.Set("cache.max_entries", 1024)
	k.Set("cache.ttl", "5m")
	k.Set("audit.queue_size", 1024)
	k.Set("registry.refresh_interval", "1m")
}
