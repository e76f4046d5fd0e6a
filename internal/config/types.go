// Package config provides configuration loading for the relay worker using
// Viper. Configuration is loaded from YAML files with automatic
// environment variable binding.
//
// Environment variables use the RELAY_ prefix and underscore-separated
// keys:
//   - RELAY_SERVER_LISTEN -> server.listen
//   - RELAY_SERVER_WORKERS -> server.workers
//   - RELAY_POOL_BUFFER_SIZE -> pool.buffer_size
//   - RELAY_SENDQUEUE_SLOW_CLIENT_GRACE -> sendqueue.slow_client_grace
//
// The core never parses the service table or M3U files itself (spec.md
// §6.3); this package only owns the worker-local tunables listed below.
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how worker count is determined.
type WorkersMode int

const (
	// WorkersAuto automatically determines worker count based on available CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific worker count.
	WorkersFixed
)

// WorkerSetting represents the workers configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig contains listen/process-sharding settings.
type ServerConfig struct {
	Listen         string        `yaml:"listen"          mapstructure:"listen"`
	WorkersRaw     string        `yaml:"workers"         mapstructure:"workers"`
	Workers        WorkerSetting `yaml:"-"               mapstructure:"-"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	ShutdownGrace  string        `yaml:"shutdown_grace"  mapstructure:"shutdown_grace"`
}

// PoolConfig controls the zero-copy buffer pool.
type PoolConfig struct {
	BufferSize      int     `yaml:"buffer_size"      mapstructure:"buffer_size"`
	InitialCount    int     `yaml:"initial_count"    mapstructure:"initial_count"`
	MaxCount        int     `yaml:"max_count"        mapstructure:"max_count"`
	ExpansionFactor float64 `yaml:"expansion_factor" mapstructure:"expansion_factor"`
	IdleContraction string  `yaml:"idle_contraction" mapstructure:"idle_contraction"`
}

// SendQueueConfig controls per-client backpressure and slow-client
// detection.
type SendQueueConfig struct {
	MaxQueuedBytes  int    `yaml:"max_queued_bytes"   mapstructure:"max_queued_bytes"`
	SlowClientGrace string `yaml:"slow_client_grace"  mapstructure:"slow_client_grace"`
	ZeroCopy        bool   `yaml:"zero_copy"          mapstructure:"zero_copy"`
}

// RTPConfig controls the reorder buffer and FEC decoder.
type RTPConfig struct {
	ReorderTimeout string `yaml:"reorder_timeout" mapstructure:"reorder_timeout"`
	ReorderMaxSpan int    `yaml:"reorder_max_span" mapstructure:"reorder_max_span"`
	FECBlockTimeout string `yaml:"fec_block_timeout" mapstructure:"fec_block_timeout"`
}

// FCCConfig controls fast-channel-change timing and bounds.
type FCCConfig struct {
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout"`
	SyncTimeout    string `yaml:"sync_timeout"    mapstructure:"sync_timeout"`
	NATKeepalive   string `yaml:"nat_keepalive"   mapstructure:"nat_keepalive"`
	MaxRedirects   int    `yaml:"max_redirects"   mapstructure:"max_redirects"`
}

// RTSPConfig controls the RTSP client.
type RTSPConfig struct {
	ReadTimeout string `yaml:"read_timeout" mapstructure:"read_timeout"`
	STUNServer  string `yaml:"stun_server"  mapstructure:"stun_server"`
	STUNTimeout string `yaml:"stun_timeout" mapstructure:"stun_timeout"`
}

// HTTPProxyConfig controls the plain-HTTP reverse proxy.
type HTTPProxyConfig struct {
	OutboundInterface string `yaml:"outbound_interface" mapstructure:"outbound_interface"`
	DialTimeout       string `yaml:"dial_timeout"       mapstructure:"dial_timeout"`
}

// MulticastConfig controls join/leave and the privileged receive-buffer
// path.
type MulticastConfig struct {
	Interface      string `yaml:"interface"        mapstructure:"interface"`
	RecvBufferBytes int   `yaml:"recv_buffer_bytes" mapstructure:"recv_buffer_bytes"`
	RejoinInterval string `yaml:"rejoin_interval"  mapstructure:"rejoin_interval"`
	Privileged     bool   `yaml:"privileged"       mapstructure:"privileged"`
}

// DispatchConfig controls the service dispatcher.
type DispatchConfig struct {
	URLTemplatesEnabled bool   `yaml:"url_templates_enabled" mapstructure:"url_templates_enabled"`
	AuthToken           string `yaml:"auth_token"            mapstructure:"auth_token"`
	// ExpectedHost rejects requests whose Host header names a different
	// host (DNS-rebinding hardening); empty disables the check.
	ExpectedHost string `yaml:"expected_host" mapstructure:"expected_host"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// RateLimitConfig controls per-connection admission: a token bucket
// repurposed from per-query rate limiting to graceful-shutdown /
// capacity-rejection admission control.
type RateLimitConfig struct {
	CleanupSeconds float64 `yaml:"cleanup_seconds" mapstructure:"cleanup_seconds" json:"cleanup_seconds"`
	MaxConnections int     `yaml:"max_connections" mapstructure:"max_connections" json:"max_connections"`
	GlobalQPS      float64 `yaml:"global_qps"      mapstructure:"global_qps"      json:"global_qps"`
	GlobalBurst    int     `yaml:"global_burst"    mapstructure:"global_burst"    json:"global_burst"`
	IPQPS          float64 `yaml:"ip_qps"          mapstructure:"ip_qps"          json:"ip_qps"`
	IPBurst        int     `yaml:"ip_burst"        mapstructure:"ip_burst"        json:"ip_burst"`
}

// StatusConfig controls the supervisor status ring.
type StatusConfig struct {
	Enabled        bool   `yaml:"enabled"         mapstructure:"enabled"`
	RingCapacity   int    `yaml:"ring_capacity"   mapstructure:"ring_capacity"`
	SampleInterval string `yaml:"sample_interval" mapstructure:"sample_interval"`
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig    `yaml:"server"     mapstructure:"server"`
	Pool       PoolConfig      `yaml:"pool"       mapstructure:"pool"`
	SendQueue  SendQueueConfig `yaml:"sendqueue"  mapstructure:"sendqueue"`
	RTP        RTPConfig       `yaml:"rtp"        mapstructure:"rtp"`
	FCC        FCCConfig       `yaml:"fcc"        mapstructure:"fcc"`
	RTSP       RTSPConfig      `yaml:"rtsp"       mapstructure:"rtsp"`
	HTTPProxy  HTTPProxyConfig `yaml:"httpproxy"  mapstructure:"httpproxy"`
	Multicast  MulticastConfig `yaml:"multicast"  mapstructure:"multicast"`
	Dispatch   DispatchConfig  `yaml:"dispatch"   mapstructure:"dispatch"`
	Logging    LoggingConfig   `yaml:"logging"    mapstructure:"logging"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Status     StatusConfig    `yaml:"status"     mapstructure:"status"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (RELAY_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
