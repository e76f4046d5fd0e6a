// Package config provides configuration loading and validation for the
// relay worker.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/relayd/main.go)
//  2. Environment variables (RELAY_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from RELAY_CATEGORY_SETTING format,
// e.g., RELAY_SERVER_LISTEN maps to server.listen in YAML.
//
// All configuration is validated during Load() to ensure correctness
// early. The core never parses the service table or M3U files itself
// this package only owns the worker-local tunables below.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Uses RELAY_ prefix: RELAY_SERVER_LISTEN -> server.listen
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.workers", "auto")
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.shutdown_grace", "5s")

	// Buffer pool defaults (16,384 buffers of 1536B is roughly 24MB)
	v.SetDefault("pool.buffer_size", 1536)
	v.SetDefault("pool.initial_count", 16384)
	v.SetDefault("pool.max_count", 65536)
	v.SetDefault("pool.expansion_factor", 1.5)
	v.SetDefault("pool.idle_contraction", "5s")

	// Send queue defaults
	v.SetDefault("sendqueue.max_queued_bytes", 512*1024)
	v.SetDefault("sendqueue.slow_client_grace", "3s")
	v.SetDefault("sendqueue.zero_copy", false)

	// RTP ingress defaults
	v.SetDefault("rtp.reorder_timeout", "150ms")
	v.SetDefault("rtp.reorder_max_span", 512)
	v.SetDefault("rtp.fec_block_timeout", "300ms")

	// FCC defaults (80ms request timeout before falling back to multicast)
	v.SetDefault("fcc.request_timeout", "80ms")
	v.SetDefault("fcc.sync_timeout", "2s")
	v.SetDefault("fcc.nat_keepalive", "500ms")
	v.SetDefault("fcc.max_redirects", 3)

	// RTSP defaults
	v.SetDefault("rtsp.read_timeout", "5s")
	v.SetDefault("rtsp.stun_server", "")
	v.SetDefault("rtsp.stun_timeout", "1s")

	// HTTP proxy defaults
	v.SetDefault("httpproxy.outbound_interface", "")
	v.SetDefault("httpproxy.dial_timeout", "5s")

	// Multicast defaults (rejoin disabled by default)
	v.SetDefault("multicast.interface", "")
	v.SetDefault("multicast.recv_buffer_bytes", 512*1024)
	v.SetDefault("multicast.rejoin_interval", "0s")
	v.SetDefault("multicast.privileged", false)

	// Dispatch defaults
	v.SetDefault("dispatch.url_templates_enabled", true)
	v.SetDefault("dispatch.auth_token", "")
	v.SetDefault("dispatch.expected_host", "")

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Admission control defaults: per-connection admission rather than
	// per-query rate limiting
	v.SetDefault("rate_limit.cleanup_seconds", 60.0)
	v.SetDefault("rate_limit.max_connections", 0)
	v.SetDefault("rate_limit.global_qps", 0.0)
	v.SetDefault("rate_limit.global_burst", 0)
	v.SetDefault("rate_limit.ip_qps", 0.0)
	v.SetDefault("rate_limit.ip_burst", 0)

	// Status ring defaults
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.ring_capacity", 4096)
	v.SetDefault("status.sample_interval", "1s")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadServerConfig(v, cfg)
	loadPoolConfig(v, cfg)
	loadSendQueueConfig(v, cfg)
	loadRTPConfig(v, cfg)
	loadFCCConfig(v, cfg)
	loadRTSPConfig(v, cfg)
	loadHTTPProxyConfig(v, cfg)
	loadMulticastConfig(v, cfg)
	loadDispatchConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadRateLimitConfig(v, cfg)
	loadStatusConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.Listen = v.GetString("server.listen")
	cfg.Server.MaxConnections = v.GetInt("server.max_connections")
	cfg.Server.ShutdownGrace = v.GetString("server.shutdown_grace")
	cfg.Server.WorkersRaw = v.GetString("server.workers")
	cfg.Server.Workers = parseWorkers(cfg.Server.WorkersRaw)
}

func loadPoolConfig(v *viper.Viper, cfg *Config) {
	cfg.Pool.BufferSize = v.GetInt("pool.buffer_size")
	cfg.Pool.InitialCount = v.GetInt("pool.initial_count")
	cfg.Pool.MaxCount = v.GetInt("pool.max_count")
	cfg.Pool.ExpansionFactor = v.GetFloat64("pool.expansion_factor")
	cfg.Pool.IdleContraction = v.GetString("pool.idle_contraction")
}

func loadSendQueueConfig(v *viper.Viper, cfg *Config) {
	cfg.SendQueue.MaxQueuedBytes = v.GetInt("sendqueue.max_queued_bytes")
	cfg.SendQueue.SlowClientGrace = v.GetString("sendqueue.slow_client_grace")
	cfg.SendQueue.ZeroCopy = v.GetBool("sendqueue.zero_copy")
}

func loadRTPConfig(v *viper.Viper, cfg *Config) {
	cfg.RTP.ReorderTimeout = v.GetString("rtp.reorder_timeout")
	cfg.RTP.ReorderMaxSpan = v.GetInt("rtp.reorder_max_span")
	cfg.RTP.FECBlockTimeout = v.GetString("rtp.fec_block_timeout")
}

func loadFCCConfig(v *viper.Viper, cfg *Config) {
	cfg.FCC.RequestTimeout = v.GetString("fcc.request_timeout")
	cfg.FCC.SyncTimeout = v.GetString("fcc.sync_timeout")
	cfg.FCC.NATKeepalive = v.GetString("fcc.nat_keepalive")
	cfg.FCC.MaxRedirects = v.GetInt("fcc.max_redirects")
}

func loadRTSPConfig(v *viper.Viper, cfg *Config) {
	cfg.RTSP.ReadTimeout = v.GetString("rtsp.read_timeout")
	cfg.RTSP.STUNServer = v.GetString("rtsp.stun_server")
	cfg.RTSP.STUNTimeout = v.GetString("rtsp.stun_timeout")
}

func loadHTTPProxyConfig(v *viper.Viper, cfg *Config) {
	cfg.HTTPProxy.OutboundInterface = v.GetString("httpproxy.outbound_interface")
	cfg.HTTPProxy.DialTimeout = v.GetString("httpproxy.dial_timeout")
}

func loadMulticastConfig(v *viper.Viper, cfg *Config) {
	cfg.Multicast.Interface = v.GetString("multicast.interface")
	cfg.Multicast.RecvBufferBytes = v.GetInt("multicast.recv_buffer_bytes")
	cfg.Multicast.RejoinInterval = v.GetString("multicast.rejoin_interval")
	cfg.Multicast.Privileged = v.GetBool("multicast.privileged")
}

func loadDispatchConfig(v *viper.Viper, cfg *Config) {
	cfg.Dispatch.URLTemplatesEnabled = v.GetBool("dispatch.url_templates_enabled")
	cfg.Dispatch.AuthToken = v.GetString("dispatch.auth_token")
	cfg.Dispatch.ExpectedHost = v.GetString("dispatch.expected_host")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadRateLimitConfig(v *viper.Viper, cfg *Config) {
	cfg.RateLimit.CleanupSeconds = v.GetFloat64("rate_limit.cleanup_seconds")
	cfg.RateLimit.MaxConnections = v.GetInt("rate_limit.max_connections")
	cfg.RateLimit.GlobalQPS = v.GetFloat64("rate_limit.global_qps")
	cfg.RateLimit.GlobalBurst = v.GetInt("rate_limit.global_burst")
	cfg.RateLimit.IPQPS = v.GetFloat64("rate_limit.ip_qps")
	cfg.RateLimit.IPBurst = v.GetInt("rate_limit.ip_burst")
}

func loadStatusConfig(v *viper.Viper, cfg *Config) {
	cfg.Status.Enabled = v.GetBool("status.enabled")
	cfg.Status.RingCapacity = v.GetInt("status.ring_capacity")
	cfg.Status.SampleInterval = v.GetString("status.sample_interval")
}

// parseWorkers converts the workers string to WorkerSetting.
func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		return errors.New("server.listen must not be empty")
	}

	if cfg.Pool.BufferSize <= 0 {
		cfg.Pool.BufferSize = 1536
	}
	if cfg.Pool.InitialCount <= 0 {
		return errors.New("pool.initial_count must be > 0")
	}
	if cfg.Pool.MaxCount < cfg.Pool.InitialCount {
		cfg.Pool.MaxCount = cfg.Pool.InitialCount
	}
	if cfg.Pool.ExpansionFactor <= 1.0 {
		cfg.Pool.ExpansionFactor = 1.5
	}

	if cfg.SendQueue.MaxQueuedBytes <= 0 {
		return errors.New("sendqueue.max_queued_bytes must be > 0")
	}

	if cfg.FCC.MaxRedirects <= 0 {
		cfg.FCC.MaxRedirects = 3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.Status.RingCapacity <= 0 {
		cfg.Status.RingCapacity = 4096
	}

	return nil
}
