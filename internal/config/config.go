package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Relay         RelayConfig     `yaml:"relay"`
	Redis         RedisConfig     `yaml:"redis"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat"`
	Observability ObsConfig       `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	TLSCertFile         string `yaml:"tls_cert_file"`
	TLSKeyFile          string `yaml:"tls_key_file"`
}

type AuthConfig struct {
	LegacyEnabled         bool   `yaml:"legacy_enabled"`
	LegacyToken           string `yaml:"legacy_token"`
	ServiceURL            string `yaml:"service_url"`
	ServiceTimeoutSeconds int    `yaml:"service_timeout_seconds"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst"`
}

type RelayConfig struct {
	BinaryPath       string `yaml:"binary_path"`
	DataDir          string `yaml:"data_dir"`
	BindAddr         string `yaml:"bind_addr"`
	PublicHost       string `yaml:"public_host"`
	ControlPortStart int    `yaml:"control_port_start"`
	ControlPortEnd   int    `yaml:"control_port_end"`
	TunnelPortStart  int    `yaml:"tunnel_port_start"`
	TunnelPortEnd    int    `yaml:"tunnel_port_end"`
	TokenBytes       int    `yaml:"token_bytes"`
	StopGraceSeconds int    `yaml:"stop_grace_seconds"`
	SpawnProbeMillis int    `yaml:"spawn_probe_millis"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":8080",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
		},
		Auth: AuthConfig{
			LegacyEnabled:         false,
			ServiceTimeoutSeconds: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   100,
			GlobalBurst: 200,
			PerIPRPS:    20,
			PerIPBurst:  40,
		},
		Relay: RelayConfig{
			BinaryPath:       "/usr/local/bin/rathole",
			DataDir:          "/var/lib/tunneld/instances",
			BindAddr:         "0.0.0.0",
			PublicHost:       "127.0.0.1",
			ControlPortStart: 7000,
			ControlPortEnd:   7099,
			TunnelPortStart:  30000,
			TunnelPortEnd:    30999,
			TokenBytes:       16,
			StopGraceSeconds: 5,
			SpawnProbeMillis: 500,
		},
		Redis: RedisConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    6379,
		},
		Heartbeat:     HeartbeatConfig{IntervalSeconds: 30},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("TUNNELD_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "TUNNELD_LISTEN_ADDR")
	setString(&cfg.Server.Version, "TUNNELD_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "TUNNELD_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "TUNNELD_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "TUNNELD_IDLE_TIMEOUT_SECONDS")
	setString(&cfg.Server.TLSCertFile, "TUNNELD_TLS_CERT_FILE")
	setString(&cfg.Server.TLSKeyFile, "TUNNELD_TLS_KEY_FILE")

	setBool(&cfg.Auth.LegacyEnabled, "TUNNELD_LEGACY_AUTH_ENABLED")
	setString(&cfg.Auth.LegacyToken, "TUNNELD_LEGACY_TOKEN")
	setString(&cfg.Auth.ServiceURL, "TUNNELD_AUTH_SERVICE_URL")
	setInt(&cfg.Auth.ServiceTimeoutSeconds, "TUNNELD_AUTH_SERVICE_TIMEOUT_SECONDS")

	setBool(&cfg.RateLimit.Enabled, "TUNNELD_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "TUNNELD_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "TUNNELD_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "TUNNELD_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "TUNNELD_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Relay.BinaryPath, "TUNNELD_RELAY_BINARY")
	setString(&cfg.Relay.DataDir, "TUNNELD_DATA_DIR")
	setString(&cfg.Relay.BindAddr, "TUNNELD_RELAY_BIND_ADDR")
	setString(&cfg.Relay.PublicHost, "TUNNELD_PUBLIC_HOST")
	setInt(&cfg.Relay.ControlPortStart, "TUNNELD_CONTROL_PORT_START")
	setInt(&cfg.Relay.ControlPortEnd, "TUNNELD_CONTROL_PORT_END")
	setInt(&cfg.Relay.TunnelPortStart, "TUNNELD_TUNNEL_PORT_START")
	setInt(&cfg.Relay.TunnelPortEnd, "TUNNELD_TUNNEL_PORT_END")
	setInt(&cfg.Relay.TokenBytes, "TUNNELD_TOKEN_BYTES")
	setInt(&cfg.Relay.StopGraceSeconds, "TUNNELD_STOP_GRACE_SECONDS")
	setInt(&cfg.Relay.SpawnProbeMillis, "TUNNELD_SPAWN_PROBE_MILLIS")

	setBool(&cfg.Redis.Enabled, "TUNNELD_REDIS_ENABLED")
	setString(&cfg.Redis.Host, "TUNNELD_REDIS_HOST")
	setInt(&cfg.Redis.Port, "TUNNELD_REDIS_PORT")
	setInt(&cfg.Redis.DB, "TUNNELD_REDIS_DB")
	setString(&cfg.Redis.Password, "TUNNELD_REDIS_PASSWORD")

	setInt(&cfg.Heartbeat.IntervalSeconds, "TUNNELD_HEARTBEAT_INTERVAL_SECONDS")

	setString(&cfg.Observability.LogLevel, "TUNNELD_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "TUNNELD_METRICS_PATH")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Auth.LegacyEnabled && cfg.Auth.LegacyToken == "" {
		return errors.New("TUNNELD_LEGACY_TOKEN is required when legacy auth is enabled")
	}
	if !cfg.Auth.LegacyEnabled && cfg.Auth.ServiceURL == "" {
		return errors.New("auth service url is required when legacy auth is disabled")
	}
	if cfg.Auth.ServiceURL != "" && cfg.Auth.ServiceTimeoutSeconds <= 0 {
		return errors.New("auth service timeout must be > 0")
	}
	if cfg.Relay.BinaryPath == "" {
		return errors.New("relay binary path is required")
	}
	if cfg.Relay.DataDir == "" {
		return errors.New("relay data dir is required")
	}
	if err := validateRange("control", cfg.Relay.ControlPortStart, cfg.Relay.ControlPortEnd); err != nil {
		return err
	}
	if err := validateRange("tunnel", cfg.Relay.TunnelPortStart, cfg.Relay.TunnelPortEnd); err != nil {
		return err
	}
	if overlaps(cfg.Relay.ControlPortStart, cfg.Relay.ControlPortEnd, cfg.Relay.TunnelPortStart, cfg.Relay.TunnelPortEnd) {
		return errors.New("control and tunnel port ranges must not overlap")
	}
	if cfg.Relay.TokenBytes < 8 {
		return errors.New("token bytes must be >= 8")
	}
	if cfg.Relay.StopGraceSeconds <= 0 {
		return errors.New("stop grace must be > 0")
	}
	if cfg.Heartbeat.IntervalSeconds <= 0 {
		return errors.New("heartbeat interval must be > 0")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return errors.New("per-ip rate limit values must be > 0")
		}
	}
	return nil
}

func validateRange(name string, start, end int) error {
	if start <= 0 || start > 65535 || end <= 0 || end > 65535 {
		return fmt.Errorf("%s port range must be within 1..65535", name)
	}
	if start > end {
		return fmt.Errorf("%s port range start exceeds end", name)
	}
	return nil
}

func overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return aStart <= bEnd && bStart <= aEnd
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
