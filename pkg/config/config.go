// Package config defines the gateway's configuration schema and loads it
// with Viper, in the teacher's mapstructure-tagged-struct style
// (pkg/config/config.go), narrowed to the knobs this gateway's components
// actually read.
package config

import "time"

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	OCPP     OCPPConfig     `mapstructure:"ocpp"`
	Security SecurityConfig `mapstructure:"security"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	NodeID      string `mapstructure:"node_id"`
}

// OCPPConfig configures the message engine and version adapters (§4.A-D).
type OCPPConfig struct {
	SupportedVersions   []string      `mapstructure:"supported_versions"`
	MaxPayloadBytes     int           `mapstructure:"max_payload_bytes"`
	PendingMessageLimit int           `mapstructure:"pending_message_limit"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	StateStrict         bool          `mapstructure:"state_strict"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`
	ResponseCacheTTL    time.Duration `mapstructure:"response_cache_ttl"`
}

// SecurityConfig configures connection admission (§4.F, §4.H) and rate
// limiting (§4.N), generalizing the teacher's v201 SecurityConfig.
type SecurityConfig struct {
	AuthMode              string        `mapstructure:"auth_mode"` // "none", "basic", "token", "jwt", "mtls"
	AllowedChargePointIDs []string      `mapstructure:"allowed_charge_point_ids"`
	AllowedIPs            []string      `mapstructure:"allowed_ips"`
	RequireSubprotocol    bool          `mapstructure:"require_subprotocol"`
	TLSEnabled            bool          `mapstructure:"tls_enabled"`
	TLSCertFile           string        `mapstructure:"tls_cert_file"`
	TLSKeyFile            string        `mapstructure:"tls_key_file"`
	TLSClientCAFile       string        `mapstructure:"tls_client_ca_file"`
	RequireClientCert     bool          `mapstructure:"require_client_cert"`
	MaxConnectionsPerIP   int           `mapstructure:"max_connections_per_ip"`
	MaxMessagesPerMinute  int           `mapstructure:"max_messages_per_minute"`
	FloodBanDuration      time.Duration `mapstructure:"flood_ban_duration"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type RabbitMQConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// LimitsConfig names the gateway's TTL and sizing knobs from §6.
type LimitsConfig struct {
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	NodeTTL         time.Duration `mapstructure:"node_ttl"`
	RevocationTTL   time.Duration `mapstructure:"revocation_ttl"`
	CommandAuditTTL time.Duration `mapstructure:"command_audit_ttl"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// Default returns the gateway's baked-in defaults, applied before Viper
// overlays file and environment configuration on top.
func Default() Config {
	return Config{
		App: AppConfig{Name: "ocpp-gateway", Environment: "development", NodeID: "node-1"},
		OCPP: OCPPConfig{
			SupportedVersions:   []string{"1.6", "2.0.1", "2.1"},
			MaxPayloadBytes:     256 * 1024,
			PendingMessageLimit: 32,
			CallTimeout:         30 * time.Second,
			HeartbeatInterval:   300 * time.Second,
			StateStrict:         true,
			IdempotencyTTL:      10 * time.Minute,
			ResponseCacheTTL:    2 * time.Minute,
		},
		Security: SecurityConfig{
			AuthMode:             "none",
			RequireSubprotocol:   true,
			MaxConnectionsPerIP:  8,
			MaxMessagesPerMinute: 120,
			FloodBanDuration:     5 * time.Minute,
		},
		Redis:   RedisConfig{URL: "redis://localhost:6379/0"},
		NATS:    NATSConfig{URL: "nats://localhost:4222", Enabled: true},
		Logging: LoggingConfig{Level: "info"},
		HTTP:    HTTPConfig{Port: 8080},
		Limits: LimitsConfig{
			SessionTTL:      90 * time.Second,
			NodeTTL:         30 * time.Second,
			RevocationTTL:   24 * time.Hour,
			CommandAuditTTL: 72 * time.Hour,
			RateLimitWindow: time.Minute,
		},
	}
}
