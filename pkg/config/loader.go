package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads gateway.yaml (if present) overlaid with environment
// variables, following the teacher's pkg/config/loader.go pattern:
// SetConfigName/AddConfigPath, a prefixed env fallback, and a tolerant
// ReadInConfig that only errors on malformed (not missing) files.
func LoadConfig() (*Config, error) {
	cfg := Default()

	viper.SetConfigName("gateway")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/ocpp-gateway")

	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.BindEnv("http.port", "HTTP_PORT", "GATEWAY_HTTP_PORT")
	viper.BindEnv("redis.url", "REDIS_URL", "GATEWAY_REDIS_URL")
	viper.BindEnv("nats.url", "NATS_URL", "GATEWAY_NATS_URL")
	viper.BindEnv("rabbitmq.url", "RABBITMQ_URL", "GATEWAY_RABBITMQ_URL")
	viper.BindEnv("app.node_id", "NODE_ID", "GATEWAY_NODE_ID")
	viper.BindEnv("app.environment", "APP_ENVIRONMENT", "GATEWAY_ENVIRONMENT")
	viper.BindEnv("logging.level", "LOG_LEVEL", "GATEWAY_LOG_LEVEL")
	viper.BindEnv("ocpp.state_strict", "OCPP_STATE_STRICT")
	viper.BindEnv("ocpp.max_payload_bytes", "OCPP_MAX_PAYLOAD_BYTES")
	viper.BindEnv("ocpp.pending_message_limit", "OCPP_PENDING_MESSAGE_LIMIT")
	viper.BindEnv("security.auth_mode", "GATEWAY_AUTH_MODE")
	viper.BindEnv("vault.enabled", "VAULT_ENABLED")
	viper.BindEnv("vault.address", "VAULT_ADDR")
	viper.BindEnv("vault.token", "VAULT_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Vault.Enabled {
		resolver, err := NewSecretResolver(cfg.Vault.Address, cfg.Vault.Token)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		if err := resolver.ResolveConnectionSecrets(&cfg); err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
	}

	return &cfg, nil
}
