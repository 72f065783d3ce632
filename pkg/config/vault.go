package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretResolver overlays connection secrets read from Vault's KV v2 engine
// onto an already-loaded Config, adapting the teacher's
// internal/adapter/vault/secret_manager.go (one client, one read-path-per-secret)
// from database/API-key lookups to the gateway's own secrets: the Redis,
// NATS, and RabbitMQ connection URLs.
type SecretResolver struct {
	client *api.Client
}

// NewSecretResolver dials Vault using the given address and token. It does
// not itself read any secret, so a misconfigured-but-unused Vault section
// never blocks startup.
func NewSecretResolver(address, token string) (*SecretResolver, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)

	return &SecretResolver{client: client}, nil
}

func (r *SecretResolver) readField(path, field string) (string, error) {
	secret, err := r.client.Logical().Read(path)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault read %s: no secret at path", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("vault read %s: unexpected secret shape", path)
	}
	value, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("vault read %s: field %q missing or not a string", path, field)
	}
	return value, nil
}

// ResolveConnectionSecrets overlays cfg.Redis.URL, cfg.NATS.URL, and
// cfg.RabbitMQ.URL with values read from Vault's secret/data/ocpp-gateway
// path, when present, leaving the Viper-loaded defaults untouched for any
// secret Vault doesn't have. A missing path is not an error: it means the
// operator relies on the env/file configuration for that transport.
func (r *SecretResolver) ResolveConnectionSecrets(cfg *Config) error {
	const path = "secret/data/ocpp-gateway"

	if url, err := r.readField(path, "redis_url"); err == nil {
		cfg.Redis.URL = url
	}
	if url, err := r.readField(path, "nats_url"); err == nil {
		cfg.NATS.URL = url
	}
	if url, err := r.readField(path, "rabbitmq_url"); err == nil {
		cfg.RabbitMQ.URL = url
	}
	return nil
}
