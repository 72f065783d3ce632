package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/vault/api"
)

func TestResolveConnectionSecrets_OverlaysPresentFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{
					"redis_url": "redis://vault-resolved:6379/0",
					"nats_url":  "nats://vault-resolved:4222",
				},
			},
		})
	}))
	defer srv.Close()

	cfg := api.DefaultConfig()
	cfg.Address = srv.URL
	client, err := api.NewClient(cfg)
	if err != nil {
		t.Fatalf("new vault client: %v", err)
	}
	client.SetToken("test-token")
	resolver := &SecretResolver{client: client}

	c := Default()
	c.RabbitMQ.URL = "amqp://unchanged:5672"
	if err := resolver.ResolveConnectionSecrets(&c); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if c.Redis.URL != "redis://vault-resolved:6379/0" {
		t.Fatalf("expected redis url overlaid, got %q", c.Redis.URL)
	}
	if c.NATS.URL != "nats://vault-resolved:4222" {
		t.Fatalf("expected nats url overlaid, got %q", c.NATS.URL)
	}
	if c.RabbitMQ.URL != "amqp://unchanged:5672" {
		t.Fatalf("expected rabbitmq url untouched when vault has no field for it, got %q", c.RabbitMQ.URL)
	}
}

func TestResolveConnectionSecrets_MissingPathLeavesDefaultsUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := api.DefaultConfig()
	cfg.Address = srv.URL
	client, err := api.NewClient(cfg)
	if err != nil {
		t.Fatalf("new vault client: %v", err)
	}
	resolver := &SecretResolver{client: client}

	c := Default()
	want := c.Redis.URL
	if err := resolver.ResolveConnectionSecrets(&c); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Redis.URL != want {
		t.Fatalf("expected redis url to remain %q, got %q", want, c.Redis.URL)
	}
}
