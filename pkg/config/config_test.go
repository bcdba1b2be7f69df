package config

import (
	"errors"
	"testing"

	"github.com/goccy/go-yaml"
)

func TestDefaultNeedsSelfAddress(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config without mesh self, got %v", err)
	}
	cfg.Mesh.Self = "http://127.0.0.1:8080"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with self address: %v", err)
	}
}

func TestYAMLOverridesDefaults(t *testing.T) {
	data := []byte(`
logger:
  level: debug
  json: true
http-server:
  port: 9000
mesh:
  self: http://10.0.0.1:9000
  peers: [http://10.0.0.2:9000]
store:
  gossip:
    topic: events
    fast_path: false
`)
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server.Port != 9000 || !cfg.Logger.JSON || len(cfg.Mesh.Peers) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Store.Gossip.Topic != "events" || cfg.Store.Gossip.FastPath || !cfg.Store.Gossip.SlowPath {
		t.Fatalf("unexpected gossip config %+v", cfg.Store.Gossip)
	}
	if cfg.Blocks.Path != Default().Blocks.Path {
		t.Fatalf("default block path lost: %q", cfg.Blocks.Path)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"level", func(c *Config) { c.Logger.Level = "loud" }},
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"identity", func(c *Config) { c.Node.IdentityFile = "" }},
		{"blocks", func(c *Config) { c.Blocks.Path = "" }},
		{"topic", func(c *Config) { c.Store.Gossip.Topic = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Mesh.Self = "http://127.0.0.1:8080"
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
