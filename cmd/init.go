package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"swarmlog/pkg/config"
	"swarmlog/pkg/types"
)

// initConfig loads the yaml config on top of config.Default(). A missing file yields the defaults.
// SWARMLOG_NODE_ADDR and ZK_SERVERS override the mesh address and zookeeper servers.
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using default config", "path", path)
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if addr := os.Getenv("SWARMLOG_NODE_ADDR"); addr != "" {
		cfg.Mesh.Self = addr
	}
	if servers := os.Getenv("ZK_SERVERS"); servers != "" {
		cfg.ZooKeeper.Servers = strings.Split(servers, ",")
	}

	return cfg, cfg.Validate()
}

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}

// initNodeID loads the node key seed from path, generating an ed25519 key on first start.
// The node id is the public key.
func initNodeID(path string) (types.NodeID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return types.NodeID{}, fmt.Errorf("%w: malformed key in %s", types.ErrInvalidNodeID, path)
		}
		return nodeIDFromKey(ed25519.NewKeyFromSeed(seed))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return types.NodeID{}, err
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return types.NodeID{}, fmt.Errorf("generate node key: %w", err)
	}
	id, err := nodeIDFromKey(key)
	if err != nil {
		return types.NodeID{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.NodeID{}, err
	}
	if err := os.WriteFile(path, []byte(base64.RawURLEncoding.EncodeToString(key.Seed())+"\n"), 0o600); err != nil {
		return types.NodeID{}, fmt.Errorf("write node key: %w", err)
	}
	slog.Info("created node identity", "path", path, "node", id.String())
	return id, nil
}

func nodeIDFromKey(key ed25519.PrivateKey) (types.NodeID, error) {
	return types.NodeIDFromBytes(key.Public().(ed25519.PublicKey))
}
