package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"swarmlog/pkg/blockstore"
	"swarmlog/pkg/pubsub"
	"swarmlog/pkg/store"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the root configuration of a node, loaded from yaml.
type Config struct {
	Logger    LoggerConfig      `yaml:"logger"`
	Server    ServerConfig      `yaml:"http-server"`
	Node      NodeConfig        `yaml:"node"`
	Blocks    blockstore.Config `yaml:"blocks"`
	Store     store.Config      `yaml:"store"`
	Mesh      pubsub.MeshConfig `yaml:"mesh"`
	ZooKeeper pubsub.ZKConfig   `yaml:"zookeeper"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type NodeConfig struct {
	// IdentityFile holds the node id. It is created on first start.
	IdentityFile string `yaml:"identity_file"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Node: NodeConfig{
			IdentityFile: "./data/node.id",
		},
		Blocks: blockstore.Config{
			Path:             "./data/blocks.sqlite",
			CacheBytes:       64 << 20,
			CompressionLevel: 3,
		},
		Store:     store.DefaultConfig(),
		Mesh:      pubsub.DefaultMeshConfig(),
		ZooKeeper: pubsub.ZKConfig{Root: "/swarmlog", SessionTimeout: 5 * time.Second},
	}
}

func (c Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("%w: logger level %q", ErrInvalidConfig, c.Logger.Level)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Node.IdentityFile == "" {
		return fmt.Errorf("%w: node identity file is empty", ErrInvalidConfig)
	}
	if c.Blocks.Path == "" {
		return fmt.Errorf("%w: block store path is empty", ErrInvalidConfig)
	}
	if c.Mesh.Self == "" {
		return fmt.Errorf("%w: mesh self address is empty", ErrInvalidConfig)
	}
	if len(c.ZooKeeper.Servers) > 0 && c.ZooKeeper.Root == "" {
		return fmt.Errorf("%w: zookeeper root is empty", ErrInvalidConfig)
	}
	return c.Store.Validate()
}
