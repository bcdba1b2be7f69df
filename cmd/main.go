package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	apihttp "swarmlog/internal/http"
	"swarmlog/pkg/blockstore"
	"swarmlog/pkg/pubsub"
	"swarmlog/pkg/store"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmlog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := os.Getenv("SWARMLOG_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := initConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogger(&cfg)

	node, err := initNodeID(cfg.Node.IdentityFile)
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Blocks.Path), 0o755); err != nil {
		return err
	}
	blocks, err := blockstore.Open(cfg.Blocks)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}
	defer blocks.Close()

	mesh := pubsub.NewMesh(cfg.Mesh)
	defer mesh.Close()

	if len(cfg.ZooKeeper.Servers) > 0 {
		discovery, err := pubsub.NewZKDiscovery(cfg.ZooKeeper, cfg.Mesh.Self)
		if err != nil {
			return fmt.Errorf("connect to zookeeper: %w", err)
		}
		defer discovery.Close()

		if err := discovery.RegisterSelf(); err != nil {
			return fmt.Errorf("register in zookeeper: %w", err)
		}
		go discovery.Run(ctx, mesh)
	}

	st, err := store.New(cfg.Store, node, blocks, mesh)
	if err != nil {
		return fmt.Errorf("start store: %w", err)
	}
	defer st.Close()

	server := apihttp.NewServer(st, blocks, mesh, strconv.Itoa(cfg.Server.Port))
	server.SetReadHeaderTimeout(cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("swarmlog node running", "node", node.String(), "self", cfg.Mesh.Self)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("failed to stop server", "error", err)
	}
	slog.Info("swarmlog node stopped")
	return nil
}
