package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

type ZKConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// PeerSetter receives the current peer set.
type PeerSetter interface {
	SetPeers(addrs []string)
}

// ZKDiscovery registers this node as an ephemeral znode and watches the others.
type ZKDiscovery struct {
	conn  *zk.Conn
	root  string
	local string
}

func NewZKDiscovery(cfg ZKConfig, localAddr string) (*ZKDiscovery, error) {
	conn, _, err := zk.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKDiscovery{
		conn:  conn,
		root:  strings.TrimRight(cfg.Root, "/"),
		local: localAddr,
	}, nil
}

func (d *ZKDiscovery) Close() error {
	d.conn.Close()
	return nil
}

func (d *ZKDiscovery) nodesPath() string {
	return d.root + "/nodes"
}

func (d *ZKDiscovery) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral znode for this node.
func (d *ZKDiscovery) RegisterSelf() error {
	if err := d.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := d.ensurePath(d.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := path.Join(d.nodesPath(), encodePeer(d.local))
	_, err := d.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	slog.Info("registered in zookeeper", "path", nodePath)
	return nil
}

// Run keeps peers in sync with the registered nodes until ctx is done.
func (d *ZKDiscovery) Run(ctx context.Context, peers PeerSetter) {
	for {
		children, _, ch, err := d.conn.ChildrenW(d.nodesPath())
		if err != nil {
			slog.Warn("zookeeper watch failed", "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		peers.SetPeers(decodePeers(children))

		select {
		case ev := <-ch:
			slog.Debug("zookeeper event", "type", ev.Type.String(), "path", ev.Path)
		case <-ctx.Done():
			slog.Info("zookeeper watch stopped")
			return
		}
	}
}

func (d *ZKDiscovery) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// znode names cannot contain slashes, so addresses are query escaped.
func encodePeer(addr string) string {
	return url.QueryEscape(addr)
}

func decodePeers(children []string) []string {
	out := make([]string, 0, len(children))
	for _, c := range children {
		addr, err := url.QueryUnescape(c)
		if err != nil {
			slog.Warn("skipping malformed peer znode", "name", c)
			continue
		}
		out = append(out, addr)
	}
	return out
}
