package pubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"swarmlog/pkg/tree"
)

const (
	GossipEndpoint = "/api/internal/gossip/"
	BlocksEndpoint = "/api/internal/blocks/"
	WSEndpoint     = "/api/internal/ws"
	PeerHeader     = "X-Swarmlog-Peer"

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
	maxBlockSize = 16 << 20
)

type MeshConfig struct {
	// Self is the advertised base URL of this node, e.g. http://10.0.0.1:8080.
	Self           string        `yaml:"self"`
	Peers          []string      `yaml:"peers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		RequestTimeout: 3 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Mesh is a full mesh over HTTP: broadcasts go over websocket links, publishes are
// HTTP posts with retries and blocks are fetched with HTTP gets.
type Mesh struct {
	cfg        MeshConfig
	httpClient *http.Client
	dialer     *websocket.Dialer
	upgrader   websocket.Upgrader
	topics     *topics

	peersMu sync.RWMutex
	peers   map[string]*peerLink

	closeOnce sync.Once
	done      chan struct{}
}

func NewMesh(cfg MeshConfig) *Mesh {
	m := &Mesh{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
		topics:     newTopics(),
		peers:      make(map[string]*peerLink),
		done:       make(chan struct{}),
	}
	m.SetPeers(cfg.Peers)
	return m
}

// SetPeers replaces the peer set. Links to removed peers are closed.
func (m *Mesh) SetPeers(addrs []string) {
	want := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		a = strings.TrimRight(a, "/")
		if a == "" || a == m.cfg.Self {
			continue
		}
		want[a] = struct{}{}
	}

	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for addr, link := range m.peers {
		if _, ok := want[addr]; !ok {
			link.close()
			delete(m.peers, addr)
			slog.Info("peer removed", "peer", addr)
		}
	}
	for addr := range want {
		if _, ok := m.peers[addr]; !ok {
			m.peers[addr] = newPeerLink(addr)
			slog.Info("peer added", "peer", addr)
		}
	}
}

func (m *Mesh) Peers() []string {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		out = append(out, addr)
	}
	return out
}

func (m *Mesh) links() []*peerLink {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make([]*peerLink, 0, len(m.peers))
	for _, l := range m.peers {
		out = append(out, l)
	}
	return out
}

// Broadcast queues the message on every peer link. Messages for peers whose queue
// is full are dropped.
func (m *Mesh) Broadcast(_ context.Context, topic string, data []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	links := m.links()
	if len(links) == 0 {
		return ErrNoPeers
	}
	frame := encodeFrame(topic, m.cfg.Self, data)
	for _, l := range links {
		l.ensureWriter(m)
		select {
		case l.send <- frame:
		default:
			slog.Warn("broadcast queue full, dropping message", "peer", l.addr, "topic", topic)
		}
	}
	return nil
}

// Publish posts the message to every peer, retrying failed posts.
func (m *Mesh) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	links := m.links()
	if len(links) == 0 {
		return ErrNoPeers
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, l := range links {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := m.post(ctx, addr+GossipEndpoint+url.PathEscape(topic), data); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
				mu.Unlock()
			}
		}(l.addr)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Mesh) post(ctx context.Context, target string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if err := m.postOnce(ctx, target, body); err != nil {
			lastErr = err
			slog.Warn("failed to publish gossip, retrying",
				"attempt", attempt+1,
				"target", target,
				"error", err)
			select {
			case <-time.After(m.cfg.RetryDelay * time.Duration(attempt+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to send after %d retries: %w", m.cfg.MaxRetries, lastErr)
}

func (m *Mesh) postOnce(ctx context.Context, target string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(PeerHeader, m.cfg.Self)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (m *Mesh) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}
	return m.topics.subscribe(ctx, topic), nil
}

// Deliver hands a message received from a peer to local subscribers.
func (m *Mesh) Deliver(msg Message) {
	m.topics.deliver(msg)
}

// Fetch asks every peer for the block until one returns data matching the link.
func (m *Mesh) Fetch(ctx context.Context, link tree.Link) ([]byte, error) {
	links := m.links()
	for _, l := range links {
		data, err := m.fetchFrom(ctx, l.addr, link)
		if err != nil {
			slog.Debug("block fetch failed", "peer", l.addr, "cid", link.String(), "error", err)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBlockMissing, link)
}

func (m *Mesh) fetchFrom(ctx context.Context, addr string, link tree.Link) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+BlocksEndpoint+link.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(PeerHeader, m.cfg.Self)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlockSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !link.Verify(data) {
		return nil, fmt.Errorf("block %s failed verification", link)
	}
	return data, nil
}

// ServeWS accepts a broadcast link from a peer and delivers its frames until the
// peer disconnects.
func (m *Mesh) ServeWS(w http.ResponseWriter, r *http.Request) {
	wc, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer wc.Close()

	for {
		op, data, err := wc.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if op != websocket.BinaryMessage {
			continue
		}
		msg, err := decodeFrame(data)
		if err != nil {
			slog.Warn("dropping malformed frame", "remote", r.RemoteAddr, "error", err)
			continue
		}
		m.topics.deliver(msg)
	}
}

func (m *Mesh) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.peersMu.Lock()
		for addr, l := range m.peers {
			l.close()
			delete(m.peers, addr)
		}
		m.peersMu.Unlock()
		m.topics.closeAll()
	})
}

// peerLink is the outbound broadcast connection to one peer. The writer goroutine
// dials on demand and redials after failures.
type peerLink struct {
	addr    string
	send    chan []byte
	stop    chan struct{}
	once    sync.Once
	started sync.Once
}

func newPeerLink(addr string) *peerLink {
	return &peerLink{
		addr: addr,
		send: make(chan []byte, sendBuffer),
		stop: make(chan struct{}),
	}
}

func (l *peerLink) close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *peerLink) ensureWriter(m *Mesh) {
	l.started.Do(func() { go l.run(m) })
}

func (l *peerLink) wsURL() string {
	switch {
	case strings.HasPrefix(l.addr, "https://"):
		return "wss://" + strings.TrimPrefix(l.addr, "https://") + WSEndpoint
	case strings.HasPrefix(l.addr, "http://"):
		return "ws://" + strings.TrimPrefix(l.addr, "http://") + WSEndpoint
	default:
		return "ws://" + l.addr + WSEndpoint
	}
}

func (l *peerLink) run(m *Mesh) {
	for {
		var frame []byte
		select {
		case frame = <-l.send:
		case <-l.stop:
			return
		}

		hdr := http.Header{}
		hdr.Set(PeerHeader, m.cfg.Self)
		wc, _, err := m.dialer.Dial(l.wsURL(), hdr)
		if err != nil {
			slog.Warn("broadcast link dial failed, dropping message", "peer", l.addr, "error", err)
			continue
		}
		l.write(wc, frame)
	}
}

// write sends frames until the connection fails or the link is closed.
func (l *peerLink) write(wc *websocket.Conn, first []byte) {
	defer wc.Close()
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	frame := first
	for {
		if frame != nil {
			wc.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := wc.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				slog.Warn("broadcast link write failed", "peer", l.addr, "error", err)
				return
			}
			frame = nil
		}
		select {
		case frame = <-l.send:
		case <-t.C:
			wc.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.stop:
			wc.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			wc.WriteMessage(websocket.CloseMessage, bye) //nolint:errcheck
			return
		}
	}
}

// frames are "<topic>#<peer>\n<payload>"
func encodeFrame(topic, peer string, data []byte) []byte {
	buf := make([]byte, 0, len(topic)+len(peer)+2+len(data))
	buf = append(buf, topic...)
	buf = append(buf, '#')
	buf = append(buf, peer...)
	buf = append(buf, '\n')
	return append(buf, data...)
}

func decodeFrame(b []byte) (Message, error) {
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return Message{}, errors.New("frame without header")
	}
	head, body := b[:idx], b[idx+1:]
	var peer []byte
	if i := bytes.IndexByte(head, '#'); i >= 0 {
		head, peer = head[:i], head[i+1:]
	}
	if len(head) == 0 {
		return Message{}, errors.New("frame without topic")
	}
	data := make([]byte, len(body))
	copy(data, body)
	return Message{Topic: string(head), Peer: string(peer), Data: data}, nil
}
