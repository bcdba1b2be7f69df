// Package blockstore persists content addressed blocks and named aliases in sqlite.
package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zhangyunhao116/skipmap"

	"swarmlog/pkg/tree"
)

type Config struct {
	Path             string `yaml:"path"`
	CacheBytes       int    `yaml:"cache_bytes"`
	CompressionLevel int    `yaml:"compression_level"`
}

func DefaultConfig() Config {
	return Config{
		Path:             "swarmlog.sqlite",
		CacheBytes:       64 << 20,
		CompressionLevel: 3,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS blocks (cid TEXT PRIMARY KEY, data BLOB NOT NULL);
CREATE TABLE IF NOT EXISTS aliases (name BLOB PRIMARY KEY, cid TEXT NOT NULL);
`

type Store struct {
	db    *sql.DB
	codec *codec
	cache *blockCache
	pins  *skipmap.FuncMap[string, *tempPinSet]

	// held for reading by writers, for writing by gc
	gcMu sync.RWMutex
}

func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", cfg.Path, err)
	}
	// sqlite serializes writers; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	c, err := newCodec(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:    db,
		codec: c,
		cache: newBlockCache(cfg.CacheBytes),
		pins: skipmap.NewFunc[string, *tempPinSet](func(a, b string) bool {
			return a < b
		}),
	}, nil
}

func (s *Store) Close() error {
	s.codec.close()
	return s.db.Close()
}

func (s *Store) GetBlock(ctx context.Context, link tree.Link) ([]byte, error) {
	if data, ok := s.cache.get(link); ok {
		return data, nil
	}

	var stored []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM blocks WHERE cid = ?", link.String()).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, link)
	}
	if err != nil {
		return nil, fmt.Errorf("select block %s: %w", link, err)
	}

	data, err := s.codec.decompress(stored)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", link, err)
	}
	s.cache.set(link, data)
	return data, nil
}

func (s *Store) HasBlock(ctx context.Context, link tree.Link) (bool, error) {
	if _, ok := s.cache.get(link); ok {
		return true, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM blocks WHERE cid = ?", link.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count block %s: %w", link, err)
	}
	return n > 0, nil
}

// PutBlocks stores blocks in one transaction. Every block must hash to its link.
func (s *Store) PutBlocks(ctx context.Context, blocks []tree.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	for _, b := range blocks {
		if !b.Link.Verify(b.Data) {
			return fmt.Errorf("%w: %s", ErrHashMismatch, b.Link)
		}
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO blocks (cid, data) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err := stmt.ExecContext(ctx, b.Link.String(), s.codec.compress(b.Data)); err != nil {
			return fmt.Errorf("insert block %s: %w", b.Link, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, b := range blocks {
		s.cache.set(b.Link, b.Data)
	}
	return nil
}

// SetAlias points name at link. A zero link removes the alias.
func (s *Store) SetAlias(ctx context.Context, name []byte, link tree.Link) error {
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	var err error
	if link.IsZero() {
		_, err = s.db.ExecContext(ctx, "DELETE FROM aliases WHERE name = ?", name)
	} else {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO aliases (name, cid) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET cid = excluded.cid",
			name, link.String())
	}
	if err != nil {
		return fmt.Errorf("set alias: %w", err)
	}
	return nil
}

func (s *Store) ResolveAlias(ctx context.Context, name []byte) (tree.Link, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT cid FROM aliases WHERE name = ?", name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return tree.Link{}, false, nil
	}
	if err != nil {
		return tree.Link{}, false, fmt.Errorf("select alias: %w", err)
	}
	link, err := tree.ParseLink(raw)
	if err != nil {
		return tree.Link{}, false, err
	}
	return link, true, nil
}

// Aliases returns every alias with its target.
func (s *Store) Aliases(ctx context.Context) (map[string]tree.Link, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, cid FROM aliases")
	if err != nil {
		return nil, fmt.Errorf("select aliases: %w", err)
	}
	defer rows.Close()

	out := make(map[string]tree.Link)
	for rows.Next() {
		var (
			name []byte
			raw  string
		)
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		link, err := tree.ParseLink(raw)
		if err != nil {
			slog.Warn("skipping alias with invalid link", "cid", raw, "error", err)
			continue
		}
		out[string(name)] = link
	}
	return out, rows.Err()
}

// TempPin protects blocks from gc until released.
type TempPin struct {
	id uuid.UUID
}

func (p TempPin) String() string {
	return p.id.String()
}

type tempPinSet struct {
	mu    sync.Mutex
	links []tree.Link
}

func (s *Store) CreateTempPin() TempPin {
	pin := TempPin{id: uuid.New()}
	s.pins.Store(pin.id.String(), &tempPinSet{})
	return pin
}

func (s *Store) AssignTempPin(pin TempPin, links []tree.Link) error {
	set, ok := s.pins.Load(pin.id.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPin, pin)
	}
	set.mu.Lock()
	set.links = append(set.links, links...)
	set.mu.Unlock()
	return nil
}

func (s *Store) ReleaseTempPin(pin TempPin) {
	s.pins.Delete(pin.id.String())
}

func (s *Store) pinnedLinks() []tree.Link {
	var links []tree.Link
	s.pins.Range(func(_ string, set *tempPinSet) bool {
		set.mu.Lock()
		links = append(links, set.links...)
		set.mu.Unlock()
		return true
	})
	return links
}

// GC deletes every block not reachable from an alias or a temp pin and returns
// the number of deleted blocks.
func (s *Store) GC(ctx context.Context) (int, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	aliases, err := s.Aliases(ctx)
	if err != nil {
		return 0, err
	}
	roots := s.pinnedLinks()
	for _, l := range aliases {
		roots = append(roots, l)
	}

	live := make(map[tree.Link]struct{})
	for len(roots) > 0 {
		l := roots[len(roots)-1]
		roots = roots[:len(roots)-1]
		if _, ok := live[l]; ok {
			continue
		}
		live[l] = struct{}{}

		data, err := s.GetBlock(ctx, l)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		children, err := tree.BlockLinks(data)
		if err != nil {
			// not a tree block, nothing to follow
			continue
		}
		roots = append(roots, children...)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT cid FROM blocks")
	if err != nil {
		return 0, fmt.Errorf("select blocks: %w", err)
	}
	var dead []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan block: %w", err)
		}
		link, err := tree.ParseLink(raw)
		if err == nil {
			if _, ok := live[link]; ok {
				continue
			}
		}
		dead = append(dead, raw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, raw := range dead {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM blocks WHERE cid = ?", raw); err != nil {
			return 0, fmt.Errorf("delete block %s: %w", raw, err)
		}
		if link, err := tree.ParseLink(raw); err == nil {
			s.cache.remove(link)
		}
	}
	if len(dead) > 0 {
		slog.Debug("block gc finished", "deleted", len(dead), "live", len(live))
	}
	return len(dead), nil
}
