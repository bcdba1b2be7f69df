package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"swarmlog/pkg/types"
)

func TestInitNodeID_CreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := initNodeID(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	second, err := initNodeID(path)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if first != second {
		t.Fatalf("reloaded id %s differs from created %s", second, first)
	}
}

func TestInitNodeID_IsPublicKeyOfStoredSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	id, err := initNodeID(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	seed, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("decode seed: %v", err)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	if string(pub) != string(id[:]) {
		t.Fatalf("node id %s is not the public key of the stored seed", id)
	}
}

func TestInitNodeID_RejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not a key\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := initNodeID(path); !errors.Is(err, types.ErrInvalidNodeID) {
		t.Fatalf("expected ErrInvalidNodeID, got %v", err)
	}
}
